// Command relayd runs the outbox forwarder, inbound listeners and health
// endpoints of a relay service.
package main

import (
	"fmt"
	"os"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
