// Package correlation binds the correlation data of the message being
// processed to a context.Context.
//
// The binding travels with the context value, so it follows the logical call
// chain: goroutines started with a derived context see it, while unrelated
// concurrent deliveries, each with their own context, never observe each
// other's value.
package correlation
