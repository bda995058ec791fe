package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/glimte/relaybus/outbox"
)

// PingChecker reports a dependency healthy when its ping succeeds. It
// covers the database, Redis and the broker transport.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker creates a checker around ping.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if err := c.ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// PendingCounter reports the outbox backlog.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int64, error)
}

// OutboxStats is a snapshot of the forwarder's progress.
type OutboxStats struct {
	Pending    int64         `json:"pending"`
	Passes     int64         `json:"passes"`
	LastPassAt time.Time     `json:"lastPassAt,omitzero"`
	LastReport outbox.Report `json:"lastReport"`
	LastError  string        `json:"lastError,omitempty"`
}

// OutboxChecker watches the outbox backlog and the most recent forwarding
// pass. Observe is meant to be installed as the forwarder's pass hook.
type OutboxChecker struct {
	counter           PendingCounter
	warningThreshold  int64
	criticalThreshold int64

	mu         sync.Mutex
	passes     int64
	lastPassAt time.Time
	lastReport outbox.Report
	lastErr    error
}

// NewOutboxChecker creates an outbox checker. A threshold of zero disables it.
func NewOutboxChecker(counter PendingCounter, warningThreshold, criticalThreshold int64) *OutboxChecker {
	return &OutboxChecker{
		counter:           counter,
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

// Observe records the result of a forwarding pass.
func (c *OutboxChecker) Observe(report outbox.Report, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passes++
	c.lastPassAt = time.Now()
	c.lastReport = report
	c.lastErr = err
}

// Stats returns the current backlog and the last observed pass.
func (c *OutboxChecker) Stats(ctx context.Context) (OutboxStats, error) {
	pending, err := c.counter.PendingCount(ctx)
	if err != nil {
		return OutboxStats{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	stats := OutboxStats{
		Pending:    pending,
		Passes:     c.passes,
		LastPassAt: c.lastPassAt,
		LastReport: c.lastReport,
	}
	if c.lastErr != nil {
		stats.LastError = c.lastErr.Error()
	}
	return stats, nil
}

func (c *OutboxChecker) Name() string {
	return "outbox"
}

func (c *OutboxChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to count pending messages"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["pending"] = stats.Pending
	result.Details["passes"] = stats.Passes
	result.Details["last_failed"] = stats.LastReport.Failed

	switch {
	case c.criticalThreshold > 0 && stats.Pending >= c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Outbox backlog is critical: %d", stats.Pending)
	case c.warningThreshold > 0 && stats.Pending >= c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Outbox backlog is high: %d", stats.Pending)
	case stats.LastError != "":
		result.Status = StatusDegraded
		result.Message = "Last forwarding pass failed"
		result.Error = stats.LastError
	default:
		result.Status = StatusHealthy
		result.Message = "Outbox is draining"
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine leaks, which is how a stuck consumer or a
// runaway retry loop usually shows up.
type RuntimeChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker.
func NewRuntimeChecker(warningGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
