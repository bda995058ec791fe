package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrForwarderStarted is returned by Start on a running forwarder.
var ErrForwarderStarted = errors.New("outbox forwarder already started")

// Forwarder runs ForwardPending on an interval and whenever it is notified.
type Forwarder struct {
	outbox   *Outbox
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	onPass   func(Report, error)

	nudge chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ForwarderOption configures a Forwarder
type ForwarderOption func(*Forwarder)

func WithInterval(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if d > 0 {
			f.interval = d
		}
	}
}

// WithPassTimeout bounds a single pass.
func WithPassTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.timeout = d
	}
}

func WithForwarderLogger(logger *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithPassHook is called after every pass.
func WithPassHook(fn func(Report, error)) ForwarderOption {
	return func(f *Forwarder) {
		f.onPass = fn
	}
}

func NewForwarder(ob *Outbox, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		outbox:   ob,
		interval: time.Second,
		timeout:  30 * time.Second,
		logger:   slog.Default(),
		nudge:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start launches the background loop. The forwarder counts as started until
// the loop goroutine has exited.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		return ErrForwarderStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.cancel, f.done = cancel, done
	go f.loop(ctx, done)

	f.logger.Info("outbox forwarder started",
		"interval", f.interval,
		"batchSize", f.outbox.batchSize,
	)
	return nil
}

// Notify asks for a pass as soon as possible. It never blocks.
func (f *Forwarder) Notify() {
	select {
	case f.nudge <- struct{}{}:
	default:
	}
}

// Stop ends the loop and waits for the running pass to finish or ctx to
// expire. A pass still running when ctx expires keeps the forwarder started
// until it returns.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		f.logger.Info("outbox forwarder stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Forwarder) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		f.mu.Lock()
		if f.done == done {
			f.cancel, f.done = nil, nil
		}
		f.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.nudge:
		}
		f.pass(ctx)
	}
}

func (f *Forwarder) pass(ctx context.Context) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	report, err := f.outbox.ForwardPending(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Error("outbox pass failed", "error", err)
	}
	if f.onPass != nil {
		f.onPass(report, err)
	}
}
