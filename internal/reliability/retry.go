package reliability

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides what follows a failed attempt.
type RetryPolicy interface {
	// Next is called after attempt (zero based) failed with err. It returns
	// the wait before the next attempt, or false to give up.
	Next(attempt int, err error) (time.Duration, bool)
}

// ExponentialBackoff doubles (or multiplies by Multiplier) the wait after
// every failure, up to MaxInterval.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      int
	// Jitter spreads each wait uniformly over ±Jitter of its value.
	Jitter float64
}

// NewExponentialBackoff creates a backoff with ±15% jitter.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxRetries:      maxRetries,
		Jitter:          0.15,
	}
}

func (e *ExponentialBackoff) Next(attempt int, err error) (time.Duration, bool) {
	if attempt >= e.MaxRetries || !IsRetryable(err) {
		return 0, false
	}
	return e.Delay(attempt), true
}

// Delay returns the wait after the given failed attempt.
func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := float64(e.InitialInterval)
	for range attempt {
		delay *= e.Multiplier
		if delay >= float64(e.MaxInterval) {
			break
		}
	}
	delay = min(delay, float64(e.MaxInterval))

	if e.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * e.Jitter * delay
	}
	return time.Duration(delay)
}

// FixedDelay waits the same time between attempts.
type FixedDelay struct {
	Wait       time.Duration
	MaxRetries int
}

func NewFixedDelay(wait time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Wait: wait, MaxRetries: maxRetries}
}

func (f *FixedDelay) Next(attempt int, err error) (time.Duration, bool) {
	if attempt >= f.MaxRetries || !IsRetryable(err) {
		return 0, false
	}
	return f.Wait, true
}

// NotifyFunc observes a failed attempt that is about to be retried.
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Retry runs fn until it succeeds or policy gives up, returning the last
// error. ctx is checked before each attempt and while waiting; an attempt
// in progress is never abandoned. notify may be nil.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error, notify NotifyFunc) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		wait, again := policy.Next(attempt, err)
		if !again {
			return err
		}
		if notify != nil {
			notify(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
