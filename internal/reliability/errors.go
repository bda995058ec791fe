package reliability

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/relaybus/contracts"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// CircuitBreakerError is returned while the breaker rejects calls
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s %s (failures=%d, retry at %s)",
		e.Name, e.State, e.Failures, e.NextRetry.Format(time.RFC3339))
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryableError wraps an error to force a retry decision
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}

// IsRetryable classifies err. Validation, serialization and dispatch
// resolution failures never succeed on retry; unknown errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	if errors.Is(err, ErrNonRetryable) || contracts.IsPermanent(err) {
		return false
	}
	if errors.Is(err, contracts.ErrDuplicateProcessing) {
		return false
	}
	return true
}
