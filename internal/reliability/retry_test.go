package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/relaybus/contracts"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("gives up after max retries", func(t *testing.T) {
		policy := NewExponentialBackoff(10*time.Millisecond, time.Second, 2, 2)
		err := errors.New("boom")

		_, again := policy.Next(0, err)
		assert.True(t, again)
		_, again = policy.Next(1, err)
		assert.True(t, again)
		_, again = policy.Next(2, err)
		assert.False(t, again)
	})

	t.Run("delay grows and caps", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, 300*time.Millisecond, 2, 5)
		policy.Jitter = 0

		assert.Equal(t, 100*time.Millisecond, policy.Delay(0))
		assert.Equal(t, 200*time.Millisecond, policy.Delay(1))
		assert.Equal(t, 300*time.Millisecond, policy.Delay(2))
		assert.Equal(t, 300*time.Millisecond, policy.Delay(60))
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 5)
		for range 50 {
			d := policy.Delay(0)
			assert.GreaterOrEqual(t, d, 85*time.Millisecond)
			assert.LessOrEqual(t, d, 115*time.Millisecond)
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		policy := NewExponentialBackoff(10*time.Millisecond, time.Second, 2, 5)
		_, again := policy.Next(0, &contracts.ValidationError{Field: "type", Reason: "required"})
		assert.False(t, again)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(100*time.Millisecond, 3), func() error {
			attempts++
			return nil
		}, nil)

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries on failure and notifies", func(t *testing.T) {
		attempts := 0
		var notified []int
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		}, func(attempt int, err error, wait time.Duration) {
			notified = append(notified, attempt)
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []int{0, 1}, notified)
	})

	t.Run("returns last error after max retries", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			attempts++
			return errors.New("persistent error")
		}, nil)

		assert.EqualError(t, err, "persistent error")
		assert.Equal(t, 3, attempts)
	})

	t.Run("cancellation interrupts the delay, not the attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts int32

		err := Retry(ctx, NewFixedDelay(time.Second, 5), func() error {
			atomic.AddInt32(&attempts, 1)
			cancel()
			return errors.New("error")
		}, nil)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})

	t.Run("cancelled context never starts an attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			called = true
			return nil
		}, nil)

		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			attempts++
			if attempts == 2 {
				return Permanent(errors.New("fatal error"))
			}
			return errors.New("retryable error")
		}, nil)

		assert.EqualError(t, err, "fatal error")
		assert.Equal(t, 2, attempts)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("timeout")))
	assert.True(t, IsRetryable(&contracts.TransportError{Op: "send", Err: errors.New("reset")}))
	assert.False(t, IsRetryable(&contracts.SerializationError{Err: errors.New("bad")}))
	assert.False(t, IsRetryable(contracts.ErrHandlerNotFound))
	assert.True(t, IsRetryable(RetryableError{Err: contracts.ErrValidation, Retryable: true}))
}
