// Package reliability provides retry policies and a circuit breaker used by
// the message pipeline.
//
// Both are safe for concurrent use. Retry delays suspend only the caller, and
// cancellation is observed between attempts, never while an attempt runs.
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 3)
//	err := Retry(ctx, policy, func() error {
//	    return send(ctx, msg)
//	})
package reliability
