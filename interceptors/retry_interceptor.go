package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/internal/reliability"
)

// RetryInterceptor re-runs the rest of the chain while the policy allows.
// The delay suspends only the current message.
type RetryInterceptor struct {
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(retryPolicy reliability.RetryPolicy, logger *slog.Logger) *RetryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      logger,
	}
}

func (r *RetryInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	return reliability.Retry(ctx, r.retryPolicy, func() error {
		return next.Handle(ctx, env)
	}, func(attempt int, err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "retrying message",
			"messageId", env.ID,
			"messageType", env.Type,
			"attempt", attempt+1,
			"delay", wait,
			"error", err,
		)
	})
}

func (r *RetryInterceptor) Name() string {
	return "retry"
}

// CircuitBreaker defines the interface for circuit breaker functionality
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor fails fast while the downstream step keeps failing.
type CircuitBreakerInterceptor struct {
	circuitBreaker CircuitBreaker
}

func NewCircuitBreakerInterceptor(circuitBreaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{circuitBreaker: circuitBreaker}
}

func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	return i.circuitBreaker.Execute(ctx, func() error {
		return next.Handle(ctx, env)
	})
}

func (i *CircuitBreakerInterceptor) Name() string {
	return "circuit-breaker"
}
