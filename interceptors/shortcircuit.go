package interceptors

import (
	"context"
	"errors"
	"strconv"

	"github.com/glimte/relaybus/contracts"
)

// ShortCircuitResult explains why the chain stopped early
type ShortCircuitResult struct {
	Reason string
	Poison bool
}

// ShortCircuitError is returned when an interceptor does not call next
type ShortCircuitError struct {
	Interceptor string
	Result      *ShortCircuitResult
}

func (e *ShortCircuitError) Error() string {
	if e.Result != nil && e.Result.Reason != "" {
		return e.Interceptor + ": " + e.Result.Reason
	}
	return "interceptor chain short-circuited"
}

// IsShortCircuit checks if an error is a short-circuit error
func IsShortCircuit(err error) bool {
	var scErr *ShortCircuitError
	return errors.As(err, &scErr)
}

// IsPoison reports whether err classifies the message as poison.
func IsPoison(err error) bool {
	var scErr *ShortCircuitError
	return errors.As(err, &scErr) && scErr.Result != nil && scErr.Result.Poison
}

// ShortCircuitEvaluator decides whether the chain should stop before next
type ShortCircuitEvaluator interface {
	ShouldShortCircuit(ctx context.Context, env *contracts.Envelope) (bool, *ShortCircuitResult, error)
}

// ShortCircuitEvaluatorFunc is a function adapter for ShortCircuitEvaluator
type ShortCircuitEvaluatorFunc func(ctx context.Context, env *contracts.Envelope) (bool, *ShortCircuitResult, error)

func (f ShortCircuitEvaluatorFunc) ShouldShortCircuit(ctx context.Context, env *contracts.Envelope) (bool, *ShortCircuitResult, error) {
	return f(ctx, env)
}

// ShortCircuitInterceptor stops the chain when its evaluator says so
type ShortCircuitInterceptor struct {
	name      string
	evaluator ShortCircuitEvaluator
}

func NewShortCircuitInterceptor(name string, evaluator ShortCircuitEvaluator) *ShortCircuitInterceptor {
	return &ShortCircuitInterceptor{name: name, evaluator: evaluator}
}

func (i *ShortCircuitInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	stop, result, err := i.evaluator.ShouldShortCircuit(ctx, env)
	if err != nil {
		return err
	}
	if stop {
		return &ShortCircuitError{Interceptor: i.name, Result: result}
	}
	return next.Handle(ctx, env)
}

func (i *ShortCircuitInterceptor) Name() string {
	return i.name
}

// HeaderDeliveryCount is set by transports that know how often a message
// has been delivered.
const HeaderDeliveryCount = "x-delivery-count"

// NewPoisonMessageInterceptor classifies inbound envelopes delivered more
// than maxDeliveries times as poison.
func NewPoisonMessageInterceptor(maxDeliveries int) *ShortCircuitInterceptor {
	return NewShortCircuitInterceptor("poison", ShortCircuitEvaluatorFunc(
		func(ctx context.Context, env *contracts.Envelope) (bool, *ShortCircuitResult, error) {
			if DirectionFrom(ctx) != Inbound {
				return false, nil, nil
			}
			count, err := strconv.Atoi(env.Header(HeaderDeliveryCount))
			if err != nil || count <= maxDeliveries {
				return false, nil, nil
			}
			return true, &ShortCircuitResult{
				Reason: "delivered " + strconv.Itoa(count) + " times",
				Poison: true,
			}, nil
		}))
}
