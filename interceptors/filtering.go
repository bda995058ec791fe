package interceptors

import (
	"context"
	"fmt"
	"slices"

	"github.com/glimte/relaybus/contracts"
)

// MessageFilter decides whether an envelope should be processed
type MessageFilter interface {
	ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, env *contracts.Envelope) (bool, error)

func (f MessageFilterFunc) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// MessageTypeFilter accepts only the listed envelope types
type MessageTypeFilter struct {
	allowed []string
}

func NewMessageTypeFilter(allowedTypes ...string) *MessageTypeFilter {
	return &MessageTypeFilter{allowed: allowedTypes}
}

func (f *MessageTypeFilter) ShouldProcess(_ context.Context, env *contracts.Envelope) (bool, error) {
	return slices.Contains(f.allowed, env.Type), nil
}

// ConditionalInterceptor applies an interceptor only to envelopes accepted
// by the condition; others go straight to next.
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

func (i *ConditionalInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	ok, err := i.condition.ShouldProcess(ctx, env)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if ok {
		return i.interceptor.Intercept(ctx, env, next)
	}
	return next.Handle(ctx, env)
}

func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("conditional[%s]", i.interceptor.Name())
}
