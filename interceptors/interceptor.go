package interceptors

import (
	"context"
	"slices"

	"github.com/glimte/relaybus/contracts"
)

// Direction tells an interceptor which way the envelope is travelling.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

type directionKey struct{}

// DirectionFrom returns the direction of the chain executing in ctx.
func DirectionFrom(ctx context.Context) Direction {
	d, _ := ctx.Value(directionKey{}).(Direction)
	return d
}

// Handler is a step that receives an envelope
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Interceptor wraps the rest of the chain. It may run logic before and after
// calling next, call next with a derived envelope, skip next entirely, or
// translate the error next returns.
type Interceptor interface {
	Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error

	// Name returns the interceptor name for logging and configuration
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	return i.fn(ctx, env, next)
}

func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an immutable ordered list of interceptors. Pre-logic runs in list
// order and post-logic in reverse order. A Chain is safe for concurrent use.
type Chain struct {
	direction    Direction
	interceptors []Interceptor
}

// NewChain builds a chain from an ordered list. The list is copied.
func NewChain(direction Direction, interceptors ...Interceptor) *Chain {
	return &Chain{
		direction:    direction,
		interceptors: slices.Clone(interceptors),
	}
}

// Direction returns the direction the chain was built for.
func (c *Chain) Direction() Direction {
	return c.direction
}

// Names lists the interceptors in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs env through the chain, ending in terminal.
func (c *Chain) Execute(ctx context.Context, env *contracts.Envelope, terminal Handler) error {
	if c == nil {
		return terminal.Handle(ctx, env)
	}
	ctx = context.WithValue(ctx, directionKey{}, c.direction)
	if len(c.interceptors) == 0 {
		return terminal.Handle(ctx, env)
	}

	// Build the chain in reverse order
	handler := terminal
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		currentHandler := handler
		handler = HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			return interceptor.Intercept(ctx, env, currentHandler)
		})
	}

	return handler.Handle(ctx, env)
}
