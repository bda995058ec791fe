package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/relaybus/contracts"
)

// ErrDispatcherFrozen is returned when registering after the first dispatch.
var ErrDispatcherFrozen = errors.New("dispatcher is frozen")

// CommandHandler handles one command type
type CommandHandler[T contracts.Command] interface {
	Handle(ctx context.Context, cmd T) error
}

// CommandHandlerFunc is a function adapter for CommandHandler
type CommandHandlerFunc[T contracts.Command] func(ctx context.Context, cmd T) error

func (f CommandHandlerFunc[T]) Handle(ctx context.Context, cmd T) error {
	return f(ctx, cmd)
}

// EventHandler handles one event type
type EventHandler[T contracts.Event] interface {
	Handle(ctx context.Context, evt T) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc[T contracts.Event] func(ctx context.Context, evt T) error

func (f EventHandlerFunc[T]) Handle(ctx context.Context, evt T) error {
	return f(ctx, evt)
}

// QueryHandler answers one query type
type QueryHandler[T contracts.Query, R any] interface {
	Handle(ctx context.Context, q T) (R, error)
}

// QueryHandlerFunc is a function adapter for QueryHandler
type QueryHandlerFunc[T contracts.Query, R any] func(ctx context.Context, q T) (R, error)

func (f QueryHandlerFunc[T, R]) Handle(ctx context.Context, q T) (R, error) {
	return f(ctx, q)
}

// Invoker runs a message to completion and returns its result.
type Invoker func(ctx context.Context, msg contracts.Message) (any, error)

// MiddlewareFunc wraps every dispatch.
type MiddlewareFunc func(ctx context.Context, msg contracts.Message, next Invoker) (any, error)

type registration struct {
	kind    contracts.Kind
	msgType reflect.Type
	invoke  Invoker
}

// Dispatcher resolves the single handler registered for the concrete Go type
// of a message. Handlers are registered during startup; the first dispatch
// freezes the table.
type Dispatcher struct {
	mu         sync.RWMutex
	handlers   map[reflect.Type]*registration
	frozen     bool
	middleware []MiddlewareFunc
	logger     *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMiddleware adds middleware to the dispatcher. The first middleware is
// the outermost.
func WithMiddleware(middleware ...MiddlewareFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[reflect.Type]*registration),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	d.middleware = slices.Clip(d.middleware)
	return d
}

func (d *Dispatcher) register(reg *registration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frozen {
		return fmt.Errorf("register %s: %w", reg.msgType, ErrDispatcherFrozen)
	}
	if _, exists := d.handlers[reg.msgType]; exists {
		return fmt.Errorf("%w: %s already has a handler", contracts.ErrHandlerAmbiguous, reg.msgType)
	}
	d.handlers[reg.msgType] = reg

	d.logger.Debug("registered message handler",
		"messageType", reg.msgType.String(),
		"kind", string(reg.kind),
	)
	return nil
}

// RegisterCommand registers the handler for commands of type T.
func RegisterCommand[T contracts.Command](d *Dispatcher, h CommandHandler[T]) error {
	return RegisterCommandFactory(d, func() CommandHandler[T] { return h })
}

// RegisterCommandFactory registers a factory that builds a fresh handler for
// every dispatch of T.
func RegisterCommandFactory[T contracts.Command](d *Dispatcher, factory func() CommandHandler[T]) error {
	if factory == nil {
		return &contracts.ValidationError{Field: "handler", Reason: "cannot be nil"}
	}
	return d.register(&registration{
		kind:    contracts.KindCommand,
		msgType: reflect.TypeFor[T](),
		invoke: func(ctx context.Context, msg contracts.Message) (any, error) {
			return nil, factory().Handle(ctx, msg.(T))
		},
	})
}

// RegisterEvent registers the handler for events of type T.
func RegisterEvent[T contracts.Event](d *Dispatcher, h EventHandler[T]) error {
	return RegisterEventFactory(d, func() EventHandler[T] { return h })
}

// RegisterEventFactory registers a factory that builds a fresh handler for
// every dispatch of T.
func RegisterEventFactory[T contracts.Event](d *Dispatcher, factory func() EventHandler[T]) error {
	if factory == nil {
		return &contracts.ValidationError{Field: "handler", Reason: "cannot be nil"}
	}
	return d.register(&registration{
		kind:    contracts.KindEvent,
		msgType: reflect.TypeFor[T](),
		invoke: func(ctx context.Context, msg contracts.Message) (any, error) {
			return nil, factory().Handle(ctx, msg.(T))
		},
	})
}

// RegisterQuery registers the handler answering queries of type T.
func RegisterQuery[T contracts.Query, R any](d *Dispatcher, h QueryHandler[T, R]) error {
	return RegisterQueryFactory(d, func() QueryHandler[T, R] { return h })
}

// RegisterQueryFactory registers a factory that builds a fresh handler for
// every dispatch of T.
func RegisterQueryFactory[T contracts.Query, R any](d *Dispatcher, factory func() QueryHandler[T, R]) error {
	if factory == nil {
		return &contracts.ValidationError{Field: "handler", Reason: "cannot be nil"}
	}
	return d.register(&registration{
		kind:    contracts.KindQuery,
		msgType: reflect.TypeFor[T](),
		invoke: func(ctx context.Context, msg contracts.Message) (any, error) {
			return factory().Handle(ctx, msg.(T))
		},
	})
}

// Freeze forbids further registration. Dispatch calls it implicitly.
func (d *Dispatcher) Freeze() {
	d.mu.Lock()
	d.frozen = true
	d.mu.Unlock()
}

// Handles reports whether a handler is registered for the type of msg.
func (d *Dispatcher) Handles(msg contracts.Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[reflect.TypeOf(msg)]
	return ok
}

// Dispatch runs msg through the middleware into its handler. Every call gets
// its own Scope. A cancelled ctx aborts before the handler starts.
func (d *Dispatcher) Dispatch(ctx context.Context, msg contracts.Message) (any, error) {
	if isNil(msg) {
		return nil, &contracts.ValidationError{Field: "message", Reason: "cannot be nil"}
	}

	d.mu.RLock()
	frozen := d.frozen
	reg, ok := d.handlers[reflect.TypeOf(msg)]
	d.mu.RUnlock()
	if !frozen {
		d.Freeze()
	}
	if !ok {
		return nil, fmt.Errorf("%w: %T", contracts.ErrHandlerNotFound, msg)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	invoke := reg.invoke
	for i := len(d.middleware) - 1; i >= 0; i-- {
		mw := d.middleware[i]
		next := invoke
		invoke = func(ctx context.Context, msg contracts.Message) (any, error) {
			return mw(ctx, msg, next)
		}
	}

	return invoke(withScope(ctx, newScope()), msg)
}

// Send dispatches a command.
func (d *Dispatcher) Send(ctx context.Context, cmd contracts.Command) error {
	_, err := d.Dispatch(ctx, cmd)
	return err
}

// Raise dispatches an event.
func (d *Dispatcher) Raise(ctx context.Context, evt contracts.Event) error {
	_, err := d.Dispatch(ctx, evt)
	return err
}

// Ask dispatches a query and returns its typed result.
func Ask[R any](ctx context.Context, d *Dispatcher, q contracts.Query) (R, error) {
	var zero R
	res, err := d.Dispatch(ctx, q)
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	out, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("query %T returned %T, want %T", q, res, zero)
	}
	return out, nil
}

// Scope is the per-dispatch state. Values stored in one dispatch are never
// visible to another.
type Scope struct {
	ID        string
	StartedAt time.Time

	mu     sync.Mutex
	values map[any]any
}

func newScope() *Scope {
	return &Scope{ID: uuid.New().String(), StartedAt: time.Now()}
}

func (s *Scope) Set(key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[any]any)
	}
	s.values[key] = value
}

func (s *Scope) Get(key any) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

type scopeKey struct{}

func withScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope of the dispatch running in ctx.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}
