package correlation

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/glimte/relaybus/contracts"
)

// Context ties together every processing step caused by one originating
// request or message.
type Context struct {
	CorrelationID string            `json:"correlationId"`
	CausationID   string            `json:"causationId,omitempty"`
	MessageID     string            `json:"messageId,omitempty"`
	Baggage       map[string]string `json:"baggage,omitempty"`
}

// New starts a correlation context. An empty id is replaced by a fresh one.
func New(correlationID string) Context {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return Context{CorrelationID: correlationID}
}

// IsZero reports whether c carries no correlation id.
func (c Context) IsZero() bool {
	return c.CorrelationID == ""
}

// Child derives the context of a message caused by the current one.
func (c Context) Child(messageID string) Context {
	return Context{
		CorrelationID: c.CorrelationID,
		CausationID:   c.MessageID,
		MessageID:     messageID,
		Baggage:       maps.Clone(c.Baggage),
	}
}

// WithBaggage returns a copy with one baggage item set.
func (c Context) WithBaggage(key, value string) Context {
	out := c.clone()
	if out.Baggage == nil {
		out.Baggage = make(map[string]string)
	}
	out.Baggage[key] = value
	return out
}

func (c Context) clone() Context {
	c.Baggage = maps.Clone(c.Baggage)
	return c
}

type ctxKey struct{}

// binding is stored by pointer so Clear can shadow an outer value with nil.
type binding struct {
	value *Context
}

// With binds c to the returned context.
func With(ctx context.Context, c Context) context.Context {
	v := c.clone()
	return context.WithValue(ctx, ctxKey{}, binding{value: &v})
}

// From returns the correlation context bound to ctx. Reading does not clear it.
func From(ctx context.Context) (Context, bool) {
	b, ok := ctx.Value(ctxKey{}).(binding)
	if !ok || b.value == nil {
		return Context{}, false
	}
	return b.value.clone(), true
}

// Clear returns a context in which no correlation context is bound.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, binding{})
}

// IDFrom returns the bound correlation id or "".
func IDFrom(ctx context.Context) string {
	c, _ := From(ctx)
	return c.CorrelationID
}

// Encode serializes c for the envelope context field.
func Encode(c Context) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, &contracts.SerializationError{Type: "correlation.Context", Err: err}
	}
	return b, nil
}

// Decode parses an envelope context field. Empty input yields a zero value.
func Decode(b []byte) (Context, error) {
	var c Context
	if len(b) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return Context{}, &contracts.SerializationError{Type: "correlation.Context", Err: err}
	}
	return c, nil
}

// FromEnvelope restores the correlation context carried by an inbound
// envelope. Missing fields fall back to the envelope correlation id and then
// to the envelope id, so every delivery gets a non-empty correlation id.
func FromEnvelope(env *contracts.Envelope) (Context, error) {
	c, err := Decode(env.Context)
	if err != nil {
		return Context{}, err
	}
	if c.CorrelationID == "" {
		c.CorrelationID = env.CorrelationID
	}
	if c.CorrelationID == "" {
		c.CorrelationID = env.ID
	}
	if c.CausationID == "" {
		c.CausationID = env.Header(contracts.HeaderCausationID)
	}
	c.MessageID = env.ID
	return c, nil
}

// Stamp returns a copy of env carrying c in its context field, correlation id
// and causation header.
func Stamp(env *contracts.Envelope, c Context) (*contracts.Envelope, error) {
	c.MessageID = env.ID
	b, err := Encode(c)
	if err != nil {
		return nil, err
	}
	out := env.WithContext(b)
	out.CorrelationID = c.CorrelationID
	if c.CausationID != "" {
		out.Headers[contracts.HeaderCausationID] = c.CausationID
	}
	return out, nil
}

// LogAttrs returns slog attributes describing the bound context.
func LogAttrs(ctx context.Context) []any {
	c, ok := From(ctx)
	if !ok {
		return nil
	}
	attrs := []any{slog.String("correlationId", c.CorrelationID)}
	if c.CausationID != "" {
		attrs = append(attrs, slog.String("causationId", c.CausationID))
	}
	return attrs
}

// Propagator binds and reads correlation contexts on a context.Context.
type Propagator interface {
	Set(ctx context.Context, c Context) context.Context
	Get(ctx context.Context) (Context, bool)
	Clear(ctx context.Context) context.Context
}

// ContextPropagator is the Propagator backed by context values.
type ContextPropagator struct{}

func (ContextPropagator) Set(ctx context.Context, c Context) context.Context {
	return With(ctx, c)
}

func (ContextPropagator) Get(ctx context.Context) (Context, bool) {
	return From(ctx)
}

func (ContextPropagator) Clear(ctx context.Context) context.Context {
	return Clear(ctx)
}
