package contracts

import (
	"errors"
	"maps"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Well-known envelope headers.
const (
	HeaderPartitionKey = "x-partition-key"
	HeaderCausationID  = "x-causation-id"
	HeaderContentType  = "content-type"
	HeaderMessageKind  = "x-message-kind"
	HeaderTopic        = "x-topic"
	HeaderRoute        = "x-route"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope wraps a message for transport.
//
// An envelope is immutable once created: the With* methods return modified
// copies and leave the receiver untouched. Code that receives an *Envelope
// must not write to its fields.
type Envelope struct {
	ID            string            `json:"id" validate:"required"`
	Type          string            `json:"type" validate:"required"`
	CorrelationID string            `json:"correlationId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt" validate:"required"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       []byte            `json:"payload"`
	Context       []byte            `json:"context,omitempty"`
}

// EnvelopeOption configures an envelope at creation.
type EnvelopeOption func(*Envelope)

// WithEnvelopeID overrides the generated id.
func WithEnvelopeID(id string) EnvelopeOption {
	return func(e *Envelope) {
		if id != "" {
			e.ID = id
		}
	}
}

// WithEnvelopeCorrelationID sets the correlation id.
func WithEnvelopeCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithEnvelopeHeaders merges headers into the envelope.
func WithEnvelopeHeaders(headers map[string]string) EnvelopeOption {
	return func(e *Envelope) {
		maps.Copy(e.Headers, headers)
	}
}

// WithEnvelopeTime overrides the creation time.
func WithEnvelopeTime(t time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.CreatedAt = t.UTC()
	}
}

// NewEnvelope creates an envelope with a fresh id and creation time. The
// payload is copied.
func NewEnvelope(messageType string, payload []byte, opts ...EnvelopeOption) *Envelope {
	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      messageType,
		CreatedAt: time.Now().UTC(),
		Headers:   make(map[string]string),
		Payload:   cloneBytes(payload),
	}
	for _, opt := range opts {
		opt(env)
	}
	return env
}

// Header returns a header value.
func (e *Envelope) Header(key string) string {
	return e.Headers[key]
}

// PartitionKey returns the ordering key of the envelope. Envelopes without a
// partition key header are their own partition.
func (e *Envelope) PartitionKey() string {
	if key := e.Headers[HeaderPartitionKey]; key != "" {
		return key
	}
	return e.ID
}

// PayloadBytes returns a copy of the payload.
func (e *Envelope) PayloadBytes() []byte {
	return cloneBytes(e.Payload)
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Headers = maps.Clone(e.Headers)
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}
	c.Payload = cloneBytes(e.Payload)
	c.Context = cloneBytes(e.Context)
	return &c
}

// WithHeader returns a copy with the header set.
func (e *Envelope) WithHeader(key, value string) *Envelope {
	c := e.Clone()
	c.Headers[key] = value
	return c
}

// WithHeaders returns a copy with all given headers set.
func (e *Envelope) WithHeaders(headers map[string]string) *Envelope {
	c := e.Clone()
	maps.Copy(c.Headers, headers)
	return c
}

// WithContext returns a copy carrying the given serialized message context.
func (e *Envelope) WithContext(b []byte) *Envelope {
	c := e.Clone()
	c.Context = cloneBytes(b)
	return c
}

// WithCorrelationID returns a copy with the correlation id replaced.
func (e *Envelope) WithCorrelationID(id string) *Envelope {
	c := e.Clone()
	c.CorrelationID = id
	return c
}

// Validate checks the envelope identity fields.
func (e *Envelope) Validate() error {
	if e == nil {
		return &ValidationError{Field: "envelope", Reason: "cannot be nil"}
	}
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: verrs[0].Field(), Reason: verrs[0].Tag()}
		}
		return &ValidationError{Field: "envelope", Reason: err.Error()}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
