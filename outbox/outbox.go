// Package outbox stages outgoing envelopes in durable storage and forwards
// them to the broker.
//
// Enqueue is called inside the caller's business transaction (see
// Outbox.WithStore). ForwardPending, usually driven by a Forwarder, sends
// pending rows in creation order and marks them sent. A crash between send
// and mark causes a resend, which the receiving inbox deduplicates.
package outbox

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/serialization"
)

// Message is a staged outgoing envelope.
type Message struct {
	ID           string
	Type         string
	PartitionKey string
	Envelope     []byte
	CreatedAt    time.Time
	// SentAt is nil while the message is pending and set once after a
	// confirmed send.
	SentAt    *time.Time
	Attempts  int
	LastError string
}

// IsPending reports whether the message still has to be forwarded.
func (m *Message) IsPending() bool {
	return m.SentAt == nil
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.Envelope = append([]byte(nil), m.Envelope...)
	if m.SentAt != nil {
		t := *m.SentAt
		c.SentAt = &t
	}
	return &c
}

// Store persists outbox messages.
//
// Insert fails with an error matching contracts.ErrDuplicateKey when the id
// exists. Pending yields at most limit unsent messages in ascending CreatedAt
// order; the sequence is lazy and every range over it queries again.
type Store interface {
	Insert(ctx context.Context, msg *Message) error
	Update(ctx context.Context, msg *Message) error
	Pending(ctx context.Context, limit int) iter.Seq2[*Message, error]
}

// PendingCounter is implemented by stores that can count the backlog.
type PendingCounter interface {
	CountPending(ctx context.Context) (int64, error)
}

// Sender delivers an envelope to the broker, normally through the outbound
// plugin chain.
type Sender interface {
	Send(ctx context.Context, env *contracts.Envelope) error
}

// SenderFunc is a function adapter for Sender
type SenderFunc func(ctx context.Context, env *contracts.Envelope) error

func (f SenderFunc) Send(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Report summarises one forwarding pass.
type Report struct {
	Attempted int
	Sent      int
	Failed    int
	// Deferred messages were sent but left pending because an earlier
	// message of the same partition is still pending. They are resent on a
	// later pass.
	Deferred int
}

// Outbox stages and forwards messages.
type Outbox struct {
	store     Store
	sender    Sender
	codec     serialization.EnvelopeCodec
	logger    *slog.Logger
	batchSize int

	forwardMu *sync.Mutex
	clock     *monotonicClock
}

// Option configures an Outbox
type Option func(*Outbox)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) {
		o.logger = logger
	}
}

func WithCodec(codec serialization.EnvelopeCodec) Option {
	return func(o *Outbox) {
		o.codec = codec
	}
}

// WithBatchSize limits how many messages one pass marks sent. Messages that
// fail or are deferred do not count, so a pass reads past them.
func WithBatchSize(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// New creates an outbox writing to store and forwarding through sender.
func New(store Store, sender Sender, opts ...Option) *Outbox {
	o := &Outbox{
		store:     store,
		sender:    sender,
		codec:     serialization.NewJSONEnvelopeCodec(),
		logger:    slog.Default(),
		batchSize: 100,
		forwardMu: &sync.Mutex{},
		clock:     &monotonicClock{now: time.Now},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithStore returns an outbox that writes through store, typically a store
// bound to the caller's transaction. Creation order and forwarding
// serialization are shared with o.
func (o *Outbox) WithStore(store Store) *Outbox {
	c := *o
	c.store = store
	return &c
}

// Enqueue appends env as a pending message.
func (o *Outbox) Enqueue(ctx context.Context, env *contracts.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := o.codec.Encode(env)
	if err != nil {
		return err
	}

	msg := &Message{
		ID:           env.ID,
		Type:         env.Type,
		PartitionKey: env.PartitionKey(),
		Envelope:     data,
		CreatedAt:    o.clock.next(),
	}
	if err := o.store.Insert(ctx, msg); err != nil {
		return fmt.Errorf("outbox enqueue %s: %w", env.ID, err)
	}

	o.logger.DebugContext(ctx, "message staged in outbox",
		"messageId", env.ID,
		"messageType", env.Type,
	)
	return nil
}

// ForwardPending performs one forwarding pass. Only one pass runs at a time.
//
// Every pending message is attempted. A message that fails to decode or send
// stays pending and blocks its partition for the rest of the pass: later
// messages of that partition are still sent but are not marked sent, so
// the mark order per partition always follows creation order. The pass ends
// once batchSize messages are marked sent or the backlog is exhausted, so
// rows that keep failing never starve the messages queued behind them.
// Cancellation is checked before each send, never during one, and a
// confirmed send is always marked.
func (o *Outbox) ForwardPending(ctx context.Context) (Report, error) {
	o.forwardMu.Lock()
	defer o.forwardMu.Unlock()

	var report Report
	blocked := make(map[string]bool)

	for msg, err := range o.store.Pending(ctx, 0) {
		if report.Sent >= o.batchSize {
			break
		}
		if err != nil {
			return report, fmt.Errorf("outbox read pending: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Attempted++
		partition := msg.PartitionKey
		if partition == "" {
			partition = msg.ID
		}

		env, err := o.codec.Decode(msg.Envelope)
		if err != nil {
			o.logger.ErrorContext(ctx, "outbox message cannot be decoded, manual intervention required",
				"messageId", msg.ID,
				"messageType", msg.Type,
				"error", err,
			)
			blocked[partition] = true
			report.Failed++
			o.recordFailure(ctx, msg, err)
			continue
		}

		if err := o.sender.Send(ctx, env); err != nil {
			o.logger.WarnContext(ctx, "outbox send failed",
				"messageId", msg.ID,
				"messageType", msg.Type,
				"attempts", msg.Attempts+1,
				"error", err,
			)
			blocked[partition] = true
			report.Failed++
			o.recordFailure(ctx, msg, err)
			continue
		}

		if blocked[partition] {
			report.Deferred++
			continue
		}

		sentAt := o.clock.now().UTC()
		msg.SentAt = &sentAt
		msg.Attempts++
		msg.LastError = ""
		if err := o.store.Update(context.WithoutCancel(ctx), msg); err != nil {
			// the send happened; the message will be resent later
			o.logger.ErrorContext(ctx, "failed to mark outbox message sent",
				"messageId", msg.ID,
				"error", err,
			)
			blocked[partition] = true
			report.Failed++
			continue
		}
		report.Sent++
	}

	if report.Attempted > 0 {
		o.logger.InfoContext(ctx, "outbox pass finished",
			"attempted", report.Attempted,
			"sent", report.Sent,
			"failed", report.Failed,
			"deferred", report.Deferred,
		)
	}
	return report, nil
}

// PendingCount returns the backlog size when the store supports counting.
func (o *Outbox) PendingCount(ctx context.Context) (int64, error) {
	counter, ok := o.store.(PendingCounter)
	if !ok {
		return 0, fmt.Errorf("outbox store %T cannot count pending messages", o.store)
	}
	return counter.CountPending(ctx)
}

func (o *Outbox) recordFailure(ctx context.Context, msg *Message, cause error) {
	msg.Attempts++
	msg.LastError = cause.Error()
	if err := o.store.Update(context.WithoutCancel(ctx), msg); err != nil {
		o.logger.ErrorContext(ctx, "failed to record outbox failure",
			"messageId", msg.ID,
			"error", err,
		)
	}
}

// monotonicClock hands out strictly increasing timestamps so that creation
// order is total within a process. Microsecond steps survive database
// timestamp precision.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func (c *monotonicClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
