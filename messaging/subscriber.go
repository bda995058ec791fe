package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/correlation"
	"github.com/glimte/relaybus/inbox"
	"github.com/glimte/relaybus/interceptors"
	"github.com/glimte/relaybus/serialization"
)

// EnvelopeHandler handles one inbound envelope.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, env *contracts.Envelope) error
}

// EnvelopeHandlerFunc is a function adapter for EnvelopeHandler
type EnvelopeHandlerFunc func(ctx context.Context, env *contracts.Envelope) error

func (f EnvelopeHandlerFunc) HandleEnvelope(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Subscriber routes deliveries to handlers registered per message type.
// Each delivery is decoded, runs through the inbound chain, and reaches its
// handler through the inbox, so a redelivered message is acknowledged
// without running the handler again.
type Subscriber struct {
	transport TransportSubscriber
	inbox     *inbox.Inbox
	chain     *interceptors.Chain
	codec     serialization.EnvelopeCodec
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]EnvelopeHandler
}

// SubscriberOption configures the Subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithInboundChain sets the interceptors run around every delivery
func WithInboundChain(chain *interceptors.Chain) SubscriberOption {
	return func(s *Subscriber) {
		s.chain = chain
	}
}

// WithSubscriberCodec sets the envelope wire codec
func WithSubscriberCodec(codec serialization.EnvelopeCodec) SubscriberOption {
	return func(s *Subscriber) {
		s.codec = codec
	}
}

// NewSubscriber creates a subscriber. Without an inbox deliveries are not
// deduplicated.
func NewSubscriber(transport TransportSubscriber, ib *inbox.Inbox, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		transport: transport,
		inbox:     ib,
		chain:     interceptors.NewChain(interceptors.Inbound),
		codec:     serialization.NewJSONEnvelopeCodec(),
		logger:    slog.Default(),
		handlers:  make(map[string]EnvelopeHandler),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Subscribe registers handler for envelopes of messageType. A type has at
// most one handler.
func (s *Subscriber) Subscribe(messageType string, handler EnvelopeHandler) error {
	if messageType == "" {
		return &contracts.ValidationError{Field: "messageType", Reason: "required"}
	}
	if handler == nil {
		return &contracts.ValidationError{Field: "handler", Reason: "cannot be nil"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[messageType]; exists {
		return fmt.Errorf("%w: message type %s already has a subscriber", contracts.ErrHandlerAmbiguous, messageType)
	}
	s.handlers[messageType] = handler

	s.logger.Info("subscribed to message type", "messageType", messageType)
	return nil
}

// MessageTypes lists the subscribed types.
func (s *Subscriber) MessageTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Listen consumes topic until ctx is done.
func (s *Subscriber) Listen(ctx context.Context, topic string) error {
	s.logger.Info("listening", "topic", topic)
	return s.transport.Listen(ctx, topic, s.HandleDelivery)
}

// HandleDelivery processes one delivery and settles it.
//
// Undecodable envelopes, unknown types, permanent failures and poison
// messages are rejected without requeue. Transient handler failures are
// requeued. Duplicates and intentionally skipped messages are acknowledged.
func (s *Subscriber) HandleDelivery(ctx context.Context, d Delivery) {
	env, err := s.codec.Decode(d.Body())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to decode envelope", "error", err)
		s.nack(ctx, d, "", false)
		return
	}
	if count := d.Headers()[interceptors.HeaderDeliveryCount]; count != "" {
		env = env.WithHeader(interceptors.HeaderDeliveryCount, count)
	}

	s.mu.RLock()
	handler, ok := s.handlers[env.Type]
	s.mu.RUnlock()
	if !ok {
		s.logger.WarnContext(ctx, "no handler registered for message type",
			"messageId", env.ID,
			"messageType", env.Type,
		)
		s.nack(ctx, d, env.ID, false)
		return
	}

	c, err := correlation.FromEnvelope(env)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to restore correlation context",
			"messageId", env.ID,
			"error", err,
		)
		s.nack(ctx, d, env.ID, false)
		return
	}
	ctx = correlation.With(ctx, c)

	outcome := inbox.OutcomeProcessed
	err = s.chain.Execute(ctx, env, interceptors.HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		if s.inbox == nil {
			return handler.HandleEnvelope(ctx, env)
		}
		var err error
		outcome, err = s.inbox.Process(ctx, env, func(ctx context.Context) error {
			return handler.HandleEnvelope(ctx, env)
		})
		return err
	}))

	attrs := append(correlation.LogAttrs(ctx), "messageId", env.ID, "messageType", env.Type)
	switch {
	case err == nil:
		if outcome == inbox.OutcomeDuplicate {
			s.logger.InfoContext(ctx, "duplicate delivery acknowledged without processing", attrs...)
		}
		s.ack(ctx, d, env.ID)
	case interceptors.IsPoison(err):
		s.logger.ErrorContext(ctx, "poison message rejected", append(attrs, "error", err)...)
		s.nack(ctx, d, env.ID, false)
	case interceptors.IsShortCircuit(err):
		s.logger.InfoContext(ctx, "message skipped", append(attrs, "reason", err)...)
		s.ack(ctx, d, env.ID)
	case contracts.IsPermanent(err):
		s.logger.ErrorContext(ctx, "message rejected", append(attrs, "error", err)...)
		s.nack(ctx, d, env.ID, false)
	default:
		s.logger.WarnContext(ctx, "handler failed, message requeued", append(attrs, "error", err)...)
		s.nack(ctx, d, env.ID, true)
	}
}

// Close closes the transport.
func (s *Subscriber) Close() error {
	return s.transport.Close()
}

func (s *Subscriber) ack(ctx context.Context, d Delivery, messageID string) {
	if err := d.Ack(); err != nil {
		s.logger.ErrorContext(ctx, "failed to ack message",
			"messageId", messageID,
			"error", err,
		)
	}
}

func (s *Subscriber) nack(ctx context.Context, d Delivery, messageID string, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		s.logger.ErrorContext(ctx, "failed to nack message",
			"messageId", messageID,
			"requeue", requeue,
			"error", err,
		)
	}
}
