package messaging

import (
	"context"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/serialization"
)

// EnvelopeHandlerFor adapts a dispatcher to the subscriber: payloads are
// decoded into the Go type registered for the envelope type and dispatched.
// Query results are dropped; queries that expect a reply publish it from
// their handler.
func EnvelopeHandlerFor(d *Dispatcher, registry serialization.TypeRegistry, serializer serialization.Serializer) EnvelopeHandler {
	return EnvelopeHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		msg, err := serialization.DecodeMessage(registry, serializer, env)
		if err != nil {
			return err
		}
		if msg.GetCorrelationID() == "" && env.CorrelationID != "" {
			msg.SetCorrelationID(env.CorrelationID)
		}
		_, err = d.Dispatch(ctx, msg)
		return err
	})
}

// SubscribeDispatcher subscribes d for every type in registry that d
// handles.
func SubscribeDispatcher(s *Subscriber, d *Dispatcher, registry serialization.TypeRegistry, serializer serialization.Serializer) error {
	handler := EnvelopeHandlerFor(d, registry, serializer)
	for _, typeName := range registry.Names() {
		msg, err := registry.New(typeName)
		if err != nil {
			return err
		}
		if !d.Handles(msg) {
			s.logger.Debug("no dispatcher handler for registered type", "messageType", typeName)
			continue
		}
		if err := s.Subscribe(typeName, handler); err != nil {
			return err
		}
	}
	return nil
}
