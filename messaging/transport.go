package messaging

import (
	"context"
)

// OutgoingMessage is what the publisher hands to a broker transport.
type OutgoingMessage struct {
	Topic       string
	RoutingKey  string
	MessageID   string
	Body        []byte
	Headers     map[string]string
	ContentType string
}

// TransportPublisher sends bytes to the broker. Send returns once the
// transport considers the message accepted.
type TransportPublisher interface {
	Send(ctx context.Context, msg OutgoingMessage) error
	Close() error
}

// Delivery is one inbound message. Exactly one of Ack or Nack is called.
type Delivery interface {
	Body() []byte
	Headers() map[string]string
	Ack() error
	Nack(requeue bool) error
}

// DeliveryHandler receives deliveries from a transport.
type DeliveryHandler func(ctx context.Context, d Delivery)

// TransportSubscriber consumes a topic. Listen blocks until ctx is done or
// the subscription fails.
type TransportSubscriber interface {
	Listen(ctx context.Context, topic string, handler DeliveryHandler) error
	Close() error
}

// Transport provides both directions.
type Transport interface {
	TransportPublisher
	Listen(ctx context.Context, topic string, handler DeliveryHandler) error
	// Ping reports whether the broker is reachable.
	Ping(ctx context.Context) error
}
