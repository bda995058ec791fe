package contracts

import (
	"time"
)

// Kind classifies a message for routing and dispatch.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
	KindQuery   Kind = "query"
	KindMessage Kind = "message"
)

// Message is anything the bus can carry.
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetType() string
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}

// Command asks one service to do something.
type Command interface {
	Message
	GetTargetService() string
}

// Event represents something that has happened.
// The aggregate id is used as the outbox partition key so that events for
// the same entity are forwarded in creation order.
type Event interface {
	Message
	GetAggregateID() string
	GetSequence() int64
}

// Query asks for data; ReplyTo names where the answer goes.
type Query interface {
	Message
	GetReplyTo() string
}

// KindOf reports the kind of msg.
func KindOf(msg Message) Kind {
	switch msg.(type) {
	case Command:
		return KindCommand
	case Event:
		return KindEvent
	case Query:
		return KindQuery
	default:
		return KindMessage
	}
}
