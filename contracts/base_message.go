package contracts

import (
	"time"

	"github.com/google/uuid"
)

// BaseMessage carries the identity every message needs. Embed it (or one
// of the kind-specific bases below) in a message struct.
type BaseMessage struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// NewBaseMessage stamps a fresh UUID and the current UTC time.
func NewBaseMessage(messageType string) BaseMessage {
	return BaseMessage{ID: uuid.NewString(), Timestamp: time.Now().UTC(), Type: messageType}
}

func (m BaseMessage) GetID() string {
	return m.ID
}

func (m BaseMessage) GetTimestamp() time.Time {
	return m.Timestamp
}

func (m BaseMessage) GetType() string {
	return m.Type
}

func (m BaseMessage) GetCorrelationID() string {
	return m.CorrelationID
}

func (m *BaseMessage) SetCorrelationID(correlationID string) {
	m.CorrelationID = correlationID
}

// BaseCommand is embedded by commands.
type BaseCommand struct {
	BaseMessage
	TargetService string `json:"targetService,omitempty"`
}

// NewBaseCommand creates a command addressed to targetService.
func NewBaseCommand(messageType, targetService string) BaseCommand {
	return BaseCommand{
		BaseMessage:   NewBaseMessage(messageType),
		TargetService: targetService,
	}
}

func (c BaseCommand) GetTargetService() string {
	return c.TargetService
}

// BaseEvent is embedded by events. AggregateID doubles as the outbox
// partition key.
type BaseEvent struct {
	BaseMessage
	AggregateID string `json:"aggregateId"`
	Sequence    int64  `json:"sequence"`
}

// NewBaseEvent creates an event raised by the given aggregate.
func NewBaseEvent(messageType, aggregateID string, sequence int64) BaseEvent {
	return BaseEvent{
		BaseMessage: NewBaseMessage(messageType),
		AggregateID: aggregateID,
		Sequence:    sequence,
	}
}

func (e BaseEvent) GetAggregateID() string {
	return e.AggregateID
}

func (e BaseEvent) GetSequence() int64 {
	return e.Sequence
}

// BaseQuery is embedded by queries.
type BaseQuery struct {
	BaseMessage
	ReplyTo string `json:"replyTo,omitempty"`
}

func NewBaseQuery(messageType string) BaseQuery {
	return BaseQuery{BaseMessage: NewBaseMessage(messageType)}
}

func (q BaseQuery) GetReplyTo() string {
	return q.ReplyTo
}
