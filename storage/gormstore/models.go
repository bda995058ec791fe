package gormstore

import (
	"time"

	"github.com/glimte/relaybus/inbox"
	"github.com/glimte/relaybus/outbox"
)

type outboxRecord struct {
	ID           string     `gorm:"primaryKey;size:64"`
	Type         string     `gorm:"size:255;not null"`
	PartitionKey string     `gorm:"size:255;index"`
	Envelope     []byte     `gorm:"not null"`
	CreatedAt    time.Time  `gorm:"not null;index:idx_outbox_pending,priority:2"`
	SentAt       *time.Time `gorm:"index:idx_outbox_pending,priority:1"`
	Attempts     int        `gorm:"not null;default:0"`
	LastError    string     `gorm:"type:text"`
}

func (outboxRecord) TableName() string {
	return "outbox_messages"
}

func newOutboxRecord(msg *outbox.Message) *outboxRecord {
	r := &outboxRecord{
		ID:           msg.ID,
		Type:         msg.Type,
		PartitionKey: msg.PartitionKey,
		Envelope:     msg.Envelope,
		CreatedAt:    msg.CreatedAt.UTC(),
		Attempts:     msg.Attempts,
		LastError:    msg.LastError,
	}
	if msg.SentAt != nil {
		t := msg.SentAt.UTC()
		r.SentAt = &t
	}
	return r
}

func (r *outboxRecord) message() *outbox.Message {
	msg := &outbox.Message{
		ID:           r.ID,
		Type:         r.Type,
		PartitionKey: r.PartitionKey,
		Envelope:     r.Envelope,
		CreatedAt:    r.CreatedAt.UTC(),
		Attempts:     r.Attempts,
		LastError:    r.LastError,
	}
	if r.SentAt != nil {
		t := r.SentAt.UTC()
		msg.SentAt = &t
	}
	return msg
}

type inboxRecord struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Type       string    `gorm:"size:255;not null"`
	ReceivedAt time.Time `gorm:"not null;index"`
}

func (inboxRecord) TableName() string {
	return "inbox_messages"
}

func newInboxRecord(msg *inbox.Message) *inboxRecord {
	return &inboxRecord{ID: msg.ID, Type: msg.Type, ReceivedAt: msg.ReceivedAt.UTC()}
}
