package gormstore

import (
	"context"

	"gorm.io/gorm"

	"github.com/glimte/relaybus/inbox"
)

// InboxStore implements inbox.Store on the inbox_messages table. The primary
// key is the deduplication constraint.
type InboxStore struct {
	db *gorm.DB
}

func NewInboxStore(db *gorm.DB) *InboxStore {
	return &InboxStore{db: db}
}

// WithTx returns a store bound to the given transaction.
func (s *InboxStore) WithTx(tx *gorm.DB) *InboxStore {
	return &InboxStore{db: tx}
}

func (s *InboxStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&inboxRecord{}).Where("id = ?", id).Limit(1).Count(&n).Error
	return n > 0, err
}

func (s *InboxStore) Insert(ctx context.Context, msg *inbox.Message) error {
	return translate(s.db.WithContext(ctx).Create(newInboxRecord(msg)).Error)
}

var _ inbox.Store = (*InboxStore)(nil)
