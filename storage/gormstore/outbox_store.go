package gormstore

import (
	"context"
	"fmt"
	"iter"

	"gorm.io/gorm"

	"github.com/glimte/relaybus/outbox"
)

const defaultPageSize = 50

// OutboxStore implements outbox.Store on the outbox_messages table.
type OutboxStore struct {
	db       *gorm.DB
	pageSize int
}

func NewOutboxStore(db *gorm.DB) *OutboxStore {
	return &OutboxStore{db: db, pageSize: defaultPageSize}
}

// WithPageSize returns a store that reads pending rows n at a time.
func (s *OutboxStore) WithPageSize(n int) *OutboxStore {
	if n <= 0 {
		n = defaultPageSize
	}
	return &OutboxStore{db: s.db, pageSize: n}
}

// WithTx returns a store bound to the given transaction.
func (s *OutboxStore) WithTx(tx *gorm.DB) *OutboxStore {
	return &OutboxStore{db: tx, pageSize: s.pageSize}
}

func (s *OutboxStore) Insert(ctx context.Context, msg *outbox.Message) error {
	return translate(s.db.WithContext(ctx).Create(newOutboxRecord(msg)).Error)
}

func (s *OutboxStore) Update(ctx context.Context, msg *outbox.Message) error {
	r := newOutboxRecord(msg)
	res := s.db.WithContext(ctx).
		Model(&outboxRecord{}).
		Where("id = ?", msg.ID).
		Updates(map[string]any{
			"sent_at":    r.SentAt,
			"attempts":   r.Attempts,
			"last_error": r.LastError,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("outbox message %s not found", msg.ID)
	}
	return nil
}

// Pending walks unsent rows by (created_at, id). Every page is read
// completely before its rows are yielded, so the caller may write through
// the same connection while ranging.
func (s *OutboxStore) Pending(ctx context.Context, limit int) iter.Seq2[*outbox.Message, error] {
	return func(yield func(*outbox.Message, error) bool) {
		var last *outboxRecord
		remaining := limit

		for limit <= 0 || remaining > 0 {
			size := s.pageSize
			if limit > 0 && remaining < size {
				size = remaining
			}

			q := s.db.WithContext(ctx).Where("sent_at IS NULL")
			if last != nil {
				q = q.Where("(created_at > ? OR (created_at = ? AND id > ?))", last.CreatedAt, last.CreatedAt, last.ID)
			}
			var page []*outboxRecord
			if err := q.Order("created_at ASC").Order("id ASC").Limit(size).Find(&page).Error; err != nil {
				yield(nil, err)
				return
			}

			for _, r := range page {
				if !yield(r.message(), nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			last = page[len(page)-1]
			remaining -= len(page)
		}
	}
}

func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&outboxRecord{}).Where("sent_at IS NULL").Count(&n).Error
	return n, err
}

// Get loads one message by id.
func (s *OutboxStore) Get(ctx context.Context, id string) (*outbox.Message, error) {
	var r outboxRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return r.message(), nil
}

var (
	_ outbox.Store          = (*OutboxStore)(nil)
	_ outbox.PendingCounter = (*OutboxStore)(nil)
)
