// Package memstore keeps outbox and inbox records in process memory. It is
// meant for tests and single-process development setups.
package memstore

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/inbox"
	"github.com/glimte/relaybus/outbox"
)

// OutboxStore is an in-memory outbox.Store
type OutboxStore struct {
	mu       sync.RWMutex
	messages map[string]*outbox.Message
}

func NewOutboxStore() *OutboxStore {
	return &OutboxStore{messages: make(map[string]*outbox.Message)}
}

func (s *OutboxStore) Insert(_ context.Context, msg *outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("outbox message %s: %w", msg.ID, contracts.ErrDuplicateKey)
	}
	s.messages[msg.ID] = msg.Clone()
	return nil
}

func (s *OutboxStore) Update(_ context.Context, msg *outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; !exists {
		return fmt.Errorf("outbox message %s not found", msg.ID)
	}
	s.messages[msg.ID] = msg.Clone()
	return nil
}

// Pending yields unsent messages in ascending creation order. Each iteration
// takes a fresh snapshot, so the sequence can be ranged over again.
func (s *OutboxStore) Pending(ctx context.Context, batchSize int) iter.Seq2[*outbox.Message, error] {
	return func(yield func(*outbox.Message, error) bool) {
		s.mu.RLock()
		pending := make([]*outbox.Message, 0, len(s.messages))
		for _, msg := range s.messages {
			if msg.SentAt == nil {
				pending = append(pending, msg.Clone())
			}
		}
		s.mu.RUnlock()

		sort.Slice(pending, func(i, j int) bool {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		})
		if batchSize > 0 && len(pending) > batchSize {
			pending = pending[:batchSize]
		}

		for _, msg := range pending {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (s *OutboxStore) CountPending(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, msg := range s.messages {
		if msg.SentAt == nil {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the stored message.
func (s *OutboxStore) Get(id string) (*outbox.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return msg.Clone(), true
}

// InboxStore is an in-memory inbox.Store
type InboxStore struct {
	mu       sync.RWMutex
	messages map[string]inbox.Message
}

func NewInboxStore() *InboxStore {
	return &InboxStore{messages: make(map[string]inbox.Message)}
}

func (s *InboxStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[id]
	return ok, nil
}

func (s *InboxStore) Insert(_ context.Context, msg *inbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("inbox message %s: %w", msg.ID, contracts.ErrDuplicateKey)
	}
	s.messages[msg.ID] = *msg
	return nil
}

// Len returns the number of records.
func (s *InboxStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
