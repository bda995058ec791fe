// Package redisstore keeps inbox records in Redis. Records are kept forever
// by default. With WithTTL they expire, and deduplication then only covers
// redeliveries within the retention window.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/inbox"
)

const (
	DefaultKeyPrefix = "relay:inbox:"
	DefaultTTL       time.Duration = 0
)

// Client is the subset of the redis client the store uses.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// InboxStore implements inbox.Store with SETNX.
type InboxStore struct {
	client    Client
	keyPrefix string
	ttl       time.Duration
}

// Option configures an InboxStore
type Option func(*InboxStore)

func WithKeyPrefix(prefix string) Option {
	return func(s *InboxStore) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithTTL sets how long records are kept. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *InboxStore) {
		s.ttl = ttl
	}
}

func NewInboxStore(client Client, opts ...Option) *InboxStore {
	s := &InboxStore{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
		ttl:       DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InboxStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check inbox record: %w", err)
	}
	return n > 0, nil
}

// Insert sets the record only when absent, in one atomic command.
func (s *InboxStore) Insert(ctx context.Context, msg *inbox.Message) error {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+msg.ID, msg.Type, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to write inbox record: %w", err)
	}
	if !ok {
		return fmt.Errorf("inbox message %s: %w", msg.ID, contracts.ErrDuplicateKey)
	}
	return nil
}

// Ping checks the connection.
func (s *InboxStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ inbox.Store = (*InboxStore)(nil)
