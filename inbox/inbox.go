// Package inbox records the ids of inbound messages that were handled, so
// that redelivered messages do not run their handler again.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/glimte/relaybus/contracts"
)

// Message is the durable record of a handled inbound message.
type Message struct {
	ID         string
	Type       string
	ReceivedAt time.Time
}

// Store persists inbox records. Insert must fail with an error matching
// contracts.ErrDuplicateKey when the id already exists.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Insert(ctx context.Context, msg *Message) error
}

// Outcome describes what Process did.
type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeDuplicate
)

func (o Outcome) String() string {
	if o == OutcomeDuplicate {
		return "duplicate"
	}
	return "processed"
}

// Inbox guards handler execution with the store's uniqueness constraint.
type Inbox struct {
	store  Store
	group  *singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Inbox
type Option func(*Inbox)

func WithLogger(logger *slog.Logger) Option {
	return func(i *Inbox) {
		i.logger = logger
	}
}

func New(store Store, opts ...Option) *Inbox {
	i := &Inbox{
		store:  store,
		group:  &singleflight.Group{},
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// WithStore returns an inbox that writes through store, typically bound to
// the caller's transaction. In-flight deduplication is shared with i.
func (i *Inbox) WithStore(store Store) *Inbox {
	c := *i
	c.store = store
	return &c
}

// HasProcessed reports whether a record exists for id.
func (i *Inbox) HasProcessed(ctx context.Context, id string) (bool, error) {
	ok, err := i.store.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("inbox lookup %s: %w", id, err)
	}
	return ok, nil
}

// MarkProcessed records id. A record that already exists counts as success.
func (i *Inbox) MarkProcessed(ctx context.Context, id, messageType string) error {
	err := i.store.Insert(ctx, &Message{ID: id, Type: messageType, ReceivedAt: i.now()})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, contracts.ErrDuplicateKey):
		i.logger.DebugContext(ctx, "inbox record already exists", "messageId", id)
		return nil
	default:
		return fmt.Errorf("inbox insert %s: %w", id, err)
	}
}

type result struct {
	outcome Outcome
}

// Process runs fn at most once per envelope id. Concurrent calls for the same
// id share one execution and its result. When a record exists fn is skipped
// and OutcomeDuplicate is returned. When fn fails no record is written.
func (i *Inbox) Process(ctx context.Context, env *contracts.Envelope, fn func(ctx context.Context) error) (Outcome, error) {
	v, err, _ := i.group.Do(env.ID, func() (any, error) {
		done, err := i.HasProcessed(ctx, env.ID)
		if err != nil {
			return nil, err
		}
		if done {
			return result{outcome: OutcomeDuplicate}, nil
		}

		if err := fn(ctx); err != nil {
			return nil, err
		}

		if err := i.MarkProcessed(ctx, env.ID, env.Type); err != nil {
			return nil, err
		}
		return result{outcome: OutcomeProcessed}, nil
	})
	if err != nil {
		return OutcomeProcessed, err
	}
	return v.(result).outcome, nil
}
