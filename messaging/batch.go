package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/relaybus/contracts"
)

type pendingPublish struct {
	msg  contracts.Message
	opts []PublishOption
}

// Batch gathers the messages one unit of work produces so they can be
// published or staged together.
type Batch struct {
	publisher *Publisher

	mu    sync.Mutex
	queue []pendingPublish
}

func (p *Publisher) NewBatch() *Batch {
	return &Batch{publisher: p}
}

func (b *Batch) Add(msg contracts.Message, options ...PublishOption) error {
	if isNil(msg) {
		return &contracts.ValidationError{Field: "message", Reason: "cannot be nil"}
	}
	b.mu.Lock()
	b.queue = append(b.queue, pendingPublish{msg: msg, opts: options})
	b.mu.Unlock()
	return nil
}

func (b *Batch) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Batch) drain() []pendingPublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}

// BatchError lists the messages of a batch that could not be published.
type BatchError struct {
	Total  int
	Failed map[int]error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch publish: %d of %d messages failed", len(e.Failed), e.Total)
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// Publish sends every queued message directly, in order, and empties the
// batch. A failed message does not stop the rest; failures come back as a
// *BatchError.
func (b *Batch) Publish(ctx context.Context) error {
	queue := b.drain()
	failed := map[int]error{}
	for i, p := range queue {
		err := b.publisher.Publish(ctx, p.msg, p.opts...)
		if err == nil {
			continue
		}
		failed[i] = err
		b.publisher.logger.ErrorContext(ctx, "batch message not published",
			"index", i,
			"messageType", p.msg.GetType(),
			"error", err,
		)
	}
	if len(failed) > 0 {
		return &BatchError{Total: len(queue), Failed: failed}
	}
	return nil
}

// Stage appends the queued messages to ob and stops at the first failure.
// When ob writes through the caller's transaction the batch commits or
// rolls back as one.
func (b *Batch) Stage(ctx context.Context, ob Enqueuer) error {
	queue := b.drain()
	for i, p := range queue {
		if _, err := b.publisher.Stage(ctx, ob, p.msg, p.opts...); err != nil {
			return fmt.Errorf("stage message %d of %d: %w", i+1, len(queue), err)
		}
	}
	return nil
}
