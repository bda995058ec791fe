package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"
)

// ChannelPool bounds the number of AMQP channels checked out at once and
// keeps released ones idle for reuse. A channel found closed on checkout is
// dropped and a new one opened in its place.
type ChannelPool struct {
	manager *ConnectionManager
	slots   *semaphore.Weighted
	idle    chan *PooledChannel
	wait    time.Duration
	min     int
	max     int

	open   atomic.Int64
	mu     sync.RWMutex
	closed bool
}

// PooledChannel is an AMQP channel owned by a ChannelPool.
type PooledChannel struct {
	*amqp.Channel
	id        string
	lastUsed  time.Time
	confirmed bool
}

func (c *PooledChannel) ID() string { return c.id }

type ChannelPoolOption func(*ChannelPool)

// WithMaxSize caps concurrently checked-out channels.
func WithMaxSize(size int) ChannelPoolOption {
	return func(p *ChannelPool) { p.max = size }
}

// WithMinSize sets how many channels are opened eagerly.
func WithMinSize(size int) ChannelPoolOption {
	return func(p *ChannelPool) { p.min = size }
}

// WithWaitTimeout bounds how long Get blocks when every slot is taken.
func WithWaitTimeout(d time.Duration) ChannelPoolOption {
	return func(p *ChannelPool) { p.wait = d }
}

func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}
	p := &ChannelPool{manager: manager, max: 10, min: 1, wait: 5 * time.Second}
	for _, opt := range options {
		opt(p)
	}
	switch {
	case p.max < 1:
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	case p.min < 0 || p.min > p.max:
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	p.slots = semaphore.NewWeighted(int64(p.max))
	p.idle = make(chan *PooledChannel, p.max)
	for i := range p.min {
		ch, err := p.openChannel()
		if err != nil {
			_ = p.Close()
			return nil, chanErr("pool initialization", fmt.Sprintf("init-%d", i), err)
		}
		p.idle <- ch
	}
	return p, nil
}

func chanErr(op, id string, err error) *ChannelError {
	return &ChannelError{Op: op, ChannelID: id, Err: err, Timestamp: time.Now()}
}

func (p *ChannelPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Get checks out a channel. It waits up to the configured timeout for a
// slot; the caller must hand the channel back with Put or Discard.
func (p *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if p.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.wait)
	defer cancel()
	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, chanErr("get channel", "pool", ctx.Err())
		}
		return nil, chanErr("get channel", "pool", ErrChannelPoolExhausted)
	}

	for {
		select {
		case ch, ok := <-p.idle:
			if !ok {
				p.slots.Release(1)
				return nil, ErrChannelPoolClosed
			}
			if ch.IsClosed() {
				p.open.Add(-1)
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		ch, err := p.openChannel()
		if err != nil {
			p.slots.Release(1)
			return nil, err
		}
		return ch, nil
	}
}

// Put returns a channel for reuse. Channels closed by the broker are
// forgotten.
func (p *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	defer p.slots.Release(1)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || ch.IsClosed() {
		p.forget(ch)
		return
	}
	ch.lastUsed = time.Now()
	select {
	case p.idle <- ch:
	default:
		p.forget(ch)
	}
}

// Discard closes a checked-out channel instead of reusing it.
func (p *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	p.forget(ch)
	p.slots.Release(1)
}

func (p *ChannelPool) forget(ch *PooledChannel) {
	if !ch.IsClosed() {
		_ = ch.Close()
	}
	p.open.Add(-1)
}

// Close closes idle channels. Channels still checked out are closed when
// they come back.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.idle)
	p.mu.Unlock()

	var errs []error
	for ch := range p.idle {
		if ch.IsClosed() {
			p.open.Add(-1)
			continue
		}
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		p.open.Add(-1)
	}
	return errors.Join(errs...)
}

func (p *ChannelPool) openChannel() (*PooledChannel, error) {
	conn, err := p.manager.GetConnection()
	if err != nil {
		return nil, chanErr("create channel", "new", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, chanErr("create channel", "new", fmt.Errorf("%w: %w", ErrChannelCreationFailed, err))
	}
	p.open.Add(1)
	return &PooledChannel{Channel: ch, id: uuid.NewString(), lastUsed: time.Now()}, nil
}

// Size reports how many channels the pool has open, idle or checked out.
func (p *ChannelPool) Size() int {
	return int(p.open.Load())
}

// Execute runs fn on a pooled channel. A panic in fn is returned as an
// error and the channel is discarded.
func (p *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.Discard(ch)
			err = fmt.Errorf("panic in channel execution: %v", r)
			return
		}
		p.Put(ch)
	}()
	return fn(ch.Channel)
}
