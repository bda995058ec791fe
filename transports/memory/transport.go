// Package memory is an in-process broker for tests and single-binary
// deployments. Every Listen call is an independent subscription that gets
// its own copy of each message sent to the topic after it started.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/glimte/relaybus/interceptors"
	"github.com/glimte/relaybus/messaging"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("memory transport closed")

// Transport implements messaging.Transport in memory.
type Transport struct {
	logger *slog.Logger

	mu          sync.RWMutex
	closed      bool
	subscribers map[string][]*subscription
	sent        []messaging.OutgoingMessage
	dead        []messaging.OutgoingMessage
}

var _ messaging.Transport = (*Transport)(nil)

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

func New(options ...Option) *Transport {
	t := &Transport{
		logger:      slog.Default(),
		subscribers: make(map[string][]*subscription),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Send copies msg to every current subscription of msg.Topic.
func (t *Transport) Send(ctx context.Context, msg messaging.OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg = clone(msg)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.sent = append(t.sent, msg)
	subs := append([]*subscription(nil), t.subscribers[msg.Topic]...)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.push(queued{msg: clone(msg), count: 1})
	}
	t.logger.Debug("message sent",
		"topic", msg.Topic,
		"routingKey", msg.RoutingKey,
		"messageId", msg.MessageID,
		"subscribers", len(subs),
	)
	return nil
}

// Listen delivers messages for topic one at a time until ctx is done.
func (t *Transport) Listen(ctx context.Context, topic string, handler messaging.DeliveryHandler) error {
	sub := &subscription{signal: make(chan struct{}, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.subscribers[topic] = append(t.subscribers[topic], sub)
	t.mu.Unlock()
	defer t.remove(topic, sub)

	for {
		for {
			item, ok := sub.pop()
			if !ok {
				break
			}
			handler(ctx, &delivery{transport: t, sub: sub, item: item})
			if ctx.Err() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-sub.signal:
		}
	}
}

// Ping fails once the transport is closed.
func (t *Transport) Ping(context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Sent lists every message accepted by Send.
func (t *Transport) Sent() []messaging.OutgoingMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]messaging.OutgoingMessage(nil), t.sent...)
}

// DeadLetters lists messages rejected without requeue.
func (t *Transport) DeadLetters() []messaging.OutgoingMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]messaging.OutgoingMessage(nil), t.dead...)
}

// Subscribers returns the number of active subscriptions on topic.
func (t *Transport) Subscribers(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers[topic])
}

func (t *Transport) remove(topic string, target *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subscribers[topic]
	filtered := subs[:0:0]
	for _, sub := range subs {
		if sub != target {
			filtered = append(filtered, sub)
		}
	}
	t.subscribers[topic] = filtered
}

func (t *Transport) deadLetter(msg messaging.OutgoingMessage) {
	t.mu.Lock()
	t.dead = append(t.dead, msg)
	t.mu.Unlock()
}

type queued struct {
	msg   messaging.OutgoingMessage
	count int
}

// subscription is an unbounded FIFO so requeueing from inside a handler
// never blocks.
type subscription struct {
	mu     sync.Mutex
	items  []queued
	signal chan struct{}
}

func (s *subscription) push(item queued) {
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() (queued, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return queued{}, false
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, true
}

type delivery struct {
	transport *Transport
	sub       *subscription
	item      queued
	settled   atomic.Bool
}

func (d *delivery) Body() []byte {
	return d.item.msg.Body
}

func (d *delivery) Headers() map[string]string {
	headers := maps.Clone(d.item.msg.Headers)
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[interceptors.HeaderDeliveryCount] = strconv.Itoa(d.item.count)
	return headers
}

func (d *delivery) Ack() error {
	d.settled.Store(true)
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	if requeue {
		d.sub.push(queued{msg: d.item.msg, count: d.item.count + 1})
		return nil
	}
	d.transport.deadLetter(d.item.msg)
	return nil
}

func clone(msg messaging.OutgoingMessage) messaging.OutgoingMessage {
	msg.Body = append([]byte(nil), msg.Body...)
	msg.Headers = maps.Clone(msg.Headers)
	return msg
}
