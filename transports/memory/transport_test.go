package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/inbox"
	"github.com/glimte/relaybus/interceptors"
	"github.com/glimte/relaybus/messaging"
	"github.com/glimte/relaybus/storage/memstore"
	"github.com/glimte/relaybus/transports/memory"
)

type orderPlaced struct {
	contracts.BaseEvent
	OrderID string `json:"orderId"`
}

func listen(t *testing.T, tr *memory.Transport, topic string, handler messaging.DeliveryHandler) context.CancelFunc {
	t.Helper()
	before := tr.Subscribers(topic)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Listen(ctx, topic, handler)
	}()
	require.Eventually(t, func() bool { return tr.Subscribers(topic) == before+1 }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

type recorder struct {
	mu     sync.Mutex
	counts []string
}

func (r *recorder) add(count string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, count)
	return len(r.counts)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counts)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.counts...)
}

func TestTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("every subscription receives a copy", func(t *testing.T) {
		tr := memory.New()
		var a, b recorder
		listen(t, tr, "relay.events", func(_ context.Context, d messaging.Delivery) {
			a.add(string(d.Body()))
			_ = d.Ack()
		})
		listen(t, tr, "relay.events", func(_ context.Context, d messaging.Delivery) {
			b.add(string(d.Body()))
			_ = d.Ack()
		})

		require.NoError(t, tr.Send(ctx, messaging.OutgoingMessage{Topic: "relay.events", Body: []byte("one")}))
		require.NoError(t, tr.Send(ctx, messaging.OutgoingMessage{Topic: "relay.commands", Body: []byte("other")}))

		require.Eventually(t, func() bool { return a.len() == 1 && b.len() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"one"}, a.snapshot())
		assert.Len(t, tr.Sent(), 2)
	})

	t.Run("requeue redelivers with a higher count", func(t *testing.T) {
		tr := memory.New()
		var seen recorder
		listen(t, tr, "q", func(_ context.Context, d messaging.Delivery) {
			if seen.add(d.Headers()[interceptors.HeaderDeliveryCount]) < 3 {
				_ = d.Nack(true)
				return
			}
			_ = d.Ack()
		})

		require.NoError(t, tr.Send(ctx, messaging.OutgoingMessage{Topic: "q", Body: []byte("x")}))

		require.Eventually(t, func() bool { return seen.len() == 3 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"1", "2", "3"}, seen.snapshot())
		assert.Empty(t, tr.DeadLetters())
	})

	t.Run("reject without requeue dead letters", func(t *testing.T) {
		tr := memory.New()
		listen(t, tr, "q", func(_ context.Context, d messaging.Delivery) {
			_ = d.Nack(false)
			_ = d.Nack(false)
		})

		require.NoError(t, tr.Send(ctx, messaging.OutgoingMessage{Topic: "q", MessageID: "m-1"}))
		require.Eventually(t, func() bool { return len(tr.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "m-1", tr.DeadLetters()[0].MessageID)
	})

	t.Run("sent messages are isolated from the caller", func(t *testing.T) {
		tr := memory.New()
		headers := map[string]string{"k": "v"}
		require.NoError(t, tr.Send(ctx, messaging.OutgoingMessage{Topic: "q", Headers: headers}))
		headers["k"] = "changed"
		assert.Equal(t, "v", tr.Sent()[0].Headers["k"])
	})

	t.Run("closed transport", func(t *testing.T) {
		tr := memory.New()
		require.NoError(t, tr.Ping(ctx))
		require.NoError(t, tr.Close())

		assert.ErrorIs(t, tr.Send(ctx, messaging.OutgoingMessage{Topic: "q"}), memory.ErrClosed)
		assert.ErrorIs(t, tr.Ping(ctx), memory.ErrClosed)
		assert.ErrorIs(t, tr.Listen(ctx, "q", func(context.Context, messaging.Delivery) {}), memory.ErrClosed)
	})

	t.Run("cancelled send", func(t *testing.T) {
		tr := memory.New()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, tr.Send(cancelled, messaging.OutgoingMessage{Topic: "q"}), context.Canceled)
	})
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	router := messaging.NewDefaultRouter("")
	publisher := messaging.NewPublisher(tr, messaging.WithRouter(router))

	var (
		mu       sync.Mutex
		attempts int
		handled  []string
	)
	subscriber := messaging.NewSubscriber(tr, inbox.New(memstore.NewInboxStore()),
		messaging.WithInboundChain(interceptors.NewChain(interceptors.Inbound,
			interceptors.NewPoisonMessageInterceptor(3),
		)),
	)
	require.NoError(t, subscriber.Subscribe("OrderPlaced", messaging.EnvelopeHandlerFunc(func(_ context.Context, env *contracts.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		if env.PartitionKey() == "poison" {
			attempts++
			return errors.New("transient")
		}
		handled = append(handled, env.PartitionKey())
		return nil
	})))

	topic := router.Route(contracts.KindEvent, "OrderPlaced").Topic
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = subscriber.Listen(listenCtx, topic) }()
	require.Eventually(t, func() bool { return tr.Subscribers(topic) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, publisher.Publish(ctx, &orderPlaced{BaseEvent: contracts.NewBaseEvent("OrderPlaced", "o-1", 1), OrderID: "o-1"}))
	require.NoError(t, publisher.Publish(ctx, &orderPlaced{BaseEvent: contracts.NewBaseEvent("OrderPlaced", "poison", 1), OrderID: "poison"}))

	require.Eventually(t, func() bool { return len(tr.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"o-1"}, handled)
	assert.Equal(t, 3, attempts)
}
