package outbox_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/outbox"
	"github.com/glimte/relaybus/storage/memstore"
)

// scriptedSender fails the first n sends of selected message ids.
type scriptedSender struct {
	mu       sync.Mutex
	failures map[string]int
	sent     []string
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{failures: make(map[string]int)}
}

func (s *scriptedSender) failNext(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = n
}

func (s *scriptedSender) Send(_ context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[env.ID] > 0 {
		s.failures[env.ID]--
		return &contracts.TransportError{Op: "send", MessageID: env.ID, Err: errors.New("broker unavailable")}
	}
	s.sent = append(s.sent, env.ID)
	return nil
}

func (s *scriptedSender) sends() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func envelopeFor(partition string) *contracts.Envelope {
	env := contracts.NewEnvelope("OrderPlaced", []byte(`{}`))
	if partition != "" {
		env = env.WithHeader(contracts.HeaderPartitionKey, partition)
	}
	return env
}

func TestOutboxRetriesFailedSend(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewOutboxStore()
	sender := newScriptedSender()
	ob := outbox.New(store, sender)

	m1 := envelopeFor("")
	require.NoError(t, ob.Enqueue(ctx, m1))
	sender.failNext(m1.ID, 1)

	report, err := ob.ForwardPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Report{Attempted: 1, Failed: 1}, report)

	stored, ok := store.Get(m1.ID)
	require.True(t, ok)
	assert.Nil(t, stored.SentAt)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "broker unavailable")

	report, err = ob.ForwardPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	stored, _ = store.Get(m1.ID)
	require.NotNil(t, stored.SentAt)
	assert.Empty(t, stored.LastError)

	report, err = ob.ForwardPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
	assert.Equal(t, []string{m1.ID}, sender.sends())
}

func TestOutboxPreservesPartitionOrder(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewOutboxStore()
	sender := newScriptedSender()
	ob := outbox.New(store, sender)

	k := envelopeFor("order-1")
	k1 := envelopeFor("order-1")
	other := envelopeFor("order-2")
	for _, env := range []*contracts.Envelope{k, k1, other} {
		require.NoError(t, ob.Enqueue(ctx, env))
	}
	sender.failNext(k.ID, 1)

	report, err := ob.ForwardPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Report{Attempted: 3, Sent: 1, Failed: 1, Deferred: 1}, report)

	// k+1 was attempted in the same pass but is not marked before k
	assert.Equal(t, []string{k1.ID, other.ID}, sender.sends())
	stored, _ := store.Get(k1.ID)
	assert.Nil(t, stored.SentAt)
	stored, _ = store.Get(other.ID)
	assert.NotNil(t, stored.SentAt)

	report, err = ob.ForwardPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)

	first, _ := store.Get(k.ID)
	second, _ := store.Get(k1.ID)
	require.NotNil(t, first.SentAt)
	require.NotNil(t, second.SentAt)
	assert.False(t, second.SentAt.Before(*first.SentAt))
	assert.Equal(t, []string{k1.ID, other.ID, k.ID, k1.ID}, sender.sends())
}

func TestOutboxKeepsUndecodableMessagesPending(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewOutboxStore()
	sender := newScriptedSender()
	ob := outbox.New(store, sender)

	require.NoError(t, store.Insert(ctx, &outbox.Message{
		ID:        "broken",
		Type:      "OrderPlaced",
		Envelope:  []byte("{not an envelope"),
		CreatedAt: time.Now().Add(-time.Minute),
	}))
	healthy := envelopeFor("")
	require.NoError(t, ob.Enqueue(ctx, healthy))

	report, err := ob.ForwardPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Sent)

	broken, ok := store.Get("broken")
	require.True(t, ok)
	assert.Nil(t, broken.SentAt)
	assert.Equal(t, 1, broken.Attempts)
	assert.Contains(t, broken.LastError, "serialization")

	count, err := ob.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestOutboxReadsPastFailingHead(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewOutboxStore()
	sender := newScriptedSender()
	ob := outbox.New(store, sender, outbox.WithBatchSize(2))

	for i, id := range []string{"broken-1", "broken-2", "broken-3"} {
		require.NoError(t, store.Insert(ctx, &outbox.Message{
			ID:        id,
			Type:      "OrderPlaced",
			Envelope:  []byte("{not json"),
			CreatedAt: time.Now().Add(time.Duration(i-10) * time.Minute),
		}))
	}
	good := envelopeFor("")
	require.NoError(t, ob.Enqueue(ctx, good))

	report, err := ob.ForwardPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Report{Attempted: 4, Sent: 1, Failed: 3}, report)
	assert.Equal(t, []string{good.ID}, sender.sends())

	stored, ok := store.Get(good.ID)
	require.True(t, ok)
	assert.NotNil(t, stored.SentAt)
}

func TestOutboxBatchSizeBoundsSentMessages(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewOutboxStore()
	sender := newScriptedSender()
	ob := outbox.New(store, sender, outbox.WithBatchSize(2))

	for range 3 {
		require.NoError(t, ob.Enqueue(ctx, envelopeFor("")))
	}

	report, err := ob.ForwardPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Report{Attempted: 2, Sent: 2}, report)

	report, err = ob.ForwardPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Report{Attempted: 1, Sent: 1}, report)
}

func TestOutboxMarksSentDespiteCancellationDuringSend(t *testing.T) {
	store := memstore.NewOutboxStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := outbox.SenderFunc(func(context.Context, *contracts.Envelope) error {
		cancel()
		return nil
	})
	ob := outbox.New(store, sender)
	env := envelopeFor("")
	require.NoError(t, ob.Enqueue(context.Background(), env))

	report, err := ob.ForwardPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	stored, ok := store.Get(env.ID)
	require.True(t, ok)
	assert.NotNil(t, stored.SentAt)
}

func TestOutboxEnqueue(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewOutboxStore()
	ob := outbox.New(store, newScriptedSender())

	t.Run("rejects invalid envelopes before storage", func(t *testing.T) {
		err := ob.Enqueue(ctx, &contracts.Envelope{Type: "X"})
		assert.ErrorIs(t, err, contracts.ErrValidation)
		count, _ := store.CountPending(ctx)
		assert.Zero(t, count)
	})

	t.Run("duplicate ids are reported", func(t *testing.T) {
		env := envelopeFor("")
		require.NoError(t, ob.Enqueue(ctx, env))
		assert.ErrorIs(t, ob.Enqueue(ctx, env), contracts.ErrDuplicateKey)
	})

	t.Run("transaction scoped store", func(t *testing.T) {
		txStore := memstore.NewOutboxStore()
		env := envelopeFor("")
		require.NoError(t, ob.WithStore(txStore).Enqueue(ctx, env))

		_, inTx := txStore.Get(env.ID)
		_, inBase := store.Get(env.ID)
		assert.True(t, inTx)
		assert.False(t, inBase)
	})
}

func TestOutboxCancellation(t *testing.T) {
	store := memstore.NewOutboxStore()
	sender := newScriptedSender()
	ob := outbox.New(store, sender)
	require.NoError(t, ob.Enqueue(context.Background(), envelopeFor("")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ob.ForwardPending(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sender.sends())
}

func TestOutboxPassesAreSerialized(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewOutboxStore()

	var inFlight, maxInFlight int32
	sender := outbox.SenderFunc(func(context.Context, *contracts.Envelope) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	ob := outbox.New(store, sender)
	for i := 0; i < 5; i++ {
		require.NoError(t, ob.Enqueue(ctx, envelopeFor("")))
	}

	var wg sync.WaitGroup
	var sent int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := ob.ForwardPending(ctx)
			assert.NoError(t, err)
			atomic.AddInt32(&sent, int32(report.Sent))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Equal(t, int32(5), atomic.LoadInt32(&sent))
}

func TestForwarder(t *testing.T) {
	store := memstore.NewOutboxStore()
	sender := newScriptedSender()
	ob := outbox.New(store, sender)

	passes := make(chan outbox.Report, 10)
	fwd := outbox.NewForwarder(ob,
		outbox.WithInterval(time.Hour),
		outbox.WithPassHook(func(r outbox.Report, _ error) { passes <- r }),
	)
	require.NoError(t, fwd.Start(context.Background()))
	assert.ErrorIs(t, fwd.Start(context.Background()), outbox.ErrForwarderStarted)

	env := envelopeFor("")
	require.NoError(t, ob.Enqueue(context.Background(), env))
	fwd.Notify()

	select {
	case r := <-passes:
		assert.Equal(t, 1, r.Sent)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not run after notify")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fwd.Stop(stopCtx))
	assert.Equal(t, []string{env.ID}, sender.sends())
}

func TestForwarderRestartAfterSlowStop(t *testing.T) {
	store := memstore.NewOutboxStore()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	sender := outbox.SenderFunc(func(context.Context, *contracts.Envelope) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	ob := outbox.New(store, sender)
	require.NoError(t, ob.Enqueue(context.Background(), envelopeFor("")))

	fwd := outbox.NewForwarder(ob, outbox.WithInterval(time.Hour))
	require.NoError(t, fwd.Start(context.Background()))
	fwd.Notify()
	<-entered

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, fwd.Stop(stopCtx), context.DeadlineExceeded)
	assert.ErrorIs(t, fwd.Start(context.Background()), outbox.ErrForwarderStarted)

	close(release)
	require.Eventually(t, func() bool {
		return fwd.Start(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, fwd.Stop(context.Background()))
}

func TestForwarderConcurrentStartStop(t *testing.T) {
	ob := outbox.New(memstore.NewOutboxStore(), newScriptedSender())
	fwd := outbox.NewForwarder(ob, outbox.WithInterval(time.Millisecond))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = fwd.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = fwd.Stop(context.Background())
		}()
	}
	wg.Wait()
	require.NoError(t, fwd.Stop(context.Background()))
	assert.NoError(t, fwd.Start(context.Background()))
	assert.NoError(t, fwd.Stop(context.Background()))
}
