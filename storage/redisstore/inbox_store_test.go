package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/inbox"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, value, expiration)
	return args.Get(0).(*redis.BoolCmd)
}

func (m *mockClient) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return args.Get(0).(*redis.IntCmd)
}

func (m *mockClient) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	return args.Get(0).(*redis.StatusCmd)
}

func TestInboxStore(t *testing.T) {
	ctx := context.Background()
	msg := &inbox.Message{ID: "m-1", Type: "OrderPlaced", ReceivedAt: time.Now()}

	t.Run("insert sets the key with ttl", func(t *testing.T) {
		client := &mockClient{}
		client.On("SetNX", ctx, "relay:inbox:m-1", "OrderPlaced", time.Hour).Return(redis.NewBoolResult(true, nil))

		store := NewInboxStore(client, WithTTL(time.Hour))
		require.NoError(t, store.Insert(ctx, msg))
		client.AssertExpectations(t)
	})

	t.Run("records are kept forever by default", func(t *testing.T) {
		client := &mockClient{}
		client.On("SetNX", ctx, "relay:inbox:m-1", "OrderPlaced", time.Duration(0)).Return(redis.NewBoolResult(true, nil))

		require.NoError(t, NewInboxStore(client).Insert(ctx, msg))
		client.AssertExpectations(t)
	})

	t.Run("existing key is a duplicate", func(t *testing.T) {
		client := &mockClient{}
		client.On("SetNX", ctx, "svc:m-1", "OrderPlaced", DefaultTTL).Return(redis.NewBoolResult(false, nil))

		err := NewInboxStore(client, WithKeyPrefix("svc:")).Insert(ctx, msg)
		assert.ErrorIs(t, err, contracts.ErrDuplicateKey)
	})

	t.Run("command failures are not duplicates", func(t *testing.T) {
		client := &mockClient{}
		client.On("SetNX", ctx, mock.Anything, mock.Anything, mock.Anything).Return(redis.NewBoolResult(false, errors.New("i/o timeout")))

		err := NewInboxStore(client).Insert(ctx, msg)
		require.Error(t, err)
		assert.NotErrorIs(t, err, contracts.ErrDuplicateKey)
	})

	t.Run("exists", func(t *testing.T) {
		client := &mockClient{}
		client.On("Exists", ctx, []string{"relay:inbox:m-1"}).Return(redis.NewIntResult(1, nil))
		client.On("Exists", ctx, []string{"relay:inbox:m-2"}).Return(redis.NewIntResult(0, nil))

		store := NewInboxStore(client)
		ok, err := store.Exists(ctx, "m-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Exists(ctx, "m-2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("drives inbox deduplication", func(t *testing.T) {
		client := &mockClient{}
		client.On("Exists", ctx, []string{"relay:inbox:m-1"}).Return(redis.NewIntResult(0, nil)).Once()
		client.On("SetNX", ctx, "relay:inbox:m-1", "OrderPlaced", DefaultTTL).Return(redis.NewBoolResult(true, nil)).Once()
		client.On("Exists", ctx, []string{"relay:inbox:m-1"}).Return(redis.NewIntResult(1, nil)).Once()

		ib := inbox.New(NewInboxStore(client))
		env := contracts.NewEnvelope("OrderPlaced", nil, contracts.WithEnvelopeID("m-1"))

		outcome, err := ib.Process(ctx, env, func(context.Context) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, inbox.OutcomeProcessed, outcome)

		outcome, err = ib.Process(ctx, env, func(context.Context) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, inbox.OutcomeDuplicate, outcome)
		client.AssertExpectations(t)
	})
}
