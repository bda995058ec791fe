package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relaybus/contracts"
)

type orderPlaced struct {
	contracts.BaseEvent
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

type shipOrder struct {
	contracts.BaseCommand
	OrderID string `json:"orderId"`
}

func TestJSONSerializer(t *testing.T) {
	s := NewJSONSerializer()

	t.Run("round trips a message", func(t *testing.T) {
		in := &orderPlaced{BaseEvent: contracts.NewBaseEvent("OrderPlaced", "o-1", 1), OrderID: "o-1", Amount: 12.5}
		data, err := s.Marshal(in)
		require.NoError(t, err)

		var out orderPlaced
		require.NoError(t, s.Unmarshal(data, &out))
		assert.Equal(t, in.OrderID, out.OrderID)
		assert.Equal(t, in.GetID(), out.GetID())
		assert.Equal(t, "application/json", s.ContentType())
	})

	t.Run("malformed input is a serialization error", func(t *testing.T) {
		var out orderPlaced
		err := s.Unmarshal([]byte("{oops"), &out)
		assert.ErrorIs(t, err, contracts.ErrSerialization)

		err = s.Unmarshal(nil, &out)
		assert.ErrorIs(t, err, contracts.ErrSerialization)
	})

	t.Run("unsupported values fail", func(t *testing.T) {
		_, err := s.Marshal(make(chan int))
		assert.ErrorIs(t, err, contracts.ErrSerialization)

		_, err = s.Marshal(nil)
		assert.ErrorIs(t, err, contracts.ErrSerialization)
	})
}

func TestJSONEnvelopeCodec(t *testing.T) {
	codec := NewJSONEnvelopeCodec()

	t.Run("round trips an envelope", func(t *testing.T) {
		env := contracts.NewEnvelope("OrderPlaced", []byte(`{"orderId":"o-1"}`),
			contracts.WithEnvelopeCorrelationID("corr-1"),
			contracts.WithEnvelopeHeaders(map[string]string{contracts.HeaderPartitionKey: "o-1"}),
		).WithContext([]byte(`{"correlationId":"corr-1"}`))

		data, err := codec.Encode(env)
		require.NoError(t, err)

		out, err := codec.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, env.ID, out.ID)
		assert.Equal(t, env.Payload, out.Payload)
		assert.Equal(t, env.Context, out.Context)
		assert.Equal(t, "o-1", out.PartitionKey())
		assert.True(t, env.CreatedAt.Equal(out.CreatedAt))
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := codec.Decode([]byte("not-json"))
		assert.ErrorIs(t, err, contracts.ErrSerialization)
	})

	t.Run("rejects envelopes without identity", func(t *testing.T) {
		_, err := codec.Decode([]byte(`{"type":"X"}`))
		assert.ErrorIs(t, err, contracts.ErrSerialization)
	})

	t.Run("encode validates", func(t *testing.T) {
		_, err := codec.Encode(&contracts.Envelope{})
		assert.ErrorIs(t, err, contracts.ErrValidation)
	})
}

func TestTypeRegistry(t *testing.T) {
	t.Run("binds a name", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Add("OrderPlaced", &orderPlaced{}))
		assert.True(t, registry.Has("OrderPlaced"))
		assert.False(t, registry.Has("ShipOrder"))
	})

	t.Run("uses the reported message type", func(t *testing.T) {
		registry := NewTypeRegistry()
		cmd := &shipOrder{BaseCommand: contracts.NewBaseCommand("ShipOrder", "shipping")}
		require.NoError(t, registry.AddMessage(cmd))
		assert.Equal(t, []string{"ShipOrder"}, registry.Names())

		name, ok := registry.NameOf(&shipOrder{})
		require.True(t, ok)
		assert.Equal(t, "ShipOrder", name)

		_, ok = registry.NameOf(&orderPlaced{})
		assert.False(t, ok)
	})

	t.Run("falls back to struct name", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.AddMessage(&shipOrder{}))
		assert.True(t, registry.Has("shipOrder"))
	})

	t.Run("rejects empty type name", func(t *testing.T) {
		registry := NewTypeRegistry()
		err := registry.Add("", &orderPlaced{})
		assert.ErrorContains(t, err, "type name cannot be empty")
	})

	t.Run("rejects nil", func(t *testing.T) {
		registry := NewTypeRegistry()
		assert.Error(t, registry.AddMessage(nil))
	})

	t.Run("same type twice is accepted", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Add("OrderPlaced", &orderPlaced{}))
		assert.NoError(t, registry.Add("OrderPlaced", &orderPlaced{}))
	})

	t.Run("different type under same name is rejected", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Add("Order", &orderPlaced{}))
		assert.Error(t, registry.Add("Order", &shipOrder{}))
	})

	t.Run("creates fresh instances", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Add("OrderPlaced", &orderPlaced{}))

		a, err := registry.New("OrderPlaced")
		require.NoError(t, err)
		assert.IsType(t, &orderPlaced{}, a)
		b, err := registry.New("OrderPlaced")
		require.NoError(t, err)
		assert.NotSame(t, a, b)

		_, err = registry.New("Unknown")
		assert.ErrorIs(t, err, ErrUnknownType)
	})
}

func TestDecodeMessage(t *testing.T) {
	registry := NewTypeRegistry()
	require.NoError(t, registry.Add("OrderPlaced", &orderPlaced{}))
	s := NewJSONSerializer()

	payload, err := s.Marshal(&orderPlaced{OrderID: "o-7"})
	require.NoError(t, err)

	msg, err := DecodeMessage(registry, s, contracts.NewEnvelope("OrderPlaced", payload))
	require.NoError(t, err)
	assert.Equal(t, "o-7", msg.(*orderPlaced).OrderID)

	_, err = DecodeMessage(registry, s, contracts.NewEnvelope("Nope", payload))
	assert.ErrorIs(t, err, contracts.ErrHandlerNotFound)
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeMessage(registry, s, contracts.NewEnvelope("OrderPlaced", []byte("{bad")))
	assert.ErrorIs(t, err, contracts.ErrSerialization)
}
