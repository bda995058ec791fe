package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relaybus/interceptors"
	internal "github.com/glimte/relaybus/internal/rabbitmq"
	"github.com/glimte/relaybus/messaging"
)

func TestToPublishing(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := toPublishing(messaging.OutgoingMessage{
		Topic:       "relay.events",
		RoutingKey:  "evt.OrderPlaced",
		MessageID:   "m-1",
		Body:        []byte(`{}`),
		Headers:     map[string]string{"x-partition-key": "o-1"},
		ContentType: "application/json",
	}, now)

	assert.Equal(t, "m-1", p.MessageId)
	assert.Equal(t, uint8(amqp.Persistent), p.DeliveryMode)
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, "o-1", p.Headers["x-partition-key"])
	assert.Equal(t, now, p.Timestamp)
}

func TestDeliveryHeaders(t *testing.T) {
	t.Run("flattens scalar values", func(t *testing.T) {
		headers := deliveryHeaders(amqp.Table{
			"x-partition-key":                 "o-1",
			interceptors.HeaderDeliveryCount: int64(3),
			"flag":                            true,
			"raw":                             []byte("b"),
			"nested":                          amqp.Table{"a": "b"},
		}, true)

		assert.Equal(t, "o-1", headers["x-partition-key"])
		assert.Equal(t, "3", headers[interceptors.HeaderDeliveryCount])
		assert.Equal(t, "true", headers["flag"])
		assert.Equal(t, "b", headers["raw"])
		assert.NotContains(t, headers, "nested")
	})

	t.Run("redelivery without a broker count", func(t *testing.T) {
		assert.Equal(t, "2", deliveryHeaders(nil, true)[interceptors.HeaderDeliveryCount])
		assert.NotContains(t, deliveryHeaders(nil, false), interceptors.HeaderDeliveryCount)
	})
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), Config{Service: "billing"})
	assert.ErrorIs(t, err, internal.ErrInvalidConfiguration)

	_, err = New(context.Background(), Config{URL: "amqp://localhost"})
	assert.ErrorIs(t, err, internal.ErrInvalidConfiguration)

	_, err = New(context.Background(), Config{URL: "invalid://url", Service: "billing"})
	require.Error(t, err)
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "billing.relay.events", QueueName("billing", "relay.events"))
}
