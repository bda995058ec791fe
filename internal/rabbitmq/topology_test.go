package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangesFor(t *testing.T) {
	topology := ExchangesFor([]string{"relay.commands", "relay.events"})

	require.Len(t, topology.Exchanges, 3)
	assert.Equal(t, "relay.commands", topology.Exchanges[0].Name)
	assert.Equal(t, "topic", topology.Exchanges[0].Type)
	assert.Equal(t, DeadLetterExchange, topology.Exchanges[2].Name)
	assert.Empty(t, topology.Queues)
}

func TestSubscriptionTopology(t *testing.T) {
	topology := SubscriptionTopology("relay.events", "billing.relay.events", true)

	require.Len(t, topology.Queues, 2)
	dlq, main := topology.Queues[0], topology.Queues[1]
	assert.Equal(t, "billing.relay.events.dlq", dlq.Name)
	assert.Equal(t, "billing.relay.events", main.Name)
	assert.Equal(t, DeadLetterExchange, main.Arguments["x-dead-letter-exchange"])
	assert.Equal(t, dlq.Name, main.Arguments["x-dead-letter-routing-key"])
	assert.Equal(t, "quorum", main.Arguments["x-queue-type"])

	assert.Contains(t, topology.Bindings, Binding{Queue: "billing.relay.events", Exchange: "relay.events", RoutingKey: "#"})

	classic := SubscriptionTopology("relay.events", "q", false)
	_, ok := classic.Queues[1].Arguments["x-queue-type"]
	assert.False(t, ok)
}
