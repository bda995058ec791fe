package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterExchange receives messages rejected without requeue.
const DeadLetterExchange = "relay.dlx"

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name    string
	Type    string
	Durable bool
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name      string
	Durable   bool
	Arguments amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is a set of exchanges, queues and bindings declared together.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// ExchangesFor declares one durable topic exchange per topic plus the
// dead letter exchange.
func ExchangesFor(topics []string) Topology {
	var t Topology
	for _, topic := range topics {
		t.Exchanges = append(t.Exchanges, ExchangeDeclaration{Name: topic, Type: amqp.ExchangeTopic, Durable: true})
	}
	t.Exchanges = append(t.Exchanges, ExchangeDeclaration{Name: DeadLetterExchange, Type: amqp.ExchangeDirect, Durable: true})
	return t
}

// SubscriptionTopology declares a durable queue bound to every key of
// exchange, and its dead letter queue. Quorum queues report the delivery
// count in the x-delivery-count header.
func SubscriptionTopology(exchange, queue string, quorum bool) Topology {
	dlq := queue + ".dlq"
	args := amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": dlq,
	}
	if quorum {
		args["x-queue-type"] = "quorum"
	}
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: exchange, Type: amqp.ExchangeTopic, Durable: true},
			{Name: DeadLetterExchange, Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: dlq, Durable: true},
			{Name: queue, Durable: true, Arguments: args},
		},
		Bindings: []Binding{
			{Queue: dlq, Exchange: DeadLetterExchange, RoutingKey: dlq},
			{Queue: queue, Exchange: exchange, RoutingKey: "#"},
		},
	}
}

// Declare declares t on a pooled channel.
func Declare(ctx context.Context, pool *ChannelPool, t Topology) error {
	return pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, ex := range t.Exchanges {
			if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
			}
		}
		for _, q := range t.Queues {
			if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, q.Arguments); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.Name, err)
			}
		}
		for _, b := range t.Bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.Queue, b.Exchange, err)
			}
		}
		return nil
	})
}
