package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryFunc handles one delivery and is responsible for settling it.
type DeliveryFunc func(ctx context.Context, delivery amqp.Delivery)

// ConsumerConfig tunes a Consumer. Zero values take defaults.
type ConsumerConfig struct {
	// Prefetch caps unacknowledged deliveries on the channel. Default 10.
	Prefetch int
	// Tag names the consumer to the broker. Defaults to the channel id.
	Tag    string
	Logger *slog.Logger
}

// Consumer reads queues on channels it takes from a ChannelPool and never
// returns to it.
type Consumer struct {
	pool *ChannelPool
	cfg  ConsumerConfig
}

func NewConsumer(pool *ChannelPool, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{pool: pool, cfg: cfg}
}

// Consume hands deliveries from queue to fn sequentially. It returns nil
// when ctx ends and ErrConsumerCancelled (wrapped) if the broker stops the
// consumer first.
func (c *Consumer) Consume(ctx context.Context, queue string, fn DeliveryFunc) error {
	tag := c.cfg.Tag
	fail := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return fail("get channel", err)
	}
	defer c.pool.Discard(ch)

	if tag == "" {
		tag = ch.ID()
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fail("qos", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, tag, false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	log := c.cfg.Logger.With("queue", queue, "consumerTag", tag)
	log.Info("consuming queue", "prefetch", c.cfg.Prefetch)
	defer log.Info("consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, open := <-deliveries:
			if open {
				fn(ctx, d)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fail("consume", ErrConsumerCancelled)
		}
	}
}
