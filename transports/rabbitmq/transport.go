// Package rabbitmq carries relay envelopes over RabbitMQ. Every topic is a
// durable topic exchange; each service consumes a topic through its own
// durable queue with a dead letter queue behind it.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/relaybus/interceptors"
	"github.com/glimte/relaybus/internal/rabbitmq"
	"github.com/glimte/relaybus/internal/reliability"
	"github.com/glimte/relaybus/messaging"
)

// Config holds the broker settings.
type Config struct {
	URL            string
	Service        string
	Topics         []string
	PrefetchCount  int
	QuorumQueues   bool
	ConfirmTimeout time.Duration
	PublishRetries int
}

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	cfg       Config
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	logger    *slog.Logger
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

// New connects to the broker and declares the exchanges for cfg.Topics.
func New(ctx context.Context, cfg Config, options ...Option) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", rabbitmq.ErrInvalidConfiguration)
	}
	if cfg.Service == "" {
		return nil, fmt.Errorf("%w: service name is required", rabbitmq.ErrInvalidConfiguration)
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 10
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}

	t := &Transport{cfg: cfg, logger: slog.Default()}
	for _, opt := range options {
		opt(t)
	}

	t.manager = rabbitmq.NewConnectionManager(cfg.URL, rabbitmq.WithLogger(t.logger))
	if err := t.manager.Connect(ctx); err != nil {
		return nil, err
	}

	pool, err := rabbitmq.NewChannelPool(t.manager)
	if err != nil {
		_ = t.manager.Close()
		return nil, fmt.Errorf("create channel pool: %w", err)
	}
	t.pool = pool
	t.publisher = rabbitmq.NewPublisher(pool, rabbitmq.PublisherConfig{
		ConfirmTimeout: cfg.ConfirmTimeout,
		Retry:          reliability.NewExponentialBackoff(time.Second, 10*time.Second, 2, cfg.PublishRetries),
		Logger:         t.logger,
	})
	t.consumer = rabbitmq.NewConsumer(pool, rabbitmq.ConsumerConfig{
		Prefetch: cfg.PrefetchCount,
		Logger:   t.logger,
	})

	if err := rabbitmq.Declare(ctx, pool, rabbitmq.ExchangesFor(cfg.Topics)); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("declare exchanges: %w", err)
	}
	return t, nil
}

// Send publishes msg to the exchange named by its topic and waits for the
// broker confirmation.
func (t *Transport) Send(ctx context.Context, msg messaging.OutgoingMessage) error {
	return t.publisher.Publish(ctx, msg.Topic, msg.RoutingKey, toPublishing(msg, time.Now()))
}

// Listen consumes topic through the service queue until ctx is done.
func (t *Transport) Listen(ctx context.Context, topic string, handler messaging.DeliveryHandler) error {
	queue := QueueName(t.cfg.Service, topic)
	if err := rabbitmq.Declare(ctx, t.pool, rabbitmq.SubscriptionTopology(topic, queue, t.cfg.QuorumQueues)); err != nil {
		return fmt.Errorf("declare subscription %s: %w", queue, err)
	}
	return t.consumer.Consume(ctx, queue, func(ctx context.Context, d amqp.Delivery) {
		handler(ctx, &delivery{d: d})
	})
}

// Ping reports whether the connection is up.
func (t *Transport) Ping(context.Context) error {
	_, err := t.manager.GetConnection()
	return err
}

func (t *Transport) Close() error {
	if t.pool != nil {
		_ = t.pool.Close()
	}
	return t.manager.Close()
}

// QueueName is the queue a service consumes topic from.
func QueueName(service, topic string) string {
	return service + "." + topic
}

func toPublishing(msg messaging.OutgoingMessage, now time.Time) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    now.UTC(),
		Body:         msg.Body,
	}
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte {
	return d.d.Body
}

// Headers flattens the AMQP table. Classic queues do not count deliveries,
// so a redelivered message without a broker count reports 2.
func (d *delivery) Headers() map[string]string {
	return deliveryHeaders(d.d.Headers, d.d.Redelivered)
}

func (d *delivery) Ack() error {
	return d.d.Ack(false)
}

func (d *delivery) Nack(requeue bool) error {
	return d.d.Nack(false, requeue)
}

func deliveryHeaders(table amqp.Table, redelivered bool) map[string]string {
	headers := make(map[string]string, len(table)+1)
	for k, v := range table {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		case int64:
			headers[k] = strconv.FormatInt(val, 10)
		case int32:
			headers[k] = strconv.FormatInt(int64(val), 10)
		case int:
			headers[k] = strconv.Itoa(val)
		case bool:
			headers[k] = strconv.FormatBool(val)
		}
	}
	if _, ok := headers[interceptors.HeaderDeliveryCount]; !ok && redelivered {
		headers[interceptors.HeaderDeliveryCount] = "2"
	}
	return headers
}
