// Package kafka carries relay envelopes over Kafka. Messages are keyed by
// partition key so one key stays on one partition. Kafka cannot requeue a
// single record, so a requeued delivery is retried in place, which blocks
// its partition until it is acknowledged or dead-lettered to <topic>.dlq.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/messaging"
)

const (
	defaultRetryDelay     = 500 * time.Millisecond
	defaultConsumeBackoff = time.Second
	deadLetterSuffix      = ".dlq"
)

// Config holds the broker settings.
type Config struct {
	Brokers    []string
	GroupID    string
	ClientID   string
	RetryDelay time.Duration
}

// Transport implements messaging.Transport for Kafka
type Transport struct {
	cfg      Config
	sarama   *sarama.Config
	client   sarama.Client
	producer sarama.SyncProducer
	newGroup func(groupID string) (sarama.ConsumerGroup, error)
	logger   *slog.Logger

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
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

// WithSaramaConfig replaces the default client configuration.
func WithSaramaConfig(cfg *sarama.Config) Option {
	return func(t *Transport) {
		if cfg != nil {
			t.sarama = cfg
		}
	}
}

// New connects a client and a synchronous, idempotent producer.
func New(cfg Config, options ...Option) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka: group id is required")
	}

	t := newTransport(cfg, options...)
	client, err := sarama.NewClient(cfg.Brokers, t.sarama)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}
	t.client = client
	t.producer = producer
	t.newGroup = func(groupID string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(cfg.Brokers, groupID, t.sarama)
	}
	return t, nil
}

func newTransport(cfg Config, options ...Option) *Transport {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	t := &Transport{
		cfg:    cfg,
		sarama: DefaultConfig(cfg.ClientID),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// DefaultConfig waits for all in-sync replicas and enables the idempotent
// producer. Offsets are committed only for settled deliveries.
func DefaultConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// Send produces msg and waits for the broker acknowledgement.
func (t *Transport) Send(ctx context.Context, msg messaging.OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Topic == "" {
		return &contracts.ValidationError{Field: "topic", Reason: "is required"}
	}
	partition, offset, err := t.producer.SendMessage(toProducerMessage(msg))
	if err != nil {
		return fmt.Errorf("kafka: send to %s: %w", msg.Topic, err)
	}
	t.logger.Debug("message produced",
		"topic", msg.Topic,
		"partition", partition,
		"offset", offset,
		"messageId", msg.MessageID,
	)
	return nil
}

// Listen joins the consumer group on topic and blocks until ctx is done.
func (t *Transport) Listen(ctx context.Context, topic string, handler messaging.DeliveryHandler) error {
	group, err := t.newGroup(t.cfg.GroupID)
	if err != nil {
		return fmt.Errorf("kafka: create consumer group: %w", err)
	}
	t.mu.Lock()
	t.groups = append(t.groups, group)
	t.mu.Unlock()
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			t.logger.Error("kafka consumer error", "topic", topic, "error", err)
		}
	}()

	gh := &groupHandler{transport: t, handler: handler}
	for {
		err := group.Consume(ctx, []string{topic}, gh)
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			t.logger.Error("kafka consume failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(defaultConsumeBackoff):
			}
		}
	}
}

// Ping refreshes cluster metadata.
func (t *Transport) Ping(context.Context) error {
	if t.client == nil {
		return nil
	}
	if t.client.Closed() {
		return errors.New("kafka: client closed")
	}
	return t.client.RefreshMetadata()
}

func (t *Transport) Close() error {
	var errs []error
	t.mu.Lock()
	for _, g := range t.groups {
		if err := g.Close(); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			errs = append(errs, err)
		}
	}
	t.groups = nil
	t.mu.Unlock()

	if t.producer != nil {
		if err := t.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.client != nil && !t.client.Closed() {
		if err := t.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) deadLetter(msg *sarama.ConsumerMessage) error {
	headers := make([]sarama.RecordHeader, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			headers = append(headers, *h)
		}
	}
	_, _, err := t.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   msg.Topic + deadLetterSuffix,
		Key:     sarama.ByteEncoder(msg.Key),
		Value:   sarama.ByteEncoder(msg.Value),
		Headers: headers,
	})
	return err
}

func toProducerMessage(msg messaging.OutgoingMessage) *sarama.ProducerMessage {
	key := msg.Headers[contracts.HeaderPartitionKey]
	if key == "" {
		key = msg.MessageID
	}
	headers := make([]sarama.RecordHeader, 0, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	for k, v := range map[string]string{contracts.HeaderRoute: msg.RoutingKey, contracts.HeaderContentType: msg.ContentType} {
		if _, ok := msg.Headers[k]; !ok && v != "" {
			headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
		}
	}
	return &sarama.ProducerMessage{
		Topic:   msg.Topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(msg.Body),
		Headers: headers,
	}
}
