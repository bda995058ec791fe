package relaybus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/relaybus/internal/config"
	"github.com/glimte/relaybus/messaging"
	"github.com/glimte/relaybus/transports/kafka"
	"github.com/glimte/relaybus/transports/memory"
	"github.com/glimte/relaybus/transports/rabbitmq"
)

// newTransport connects the broker selected by broker.kind. topics are the
// destinations the publisher may route to.
func newTransport(ctx context.Context, cfg *config.Config, topics []string, logger *slog.Logger) (messaging.Transport, error) {
	switch cfg.Broker.Kind {
	case "memory":
		return memory.New(memory.WithLogger(logger)), nil
	case "rabbitmq":
		rc := cfg.Broker.RabbitMQ
		t, err := rabbitmq.New(ctx, rabbitmq.Config{
			URL:            rc.URL,
			Service:        cfg.Service.Name,
			Topics:         topics,
			PrefetchCount:  rc.PrefetchCount,
			QuorumQueues:   rc.QuorumQueues,
			ConfirmTimeout: rc.ConfirmTimeout,
			PublishRetries: rc.PublishRetries,
		}, rabbitmq.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq transport: %w", err)
		}
		return t, nil
	case "kafka":
		kc := cfg.Broker.Kafka
		t, err := kafka.New(kafka.Config{
			Brokers:    kc.Brokers,
			GroupID:    cfg.Service.Name,
			ClientID:   kc.ClientID,
			RetryDelay: kc.RetryDelay,
		}, kafka.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Broker.Kind)
	}
}
