package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/relaybus/internal/reliability"
)

// PublisherConfig tunes a Publisher. Zero values take defaults.
type PublisherConfig struct {
	// ConfirmTimeout bounds the wait for the broker ack. Default 5s.
	ConfirmTimeout time.Duration
	// Retry decides whether a failed publish is tried again. Default: three
	// retries backing off from 500ms.
	Retry  reliability.RetryPolicy
	Logger *slog.Logger
}

// Publisher publishes on confirm-mode channels taken from a ChannelPool.
type Publisher struct {
	pool *ChannelPool
	cfg  PublisherConfig
}

func NewPublisher(pool *ChannelPool, cfg PublisherConfig) *Publisher {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = reliability.NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2, 3)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{pool: pool, cfg: cfg}
}

// Publish returns once the broker has acked msg, or with a *PublishError
// wrapping the last failure.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := reliability.Retry(ctx, p.cfg.Retry, func() error {
		err := p.publishOnce(ctx, exchange, routingKey, msg)
		if err != nil && !IsRetryable(err) {
			return reliability.Permanent(err)
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		p.cfg.Logger.Debug("retrying publish",
			"exchange", exchange,
			"routingKey", routingKey,
			"attempt", attempt+1,
			"wait", wait,
			"error", err,
		)
	})
	if err == nil {
		return nil
	}
	var r reliability.RetryableError
	if errors.As(err, &r) {
		err = r.Err
	}
	return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	if !ch.confirmed {
		if err := ch.Confirm(false); err != nil {
			p.pool.Discard(ch)
			return fmt.Errorf("enable confirms: %w", err)
		}
		ch.confirmed = true
	}

	pending, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		p.pool.Discard(ch)
		return fmt.Errorf("publish: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()
	acked, err := pending.WaitContext(waitCtx)
	switch {
	case err != nil:
		// an unconfirmed channel cannot be reused
		p.pool.Discard(ch)
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return ErrPublishTimeout
		}
		return err
	case !acked:
		p.pool.Put(ch)
		return ErrPublishNacked
	default:
		p.pool.Put(ch)
		return nil
	}
}
