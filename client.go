// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relaybus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/health"
	"github.com/glimte/relaybus/inbox"
	"github.com/glimte/relaybus/interceptors"
	"github.com/glimte/relaybus/internal/config"
	"github.com/glimte/relaybus/internal/logging"
	"github.com/glimte/relaybus/internal/telemetry"
	"github.com/glimte/relaybus/messaging"
	"github.com/glimte/relaybus/outbox"
	"github.com/glimte/relaybus/schema"
	"github.com/glimte/relaybus/serialization"
	"github.com/glimte/relaybus/storage/gormstore"
	"github.com/glimte/relaybus/storage/redisstore"
)

// Config is the relay configuration. Load it with LoadConfig.
type Config = config.Config

// LoadConfig reads path (optional) and RELAY_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Client wires the outbox, inbox, publisher, subscriber and dispatcher
// around one broker transport.
type Client struct {
	cfg    *Config
	logger *slog.Logger

	zap       *logging.Logger
	telemetry *telemetry.Providers
	db        *gorm.DB
	ownsDB    bool
	redis     *redis.Client
	transport messaging.Transport

	types        *serialization.Registry
	serializer   serialization.Serializer
	interceptors *interceptors.Registry
	outboxStore  *gormstore.OutboxStore
	validator    *schema.MessageValidator

	publisher  *messaging.Publisher
	subscriber *messaging.Subscriber
	dispatcher *messaging.Dispatcher
	outbox     *outbox.Outbox
	forwarder  *outbox.Forwarder
	inbox      *inbox.Inbox

	health      *health.Registry
	outboxCheck *health.OutboxChecker

	subscribeOnce sync.Once
	closeOnce     sync.Once
}

// clientConfig holds construction overrides
type clientConfig struct {
	logger        *slog.Logger
	transport     messaging.Transport
	db            *gorm.DB
	interceptors  map[string]interceptors.Factory
	dispatcherOps []messaging.DispatcherOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger replaces the configured zap logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithTransport uses transport instead of the one broker.kind selects.
func WithTransport(transport messaging.Transport) ClientOption {
	return func(c *clientConfig) {
		c.transport = transport
	}
}

// WithDB uses an existing connection. The client does not close it.
func WithDB(db *gorm.DB) ClientOption {
	return func(c *clientConfig) {
		c.db = db
	}
}

// WithInterceptor makes a custom interceptor available to the
// inbound.interceptors and outbound.interceptors lists.
func WithInterceptor(name string, factory interceptors.Factory) ClientOption {
	return func(c *clientConfig) {
		if c.interceptors == nil {
			c.interceptors = make(map[string]interceptors.Factory)
		}
		c.interceptors[name] = factory
	}
}

// WithDispatcherOptions passes options such as middleware to the dispatcher.
func WithDispatcherOptions(options ...messaging.DispatcherOption) ClientOption {
	return func(c *clientConfig) {
		c.dispatcherOps = append(c.dispatcherOps, options...)
	}
}

// Open builds a client from cfg. Resources opened before a failure are
// released.
func Open(ctx context.Context, cfg *Config, options ...ClientOption) (client *Client, err error) {
	cc := &clientConfig{}
	for _, opt := range options {
		opt(cc)
	}

	c := &Client{
		cfg:        cfg,
		types:      serialization.NewTypeRegistry(),
		serializer: serialization.NewJSONSerializer(),
		validator:  schema.NewMessageValidator(),
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if cc.logger != nil {
		c.logger = cc.logger
	} else {
		c.zap, err = logging.New(logging.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: cfg.Log.Output,
		}, cfg.Service.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		c.logger = c.zap.Logger
	}

	c.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		Insecure:          cfg.Telemetry.Insecure,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.Service.Name,
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	if cc.db != nil {
		c.db = cc.db
	} else {
		c.db, err = gormstore.Open(gormstore.Config{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			LogLevel:        cfg.Database.LogLevel,
		})
		if err != nil {
			return nil, err
		}
		c.ownsDB = true
	}

	var inboxStore inbox.Store = gormstore.NewInboxStore(c.db)
	if cfg.Redis.Enabled {
		c.redis, err = redisstore.Dial(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		inboxStore = redisstore.NewInboxStore(c.redis,
			redisstore.WithKeyPrefix(cfg.Service.Name+":inbox:"),
			redisstore.WithTTL(cfg.Redis.TTL),
		)
	}

	router := messaging.NewDefaultRouter(cfg.Broker.Prefix)
	if cc.transport != nil {
		c.transport = cc.transport
	} else {
		c.transport, err = newTransport(ctx, cfg, router.Topics(), c.logger)
		if err != nil {
			return nil, err
		}
	}

	c.interceptors, err = builtinInterceptors(cfg, c.logger, c.telemetry)
	if err != nil {
		return nil, err
	}
	for name, factory := range cc.interceptors {
		if err := c.interceptors.Register(name, factory); err != nil {
			return nil, err
		}
	}
	outbound, err := c.interceptors.Build(interceptors.Outbound, cfg.Outbound.Interceptors)
	if err != nil {
		return nil, fmt.Errorf("outbound chain: %w", err)
	}
	inbound, err := c.interceptors.Build(interceptors.Inbound, cfg.Inbound.Interceptors)
	if err != nil {
		return nil, fmt.Errorf("inbound chain: %w", err)
	}

	c.publisher = messaging.NewPublisher(c.transport,
		messaging.WithPublisherLogger(c.logger),
		messaging.WithOutboundChain(outbound),
		messaging.WithSerializer(c.serializer),
		messaging.WithRouter(router),
	)

	c.outboxStore = gormstore.NewOutboxStore(c.db).WithPageSize(cfg.Outbox.PageSize)
	c.outbox = outbox.New(c.outboxStore, c.publisher,
		outbox.WithLogger(c.logger),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
	)
	c.outboxCheck = health.NewOutboxChecker(c.outbox, cfg.Outbox.BacklogWarning, cfg.Outbox.BacklogCritical)
	c.forwarder = outbox.NewForwarder(c.outbox,
		outbox.WithInterval(cfg.Outbox.PollInterval),
		outbox.WithPassTimeout(cfg.Outbox.PassTimeout),
		outbox.WithForwarderLogger(c.logger),
		outbox.WithPassHook(c.outboxCheck.Observe),
	)

	c.inbox = inbox.New(inboxStore, inbox.WithLogger(c.logger))
	c.subscriber = messaging.NewSubscriber(c.transport, c.inbox,
		messaging.WithSubscriberLogger(c.logger),
		messaging.WithInboundChain(inbound),
	)
	c.dispatcher = messaging.NewDispatcher(append([]messaging.DispatcherOption{
		messaging.WithDispatcherLogger(c.logger),
		messaging.WithMiddleware(c.validator.Middleware()),
	}, cc.dispatcherOps...)...)

	c.health = health.NewRegistry(0)
	c.health.Register(
		health.NewPingChecker("database", func(ctx context.Context) error { return gormstore.Ping(ctx, c.db) }),
		health.NewPingChecker("broker", c.transport.Ping),
		c.outboxCheck,
		health.NewRuntimeChecker(5000, 20000),
	)
	if c.redis != nil {
		c.health.Register(health.NewPingChecker("redis", func(ctx context.Context) error {
			return c.redis.Ping(ctx).Err()
		}))
	}

	c.logger.Info("relay client ready",
		"service", cfg.Service.Name,
		"broker", cfg.Broker.Kind,
		"outbound", outbound.Names(),
		"inbound", inbound.Names(),
	)
	return c, nil
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Subscriber returns the message subscriber
func (c *Client) Subscriber() *messaging.Subscriber {
	return c.subscriber
}

// Dispatcher returns the message dispatcher
func (c *Client) Dispatcher() *messaging.Dispatcher {
	return c.dispatcher
}

// Outbox returns the outbox bound to the client's database.
func (c *Client) Outbox() *outbox.Outbox {
	return c.outbox
}

// Forwarder returns the background outbox forwarder.
func (c *Client) Forwarder() *outbox.Forwarder {
	return c.forwarder
}

// Inbox returns the inbox
func (c *Client) Inbox() *inbox.Inbox {
	return c.inbox
}

// Validator returns the payload validator run before every dispatch.
func (c *Client) Validator() *schema.MessageValidator {
	return c.validator
}

// DB returns the database connection.
func (c *Client) DB() *gorm.DB {
	return c.db
}

// Health returns the readiness checks.
func (c *Client) Health() *health.Registry {
	return c.health
}

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// RegisterType makes a message type decodable by the subscriber.
func (c *Client) RegisterType(msg contracts.Message) error {
	return c.types.AddMessage(msg)
}

// Migrate creates the outbox and inbox tables.
func (c *Client) Migrate(ctx context.Context) error {
	return gormstore.Migrate(ctx, c.db)
}

// Publish sends msg immediately, bypassing the outbox.
func (c *Client) Publish(ctx context.Context, msg contracts.Message, options ...messaging.PublishOption) error {
	return c.publisher.Publish(ctx, msg, options...)
}

// Stager stages messages inside a transaction.
type Stager func(ctx context.Context, msg contracts.Message, options ...messaging.PublishOption) (*contracts.Envelope, error)

// InTx runs fn in a database transaction. Messages staged through the
// Stager commit or roll back with the transaction; the forwarder is nudged
// after a successful commit.
func (c *Client) InTx(ctx context.Context, fn func(tx *gorm.DB, stage Stager) error) error {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ob := c.outbox.WithStore(c.outboxStore.WithTx(tx))
		return fn(tx, func(ctx context.Context, msg contracts.Message, options ...messaging.PublishOption) (*contracts.Envelope, error) {
			return c.publisher.Stage(ctx, ob, msg, options...)
		})
	})
	if err != nil {
		return err
	}
	c.forwarder.Notify()
	return nil
}

// Run starts the forwarder, listens on inbound.topics and serves the health
// endpoints until ctx is cancelled or one of them fails.
func (c *Client) Run(ctx context.Context) error {
	var subscribeErr error
	c.subscribeOnce.Do(func() {
		subscribeErr = messaging.SubscribeDispatcher(c.subscriber, c.dispatcher, c.types, c.serializer)
	})
	if subscribeErr != nil {
		return subscribeErr
	}

	g, ctx := errgroup.WithContext(ctx)

	if err := c.forwarder.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		return c.forwarder.Stop(context.WithoutCancel(ctx))
	})

	for _, topic := range c.cfg.Inbound.Topics {
		g.Go(func() error {
			if err := c.subscriber.Listen(ctx, topic); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("listen %s: %w", topic, err)
			}
			return nil
		})
	}

	srv := &http.Server{
		Addr:         c.cfg.HTTP.Addr,
		Handler:      health.NewRouter(c.cfg.Service.Name, c.health, c.outboxCheck, c.logger),
		ReadTimeout:  c.cfg.HTTP.ReadTimeout,
		WriteTimeout: c.cfg.HTTP.WriteTimeout,
	}
	g.Go(func() error {
		c.logger.Info("health server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

// Close releases the transport, Redis, the database and telemetry.
func (c *Client) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		if c.transport != nil {
			errs = append(errs, c.transport.Close())
		}
		if c.redis != nil {
			errs = append(errs, c.redis.Close())
		}
		if c.db != nil && c.ownsDB {
			if sqlDB, err := c.db.DB(); err == nil {
				errs = append(errs, sqlDB.Close())
			}
		}
		if c.telemetry != nil {
			errs = append(errs, c.telemetry.Shutdown(context.Background()))
		}
		if c.zap != nil {
			_ = c.zap.Sync()
		}
	})
	return errors.Join(errs...)
}
