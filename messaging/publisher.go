package messaging

import (
	"context"
	"log/slog"
	"maps"
	"reflect"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/correlation"
	"github.com/glimte/relaybus/interceptors"
	"github.com/glimte/relaybus/serialization"
)

// Publisher turns messages into envelopes and sends them through the
// outbound interceptor chain to a transport.
type Publisher struct {
	transport  TransportPublisher
	chain      *interceptors.Chain
	serializer serialization.Serializer
	codec      serialization.EnvelopeCodec
	router     Router
	logger     *slog.Logger
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithOutboundChain sets the interceptors run around every send
func WithOutboundChain(chain *interceptors.Chain) PublisherOption {
	return func(p *Publisher) {
		p.chain = chain
	}
}

// WithSerializer sets the payload serializer
func WithSerializer(s serialization.Serializer) PublisherOption {
	return func(p *Publisher) {
		p.serializer = s
	}
}

// WithPublisherCodec sets the envelope wire codec
func WithPublisherCodec(codec serialization.EnvelopeCodec) PublisherOption {
	return func(p *Publisher) {
		p.codec = codec
	}
}

// WithRouter sets the router used when no route is given
func WithRouter(router Router) PublisherOption {
	return func(p *Publisher) {
		p.router = router
	}
}

func NewPublisher(transport TransportPublisher, options ...PublisherOption) *Publisher {
	p := &Publisher{
		transport:  transport,
		chain:      interceptors.NewChain(interceptors.Outbound),
		serializer: serialization.NewJSONSerializer(),
		codec:      serialization.NewJSONEnvelopeCodec(),
		router:     NewDefaultRouter(""),
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// PublishOptions are the message properties an envelope is built from.
type PublishOptions struct {
	CorrelationID string
	CausationID   string
	PartitionKey  string
	Topic         string
	RoutingKey    string
	Headers       map[string]string
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithCorrelationID sets the correlation ID
func WithCorrelationID(correlationID string) PublishOption {
	return func(opts *PublishOptions) {
		opts.CorrelationID = correlationID
	}
}

// WithCausationID sets the id of the message that caused this one
func WithCausationID(causationID string) PublishOption {
	return func(opts *PublishOptions) {
		opts.CausationID = causationID
	}
}

// WithPartitionKey sets the ordering key used by the outbox
func WithPartitionKey(key string) PublishOption {
	return func(opts *PublishOptions) {
		opts.PartitionKey = key
	}
}

// WithTopic sets the topic
func WithTopic(topic string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Topic = topic
	}
}

// WithRoutingKey sets the routing key
func WithRoutingKey(routingKey string) PublishOption {
	return func(opts *PublishOptions) {
		opts.RoutingKey = routingKey
	}
}

// WithHeaders sets custom headers
func WithHeaders(headers map[string]string) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = make(map[string]string)
		}
		maps.Copy(opts.Headers, headers)
	}
}

// Enqueuer accepts envelopes for deferred sending; *outbox.Outbox
// implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, env *contracts.Envelope) error
}

// Publish sends msg now. Transport failures are returned as
// *contracts.TransportError and are not retried here.
func (p *Publisher) Publish(ctx context.Context, msg contracts.Message, options ...PublishOption) error {
	env, c, err := p.Envelope(ctx, msg, options...)
	if err != nil {
		return err
	}
	return p.Send(correlation.With(ctx, c), env)
}

// Stage builds the envelope for msg and appends it to ob instead of sending
// it. Call it with an outbox bound to the business transaction.
func (p *Publisher) Stage(ctx context.Context, ob Enqueuer, msg contracts.Message, options ...PublishOption) (*contracts.Envelope, error) {
	env, _, err := p.Envelope(ctx, msg, options...)
	if err != nil {
		return nil, err
	}
	if err := ob.Enqueue(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Envelope builds the envelope for msg and the correlation context it
// carries. The correlation id is taken from the options, then the message,
// then the context bound to ctx; a new one is rooted at the envelope
// otherwise.
func (p *Publisher) Envelope(ctx context.Context, msg contracts.Message, options ...PublishOption) (*contracts.Envelope, correlation.Context, error) {
	if isNil(msg) {
		return nil, correlation.Context{}, &contracts.ValidationError{Field: "message", Reason: "cannot be nil"}
	}
	if msg.GetType() == "" {
		return nil, correlation.Context{}, &contracts.ValidationError{Field: "type", Reason: "required"}
	}

	var opts PublishOptions
	for _, opt := range options {
		opt(&opts)
	}

	payload, err := p.serializer.Marshal(msg)
	if err != nil {
		return nil, correlation.Context{}, err
	}

	kind := contracts.KindOf(msg)
	route := p.router.Route(kind, msg.GetType())
	if opts.Topic != "" {
		route.Topic = opts.Topic
	}
	if opts.RoutingKey != "" {
		route.Key = opts.RoutingKey
	}

	headers := maps.Clone(opts.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	headers[contracts.HeaderMessageKind] = string(kind)
	headers[contracts.HeaderTopic] = route.Topic
	headers[contracts.HeaderRoute] = route.Key
	headers[contracts.HeaderContentType] = p.serializer.ContentType()

	partitionKey := opts.PartitionKey
	if evt, ok := msg.(contracts.Event); ok && partitionKey == "" {
		partitionKey = evt.GetAggregateID()
	}
	if partitionKey != "" {
		headers[contracts.HeaderPartitionKey] = partitionKey
	}

	envOpts := []contracts.EnvelopeOption{contracts.WithEnvelopeHeaders(headers)}
	if id := msg.GetID(); id != "" {
		envOpts = append(envOpts, contracts.WithEnvelopeID(id))
	}
	if ts := msg.GetTimestamp(); !ts.IsZero() {
		envOpts = append(envOpts, contracts.WithEnvelopeTime(ts.UTC()))
	}
	env := contracts.NewEnvelope(msg.GetType(), payload, envOpts...)

	parent, bound := correlation.From(ctx)
	switch {
	case opts.CorrelationID != "":
		parent.CorrelationID = opts.CorrelationID
	case msg.GetCorrelationID() != "":
		parent.CorrelationID = msg.GetCorrelationID()
	case !bound || parent.IsZero():
		parent = correlation.New(env.ID)
	}
	c := parent.Child(env.ID)
	if opts.CausationID != "" {
		c.CausationID = opts.CausationID
	}

	stamped, err := correlation.Stamp(env, c)
	if err != nil {
		return nil, correlation.Context{}, err
	}
	return stamped, c, nil
}

// Send runs a prebuilt envelope through the outbound chain and hands it to
// the transport. Cancellation is honoured up to the transport call, never
// during it.
func (p *Publisher) Send(ctx context.Context, env *contracts.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if _, ok := correlation.From(ctx); !ok {
		c, err := correlation.FromEnvelope(env)
		if err != nil {
			return err
		}
		ctx = correlation.With(ctx, c)
	}
	return p.chain.Execute(ctx, env, interceptors.HandlerFunc(p.send))
}

func (p *Publisher) send(ctx context.Context, env *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := p.codec.Encode(env)
	if err != nil {
		return err
	}

	route := RouteOf(env, p.router)
	out := OutgoingMessage{
		Topic:       route.Topic,
		RoutingKey:  route.Key,
		MessageID:   env.ID,
		Body:        body,
		Headers:     maps.Clone(env.Headers),
		ContentType: env.Headers[contracts.HeaderContentType],
	}
	if out.ContentType == "" {
		out.ContentType = p.serializer.ContentType()
	}
	if err := p.transport.Send(context.WithoutCancel(ctx), out); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish message",
			append(correlation.LogAttrs(ctx),
				"messageId", env.ID,
				"messageType", env.Type,
				"topic", route.Topic,
				"routingKey", route.Key,
				"error", err,
			)...,
		)
		return &contracts.TransportError{Op: "send", MessageID: env.ID, Err: err}
	}

	p.logger.DebugContext(ctx, "message published successfully",
		append(correlation.LogAttrs(ctx),
			"messageId", env.ID,
			"messageType", env.Type,
			"topic", route.Topic,
			"routingKey", route.Key,
		)...,
	)
	return nil
}

// Close closes the transport.
func (p *Publisher) Close() error {
	return p.transport.Close()
}

func isNil(msg contracts.Message) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
