package interceptors

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/correlation"
)

const tracerName = "github.com/glimte/relaybus/interceptors"

// TracingInterceptor opens a span per transit and carries the trace context
// in envelope headers. Outbound envelopes get the current trace injected;
// inbound envelopes continue the trace they carry.
type TracingInterceptor struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// TracingOption configures the tracing interceptor
type TracingOption func(*TracingInterceptor)

func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(i *TracingInterceptor) {
		i.tracer = tp.Tracer(tracerName)
	}
}

func WithPropagator(p propagation.TextMapPropagator) TracingOption {
	return func(i *TracingInterceptor) {
		i.propagator = p
	}
}

// NewTracingInterceptor uses the global tracer provider and propagator
// unless overridden.
func NewTracingInterceptor(opts ...TracingOption) *TracingInterceptor {
	i := &TracingInterceptor{
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *TracingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	direction := DirectionFrom(ctx)
	kind := trace.SpanKindProducer
	if direction == Inbound {
		kind = trace.SpanKindConsumer
		ctx = i.propagator.Extract(ctx, propagation.MapCarrier(env.Headers))
	}

	ctx, span := i.tracer.Start(ctx, env.Type+" "+operation(direction),
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.ID),
			attribute.String("messaging.message.type", env.Type),
			attribute.String("messaging.message.conversation_id", correlation.IDFrom(ctx)),
		),
	)
	defer span.End()

	if direction == Outbound {
		carrier := propagation.MapCarrier(maps.Clone(env.Headers))
		if carrier == nil {
			carrier = propagation.MapCarrier{}
		}
		i.propagator.Inject(ctx, carrier)
		env = env.WithHeaders(carrier)
	}

	err := next.Handle(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (i *TracingInterceptor) Name() string {
	return "tracing"
}

func operation(d Direction) string {
	if d == Inbound {
		return "process"
	}
	return "publish"
}
