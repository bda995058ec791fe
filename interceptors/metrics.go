package interceptors

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/relaybus/contracts"
)

const meterName = "github.com/glimte/relaybus/interceptors"

// MetricsInterceptor records message counts and durations. Instrument
// failures are ignored.
type MetricsInterceptor struct {
	messages metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetricsInterceptor creates the instruments on mp, or on the global meter
// provider when mp is nil.
func NewMetricsInterceptor(mp metric.MeterProvider) (*MetricsInterceptor, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	messages, err := meter.Int64Counter("relaybus.messages",
		metric.WithDescription("Messages that entered the pipeline"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("relaybus.messages.failed",
		metric.WithDescription("Messages whose pipeline returned an error"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("relaybus.message.duration",
		metric.WithDescription("Time spent in the pipeline"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &MetricsInterceptor{messages: messages, failures: failures, duration: duration}, nil
}

func (i *MetricsInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	attrs := metric.WithAttributes(
		attribute.String("message.type", env.Type),
		attribute.String("direction", DirectionFrom(ctx).String()),
	)
	i.messages.Add(ctx, 1, attrs)

	start := time.Now()
	err := next.Handle(ctx, env)
	i.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)

	if err != nil {
		i.failures.Add(ctx, 1, attrs)
	}
	return err
}

func (i *MetricsInterceptor) Name() string {
	return "metrics"
}
