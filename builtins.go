package relaybus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/interceptors"
	"github.com/glimte/relaybus/internal/config"
	"github.com/glimte/relaybus/internal/reliability"
	"github.com/glimte/relaybus/internal/telemetry"
)

// HeaderSourceService names the service that produced an envelope.
const HeaderSourceService = "x-source-service"

// builtinInterceptors registers the interceptors selectable by name from
// configuration.
func builtinInterceptors(cfg *config.Config, logger *slog.Logger, providers *telemetry.Providers) (*interceptors.Registry, error) {
	registry := interceptors.NewRegistry()

	factories := map[string]interceptors.Factory{
		"correlation": func() (interceptors.Interceptor, error) {
			return interceptors.NewCorrelationInterceptor(), nil
		},
		"tracing": func() (interceptors.Interceptor, error) {
			return interceptors.NewTracingInterceptor(
				interceptors.WithTracerProvider(providers.TracerProvider),
				interceptors.WithPropagator(providers.Propagator),
			), nil
		},
		"metrics": func() (interceptors.Interceptor, error) {
			return interceptors.NewMetricsInterceptor(providers.MeterProvider)
		},
		"logging": func() (interceptors.Interceptor, error) {
			return interceptors.NewLoggingInterceptor(logger), nil
		},
		"poison": func() (interceptors.Interceptor, error) {
			return interceptors.NewPoisonMessageInterceptor(cfg.Inbound.MaxDeliveries), nil
		},
		"validation": func() (interceptors.Interceptor, error) {
			return interceptors.NewValidationInterceptor(), nil
		},
		"enrichment": func() (interceptors.Interceptor, error) {
			return interceptors.NewEnrichmentInterceptor(map[string]string{
				HeaderSourceService: cfg.Service.Name,
			}), nil
		},
		"retry": func() (interceptors.Interceptor, error) {
			policy := reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 3)
			return interceptors.NewRetryInterceptor(policy, logger), nil
		},
		"circuit-breaker": func() (interceptors.Interceptor, error) {
			breaker := reliability.NewCircuitBreaker(reliability.BreakerSettings{
				Name: cfg.Service.Name,
				OnStateChange: func(name string, from, to reliability.State) {
					logger.Warn("circuit breaker state changed",
						"name", name,
						"from", from.String(),
						"to", to.String(),
					)
				},
			})
			return interceptors.NewCircuitBreakerInterceptor(breaker), nil
		},
		"error-translation": func() (interceptors.Interceptor, error) {
			return interceptors.NewErrorTranslationInterceptor(translateHandlerError, logger), nil
		},
	}

	for name, factory := range factories {
		if err := registry.Register(name, factory); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// translateHandlerError turns a missing database record into a permanent
// failure so the message is dead-lettered instead of redelivered.
func translateHandlerError(_ context.Context, _ *contracts.Envelope, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", contracts.ErrValidation, err)
	}
	return err
}
