package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/correlation"
)

// LoggingInterceptor logs message transit. It never alters the outcome.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	start := time.Now()
	logger := i.logger.With(correlation.LogAttrs(ctx)...).With(
		"messageId", env.ID,
		"messageType", env.Type,
		"direction", DirectionFrom(ctx).String(),
	)

	logger.DebugContext(ctx, "processing message")

	err := next.Handle(ctx, env)
	duration := time.Since(start)

	if err != nil {
		logger.ErrorContext(ctx, "message processing failed",
			"duration", duration,
			"error", err,
		)
		return err
	}

	logger.InfoContext(ctx, "message processed", "duration", duration)
	return nil
}

func (i *LoggingInterceptor) Name() string {
	return "logging"
}
