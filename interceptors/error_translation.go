package interceptors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/relaybus/contracts"
)

// ErrSuppress is returned by an ErrorTranslator to swallow an error on purpose.
var ErrSuppress = errors.New("error suppressed")

// ErrorTranslator maps an error from the rest of the chain. Returning the
// error unchanged propagates it; returning ErrSuppress swallows it.
type ErrorTranslator func(ctx context.Context, env *contracts.Envelope, err error) error

// ErrorTranslationInterceptor applies a translator to downstream failures.
// A translator that returns nil is treated as returning the original error.
type ErrorTranslationInterceptor struct {
	translate ErrorTranslator
	logger    *slog.Logger
}

func NewErrorTranslationInterceptor(translate ErrorTranslator, logger *slog.Logger) *ErrorTranslationInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorTranslationInterceptor{translate: translate, logger: logger}
}

func (i *ErrorTranslationInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	err := next.Handle(ctx, env)
	if err == nil {
		return nil
	}

	translated := i.translate(ctx, env, err)
	switch translated {
	case nil:
		return err
	case ErrSuppress:
		i.logger.WarnContext(ctx, "message error suppressed",
			"messageId", env.ID,
			"messageType", env.Type,
			"error", err,
		)
		return nil
	default:
		return translated
	}
}

func (i *ErrorTranslationInterceptor) Name() string {
	return "error-translation"
}
