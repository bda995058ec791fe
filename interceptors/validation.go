package interceptors

import (
	"context"

	"github.com/glimte/relaybus/contracts"
)

// EnvelopeValidator checks an envelope beyond its identity fields.
type EnvelopeValidator func(env *contracts.Envelope) error

// ValidationInterceptor rejects invalid envelopes before they reach storage
// or transport.
type ValidationInterceptor struct {
	validators []EnvelopeValidator
}

func NewValidationInterceptor(validators ...EnvelopeValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validators: validators}
}

func (i *ValidationInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	if err := env.Validate(); err != nil {
		return err
	}
	for _, validate := range i.validators {
		if err := validate(env); err != nil {
			return err
		}
	}
	return next.Handle(ctx, env)
}

func (i *ValidationInterceptor) Name() string {
	return "validation"
}

// RequireHeader returns a validator demanding a non-empty header.
func RequireHeader(key string) EnvelopeValidator {
	return func(env *contracts.Envelope) error {
		if env.Header(key) == "" {
			return &contracts.ValidationError{Field: "header " + key, Reason: "required"}
		}
		return nil
	}
}

// EnrichmentInterceptor adds static headers to outbound envelopes. Existing
// headers are kept.
type EnrichmentInterceptor struct {
	headers map[string]string
}

func NewEnrichmentInterceptor(headers map[string]string) *EnrichmentInterceptor {
	return &EnrichmentInterceptor{headers: headers}
}

func (i *EnrichmentInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	if DirectionFrom(ctx) != Outbound || len(i.headers) == 0 {
		return next.Handle(ctx, env)
	}
	add := make(map[string]string, len(i.headers))
	for k, v := range i.headers {
		if env.Header(k) == "" {
			add[k] = v
		}
	}
	return next.Handle(ctx, env.WithHeaders(add))
}

func (i *EnrichmentInterceptor) Name() string {
	return "enrichment"
}
