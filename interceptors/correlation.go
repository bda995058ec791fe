package interceptors

import (
	"context"

	"github.com/glimte/relaybus/contracts"
	"github.com/glimte/relaybus/correlation"
)

// CorrelationInterceptor moves the correlation context between the envelope
// and ctx. Inbound it restores the context carried by the envelope. Outbound
// it stamps envelopes that carry no context yet with a child of the bound
// context, or with a new context rooted at the envelope when nothing is bound.
type CorrelationInterceptor struct{}

func NewCorrelationInterceptor() *CorrelationInterceptor {
	return &CorrelationInterceptor{}
}

func (i *CorrelationInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	if DirectionFrom(ctx) == Inbound {
		c, err := correlation.FromEnvelope(env)
		if err != nil {
			return err
		}
		return next.Handle(correlation.With(ctx, c), env)
	}

	if len(env.Context) > 0 {
		return next.Handle(ctx, env)
	}

	parent, ok := correlation.From(ctx)
	if !ok {
		id := env.CorrelationID
		if id == "" {
			id = env.ID
		}
		parent = correlation.New(id)
	}
	stamped, err := correlation.Stamp(env, parent.Child(env.ID))
	if err != nil {
		return err
	}
	return next.Handle(ctx, stamped)
}

func (i *CorrelationInterceptor) Name() string {
	return "correlation"
}
