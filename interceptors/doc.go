// Package interceptors implements the plugin pipeline that wraps every
// outbound publish and every inbound delivery.
//
// A Chain is built once from an ordered list and is read-only afterwards.
// Each Interceptor receives the envelope and a continuation for the rest of
// the chain, so it can run logic before and after the continuation, skip it,
// or translate its error:
//
//	chain := interceptors.NewChain(interceptors.Inbound,
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewTracingInterceptor(),
//		interceptors.NewRetryInterceptor(policy, logger),
//	)
//	err := chain.Execute(ctx, env, terminal)
//
// Observability interceptors always return the error they observed.
package interceptors
