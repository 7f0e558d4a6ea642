package export

import "context"

type tokenContextKey struct{}

// ContextWithToken returns a context carrying a bearer token for spans
// recorded under it. The aggregator captures one context per trace
// (preferring the root span's start context) and the deliverer reads the
// token back at export time when no TokenResolver is configured.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token stashed by ContextWithToken,
// or "" when none is present.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey{}).(string)
	return token
}
