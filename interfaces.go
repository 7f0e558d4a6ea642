package agent365

import "context"

// TokenResolver supplies a bearer token for one (agent, tenant) delivery.
// Implementations may block on a network or cache; the delivery context
// bounds them. Returning an empty token with a nil error is valid: the
// request is sent without an Authorization header and a warning is logged.
type TokenResolver interface {
	ResolveToken(ctx context.Context, agentID, tenantID string) (string, error)
}

// TokenResolverFunc adapts a function to the TokenResolver interface.
type TokenResolverFunc func(ctx context.Context, agentID, tenantID string) (string, error)

// ResolveToken implements TokenResolver.
func (f TokenResolverFunc) ResolveToken(ctx context.Context, agentID, tenantID string) (string, error) {
	return f(ctx, agentID, tenantID)
}

// EndpointResolver maps a tenant to the base URL of its ingestion cluster.
// Used when no static endpoint override is configured.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, tenantID string) (string, error)
}

// EndpointResolverFunc adapts a function to the EndpointResolver interface.
type EndpointResolverFunc func(ctx context.Context, tenantID string) (string, error)

// ResolveEndpoint implements EndpointResolver.
func (f EndpointResolverFunc) ResolveEndpoint(ctx context.Context, tenantID string) (string, error) {
	return f(ctx, tenantID)
}

// StaticEndpoint returns an EndpointResolver that ignores the tenant and
// always returns base.
func StaticEndpoint(base string) EndpointResolver {
	return EndpointResolverFunc(func(context.Context, string) (string, error) {
		return base, nil
	})
}
