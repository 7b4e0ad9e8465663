package pipeline

import (
	"context"
	"net/url"
)

// EndpointResolver picks the physical endpoint a request should target.
// endpoint.Manager is the implementation shipped with this module.
type EndpointResolver interface {
	// RefreshEndpoints updates the endpoint table. It must be cheap when
	// the table is still fresh.
	RefreshEndpoints(ctx context.Context) error

	// ResolveEndpoint returns the base URL to use for kind.
	ResolveEndpoint(ctx context.Context, kind OperationKind) (*url.URL, error)

	// MarkEndpointUnavailable records that endpoint failed for kind so the
	// next resolution skips it.
	MarkEndpointUnavailable(endpoint *url.URL, kind OperationKind)
}

// NewEndpointPolicy returns the failover middleware. It must sit inside the
// retry policy so each attempt is resolved again.
func NewEndpointPolicy(r EndpointResolver, opts ...Option) Middleware {
	cfg := newConfig(append(opts, WithEndpointResolver(r))...)
	return newEndpointMiddleware(cfg)
}

func newEndpointMiddleware(cfg *internalConfig) Middleware {
	return func(next Policy) Policy {
		return &endpointPolicy{next: next, cfg: cfg, resolver: cfg.EndpointResolver}
	}
}

type endpointPolicy struct {
	next     Policy
	cfg      *internalConfig
	resolver EndpointResolver
}

// Send implements Policy.
func (p *endpointPolicy) Send(req *Request) (*Response, error) {
	if override := req.EndpointOverride(); override != nil {
		req.URL = RewriteEndpoint(req.URL, override)
		return p.next.Send(req)
	}

	ctx := req.Context()
	if err := p.resolver.RefreshEndpoints(ctx); err != nil {
		p.cfg.Logger.Warn().Err(err).Msg("pipeline: endpoint refresh failed, using last known endpoints")
	}

	kind := req.OperationKind()
	endpoint, err := p.resolver.ResolveEndpoint(ctx, kind)
	if err != nil {
		return nil, NewConnectionError(err)
	}
	req.URL = RewriteEndpoint(req.URL, endpoint)

	resp, err := p.next.Send(req)
	if err != nil && KindOf(err) == KindConnection {
		p.resolver.MarkEndpointUnavailable(endpoint, kind)
		p.cfg.Metrics.recordEndpointFailover(ctx, endpoint.Host, kind)
		p.cfg.Logger.Warn().
			Str("endpoint", endpoint.String()).
			Str("kind", kind.String()).
			Err(err).
			Msg("pipeline: endpoint marked unavailable")
	}
	return resp, err
}

// RewriteEndpoint returns a copy of u targeting endpoint. Only the scheme
// and host change; path, raw path, query and fragment are kept. A nil
// endpoint returns u unchanged.
func RewriteEndpoint(u, endpoint *url.URL) *url.URL {
	if endpoint == nil || u == nil {
		return u
	}
	if u.Scheme == endpoint.Scheme && u.Host == endpoint.Host {
		return u
	}

	out := *u
	out.Scheme = endpoint.Scheme
	out.Host = endpoint.Host
	return &out
}
