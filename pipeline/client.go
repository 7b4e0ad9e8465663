package pipeline

import (
	"context"
	"io"
	"net/http"
)

// Client runs requests through the default policy chain.
//
// Create a Client using New():
//
//	client, err := pipeline.New(
//	    pipeline.WithServiceName("orders"),
//	    pipeline.WithEndpointResolver(manager),
//	)
//
//	req, _ := pipeline.NewRequest(ctx, http.MethodGet, "https://orders.example.com/orders/42", nil)
//	resp, err := client.Do(req)
type Client struct {
	pipeline  *Pipeline
	transport Transport
	config    *internalConfig
}

// New creates a Client. Without WithTransport it builds an HTTPTransport
// from the Config, which fails only on unreadable TLS material.
//
// The chain, outermost first: tracing, headers, status errors (if
// enabled), per-call policies, retry, endpoint failover (if a resolver is
// set), auth (if a credential is set), per-retry policies, breaker and
// rate limiting (if configured), logging, transport.
func New(opts ...Option) (*Client, error) {
	cfg := newConfig(opts...)

	transport := cfg.Transport
	if transport == nil {
		ht, err := newHTTPTransport(cfg)
		if err != nil {
			return nil, err
		}
		transport = ht
	}

	return &Client{
		pipeline:  NewPipeline(transport, cfg.middleware()...),
		transport: transport,
		config:    cfg,
	}, nil
}

// Do runs req through the chain.
func (c *Client) Do(req *Request, opts ...CallOption) (*Response, error) {
	return c.pipeline.Run(req, opts...)
}

// Get is a shorthand for a GET without body.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...CallOption) (*Response, error) {
	req, err := NewRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req, opts...)
}

// Post is a shorthand for a POST with body.
func (c *Client) Post(ctx context.Context, rawURL string, body io.Reader, opts ...CallOption) (*Response, error) {
	req, err := NewRequest(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	return c.Do(req, opts...)
}

// Pipeline returns the composed pipeline, for sharing with helpers such
// as endpoint.HTTPFetcher.
func (c *Client) Pipeline() *Pipeline {
	return c.pipeline
}

// Transport returns the terminal transport.
func (c *Client) Transport() Transport {
	return c.transport
}

// Close releases idle connections of the built-in transport.
func (c *Client) Close() {
	if ht, ok := c.transport.(*HTTPTransport); ok {
		ht.Close()
	}
}
