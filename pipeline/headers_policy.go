package pipeline

import (
	"github.com/google/uuid"
)

// RequestIDHeader is the default header carrying the per-call request id.
const RequestIDHeader = "X-Request-ID"

// NewHeadersPolicy returns middleware applying WithUserAgent, WithHeader
// and the request id header. It runs once per call, so every attempt of a
// call shares one request id.
func NewHeadersPolicy(opts ...Option) Middleware {
	return newHeadersMiddleware(newConfig(opts...))
}

func newHeadersMiddleware(cfg *internalConfig) Middleware {
	return func(next Policy) Policy {
		return PolicyFunc(func(req *Request) (*Response, error) {
			for k, vs := range cfg.Headers {
				if req.Header.Get(k) != "" {
					continue
				}
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
			if cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
				req.Header.Set("User-Agent", cfg.UserAgent)
			}
			if h := cfg.RequestIDHeader; h != "" && req.Header.Get(h) == "" {
				req.Header.Set(h, uuid.New().String())
			}
			return next.Send(req)
		})
	}
}
