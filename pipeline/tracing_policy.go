package pipeline

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// NewTracingPolicy returns middleware opening one client span per logical
// call and recording call metrics. Retry and network events of the call
// are attached to this span.
func NewTracingPolicy(opts ...Option) Middleware {
	return newTracingMiddleware(newConfig(opts...))
}

func newTracingMiddleware(cfg *internalConfig) Middleware {
	return func(next Policy) Policy {
		return &tracingPolicy{next: next, cfg: cfg}
	}
}

type tracingPolicy struct {
	next Policy
	cfg  *internalConfig
}

// Send implements Policy.
func (p *tracingPolicy) Send(req *Request) (*Response, error) {
	start := time.Now()
	parent := req.Context()

	ctx, span := p.cfg.Tracer.Start(parent, "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(p.requestAttributes(req)...),
	)
	defer span.End()

	p.cfg.Propagators.Inject(ctx, propagation.HeaderCarrier(req.Header))

	baseAttrs := p.cfg.baseAttributes()
	p.cfg.Metrics.recordActiveCallStart(ctx, baseAttrs)
	defer p.cfg.Metrics.recordActiveCallEnd(ctx, baseAttrs)

	req.WithContext(ctx)
	resp, err := p.next.Send(req)
	req.WithContext(parent)

	duration := time.Since(start)
	stats := req.RetryStats()
	span.SetAttributes(attribute.Int("http.attempt_count", max(stats.Attempts, 1)))

	if err != nil {
		errorType := classifyError(err)
		setSpanError(span, err, errorType)
		p.cfg.Metrics.recordError(ctx, errorType, baseAttrs)
		p.cfg.Metrics.recordCallDuration(ctx, duration, p.metricsAttributes(req, nil, errorType))
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.ContentLength > 0 {
		span.SetAttributes(attribute.Int64("http.response.body.size", resp.ContentLength))
	}
	errorType := errorTypeFromStatusCode(resp.StatusCode)
	if errorType != "" {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		span.SetAttributes(attribute.String("error.type", errorType))
	}

	p.cfg.Metrics.recordCallDuration(ctx, duration, p.metricsAttributes(req, resp, errorType))
	return resp, nil
}

// requestAttributes returns span attributes for the request.
func (p *tracingPolicy) requestAttributes(req *Request) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 8)
	attrs = append(attrs, p.cfg.baseAttributes()...)
	attrs = append(attrs,
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", redactURL(req.URL)),
		attribute.String("url.scheme", req.URL.Scheme),
		attribute.String("operation.kind", req.OperationKind().String()),
	)
	attrs = append(attrs, serverAttributes(req.URL)...)
	if n := len(req.Body()); n > 0 {
		attrs = append(attrs, attribute.Int("http.request.body.size", n))
	}
	if ua := req.Header.Get("User-Agent"); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}

// metricsAttributes returns attributes for the call duration metric.
func (p *tracingPolicy) metricsAttributes(req *Request, resp *Response, errorType string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 6)
	attrs = append(attrs, p.cfg.baseAttributes()...)
	attrs = append(attrs, attribute.String("http.request.method", req.Method))
	attrs = append(attrs, serverAttributes(req.URL)...)
	if resp != nil {
		attrs = append(attrs, attribute.Int("http.response.status_code", resp.StatusCode))
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}
	return attrs
}

// attemptAttributes returns attributes for per-attempt metrics.
func attemptAttributes(cfg *internalConfig, req *Request) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	attrs = append(attrs, cfg.baseAttributes()...)
	attrs = append(attrs, attribute.String("http.request.method", req.Method))
	return append(attrs, serverAttributes(req.URL)...)
}

// serverAttributes returns server.address and server.port for u.
func serverAttributes(u *url.URL) []attribute.KeyValue {
	if u == nil {
		return nil
	}

	attrs := make([]attribute.KeyValue, 0, 2)
	if host := u.Hostname(); host != "" {
		attrs = append(attrs, attribute.String("server.address", host))
	}

	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			attrs = append(attrs, attribute.Int("server.port", n))
		}
		return attrs
	}
	switch u.Scheme {
	case "http":
		attrs = append(attrs, attribute.Int("server.port", 80))
	case "https":
		attrs = append(attrs, attribute.Int("server.port", 443))
	}
	return attrs
}

// redactURL drops user info and query values that commonly carry secrets.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	out := *u
	out.User = nil
	if out.RawQuery != "" {
		q := out.Query()
		for k := range q {
			switch k {
			case "sig", "signature", "token", "access_token", "api_key", "key":
				q.Set(k, redacted)
			}
		}
		out.RawQuery = q.Encode()
	}
	return out.String()
}
