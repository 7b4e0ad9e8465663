package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// OperationKind tells the endpoint resolver whether a request needs a
// write-capable endpoint or can be served by a read replica.
type OperationKind int

const (
	// OperationRead can be served by any readable endpoint.
	OperationRead OperationKind = iota
	// OperationWrite must target a writable endpoint.
	OperationWrite
)

func (k OperationKind) String() string {
	if k == OperationWrite {
		return "write"
	}
	return "read"
}

// Request is one logical call handed to a Pipeline.
//
// The body is buffered when the request is created so that every attempt
// sends the same bytes. Policies may change Header and URL while the call
// runs; the pipeline does not keep the Request after Run returns.
type Request struct {
	// Method is the HTTP method (GET, POST, ...).
	Method string

	// URL is the target. Endpoint failover only changes its scheme and host.
	URL *url.URL

	// Header holds request headers. Keys are canonicalized by http.Header.
	Header http.Header

	ctx       context.Context
	body      []byte
	options   callOptions
	transport Transport
	attempt   int
	stats     RetryStats
}

// NewRequest builds a Request. body may be nil; any other reader is read
// fully so it can be replayed on retries.
func NewRequest(ctx context.Context, method, rawURL string, body io.Reader) (*Request, error) {
	if ctx == nil {
		return nil, errors.New("pipeline: nil context")
	}
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("pipeline: invalid url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("pipeline: url %q must be absolute", rawURL)
	}

	req := &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
		ctx:    ctx,
	}

	if body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("pipeline: read request body: %w", err)
		}
		req.body = b
	}

	return req, nil
}

// NewJSONRequest builds a Request whose body is v encoded as JSON.
func NewJSONRequest(ctx context.Context, method, rawURL string, v any) (*Request, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode request body: %w", err)
	}

	req, err := NewRequest(ctx, method, rawURL, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Context returns the request context. It is never nil.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext replaces the request context in place and returns r.
// Policies use it to attach spans or deadlines for inner links.
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx != nil {
		r.ctx = ctx
	}
	return r
}

// Body returns the buffered body. Callers must not modify it.
func (r *Request) Body() []byte {
	return r.body
}

// SetBody replaces the buffered body.
func (r *Request) SetBody(b []byte) {
	r.body = b
}

// Transport returns the transport resolved for this call by Pipeline.Run.
func (r *Request) Transport() Transport {
	return r.transport
}

// OperationKind returns the explicit kind set with WithOperationKind,
// otherwise it is derived from the method.
func (r *Request) OperationKind() OperationKind {
	if r.options.kind != nil {
		return *r.options.kind
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return OperationRead
	default:
		return OperationWrite
	}
}

// Idempotent reports whether the caller marked this call as safe to repeat.
func (r *Request) Idempotent() bool {
	return r.options.idempotent
}

// Stream reports whether the response body should be handed to the caller
// unread.
func (r *Request) Stream() bool {
	return r.options.stream
}

// EndpointOverride returns the endpoint pinned with WithEndpointOverride.
func (r *Request) EndpointOverride() *url.URL {
	return r.options.endpoint
}

// Attempt returns the 1-based number of the attempt in flight. It is 1
// when no retry policy is installed.
func (r *Request) Attempt() int {
	return max(r.attempt, 1)
}

// RetryStats returns what the retry policy consumed for this call.
// It is the zero value until the call completes.
func (r *Request) RetryStats() RetryStats {
	return r.stats
}

// toHTTP builds the wire-level request for one attempt.
func (r *Request) toHTTP(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	if host := r.Header.Get("Host"); host != "" {
		req.Host = host
	}
	return req, nil
}

// =============================================================================
// Call Options
// =============================================================================

// callOptions are per-call overrides carried by the Request.
type callOptions struct {
	retry          retryOverrides
	idempotent     bool
	stream         bool
	kind           *OperationKind
	endpoint       *url.URL
	connectTimeout time.Duration
	readTimeout    time.Duration
}

type retryOverrides struct {
	total         *int
	connect       *int
	read          *int
	status        *int
	backoffFactor *time.Duration
	backoffMax    *time.Duration
	mode          *RetryMode
}

// CallOption configures a single logical call.
type CallOption func(*callOptions)

// WithRetryTotal overrides the total retry budget for this call.
func WithRetryTotal(n int) CallOption {
	return func(o *callOptions) { o.retry.total = &n }
}

// WithRetryConnect overrides the connection-error retry budget.
func WithRetryConnect(n int) CallOption {
	return func(o *callOptions) { o.retry.connect = &n }
}

// WithRetryRead overrides the read-error retry budget.
func WithRetryRead(n int) CallOption {
	return func(o *callOptions) { o.retry.read = &n }
}

// WithRetryStatus overrides the status-code retry budget.
func WithRetryStatus(n int) CallOption {
	return func(o *callOptions) { o.retry.status = &n }
}

// WithRetryBackoffFactor overrides the backoff base delay.
func WithRetryBackoffFactor(d time.Duration) CallOption {
	return func(o *callOptions) { o.retry.backoffFactor = &d }
}

// WithRetryBackoffMax overrides the backoff cap.
func WithRetryBackoffMax(d time.Duration) CallOption {
	return func(o *callOptions) { o.retry.backoffMax = &d }
}

// WithRetryMode overrides the backoff mode.
func WithRetryMode(m RetryMode) CallOption {
	return func(o *callOptions) { o.retry.mode = &m }
}

// WithIdempotent marks the call as safe to repeat after a read error,
// regardless of its method.
func WithIdempotent() CallOption {
	return func(o *callOptions) { o.idempotent = true }
}

// WithStream leaves the response body unread so large payloads can be
// consumed incrementally through Response.Stream.
func WithStream() CallOption {
	return func(o *callOptions) { o.stream = true }
}

// WithOperationKind overrides the kind derived from the method.
func WithOperationKind(k OperationKind) CallOption {
	return func(o *callOptions) { o.kind = &k }
}

// WithEndpointOverride pins the call to endpoint. The endpoint resolver
// is bypassed entirely, including its refresh.
func WithEndpointOverride(endpoint *url.URL) CallOption {
	return func(o *callOptions) { o.endpoint = endpoint }
}

// WithConnectionTimeout overrides the per-attempt connection timeout.
func WithConnectionTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.connectTimeout = d }
}

// WithReadTimeout overrides the per-attempt read timeout.
func WithReadTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.readTimeout = d }
}
