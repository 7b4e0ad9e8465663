package pipeline

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/kroma-labs/sentinel-pipeline/pipeline"
)

// =============================================================================
// Config - HTTP Transport Configuration
// =============================================================================

// Config holds the HTTPTransport parameters.
// Use DefaultConfig() and modify the fields you need.
//
// Example:
//
//	cfg := pipeline.DefaultConfig()
//	cfg.ReadTimeout = 10 * time.Second
//	cfg.CABundleFile = "/etc/ssl/internal-ca.pem"
//
//	client, err := pipeline.New(pipeline.WithConfig(cfg))
type Config struct {
	// =======================================================================
	// Attempt Timeouts
	// =======================================================================

	// ConnectionTimeout bounds everything up to the moment the request has
	// been written: DNS, dial, TLS handshake and sending the body. Failing
	// here is a connection error, retried for any method.
	//
	// Can be overridden per call with WithConnectionTimeout.
	//
	// Default: 5s
	ConnectionTimeout time.Duration

	// ReadTimeout bounds the wait for the response once the request has
	// been written, including reading a buffered body. Failing here is a
	// read error, retried only for idempotent calls.
	//
	// Can be overridden per call with WithReadTimeout.
	//
	// Default: 30s
	ReadTimeout time.Duration

	// =======================================================================
	// Connection Pool Settings
	// =======================================================================

	// MaxIdleConns is the idle connection limit across all hosts.
	// Default: 100
	MaxIdleConns int

	// MaxIdleConnsPerHost is the idle connection limit per host. With
	// regional failover a client talks to a handful of hosts, so this is
	// usually close to MaxIdleConns divided by the region count.
	// Default: 20
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits idle plus active connections per host.
	// 0 means unlimited.
	// Default: 100
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	// Default: 90s
	IdleConnTimeout time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake.
	// Default: 10s
	TLSHandshakeTimeout time.Duration

	// ExpectContinueTimeout is the wait for "100 Continue".
	// Default: 1s
	ExpectContinueTimeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval.
	// Default: 30s
	KeepAlive time.Duration

	// DisableKeepAlives forces a new connection per attempt.
	// Default: false
	DisableKeepAlives bool

	// DisableCompression disables transparent gzip.
	// Default: true
	DisableCompression bool

	// ForceHTTP2 attempts HTTP/2 even with a custom TLS config.
	// Default: false
	ForceHTTP2 bool

	// =======================================================================
	// TLS Verification
	// =======================================================================

	// InsecureSkipVerify disables certificate verification for every host.
	// Never enable it against production endpoints.
	InsecureSkipVerify bool

	// CABundleFile is a PEM file whose certificates replace the system
	// roots for server verification.
	CABundleFile string

	// ClientCertFile and ClientKeyFile configure a client certificate
	// for mutual TLS. Both must be set.
	ClientCertFile string
	ClientKeyFile  string

	// InsecureLocalhost skips verification only for loopback hosts
	// (localhost, 127.0.0.1, ::1), which is how local emulators with
	// self-signed certificates are reached.
	InsecureLocalhost bool
}

// DefaultConfig returns a balanced configuration suitable for most use cases.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,

		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		KeepAlive:             30 * time.Second,

		DisableKeepAlives:  false,
		DisableCompression: true,
		ForceHTTP2:         false,
	}
}

// HighThroughputConfig raises the pool limits for clients fanning out many
// concurrent calls to the same endpoints.
func HighThroughputConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadTimeout = 60 * time.Second
	cfg.MaxIdleConns = 500
	cfg.MaxIdleConnsPerHost = 100
	cfg.MaxConnsPerHost = 0
	cfg.IdleConnTimeout = 120 * time.Second
	return cfg
}

// LowLatencyConfig fails fast so the retry policy can move on to another
// attempt or region quickly.
func LowLatencyConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	cfg.MaxIdleConns = 50
	cfg.MaxIdleConnsPerHost = 25
	cfg.MaxConnsPerHost = 50
	cfg.IdleConnTimeout = 60 * time.Second
	cfg.TLSHandshakeTimeout = 5 * time.Second
	cfg.ExpectContinueTimeout = 500 * time.Millisecond
	cfg.KeepAlive = 15 * time.Second
	cfg.ForceHTTP2 = true
	return cfg
}

// ConservativeConfig keeps few connections around, for constrained
// environments or processes holding many clients.
func ConservativeConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadTimeout = 20 * time.Second
	cfg.MaxIdleConns = 20
	cfg.MaxIdleConnsPerHost = 5
	cfg.MaxConnsPerHost = 20
	cfg.IdleConnTimeout = 30 * time.Second
	return cfg
}

// =============================================================================
// Internal Configuration
// =============================================================================

// internalConfig holds everything the client and its policies need.
type internalConfig struct {
	httpConfig Config

	// === OpenTelemetry ===

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *metrics
	Propagators    propagation.TextMapPropagator

	// ServiceName is added as "http.client.name" on spans and metrics.
	ServiceName string

	// EnableNetworkTrace records DNS/connect/TLS/TTFB timing per attempt.
	EnableNetworkTrace bool

	// === Logging and Time ===

	Logger zerolog.Logger
	Clock  quartz.Clock

	// === Transport ===

	// Transport replaces the HTTPTransport built from httpConfig.
	Transport            Transport
	TLSConfig            *tls.Config
	ProxyURL             *url.URL
	ProxyFromEnvironment bool

	// === Policies ===

	RetryConfig      RetryConfig
	RetryBackOff     func() backoff.BackOff
	Credential       Credential
	EndpointResolver EndpointResolver
	BreakerConfig    *BreakerConfig
	RateLimitConfig  *RateLimitConfig
	StatusErrors     bool
	PerCallPolicies  []Middleware
	PerRetryPolicies []Middleware

	// === Headers ===

	UserAgent       string
	Headers         http.Header
	RequestIDHeader string
}

// newConfig creates a new internal config with defaults and applies options.
func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		httpConfig:     DefaultConfig(),
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
		Propagators: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		Logger:               zerolog.Nop(),
		Clock:                quartz.NewReal(),
		EnableNetworkTrace:   true,
		ProxyFromEnvironment: true,
		RetryConfig:          DefaultRetryConfig(),
		RequestIDHeader:      RequestIDHeader,
		Headers:              make(http.Header),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)

	// Instruments are optional; a nil *metrics records nothing.
	cfg.Metrics, _ = newMetrics(cfg.Meter)

	return cfg
}

// baseAttributes returns common attributes for all spans and metrics.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 1)
	if cfg.ServiceName != "" {
		attrs = append(attrs, attribute.String("http.client.name", cfg.ServiceName))
	}
	return attrs
}

// middleware returns the default chain, outermost first.
func (cfg *internalConfig) middleware() []Middleware {
	mws := []Middleware{
		newTracingMiddleware(cfg),
		newHeadersMiddleware(cfg),
	}
	if cfg.StatusErrors {
		mws = append(mws, NewStatusErrorPolicy())
	}
	mws = append(mws, cfg.PerCallPolicies...)
	mws = append(mws, newRetryMiddleware(cfg))
	if cfg.EndpointResolver != nil {
		mws = append(mws, newEndpointMiddleware(cfg))
	}
	if cfg.Credential != nil {
		mws = append(mws, newAuthMiddleware(cfg))
	}
	mws = append(mws, cfg.PerRetryPolicies...)
	if cfg.BreakerConfig != nil {
		mws = append(mws, newBreakerMiddleware(cfg))
	}
	if cfg.RateLimitConfig != nil {
		mws = append(mws, newRateLimitMiddleware(cfg))
	}
	mws = append(mws, newLoggingMiddleware(cfg.Logger))
	return mws
}

// =============================================================================
// Options - Functional Options for Client Configuration
// =============================================================================

// Option configures a Client or a standalone policy.
type Option func(*internalConfig)

// WithConfig sets the HTTPTransport configuration.
//
// Example:
//
//	client, err := pipeline.New(
//	    pipeline.WithConfig(pipeline.LowLatencyConfig()),
//	)
func WithConfig(c Config) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig = c
	}
}

// WithServiceName sets an identifier for this client in traces and metrics.
// It is added as the "http.client.name" attribute and names the breakers.
func WithServiceName(name string) Option {
	return func(cfg *internalConfig) {
		cfg.ServiceName = name
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.MeterProvider = mp
	}
}

// WithPropagators sets the propagators used to inject trace context.
// Default: W3C TraceContext and Baggage.
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *internalConfig) {
		cfg.Propagators = p
	}
}

// WithDisableNetworkTrace turns off per-attempt DNS/connect/TLS timing.
func WithDisableNetworkTrace() Option {
	return func(cfg *internalConfig) {
		cfg.EnableNetworkTrace = false
	}
}

// WithLogger sets the zerolog logger used by the logging and retry
// policies. Default: zerolog.Nop().
//
// Example:
//
//	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
//	client, err := pipeline.New(pipeline.WithLogger(logger))
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = logger
	}
}

// WithClock sets the clock used for sleeps and timeouts. Tests pass a
// quartz mock.
func WithClock(c quartz.Clock) Option {
	return func(cfg *internalConfig) {
		cfg.Clock = c
	}
}

// WithTransport replaces the HTTPTransport. Use it with MockTransport in
// tests, or to plug in a different network stack.
func WithTransport(t Transport) Option {
	return func(cfg *internalConfig) {
		cfg.Transport = t
	}
}

// WithTLSConfig sets a TLS configuration used as the base of the
// HTTPTransport. The Config TLS fields are applied on top of a clone.
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(cfg *internalConfig) {
		cfg.TLSConfig = tlsCfg
	}
}

// WithProxyURL sets a proxy for all requests, ignoring the environment.
func WithProxyURL(proxyURL *url.URL) Option {
	return func(cfg *internalConfig) {
		cfg.ProxyURL = proxyURL
		cfg.ProxyFromEnvironment = false
	}
}

// WithProxyFromEnvironment enables or disables HTTP_PROXY/HTTPS_PROXY/NO_PROXY.
// Default: true
func WithProxyFromEnvironment(enabled bool) Option {
	return func(cfg *internalConfig) {
		cfg.ProxyFromEnvironment = enabled
	}
}

// WithRetryConfig sets the retry policy defaults.
//
// Example:
//
//	client, err := pipeline.New(
//	    pipeline.WithRetryConfig(pipeline.AggressiveRetryConfig()),
//	)
func WithRetryConfig(rc RetryConfig) Option {
	return func(cfg *internalConfig) {
		cfg.RetryConfig = rc
	}
}

// WithRetryBackOff replaces the built-in backoff formula. The factory is
// called once per logical call so strategies with state are never shared
// between concurrent calls. Returning backoff.Stop ends retrying.
//
// Example:
//
//	client, err := pipeline.New(
//	    pipeline.WithRetryBackOff(func() backoff.BackOff {
//	        return pipeline.NewDecorrelatedJitterBackOff()
//	    }),
//	)
func WithRetryBackOff(factory func() backoff.BackOff) Option {
	return func(cfg *internalConfig) {
		cfg.RetryBackOff = factory
	}
}

// WithCredential enables bearer token authentication.
func WithCredential(c Credential) Option {
	return func(cfg *internalConfig) {
		cfg.Credential = c
	}
}

// WithEndpointResolver enables regional endpoint failover.
func WithEndpointResolver(r EndpointResolver) Option {
	return func(cfg *internalConfig) {
		cfg.EndpointResolver = r
	}
}

// WithBreakerConfig enables per-host circuit breaking.
func WithBreakerConfig(bc BreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.BreakerConfig = &bc
	}
}

// WithRateLimit enables client-side rate limiting of attempts.
func WithRateLimit(rl RateLimitConfig) Option {
	return func(cfg *internalConfig) {
		cfg.RateLimitConfig = &rl
	}
}

// WithStatusErrors makes the client return a typed *Error for final
// responses with status >= 400 instead of the response itself.
func WithStatusErrors() Option {
	return func(cfg *internalConfig) {
		cfg.StatusErrors = true
	}
}

// WithPerCallPolicies adds policies that run once per logical call,
// outside the retry policy.
func WithPerCallPolicies(mw ...Middleware) Option {
	return func(cfg *internalConfig) {
		cfg.PerCallPolicies = append(cfg.PerCallPolicies, mw...)
	}
}

// WithPerRetryPolicies adds policies that run on every attempt, inside
// the retry policy.
func WithPerRetryPolicies(mw ...Middleware) Option {
	return func(cfg *internalConfig) {
		cfg.PerRetryPolicies = append(cfg.PerRetryPolicies, mw...)
	}
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(cfg *internalConfig) {
		cfg.UserAgent = ua
	}
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) Option {
	return func(cfg *internalConfig) {
		cfg.Headers.Add(key, value)
	}
}

// WithRequestIDHeader changes the header carrying the per-call request id.
// An empty name disables it.
func WithRequestIDHeader(name string) Option {
	return func(cfg *internalConfig) {
		cfg.RequestIDHeader = name
	}
}
