package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the instruments recorded by the client and its policies.
// A nil *metrics records nothing.
type metrics struct {
	// === Logical Call ===

	// callDuration measures a whole call, retries and backoff included.
	callDuration metric.Float64Histogram

	// activeCalls tracks in-flight logical calls.
	activeCalls metric.Int64UpDownCounter

	// callErrors counts failed calls by error.type.
	callErrors metric.Int64Counter

	// === Attempts ===

	// attemptDuration measures a single transport attempt.
	attemptDuration metric.Float64Histogram

	// requestBodySize and responseBodySize measure payloads per attempt.
	requestBodySize  metric.Int64Histogram
	responseBodySize metric.Int64Histogram

	// === Network Timing ===

	dnsDuration        metric.Float64Histogram
	connectionDuration metric.Float64Histogram
	tlsDuration        metric.Float64Histogram
	ttfb               metric.Float64Histogram
	openConnections    metric.Int64UpDownCounter

	// === Retry ===

	// retryAttempts counts retries, labelled by failure class.
	retryAttempts metric.Int64Counter

	// retryExhausted counts calls that ran out of a budget.
	retryExhausted metric.Int64Counter

	// retryDuration measures the time spent in the retry loop.
	retryDuration metric.Float64Histogram

	// === Resilience ===

	// breakerState is 0 closed, 1 half-open, 2 open.
	breakerState metric.Int64Gauge

	// breakerRequests counts breaker decisions by result.
	breakerRequests metric.Int64Counter

	// rateLimited counts attempts rejected by the rate limiter.
	rateLimited metric.Int64Counter

	// endpointFailovers counts endpoints marked unavailable.
	endpointFailovers metric.Int64Counter

	// tokenRefreshes counts credential fetches by result.
	tokenRefreshes metric.Int64Counter
}

var (
	durationBuckets = []float64{
		0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
	}
	sizeBuckets = []float64{
		0, 100, 1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024,
	}
	networkBuckets = []float64{
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
	}
	retryBuckets = []float64{
		0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
	}
)

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	float64Histograms := []struct {
		dst     *metric.Float64Histogram
		name    string
		desc    string
		buckets []float64
	}{
		{&m.callDuration, "http.client.request.duration", "Duration of logical HTTP client calls in seconds", durationBuckets},
		{&m.attemptDuration, "http.client.attempt.duration", "Duration of single transport attempts in seconds", durationBuckets},
		{&m.dnsDuration, "http.client.dns.duration", "DNS lookup duration in seconds", networkBuckets},
		{&m.connectionDuration, "http.client.connection.duration", "Time to establish HTTP connection in seconds", networkBuckets},
		{&m.tlsDuration, "http.client.tls.duration", "TLS handshake duration in seconds", networkBuckets},
		{&m.ttfb, "http.client.ttfb", "Time to first response byte in seconds", durationBuckets},
		{&m.retryDuration, "http.client.retry.duration", "Total time spent in retry loop in seconds", retryBuckets},
	}
	for _, h := range float64Histograms {
		*h.dst, err = meter.Float64Histogram(
			h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(h.buckets...),
		)
		if err != nil {
			return nil, err
		}
	}

	m.requestBodySize, err = meter.Int64Histogram(
		"http.client.request.body.size",
		metric.WithDescription("Size of HTTP client request bodies in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	)
	if err != nil {
		return nil, err
	}

	m.responseBodySize, err = meter.Int64Histogram(
		"http.client.response.body.size",
		metric.WithDescription("Size of HTTP client response bodies in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	)
	if err != nil {
		return nil, err
	}

	m.activeCalls, err = meter.Int64UpDownCounter(
		"http.client.active_requests",
		metric.WithDescription("Number of active HTTP client calls"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.openConnections, err = meter.Int64UpDownCounter(
		"http.client.open_connections",
		metric.WithDescription("Number of HTTP connections opened by the client"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerState, err = meter.Int64Gauge(
		"http.client.breaker.state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 half-open, 2 open"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.callErrors, "http.client.request.error", "Number of failed HTTP client calls", "{error}"},
		{&m.retryAttempts, "http.client.retry.attempts", "Number of HTTP client retry attempts", "{attempt}"},
		{&m.retryExhausted, "http.client.retry.exhausted", "Number of calls that exhausted a retry budget", "{request}"},
		{&m.breakerRequests, "http.client.breaker.requests", "Number of circuit breaker decisions", "{request}"},
		{&m.rateLimited, "http.client.rate_limited", "Number of attempts rejected by the rate limiter", "{request}"},
		{&m.endpointFailovers, "http.client.endpoint.failovers", "Number of endpoints marked unavailable", "{endpoint}"},
		{&m.tokenRefreshes, "http.client.auth.token_refreshes", "Number of credential token fetches", "{token}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(
			c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

func withAttr(attrs []attribute.KeyValue, extra ...attribute.KeyValue) metric.MeasurementOption {
	all := make([]attribute.KeyValue, 0, len(attrs)+len(extra))
	all = append(all, attrs...)
	all = append(all, extra...)
	return metric.WithAttributes(all...)
}

// recordCallDuration records the duration of a logical call.
func (m *metrics) recordCallDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.callDuration == nil {
		return
	}
	m.callDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordActiveCallStart(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeCalls == nil {
		return
	}
	m.activeCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordActiveCallEnd(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeCalls == nil {
		return
	}
	m.activeCalls.Add(ctx, -1, metric.WithAttributes(attrs...))
}

// recordError records a failed call.
func (m *metrics) recordError(ctx context.Context, errorType string, attrs []attribute.KeyValue) {
	if m == nil || m.callErrors == nil {
		return
	}
	m.callErrors.Add(ctx, 1, withAttr(attrs, attribute.String("error.type", errorType)))
}

// recordAttempt records the duration and payload sizes of one attempt.
func (m *metrics) recordAttempt(
	ctx context.Context,
	d time.Duration,
	reqSize, respSize int64,
	attrs []attribute.KeyValue,
) {
	if m == nil {
		return
	}
	if m.attemptDuration != nil {
		m.attemptDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
	if m.requestBodySize != nil && reqSize > 0 {
		m.requestBodySize.Record(ctx, reqSize, metric.WithAttributes(attrs...))
	}
	if m.responseBodySize != nil && respSize >= 0 {
		m.responseBodySize.Record(ctx, respSize, metric.WithAttributes(attrs...))
	}
}

func (m *metrics) recordDNSDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.dnsDuration == nil {
		return
	}
	m.dnsDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordConnectionDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.connectionDuration == nil {
		return
	}
	m.connectionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordTLSDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.tlsDuration == nil {
		return
	}
	m.tlsDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordTTFB(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.ttfb == nil {
		return
	}
	m.ttfb.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordConnectionOpened(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.openConnections == nil {
		return
	}
	m.openConnections.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordRetryAttempt records a retry charged to class.
func (m *metrics) recordRetryAttempt(
	ctx context.Context,
	attrs []attribute.KeyValue,
	attempt int,
	class failureClass,
) {
	if m == nil || m.retryAttempts == nil {
		return
	}
	m.retryAttempts.Add(ctx, 1, withAttr(attrs,
		attribute.Int("retry.attempt", attempt),
		attribute.String("retry.class", class.String()),
	))
}

// recordRetryExhausted records a call that ran out of budget for class.
func (m *metrics) recordRetryExhausted(ctx context.Context, attrs []attribute.KeyValue, class failureClass) {
	if m == nil || m.retryExhausted == nil {
		return
	}
	m.retryExhausted.Add(ctx, 1, withAttr(attrs, attribute.String("retry.class", class.String())))
}

func (m *metrics) recordRetryDuration(ctx context.Context, attrs []attribute.KeyValue, d time.Duration) {
	if m == nil || m.retryDuration == nil {
		return
	}
	m.retryDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// recordBreakerState records the state of the breaker guarding name.
func (m *metrics) recordBreakerState(ctx context.Context, name string, state int64) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String("breaker.name", name)))
}

// recordBreakerRequest records a breaker decision. result is one of
// "success", "failure" or "rejected".
func (m *metrics) recordBreakerRequest(ctx context.Context, name, result string) {
	if m == nil || m.breakerRequests == nil {
		return
	}
	m.breakerRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker.name", name),
		attribute.String("breaker.result", result),
	))
}

func (m *metrics) recordRateLimited(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.rateLimited == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordEndpointFailover records endpoint being marked unavailable.
func (m *metrics) recordEndpointFailover(ctx context.Context, endpoint string, kind OperationKind) {
	if m == nil || m.endpointFailovers == nil {
		return
	}
	m.endpointFailovers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("operation.kind", kind.String()),
	))
}

func (m *metrics) recordTokenRefresh(ctx context.Context, ok bool) {
	if m == nil || m.tokenRefreshes == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
