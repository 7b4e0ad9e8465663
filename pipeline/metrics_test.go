package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetrics(t *testing.T) {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := newMetrics(mp.Meter("test"))
	require.NoError(t, err)

	assert.NotNil(t, m.callDuration)
	assert.NotNil(t, m.activeCalls)
	assert.NotNil(t, m.callErrors)
	assert.NotNil(t, m.attemptDuration)
	assert.NotNil(t, m.requestBodySize)
	assert.NotNil(t, m.responseBodySize)
	assert.NotNil(t, m.dnsDuration)
	assert.NotNil(t, m.connectionDuration)
	assert.NotNil(t, m.tlsDuration)
	assert.NotNil(t, m.ttfb)
	assert.NotNil(t, m.openConnections)
	assert.NotNil(t, m.retryAttempts)
	assert.NotNil(t, m.retryExhausted)
	assert.NotNil(t, m.retryDuration)
	assert.NotNil(t, m.breakerState)
	assert.NotNil(t, m.breakerRequests)
	assert.NotNil(t, m.rateLimited)
	assert.NotNil(t, m.endpointFailovers)
	assert.NotNil(t, m.tokenRefreshes)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.recordCallDuration(ctx, time.Second, nil)
		m.recordActiveCallStart(ctx, nil)
		m.recordActiveCallEnd(ctx, nil)
		m.recordError(ctx, ErrorTypeTimeout, nil)
		m.recordAttempt(ctx, time.Second, 10, 10, nil)
		m.recordDNSDuration(ctx, time.Millisecond, nil)
		m.recordConnectionDuration(ctx, time.Millisecond, nil)
		m.recordTLSDuration(ctx, time.Millisecond, nil)
		m.recordTTFB(ctx, time.Millisecond, nil)
		m.recordConnectionOpened(ctx, nil)
		m.recordRetryAttempt(ctx, nil, 1, classStatus)
		m.recordRetryExhausted(ctx, nil, classStatus)
		m.recordRetryDuration(ctx, nil, time.Second)
		m.recordBreakerState(ctx, "x", 2)
		m.recordBreakerRequest(ctx, "x", "rejected")
		m.recordRateLimited(ctx, nil)
		m.recordEndpointFailover(ctx, "west.example.com", OperationRead)
		m.recordTokenRefresh(ctx, true)
	})
}

func TestClient_RecordsMetrics(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*MockTransport)
		opts        []Option
		wantPresent []string
		wantCounts  map[string]int64
	}{
		{
			name: "given retried call, then records call and retry metrics",
			setup: func(m *MockTransport) {
				m.Enqueue(http.StatusServiceUnavailable, "", nil).
					Enqueue(http.StatusServiceUnavailable, "", nil).
					Enqueue(http.StatusOK, "", nil)
			},
			wantPresent: []string{
				"http.client.request.duration",
				"http.client.active_requests",
				"http.client.retry.duration",
			},
			wantCounts: map[string]int64{
				"http.client.retry.attempts": 2,
			},
		},
		{
			name: "given exhausted budget, then records exhaustion",
			setup: func(m *MockTransport) {
				m.StubResponse(http.StatusServiceUnavailable, "")
			},
			opts: []Option{WithRetryConfig(func() RetryConfig {
				rc := DefaultRetryConfig()
				rc.Status = 1
				return rc
			}())},
			wantCounts: map[string]int64{
				"http.client.retry.attempts":  1,
				"http.client.retry.exhausted": 1,
			},
		},
		{
			name: "given failed call, then records error",
			setup: func(m *MockTransport) {
				m.StubError(errors.New("boom"))
			},
			wantCounts: map[string]int64{
				"http.client.request.error": 1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := sdkmetric.NewManualReader()
			mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

			mt := NewMockTransport()
			tt.setup(mt)
			opts := append([]Option{WithTransport(mt), WithMeterProvider(mp)}, tt.opts...)
			client, err := New(opts...)
			require.NoError(t, err)

			_, _ = client.Get(context.Background(), "https://api.example.com/")

			got := collect(t, reader)
			for _, name := range tt.wantPresent {
				assert.Contains(t, got, name)
			}
			for name, want := range tt.wantCounts {
				m, ok := got[name]
				require.True(t, ok, name)
				assert.Equal(t, want, sumValue(t, m), name)
			}
		})
	}
}

func TestClient_RecordsRateLimited(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	mt := NewMockTransport().StubResponse(http.StatusOK, "")
	client, err := New(
		WithTransport(mt),
		WithMeterProvider(mp),
		WithRateLimit(RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}),
	)
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "https://api.example.com/")
	require.NoError(t, err)
	_, err = client.Get(context.Background(), "https://api.example.com/")
	require.ErrorIs(t, err, ErrRateLimited)

	got := collect(t, reader)
	m, ok := got["http.client.rate_limited"]
	require.True(t, ok)
	assert.Equal(t, int64(1), sumValue(t, m))
}

func TestClient_RecordsBreakerRequests(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	cfg := testBreakerConfig()
	mt := NewMockTransport().StubResponse(http.StatusServiceUnavailable, "")
	client, err := New(
		WithTransport(mt),
		WithMeterProvider(mp),
		WithServiceName("orders"),
		WithRetryConfig(NoRetryConfig()),
		WithBreakerConfig(cfg),
	)
	require.NoError(t, err)

	for range 4 {
		_, _ = client.Get(context.Background(), "https://api.example.com/")
	}

	got := collect(t, reader)
	m, ok := got["http.client.breaker.requests"]
	require.True(t, ok)

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byResult := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("breaker.result"))
		byResult[v.AsString()] += dp.Value
	}
	assert.Equal(t, int64(3), byResult["failure"])
	assert.Equal(t, int64(1), byResult["rejected"])

	assert.Contains(t, got, "http.client.breaker.state")
}
