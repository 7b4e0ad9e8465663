package pipeline

import (
	"context"
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// networkTrace collects timing for one attempt from httptrace.ClientTrace.
// Hooks run on transport goroutines, so every field is guarded by mu.
type networkTrace struct {
	mu sync.Mutex

	dnsStart, dnsDone         time.Time
	connectStart, connectDone time.Time
	tlsStart, tlsDone         time.Time
	gotConn                   time.Time
	wroteRequest              time.Time
	firstByte                 time.Time

	connReused bool
	connIdle   bool
	connRemote string
	protocol   string
	dnsAddrs   []string

	// wrote is set once the whole request reached the wire without error.
	wrote bool

	// onWrote runs after the request was written.
	onWrote func()
}

// clientTrace returns the httptrace hooks feeding nt.
func (nt *networkTrace) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.gotConn = time.Now()
			nt.connReused = info.Reused
			nt.connIdle = info.WasIdle
			if info.Conn != nil && info.Conn.RemoteAddr() != nil {
				nt.connRemote = info.Conn.RemoteAddr().String()
			}
		},
		DNSStart: func(httptrace.DNSStartInfo) {
			nt.mu.Lock()
			nt.dnsStart = time.Now()
			nt.mu.Unlock()
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.dnsDone = time.Now()
			for _, addr := range info.Addrs {
				nt.dnsAddrs = append(nt.dnsAddrs, addr.String())
			}
		},
		ConnectStart: func(_, _ string) {
			nt.mu.Lock()
			nt.connectStart = time.Now()
			nt.mu.Unlock()
		},
		ConnectDone: func(_, _ string, _ error) {
			nt.mu.Lock()
			nt.connectDone = time.Now()
			nt.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			nt.mu.Lock()
			nt.tlsStart = time.Now()
			nt.mu.Unlock()
		},
		TLSHandshakeDone: func(state tls.ConnectionState, _ error) {
			nt.mu.Lock()
			nt.tlsDone = time.Now()
			nt.protocol = state.NegotiatedProtocol
			nt.mu.Unlock()
		},
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			nt.mu.Lock()
			if info.Err == nil {
				nt.wrote = true
				nt.wroteRequest = time.Now()
			}
			hook := nt.onWrote
			nt.mu.Unlock()
			if info.Err == nil && hook != nil {
				hook()
			}
		},
		GotFirstResponseByte: func() {
			nt.mu.Lock()
			nt.firstByte = time.Now()
			nt.mu.Unlock()
		},
	}
}

// requestWritten reports whether the request reached the wire.
func (nt *networkTrace) requestWritten() bool {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	return nt.wrote
}

// addTraceEvents adds the attempt's network events to span.
func (nt *networkTrace) addTraceEvents(span trace.Span, attempt int) {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	attemptAttr := attribute.Int("http.attempt", attempt)

	if !nt.dnsStart.IsZero() && !nt.dnsDone.IsZero() {
		span.AddEvent("dns.done", trace.WithTimestamp(nt.dnsDone),
			trace.WithAttributes(
				attemptAttr,
				attribute.Float64("dns.duration_ms", msBetween(nt.dnsStart, nt.dnsDone)),
				attribute.StringSlice("dns.addresses", nt.dnsAddrs),
			))
	}
	if !nt.connectStart.IsZero() && !nt.connectDone.IsZero() {
		span.AddEvent("connect.done", trace.WithTimestamp(nt.connectDone),
			trace.WithAttributes(
				attemptAttr,
				attribute.Float64("connect.duration_ms", msBetween(nt.connectStart, nt.connectDone)),
			))
	}
	if !nt.tlsStart.IsZero() && !nt.tlsDone.IsZero() {
		span.AddEvent("tls.done", trace.WithTimestamp(nt.tlsDone),
			trace.WithAttributes(
				attemptAttr,
				attribute.Float64("tls.duration_ms", msBetween(nt.tlsStart, nt.tlsDone)),
				attribute.String("tls.protocol", nt.protocol),
			))
	}
	if !nt.gotConn.IsZero() {
		span.AddEvent("got_conn", trace.WithTimestamp(nt.gotConn),
			trace.WithAttributes(
				attemptAttr,
				attribute.Bool("connection.reused", nt.connReused),
				attribute.Bool("connection.was_idle", nt.connIdle),
				attribute.String("network.peer.address", nt.connRemote),
			))
	}
	if !nt.wroteRequest.IsZero() {
		span.AddEvent("wrote_request", trace.WithTimestamp(nt.wroteRequest),
			trace.WithAttributes(attemptAttr))
	}
	if !nt.firstByte.IsZero() && !nt.wroteRequest.IsZero() {
		span.AddEvent("got_first_response_byte", trace.WithTimestamp(nt.firstByte),
			trace.WithAttributes(
				attemptAttr,
				attribute.Float64("ttfb_ms", msBetween(nt.wroteRequest, nt.firstByte)),
			))
	}
}

// recordTimingMetrics records the attempt's network timing.
func (nt *networkTrace) recordTimingMetrics(ctx context.Context, m *metrics, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if !nt.connReused && !nt.connectStart.IsZero() {
		m.recordConnectionOpened(ctx, attrs)
	}
	if !nt.dnsStart.IsZero() && !nt.dnsDone.IsZero() {
		m.recordDNSDuration(ctx, nt.dnsDone.Sub(nt.dnsStart), attrs)
	}
	if !nt.connectStart.IsZero() && !nt.connectDone.IsZero() {
		m.recordConnectionDuration(ctx, nt.connectDone.Sub(nt.connectStart), attrs)
	}
	if !nt.tlsStart.IsZero() && !nt.tlsDone.IsZero() {
		m.recordTLSDuration(ctx, nt.tlsDone.Sub(nt.tlsStart), attrs)
	}
	if !nt.wroteRequest.IsZero() && !nt.firstByte.IsZero() {
		m.recordTTFB(ctx, nt.firstByte.Sub(nt.wroteRequest), attrs)
	}
}

func msBetween(start, end time.Time) float64 {
	return float64(end.Sub(start).Microseconds()) / 1000
}

// setSpanError records an error on the span with proper status and attributes.
func setSpanError(span trace.Span, err error, errorType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errorType != "" {
		span.SetAttributes(attribute.String("error.type", errorType))
	}
}
