package pipeline

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel/trace"
)

// Compile-time interface check.
var _ Transport = (*HTTPTransport)(nil)

var (
	errConnectTimeout = fmt.Errorf("connection timeout: %w", context.DeadlineExceeded)
	errReadTimeout    = fmt.Errorf("read timeout: %w", context.DeadlineExceeded)
)

// HTTPTransport is the production terminal link. It performs one HTTP
// exchange per Send over a pooled net/http transport and classifies
// failures by whether the request reached the wire.
type HTTPTransport struct {
	client   *http.Client
	loopback *http.Client
	cfg      *internalConfig
}

// NewHTTPTransport builds an HTTPTransport from options. Only the
// transport-related options (WithConfig, WithTLSConfig, proxy, clock and
// telemetry) have an effect.
func NewHTTPTransport(opts ...Option) (*HTTPTransport, error) {
	return newHTTPTransport(newConfig(opts...))
}

func newHTTPTransport(cfg *internalConfig) (*HTTPTransport, error) {
	tlsCfg, err := cfg.buildTLSConfig()
	if err != nil {
		return nil, err
	}

	t := &HTTPTransport{
		client: &http.Client{Transport: cfg.buildTransport(tlsCfg)},
		cfg:    cfg,
	}

	if cfg.httpConfig.InsecureLocalhost && !tlsCfg.InsecureSkipVerify {
		local := tlsCfg.Clone()
		local.InsecureSkipVerify = true //nolint:gosec // loopback emulators only
		t.loopback = &http.Client{Transport: cfg.buildTransport(local)}
	}

	return t, nil
}

// buildTLSConfig applies the Config TLS fields on top of WithTLSConfig.
func (cfg *internalConfig) buildTLSConfig() (*tls.Config, error) {
	hc := cfg.httpConfig

	var tlsCfg *tls.Config
	if cfg.TLSConfig != nil {
		tlsCfg = cfg.TLSConfig.Clone()
	} else {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if hc.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true //nolint:gosec // explicitly requested
	}

	if hc.CABundleFile != "" {
		pem, err := os.ReadFile(hc.CABundleFile)
		if err != nil {
			return nil, fmt.Errorf("pipeline: read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("pipeline: no certificates in ca bundle %s", hc.CABundleFile)
		}
		tlsCfg.RootCAs = pool
	}

	if (hc.ClientCertFile == "") != (hc.ClientKeyFile == "") {
		return nil, errors.New("pipeline: client certificate and key must be set together")
	}
	if hc.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(hc.ClientCertFile, hc.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("pipeline: load client certificate: %w", err)
		}
		tlsCfg.Certificates = append(tlsCfg.Certificates, cert)
	}

	return tlsCfg, nil
}

// buildTransport creates an http.Transport from the configuration.
func (cfg *internalConfig) buildTransport(tlsCfg *tls.Config) *http.Transport {
	hc := cfg.httpConfig

	dialer := &net.Dialer{
		KeepAlive: hc.KeepAlive,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          hc.MaxIdleConns,
		MaxIdleConnsPerHost:   hc.MaxIdleConnsPerHost,
		MaxConnsPerHost:       hc.MaxConnsPerHost,
		IdleConnTimeout:       hc.IdleConnTimeout,
		TLSHandshakeTimeout:   hc.TLSHandshakeTimeout,
		ExpectContinueTimeout: hc.ExpectContinueTimeout,
		DisableKeepAlives:     hc.DisableKeepAlives,
		DisableCompression:    hc.DisableCompression,
		TLSClientConfig:       tlsCfg,
		ForceAttemptHTTP2:     hc.ForceHTTP2,
	}

	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
	} else if cfg.ProxyFromEnvironment {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return transport
}

// Send performs one attempt.
//
// Failures before the request is fully written are connection errors,
// failures afterwards are read errors, and unrecoverable TLS or DNS
// failures are transport errors. Cancellation of the caller's context is
// returned as the context error.
func (t *HTTPTransport) Send(req *Request) (*Response, error) {
	parent := req.Context()
	start := time.Now()

	connectTimeout := t.cfg.httpConfig.ConnectionTimeout
	if req.options.connectTimeout > 0 {
		connectTimeout = req.options.connectTimeout
	}
	readTimeout := t.cfg.httpConfig.ReadTimeout
	if req.options.readTimeout > 0 {
		readTimeout = req.options.readTimeout
	}

	ctx, cancel := context.WithCancelCause(parent)
	timers := &attemptTimers{clock: t.cfg.Clock, cancel: cancel, read: readTimeout}

	nt := &networkTrace{onWrote: timers.wrote}
	ctx = httptrace.WithClientTrace(ctx, nt.clientTrace())

	timers.startConnect(connectTimeout)

	httpReq, err := req.toHTTP(ctx)
	if err != nil {
		timers.stop()
		cancel(nil)
		return nil, &Error{Kind: KindTransport, Err: err}
	}

	raw, err := t.clientFor(req).Do(httpReq)
	if err != nil {
		timers.stop()
		cause := context.Cause(ctx)
		cancel(nil)
		t.observe(parent, nt, req, start, -1)
		if perr := parent.Err(); perr != nil {
			return nil, perr
		}
		if errors.Is(cause, errConnectTimeout) {
			return nil, NewConnectionError(cause)
		}
		if errors.Is(cause, errReadTimeout) {
			return nil, NewReadError(cause)
		}
		return nil, classifyTransportError(err, nt.requestWritten())
	}

	if req.Stream() {
		timers.stop()
		body := &cancelOnClose{ReadCloser: raw.Body, cancel: func() { cancel(nil) }}
		t.observe(parent, nt, req, start, -1)
		return newStreamResponse(req, raw, body), nil
	}

	body, err := io.ReadAll(raw.Body)
	_ = raw.Body.Close()
	timers.stop()
	cause := context.Cause(ctx)
	cancel(nil)
	t.observe(parent, nt, req, start, int64(len(body)))
	if err != nil {
		if perr := parent.Err(); perr != nil {
			return nil, perr
		}
		if errors.Is(cause, errReadTimeout) {
			return nil, NewReadError(cause)
		}
		return nil, NewReadError(err)
	}

	return &Response{
		StatusCode:    raw.StatusCode,
		Status:        raw.Status,
		Header:        raw.Header,
		ContentLength: raw.ContentLength,
		Request:       req,
		body:          body,
		bodyRead:      true,
	}, nil
}

// observe records network timing for the attempt on the call span and
// the meter.
func (t *HTTPTransport) observe(ctx context.Context, nt *networkTrace, req *Request, start time.Time, respSize int64) {
	attrs := attemptAttributes(t.cfg, req)
	if t.cfg.EnableNetworkTrace {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			nt.addTraceEvents(span, req.Attempt())
		}
		nt.recordTimingMetrics(ctx, t.cfg.Metrics, attrs)
	}
	t.cfg.Metrics.recordAttempt(ctx, time.Since(start), int64(len(req.body)), respSize, attrs)
}

func (t *HTTPTransport) clientFor(req *Request) *http.Client {
	if t.loopback != nil && isLoopbackHost(req.URL.Hostname()) {
		return t.loopback
	}
	return t.client
}

// Sleep waits for d or until ctx is done.
func (t *HTTPTransport) Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, t.cfg.Clock, d)
}

// Close releases idle connections.
func (t *HTTPTransport) Close() {
	t.client.CloseIdleConnections()
	if t.loopback != nil {
		t.loopback.CloseIdleConnections()
	}
}

func sleep(ctx context.Context, clock quartz.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := clock.NewTimer(d, "pipeline", "sleep")
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attemptTimers enforces the connection and read timeouts of one attempt
// by cancelling its context with a distinguishable cause.
type attemptTimers struct {
	mu      sync.Mutex
	clock   quartz.Clock
	cancel  context.CancelCauseFunc
	read    time.Duration
	connect *quartz.Timer
	reading *quartz.Timer
	stopped bool
}

func (a *attemptTimers) startConnect(d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connect = a.clock.AfterFunc(d, func() { a.cancel(errConnectTimeout) }, "pipeline", "connect")
}

// wrote switches from the connection timeout to the read timeout.
func (a *attemptTimers) wrote() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if a.connect != nil {
		a.connect.Stop()
		a.connect = nil
	}
	if a.read > 0 {
		a.reading = a.clock.AfterFunc(a.read, func() { a.cancel(errReadTimeout) }, "pipeline", "read")
	}
}

func (a *attemptTimers) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.connect != nil {
		a.connect.Stop()
	}
	if a.reading != nil {
		a.reading.Stop()
	}
}

// cancelOnClose releases the attempt context when a streamed body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel func()
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
