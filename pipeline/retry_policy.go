package pipeline

import (
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewRetryPolicy returns the retry middleware for rc. Options supply the
// logger, clock, telemetry and a custom backoff factory.
//
// Example:
//
//	p := pipeline.NewPipeline(transport,
//	    pipeline.NewRetryPolicy(pipeline.DefaultRetryConfig()),
//	)
func NewRetryPolicy(rc RetryConfig, opts ...Option) Middleware {
	cfg := newConfig(append(opts, WithRetryConfig(rc))...)
	return newRetryMiddleware(cfg)
}

func newRetryMiddleware(cfg *internalConfig) Middleware {
	return func(next Policy) Policy {
		return &retryPolicy{next: next, cfg: cfg}
	}
}

// retryPolicy repeats the inner chain until it produces a response that
// does not warrant a retry or a budget runs out.
//
// Each attempt moves through ATTEMPT, EVALUATE and either DONE or SLEEP.
// Budgets are tracked in a retrySettings created per call.
type retryPolicy struct {
	next Policy
	cfg  *internalConfig
}

// Send implements Policy.
func (p *retryPolicy) Send(req *Request) (*Response, error) {
	ctx := req.Context()
	rc := p.cfg.RetryConfig
	settings := newRetrySettings(rc, req)
	bo := p.backOff(settings)
	span := trace.SpanFromContext(ctx)
	attrs := p.cfg.baseAttributes()
	start := time.Now()

	var (
		resp *Response
		err  error
	)

	for attempt := 1; ; attempt++ {
		req.attempt = attempt
		resp, err = p.next.Send(req)

		rec := AttemptRecord{Attempt: attempt, URL: req.URL.String(), Err: err}
		if resp != nil {
			rec.StatusCode = resp.StatusCode
		}
		settings.record(rec)

		class, retry := p.evaluate(settings, req, resp, err)
		if !retry {
			break
		}

		if !settings.increment(class) {
			p.cfg.Metrics.recordRetryExhausted(ctx, attrs, class)
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			settings.stats.Exhausted = true
			p.cfg.Metrics.recordRetryExhausted(ctx, attrs, class)
			break
		}
		if resp != nil && rc.RespectRetryAfter {
			if d, ok := ParseRetryAfter(resp.Header, p.cfg.Clock.Now()); ok {
				wait = d
			}
		}
		settings.recordWait(wait)

		p.recordRetryEvent(span, attempt, class, err, resp, wait)
		p.cfg.Metrics.recordRetryAttempt(ctx, attrs, attempt, class)
		p.cfg.Logger.Debug().
			Str("method", req.Method).
			Str("url", rec.URL).
			Int("attempt", attempt).
			Str("class", class.String()).
			Int("status", rec.StatusCode).
			Err(err).
			Dur("wait", wait).
			Msg("pipeline: retrying request")

		if resp != nil {
			_ = resp.Close()
		}

		if serr := p.sleep(req, wait); serr != nil {
			resp, err = nil, serr
			break
		}
	}

	stats := settings.stats
	req.stats = stats
	if resp != nil {
		resp.stats = stats
	}

	if stats.Retries > 0 {
		span.SetAttributes(
			attribute.Int("http.retry_count", stats.Retries),
			attribute.Bool("http.retry_success", err == nil && !stats.Exhausted),
		)
		p.cfg.Metrics.recordRetryDuration(ctx, attrs, time.Since(start))
	}

	if err != nil {
		if resp != nil {
			_ = resp.Close()
		}
		return nil, err
	}
	return resp, nil
}

// sleep waits on the pipeline transport, or on the configured clock when
// the policy runs outside a Pipeline.
func (p *retryPolicy) sleep(req *Request, d time.Duration) error {
	if t := req.Transport(); t != nil {
		return t.Sleep(req.Context(), d)
	}
	return sleep(req.Context(), p.cfg.Clock, d)
}

// evaluate decides whether the outcome of an attempt is worth retrying
// and which budget it is charged to.
func (p *retryPolicy) evaluate(s *retrySettings, req *Request, resp *Response, err error) (failureClass, bool) {
	if err != nil {
		switch KindOf(err) {
		case KindConnection:
			return classConnect, true
		case KindRead:
			return classRead, s.methodRetryable(req.Method)
		default:
			// Authentication, permanent transport failures, cancellation
			// and anything unclassified end the call.
			return classNone, false
		}
	}

	if resp == nil || s.total == 0 {
		return classNone, false
	}
	return classStatus, p.retryableStatus(resp)
}

func (p *retryPolicy) retryableStatus(resp *Response) bool {
	rc := p.cfg.RetryConfig
	if slices.Contains(rc.StatusCodes, resp.StatusCode) {
		return true
	}
	return rc.ShouldRetry != nil && rc.ShouldRetry(resp)
}

// backOff returns the schedule for one call. A custom factory wins over
// the built-in formula.
func (p *retryPolicy) backOff(s *retrySettings) backoff.BackOff {
	if p.cfg.RetryBackOff != nil {
		if bo := p.cfg.RetryBackOff(); bo != nil {
			bo.Reset()
			return bo
		}
	}
	return &FactorBackOff{
		Factor:       s.factor,
		Max:          s.max,
		Mode:         s.mode,
		JitterFactor: p.cfg.RetryConfig.JitterFactor,
	}
}

// recordRetryEvent adds a span event for the retry.
func (p *retryPolicy) recordRetryEvent(
	span trace.Span,
	attempt int,
	class failureClass,
	err error,
	resp *Response,
	wait time.Duration,
) {
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("retry.attempt", attempt),
		attribute.String("retry.class", class.String()),
		attribute.Int64("retry.delay_ms", wait.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("retry.reason", classifyError(err)))
	}
	if resp != nil {
		attrs = append(attrs, attribute.Int("http.response.status_code", resp.StatusCode))
	}

	span.AddEvent("http.retry", trace.WithAttributes(attrs...))
}
