package pipeline

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const redacted = "REDACTED"

// sensitiveHeaders are never written to logs.
var sensitiveHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
	"Set-Cookie":          {},
	"X-Api-Key":           {},
}

// NewLoggingPolicy returns middleware logging every attempt and its outcome
// at debug level, and transport failures at warn level.
func NewLoggingPolicy(logger zerolog.Logger) Middleware {
	return newLoggingMiddleware(logger)
}

func newLoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next Policy) Policy {
		return PolicyFunc(func(req *Request) (*Response, error) {
			if logger.GetLevel() > zerolog.WarnLevel {
				return next.Send(req)
			}

			logRequest(logger, req)
			start := time.Now()
			resp, err := next.Send(req)
			if err != nil {
				logger.Warn().
					Str("method", req.Method).
					Str("url", req.URL.String()).
					Int("attempt", req.Attempt()).
					Str("error.kind", KindOf(err).String()).
					Dur("duration_ms", time.Since(start)).
					Err(err).
					Msg("HTTP attempt failed")
				return nil, err
			}
			logResponse(logger, resp, time.Since(start))
			return resp, nil
		})
	}
}

func logRequest(logger zerolog.Logger, req *Request) {
	logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("attempt", req.Attempt()).
		Dict("headers", headerDict(req.Header)).
		Msg("HTTP request")
}

func logResponse(logger zerolog.Logger, resp *Response, duration time.Duration) {
	logger.Debug().
		Int("status", resp.StatusCode).
		Str("status_text", resp.Status).
		Dur("duration_ms", duration).
		Int64("content_length", resp.ContentLength).
		Msg("HTTP response")
}

// headerDict renders h with credentials redacted.
func headerDict(h http.Header) *zerolog.Event {
	d := zerolog.Dict()
	for k, vs := range h {
		if isSensitiveHeader(k) {
			d.Str(k, redacted)
			continue
		}
		d.Str(k, strings.Join(vs, ", "))
	}
	return d
}

func isSensitiveHeader(name string) bool {
	_, ok := sensitiveHeaders[http.CanonicalHeaderKey(name)]
	return ok
}
