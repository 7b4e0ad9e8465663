package pipeline

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Retry-After style headers in precedence order. The millisecond variants
// are emitted by some throttling front ends alongside or instead of the
// standard header.
const (
	HeaderRetryAfterMs     = "Retry-After-Ms"
	HeaderXMsRetryAfterMs  = "X-Ms-Retry-After-Ms"
	HeaderRetryAfter       = "Retry-After"
	maxRetryAfterSeconds   = math.MaxInt64 / int64(time.Second)
	maxRetryAfterMillisecs = math.MaxInt64 / int64(time.Millisecond)
)

// ParseRetryAfter extracts the server-requested delay from h.
//
// The millisecond headers are checked first, then Retry-After, which may be
// a number of seconds or an HTTP-date. A date in the past yields zero.
// Negative or malformed values are ignored. ok is false when no usable
// header is present.
func ParseRetryAfter(h http.Header, now time.Time) (d time.Duration, ok bool) {
	for _, name := range []string{HeaderRetryAfterMs, HeaderXMsRetryAfterMs} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			if ms, err := strconv.ParseFloat(v, 64); err == nil && finite(ms) && ms >= 0 && ms < float64(maxRetryAfterMillisecs) {
				return time.Duration(ms * float64(time.Millisecond)), true
			}
		}
	}

	v := strings.TrimSpace(h.Get(HeaderRetryAfter))
	if v == "" {
		return 0, false
	}

	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs < 0 || secs > maxRetryAfterSeconds {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if !finite(secs) || secs < 0 || secs > float64(maxRetryAfterSeconds) {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}

	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0), true
	}

	return 0, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
