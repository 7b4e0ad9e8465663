package pipeline

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures client-side rate limiting of attempts.
type RateLimitConfig struct {
	// RequestsPerSecond is the maximum sustained attempt rate.
	RequestsPerSecond float64

	// Burst is the maximum number of attempts allowed in a burst.
	Burst int

	// WaitOnLimit makes attempts wait for a token (respecting the context).
	// If false, attempts fail immediately with ErrRateLimited.
	WaitOnLimit bool

	// PerHost keeps one limiter per endpoint host, so failing over to
	// another region does not share the budget of the first.
	PerHost bool
}

// DefaultRateLimitConfig returns 100 attempts per second with a burst of 10.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             10,
		WaitOnLimit:       true,
	}
}

// ErrRateLimited is returned when an attempt is rejected by the limiter.
// It is not retried.
var ErrRateLimited = errors.New("rate limit exceeded")

// NewRateLimitPolicy returns rate limiting middleware. A non-positive rate
// disables it.
func NewRateLimitPolicy(rl RateLimitConfig, opts ...Option) Middleware {
	cfg := newConfig(append(opts, WithRateLimit(rl))...)
	return newRateLimitMiddleware(cfg)
}

func newRateLimitMiddleware(cfg *internalConfig) Middleware {
	rl := *cfg.RateLimitConfig
	if rl.RequestsPerSecond <= 0 {
		return nil
	}
	if rl.Burst <= 0 {
		rl.Burst = 1
	}

	limiters := &limiterSet{rl: rl, limiters: make(map[string]*rate.Limiter)}
	return func(next Policy) Policy {
		return PolicyFunc(func(req *Request) (*Response, error) {
			ctx := req.Context()
			key := ""
			if rl.PerHost {
				key = req.URL.Host
			}
			if err := limiters.acquire(ctx, key); err != nil {
				cfg.Metrics.recordRateLimited(ctx, attemptAttributes(cfg, req))
				return nil, err
			}
			return next.Send(req)
		})
	}
}

// limiterSet manages limiters keyed by host.
type limiterSet struct {
	rl       RateLimitConfig
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func (s *limiterSet) acquire(ctx context.Context, key string) error {
	limiter := s.getOrCreate(key)

	if !s.rl.WaitOnLimit {
		if !limiter.Allow() {
			return ErrRateLimited
		}
		return nil
	}

	if err := limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Wait fails without blocking when the deadline is too close.
		return ErrRateLimited
	}
	return nil
}

// getOrCreate returns the limiter for key, creating one if needed.
func (s *limiterSet) getOrCreate(key string) *rate.Limiter {
	s.mu.RLock()
	if limiter, ok := s.limiters[key]; ok {
		s.mu.RUnlock()
		return limiter
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, ok := s.limiters[key]; ok {
		return limiter
	}

	limiter := rate.NewLimiter(rate.Limit(s.rl.RequestsPerSecond), s.rl.Burst)
	s.limiters[key] = limiter
	return limiter
}
