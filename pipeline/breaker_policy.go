package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// NewRedisStore creates a SharedDataStore backed by Redis for distributed
// circuit breaking across processes.
//
// Usage:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	cfg := pipeline.DistributedBreakerConfig(pipeline.NewRedisStore(rdb))
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// BreakerClassifier reports whether an attempt outcome counts as a failure
// toward tripping the breaker.
type BreakerClassifier func(resp *Response, err error) bool

// BreakerConfig holds the configuration for the per-host circuit breakers.
//
// One breaker guards each endpoint host, so a failing region opens its own
// breaker and the endpoint policy fails over to the next region.
type BreakerConfig struct {
	// MaxRequests is the number of probes allowed while half-open.
	// If 0, one request is allowed.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which the
	// counts are cleared. If 0, counts are never cleared while closed.
	Interval time.Duration

	// Timeout is the period of the open state before turning half-open.
	Timeout time.Duration

	// FailureThreshold is the minimum number of requests before the
	// failure ratio is considered.
	// Default: 20
	FailureThreshold uint32

	// FailureRatio trips the breaker at this share of failures (0.0-1.0).
	// Default: 0.5
	FailureRatio float64

	// ConsecutiveFailures trips the breaker after this many failures in
	// a row. 0 disables the rule.
	// Default: 5
	ConsecutiveFailures uint32

	// Store enables distributed breaking. If nil, breakers are local.
	Store gobreaker.SharedDataStore

	// Classifier decides what counts as a failure.
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange is invoked on every state transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns defaults for a local circuit breaker:
// 10s interval and timeout, trip at 50% failures over at least 20
// requests or after 5 consecutive failures.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DistributedBreakerConfig returns DefaultBreakerConfig sharing its state
// through store.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// DefaultBreakerClassifier counts connection and read failures, transient
// network errors and 5xx responses. 429 is left to the retry policy.
func DefaultBreakerClassifier(resp *Response, err error) bool {
	if err != nil {
		switch KindOf(err) {
		case KindConnection, KindRead:
			return true
		}
		return isTransientNetworkError(err)
	}
	return resp != nil && resp.StatusCode >= 500
}

// NewBreakerPolicy returns middleware guarding each host with a breaker.
// A rejected attempt fails with a connection error wrapping
// gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests.
func NewBreakerPolicy(bc BreakerConfig, opts ...Option) Middleware {
	cfg := newConfig(append(opts, WithBreakerConfig(bc))...)
	return newBreakerMiddleware(cfg)
}

func newBreakerMiddleware(cfg *internalConfig) Middleware {
	reg := &breakerRegistry{cfg: cfg, breakers: make(map[string]circuitBreaker)}
	return func(next Policy) Policy {
		return &breakerPolicy{next: next, cfg: cfg, registry: reg}
	}
}

// circuitBreaker is satisfied by both the local and distributed breakers.
type circuitBreaker interface {
	Execute(req func() (*Response, error)) (*Response, error)
}

// errSyntheticFailure tells the breaker that a response counts as a
// failure. It never escapes the policy.
var errSyntheticFailure = errors.New("synthetic failure")

type breakerPolicy struct {
	next     Policy
	cfg      *internalConfig
	registry *breakerRegistry
}

// Send implements Policy.
func (p *breakerPolicy) Send(req *Request) (*Response, error) {
	ctx := req.Context()
	name := p.registry.name(req.URL.Host)
	cb := p.registry.get(req.URL.Host)
	classify := p.cfg.BreakerConfig.Classifier
	if classify == nil {
		classify = DefaultBreakerClassifier
	}

	resp, err := cb.Execute(func() (*Response, error) {
		resp, err := p.next.Send(req)
		if classify(resp, err) {
			if err != nil {
				return resp, err
			}
			return resp, errSyntheticFailure
		}
		return resp, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.cfg.Metrics.recordBreakerRequest(ctx, name, "rejected")
		return nil, NewConnectionError(err)
	case errors.Is(err, errSyntheticFailure):
		p.cfg.Metrics.recordBreakerRequest(ctx, name, "failure")
		return resp, nil
	case err != nil:
		p.cfg.Metrics.recordBreakerRequest(ctx, name, "failure")
		return nil, err
	}

	p.cfg.Metrics.recordBreakerRequest(ctx, name, "success")
	return resp, nil
}

// breakerRegistry lazily creates one breaker per host.
type breakerRegistry struct {
	cfg      *internalConfig
	mu       sync.RWMutex
	breakers map[string]circuitBreaker
}

func (r *breakerRegistry) name(host string) string {
	prefix := r.cfg.ServiceName
	if prefix == "" {
		prefix = "pipeline"
	}
	return prefix + ":" + host
}

func (r *breakerRegistry) get(host string) circuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[host]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.breakers[host]; ok {
		return cb
	}

	cb = r.newBreaker(r.name(host))
	r.breakers[host] = cb
	return cb
}

func (r *breakerRegistry) newBreaker(name string) circuitBreaker {
	bc := r.cfg.BreakerConfig
	metrics := r.cfg.Metrics
	logger := r.cfg.Logger

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return readyToTrip(bc, counts)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.recordBreakerState(context.Background(), name, int64(to))
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("pipeline: circuit breaker state changed")
			if bc.OnStateChange != nil {
				bc.OnStateChange(name, from, to)
			}
		},
	}

	if bc.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[*Response](bc.Store, st)
		if err == nil {
			return dcb
		}
		// A local breaker still protects this process.
		logger.Warn().Err(err).Str("breaker", name).Msg("pipeline: distributed breaker unavailable, using local breaker")
	}
	return gobreaker.NewCircuitBreaker[*Response](st)
}

func readyToTrip(bc *BreakerConfig, counts gobreaker.Counts) bool {
	if bc.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= bc.ConsecutiveFailures {
		return true
	}
	if bc.FailureThreshold > 0 && counts.Requests < bc.FailureThreshold {
		return false
	}
	if bc.FailureRatio > 0 && counts.Requests > 0 {
		ratio := float64(counts.TotalFailures) / float64(counts.Requests)
		return ratio >= bc.FailureRatio
	}
	return false
}
