package pipeline

import (
	"net/http"
	"slices"
	"time"
)

// RetryMode selects how the backoff grows between retries.
type RetryMode int

const (
	// RetryModeExponential doubles the delay each retry.
	RetryModeExponential RetryMode = iota
	// RetryModeFixed waits BackoffFactor before every retry.
	RetryModeFixed
)

func (m RetryMode) String() string {
	if m == RetryModeFixed {
		return "fixed"
	}
	return "exponential"
}

// RetryConfig holds the retry policy defaults. Every budget can be
// overridden per call with the WithRetry* call options.
//
// Budgets count retries, not attempts: a call makes at most Total+1
// transport attempts. Each failure consumes one unit of Total and one unit
// of its own class (Connect, Read or Status); retrying stops as soon as
// either goes negative.
//
// Example:
//
//	cfg := pipeline.DefaultRetryConfig()
//	cfg.Status = 5
//	cfg.BackoffFactor = 200 * time.Millisecond
//	client, err := pipeline.New(pipeline.WithRetryConfig(cfg))
type RetryConfig struct {
	// Total bounds all retries of a call. 0 disables retrying.
	// Default: 10
	Total int

	// Connect bounds retries after connection errors.
	// Default: 3
	Connect int

	// Read bounds retries after read errors. Only idempotent calls are
	// retried after a read error.
	// Default: 3
	Read int

	// Status bounds retries after a retryable status code.
	// Default: 3
	Status int

	// BackoffFactor is the base delay. Retry n waits
	// min(BackoffMax, BackoffFactor * 2^(n-1)) in exponential mode.
	// Default: 800ms
	BackoffFactor time.Duration

	// BackoffMax caps the computed delay. It does not cap Retry-After.
	// Default: 120s
	BackoffMax time.Duration

	// Mode selects exponential or fixed backoff.
	// Default: RetryModeExponential
	Mode RetryMode

	// JitterFactor spreads computed delays by ±factor (0.0-1.0).
	// Default: 0 (exact delays)
	JitterFactor float64

	// StatusCodes is the set of retryable response codes.
	// Default: 408, 429, 500, 502, 503, 504
	StatusCodes []int

	// ShouldRetry is an extra predicate OR-ed with StatusCodes.
	ShouldRetry func(resp *Response) bool

	// IdempotentMethods may be retried after a read error.
	// Default: GET, HEAD, OPTIONS
	IdempotentMethods []string

	// RespectRetryAfter makes Retry-After style headers override the
	// computed backoff for the retry that follows.
	// Default: true
	RespectRetryAfter bool
}

// Default values for RetryConfig.
const (
	DefaultRetryTotal    = 10
	DefaultRetryConnect  = 3
	DefaultRetryRead     = 3
	DefaultRetryStatus   = 3
	DefaultBackoffFactor = 800 * time.Millisecond
	DefaultBackoffMax    = 120 * time.Second
)

// DefaultRetryStatusCodes returns the retryable status set.
func DefaultRetryStatusCodes() []int {
	return []int{
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}
}

// DefaultRetryConfig returns balanced defaults for general use.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Total:             DefaultRetryTotal,
		Connect:           DefaultRetryConnect,
		Read:              DefaultRetryRead,
		Status:            DefaultRetryStatus,
		BackoffFactor:     DefaultBackoffFactor,
		BackoffMax:        DefaultBackoffMax,
		Mode:              RetryModeExponential,
		StatusCodes:       DefaultRetryStatusCodes(),
		IdempotentMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		RespectRetryAfter: true,
	}
}

// AggressiveRetryConfig retries more often with a shorter base delay.
// Use it for calls that must succeed and that the downstream can absorb.
func AggressiveRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.Connect = 5
	cfg.Read = 5
	cfg.Status = 5
	cfg.BackoffFactor = 200 * time.Millisecond
	cfg.BackoffMax = 60 * time.Second
	return cfg
}

// ConservativeRetryConfig retries rarely with a long base delay.
// Use it for rate-limited or expensive downstreams.
func ConservativeRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.Total = 2
	cfg.Connect = 2
	cfg.Read = 1
	cfg.Status = 2
	cfg.BackoffFactor = 1 * time.Second
	cfg.BackoffMax = 10 * time.Second
	return cfg
}

// NoRetryConfig disables retries.
func NoRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.Total = 0
	return cfg
}

// IsEnabled returns true if retries are enabled.
func (c RetryConfig) IsEnabled() bool {
	return c.Total > 0
}

// failureClass is the budget a failure is charged to.
type failureClass int

const (
	classNone failureClass = iota
	classConnect
	classRead
	classStatus
)

func (c failureClass) String() string {
	switch c {
	case classConnect:
		return "connect"
	case classRead:
		return "read"
	case classStatus:
		return "status"
	default:
		return "none"
	}
}

// AttemptRecord describes one transport attempt of a call.
type AttemptRecord struct {
	Attempt    int
	URL        string
	StatusCode int
	Err        error
	Wait       time.Duration
}

// RetryStats summarizes what a call consumed.
type RetryStats struct {
	Attempts       int
	Retries        int
	ConnectRetries int
	ReadRetries    int
	StatusRetries  int
	TotalWait      time.Duration
	Exhausted      bool
	History        []AttemptRecord
}

// retrySettings is the per-call mutable retry state. It is created for
// one logical call and never shared.
type retrySettings struct {
	total   int
	connect int
	read    int
	status  int

	factor time.Duration
	max    time.Duration
	mode   RetryMode

	idempotent bool
	methods    []string

	stats RetryStats
}

func newRetrySettings(cfg RetryConfig, req *Request) *retrySettings {
	s := &retrySettings{
		total:      cfg.Total,
		connect:    cfg.Connect,
		read:       cfg.Read,
		status:     cfg.Status,
		factor:     cfg.BackoffFactor,
		max:        cfg.BackoffMax,
		mode:       cfg.Mode,
		idempotent: req.options.idempotent,
		methods:    cfg.IdempotentMethods,
	}

	o := req.options.retry
	if o.total != nil {
		s.total = *o.total
	}
	if o.connect != nil {
		s.connect = *o.connect
	}
	if o.read != nil {
		s.read = *o.read
	}
	if o.status != nil {
		s.status = *o.status
	}
	if o.backoffFactor != nil {
		s.factor = *o.backoffFactor
	}
	if o.backoffMax != nil {
		s.max = *o.backoffMax
	}
	if o.mode != nil {
		s.mode = *o.mode
	}
	return s
}

// methodRetryable reports whether a read error may be retried for method.
func (s *retrySettings) methodRetryable(method string) bool {
	return s.idempotent || slices.Contains(s.methods, method)
}

// increment charges one retry to the total and to class, and reports
// whether the call may still retry.
func (s *retrySettings) increment(class failureClass) bool {
	s.total--
	switch class {
	case classConnect:
		s.connect--
	case classRead:
		s.read--
	case classStatus:
		s.status--
	}
	if s.exhausted(class) {
		s.stats.Exhausted = true
		return false
	}

	s.stats.Retries++
	switch class {
	case classConnect:
		s.stats.ConnectRetries++
	case classRead:
		s.stats.ReadRetries++
	case classStatus:
		s.stats.StatusRetries++
	}
	return true
}

func (s *retrySettings) exhausted(class failureClass) bool {
	if s.total < 0 {
		return true
	}
	switch class {
	case classConnect:
		return s.connect < 0
	case classRead:
		return s.read < 0
	case classStatus:
		return s.status < 0
	}
	return false
}

func (s *retrySettings) record(rec AttemptRecord) {
	s.stats.Attempts = rec.Attempt
	s.stats.History = append(s.stats.History, rec)
}

func (s *retrySettings) recordWait(d time.Duration) {
	s.stats.TotalWait += d
	if n := len(s.stats.History); n > 0 {
		s.stats.History[n-1].Wait = d
	}
}
