package pipeline

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	_ backoff.BackOff = (*FactorBackOff)(nil)
	_ backoff.BackOff = (*LinearBackOff)(nil)
	_ backoff.BackOff = (*DecorrelatedJitterBackOff)(nil)
)

// FactorBackOff is the retry policy's built-in schedule.
//
// The delay before retry n (n starting at 1) is
//
//	exponential: min(Max, Factor * 2^(n-1))
//	fixed:       min(Max, Factor)
//
// The cap is applied after the exponential computation. A zero Factor
// always yields zero. JitterFactor spreads the capped value by ±factor.
type FactorBackOff struct {
	Factor       time.Duration
	Max          time.Duration
	Mode         RetryMode
	JitterFactor float64

	n int
}

// NewFactorBackOff returns a FactorBackOff for cfg.
func NewFactorBackOff(cfg RetryConfig) *FactorBackOff {
	return &FactorBackOff{
		Factor:       cfg.BackoffFactor,
		Max:          cfg.BackoffMax,
		Mode:         cfg.Mode,
		JitterFactor: cfg.JitterFactor,
	}
}

// Reset restarts the schedule at retry 1.
func (b *FactorBackOff) Reset() {
	b.n = 0
}

// NextBackOff returns the delay for the next retry.
func (b *FactorBackOff) NextBackOff() time.Duration {
	b.n++
	return applyJitter(b.delay(b.n), b.JitterFactor)
}

func (b *FactorBackOff) delay(n int) time.Duration {
	if b.Factor <= 0 {
		return 0
	}

	var d float64
	if b.Mode == RetryModeFixed {
		d = float64(b.Factor)
	} else {
		d = float64(b.Factor) * math.Pow(2, float64(n-1))
	}

	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// LinearBackOff grows by a fixed Increment per retry, capped at Max.
//
//	Initial=1s, Increment=500ms: 1s, 1.5s, 2s, ...
type LinearBackOff struct {
	Initial      time.Duration
	Increment    time.Duration
	Max          time.Duration
	JitterFactor float64

	n int
}

// NewLinearBackOff returns a LinearBackOff starting at 500ms, growing by
// 500ms up to 30s, with ±50% jitter.
func NewLinearBackOff() *LinearBackOff {
	return &LinearBackOff{
		Initial:      500 * time.Millisecond,
		Increment:    500 * time.Millisecond,
		Max:          30 * time.Second,
		JitterFactor: 0.5,
	}
}

// Reset restarts the schedule.
func (b *LinearBackOff) Reset() {
	b.n = 0
}

// NextBackOff returns the next delay.
func (b *LinearBackOff) NextBackOff() time.Duration {
	d := b.Initial + time.Duration(b.n)*b.Increment
	b.n++
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return applyJitter(d, b.JitterFactor)
}

// DecorrelatedJitterBackOff picks each delay uniformly between Base and
// three times the previous delay, capped at Cap.
//
// See https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type DecorrelatedJitterBackOff struct {
	Base time.Duration
	Cap  time.Duration

	prev time.Duration
}

// NewDecorrelatedJitterBackOff returns a schedule between 500ms and 30s.
func NewDecorrelatedJitterBackOff() *DecorrelatedJitterBackOff {
	return &DecorrelatedJitterBackOff{
		Base: 500 * time.Millisecond,
		Cap:  30 * time.Second,
	}
}

// Reset restarts the schedule.
func (b *DecorrelatedJitterBackOff) Reset() {
	b.prev = 0
}

// NextBackOff returns the next delay.
func (b *DecorrelatedJitterBackOff) NextBackOff() time.Duration {
	if b.prev < b.Base {
		b.prev = b.Base
	}
	upper := min(b.prev*3, b.Cap)
	b.prev = randomBetween(b.Base, upper)
	return b.prev
}

// applyJitter spreads interval uniformly over [interval*(1-f), interval*(1+f)].
func applyJitter(interval time.Duration, f float64) time.Duration {
	if f <= 0 || interval <= 0 {
		return interval
	}
	f = min(f, 1)

	delta := float64(interval) * f
	//nolint:gosec // jitter does not need a cryptographic source
	return time.Duration(float64(interval) - delta + rand.Float64()*2*delta)
}

//nolint:gosec // jitter does not need a cryptographic source
func randomBetween(lo, hi time.Duration) time.Duration {
	if lo >= hi {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}
