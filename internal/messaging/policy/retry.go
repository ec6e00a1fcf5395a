// Package policy implements the cross-cutting policy primitives — retry,
// circuit breaker, token-bucket rate limiting, and idempotency — that the
// chain package composes around a handler invocation.
package policy

import (
	"math/rand"
	"time"
)

// RetryPolicy is the capability set every retry strategy implements:
// shouldRetry decides whether another attempt is warranted given the
// observed error and the attempt number just completed (1-based); delayFor
// returns how long to wait before the next attempt.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	DelayFor(attempt int) time.Duration
}

// NoRetry never retries.
type NoRetry struct{}

func (NoRetry) ShouldRetry(error, int) bool   { return false }
func (NoRetry) DelayFor(int) time.Duration    { return 0 }

// LinearRetry retries up to MaxAttempts times with a fixed delay between
// attempts.
type LinearRetry struct {
	MaxAttempts int
	Delay       time.Duration
	Classify    func(err error) bool // optional: false => never retry this error
}

func NewLinearRetry(maxAttempts int, delay time.Duration) *LinearRetry {
	return &LinearRetry{MaxAttempts: maxAttempts, Delay: delay}
}

func (p *LinearRetry) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.Classify != nil && !p.Classify(err) {
		return false
	}
	return true
}

func (p *LinearRetry) DelayFor(attempt int) time.Duration {
	return p.Delay
}

// ExponentialJitterRetry computes delay = base * 2^(attempt-1) +/- uniform(0,
// jitter), capped at both MaxAttempts and MaxDelay. Satisfies testable
// property 1: DelayFor is monotonically non-decreasing excluding
// the jitter term, because the capped exponential base term never
// decreases.
type ExponentialJitterRetry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	Classify    func(err error) bool

	rng *rand.Rand
}

func NewExponentialJitterRetry(maxAttempts int, base, max, jitter time.Duration) *ExponentialJitterRetry {
	return &ExponentialJitterRetry{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    max,
		Jitter:      jitter,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *ExponentialJitterRetry) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.Classify != nil && !p.Classify(err) {
		return false
	}
	return true
}

// BaseDelayFor returns the exponential term with no jitter applied; it
// never decreases with attempt.
func (p *ExponentialJitterRetry) BaseDelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p *ExponentialJitterRetry) DelayFor(attempt int) time.Duration {
	d := p.BaseDelayFor(attempt)
	if p.Jitter <= 0 {
		return d
	}
	jitter := time.Duration(p.rng.Int63n(int64(p.Jitter)*2+1)) - p.Jitter
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}
