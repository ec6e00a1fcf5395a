package policy

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerState mirrors gobreaker's three states under HeroMessaging's own
// names, so callers never import gobreaker directly.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Execute when the breaker is Open or HalfOpen has
// exhausted its single probe slot.
var ErrOpen = errors.New("policy: circuit breaker open")

// CircuitBreakerConfig configures a CircuitBreaker. Trips to Open once at
// least MinRequests calls are counted and the ratio of failures to calls
// reaches FailureThreshold; the counts are cleared every WindowDuration
// while Closed (a fixed window, not a sliding one), and runs of consecutive
// failures are not tracked on their own. Cools down for OpenDuration; then
// permits HalfOpenProbes calls before deciding to close or re-open.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold float64 // failure ratio, 0..1
	MinRequests      uint32  // requests required in-window before evaluating ratio
	WindowDuration   time.Duration
	OpenDuration     time.Duration
	HalfOpenProbes   uint32
	OnStateChange    func(name string, from, to BreakerState)
}

func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 0.5,
		MinRequests:      10,
		WindowDuration:   60 * time.Second,
		OpenDuration:     5 * time.Second,
		HalfOpenProbes:   1,
	}
}

// CircuitBreaker wraps an inner RetryPolicy and additionally tracks breaker
// state. While Open, ShouldRetry is always false and callers see a
// CircuitOpen failure.
type CircuitBreaker struct {
	inner RetryPolicy
	gb    *gobreaker.CircuitBreaker
	cfg   *CircuitBreakerConfig
}

func NewCircuitBreaker(inner RetryPolicy, cfg *CircuitBreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig("default")
	}
	if inner == nil {
		inner = NoRetry{}
	}
	cb := &CircuitBreaker{inner: inner, cfg: cfg}
	cb.gb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.WindowDuration,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, fromGobreakerState(from), fromGobreakerState(to))
			}
		},
	})
	return cb
}

func fromGobreakerState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState {
	return fromGobreakerState(cb.gb.State())
}

// Execute runs fn through the breaker. If the breaker is open or refuses the
// call, Execute returns ErrOpen without invoking fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// ShouldRetry is false whenever the breaker is not Closed;
// otherwise delegates to the inner policy.
func (cb *CircuitBreaker) ShouldRetry(err error, attempt int) bool {
	if cb.State() != BreakerClosed {
		return false
	}
	return cb.inner.ShouldRetry(err, attempt)
}

func (cb *CircuitBreaker) DelayFor(attempt int) time.Duration {
	return cb.inner.DelayFor(attempt)
}
