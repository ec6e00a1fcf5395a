// Package chain composes the policy primitives in internal/messaging/policy
// around a handler into the canonical decorator chain,
// and implements the three processor kinds (command, query, event bus) on
// top of it.
package chain

import (
	"time"

	"go.heromessaging.dev/heromessaging/internal/messaging"
	"go.heromessaging.dev/heromessaging/internal/messaging/policy"
	"go.heromessaging.dev/heromessaging/internal/observability"
)

// Config enables and configures each decorator. A nil field disables that
// decorator entirely — the chain degrades gracefully to whatever subset is
// configured, the same way optional
// WithRedisLeaderElection-style builders behave.
type Config struct {
	Idempotency    *IdempotencyDecoratorConfig
	Validate       func(pc *messaging.ProcessingContext) error
	RateLimiter    *policy.RateLimiter
	Retry          policy.RetryPolicy
	CircuitBreaker *policy.CircuitBreaker
	Observability  observability.Observability
	Name           string // used as the metrics/tracing span name
}

// Build composes the canonical chain, innermost to outermost:
// handler -> idempotency -> validation -> rate-limit ->
// retry -> circuit-breaker -> metrics/tracing -> entry.
func Build(handler messaging.Handler, cfg *Config) messaging.Processor {
	p := messaging.AsProcessor(handler)

	if cfg.Idempotency != nil {
		p = withIdempotency(p, cfg.Idempotency)
	}
	if cfg.Validate != nil {
		p = withValidation(p, cfg.Validate)
	}
	if cfg.RateLimiter != nil {
		p = withRateLimit(p, cfg.RateLimiter)
	}
	if cfg.Retry != nil {
		p = withRetry(p, cfg.Retry)
	}
	if cfg.CircuitBreaker != nil {
		p = withCircuitBreaker(p, cfg.CircuitBreaker)
	}
	if cfg.Observability != nil {
		name := cfg.Name
		if name == "" {
			name = "processor"
		}
		p = withObservability(p, cfg.Observability, name)
	}
	return p
}

// sleepOrCancel waits for d, returning early with false if pc is cancelled
// first, so retry delays stay responsive to cancellation.
func sleepOrCancel(pc *messaging.ProcessingContext, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-pc.Done():
		return false
	case <-timer.C:
		return true
	}
}
