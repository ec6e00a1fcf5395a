package chain

import (
	"errors"
	"log/slog"

	"go.heromessaging.dev/heromessaging/internal/messaging"
	"go.heromessaging.dev/heromessaging/internal/messaging/policy"
	"go.heromessaging.dev/heromessaging/internal/observability"
)

// IdempotencyDecoratorConfig binds a policy.Checker and the key and
// fingerprint derivations to use for each invocation's ProcessingContext.
// A nil FingerprintOf hashes the envelope's type and payload, so a reused
// key carrying a different request is caught without per-handler setup.
type IdempotencyDecoratorConfig struct {
	Checker       *policy.Checker
	KeyOf         func(pc *messaging.ProcessingContext) string
	FingerprintOf func(pc *messaging.ProcessingContext) string
}

// withIdempotency is the innermost decorator (besides the handler itself):
// the last check before the handler runs, so retries do not double-commit.
func withIdempotency(inner messaging.Processor, cfg *IdempotencyDecoratorConfig) messaging.Processor {
	fingerprintOf := cfg.FingerprintOf
	if fingerprintOf == nil {
		fingerprintOf = func(pc *messaging.ProcessingContext) string {
			return policy.BuildFingerprint(pc.Envelope.Type, pc.Envelope.Payload)
		}
	}
	return messaging.ProcessorFunc(func(pc *messaging.ProcessingContext) messaging.Result {
		key := cfg.KeyOf(pc)
		pc.Set("idempotencyKey", key)

		payload, err := cfg.Checker.Execute(pc.Context(), key, fingerprintOf(pc), func() (any, error) {
			res := inner.Process(pc)
			if res.Failed() {
				return nil, res.Err
			}
			return res.Payload, nil
		})
		if errors.Is(err, policy.ErrKeyConflict) || errors.Is(err, policy.ErrClaimConflict) {
			return messaging.Failure(messaging.NewError(messaging.CategoryConflict, err.Error(), messaging.ErrConflict).WithCorrelation(pc.CorrelationID))
		}
		if err != nil {
			return messaging.Failure(err)
		}
		return messaging.Success(payload)
	})
}

func withValidation(inner messaging.Processor, validate func(pc *messaging.ProcessingContext) error) messaging.Processor {
	return messaging.ProcessorFunc(func(pc *messaging.ProcessingContext) messaging.Result {
		if err := validate(pc); err != nil {
			return messaging.Failure(messaging.NewError(messaging.CategoryValidation, "validation failed", err).WithCorrelation(pc.CorrelationID))
		}
		return inner.Process(pc)
	})
}

func withRateLimit(inner messaging.Processor, rl *policy.RateLimiter) messaging.Processor {
	return messaging.ProcessorFunc(func(pc *messaging.ProcessingContext) messaging.Result {
		if !rl.Acquire(pc.Context(), 1) {
			return messaging.Failure(messaging.NewError(messaging.CategoryRateLimited, "rate limit exceeded", messaging.ErrRateLimited).WithCorrelation(pc.CorrelationID))
		}
		return inner.Process(pc)
	})
}

// withRetry loops on inner until it succeeds, the error is non-retryable
// per its category, or the policy says stop. Gates bursts behind whatever
// rate limiter wraps it from the inside.
func withRetry(inner messaging.Processor, retry policy.RetryPolicy) messaging.Processor {
	return messaging.ProcessorFunc(func(pc *messaging.ProcessingContext) messaging.Result {
		attempt := 0
		var last messaging.Result
		for {
			attempt++
			last = inner.Process(pc)
			if !last.Failed() {
				return last
			}
			if pc.Err() != nil {
				return messaging.Failure(messaging.NewError(messaging.CategoryCancelled, "cancelled during retry", messaging.ErrCancelled).WithCorrelation(pc.CorrelationID))
			}
			if !messaging.CategoryOf(last.Err).Recoverable() {
				return last
			}
			if !retry.ShouldRetry(last.Err, attempt) {
				return last
			}
			if !sleepOrCancel(pc, retry.DelayFor(attempt)) {
				return messaging.Failure(messaging.NewError(messaging.CategoryCancelled, "cancelled during retry backoff", messaging.ErrCancelled).WithCorrelation(pc.CorrelationID))
			}
		}
	})
}

// withCircuitBreaker wraps inner's entire retry-loop invocation, so the
// breaker observes the result of all retries as one logical call. Only
// failure categories Recoverable treats as retryable count toward the
// trip ratio — validation and not-found say nothing about downstream
// health — mirroring withRetry's gate.
func withCircuitBreaker(inner messaging.Processor, cb *policy.CircuitBreaker) messaging.Processor {
	return messaging.ProcessorFunc(func(pc *messaging.ProcessingContext) messaging.Result {
		var captured messaging.Result
		err := cb.Execute(func() error {
			captured = inner.Process(pc)
			if captured.Err != nil && !messaging.CategoryOf(captured.Err).Recoverable() {
				return nil
			}
			return captured.Err
		})
		if err == policy.ErrOpen {
			return messaging.Failure(messaging.NewError(messaging.CategoryCircuitOpen, "circuit open", messaging.ErrCircuitOpen).WithCorrelation(pc.CorrelationID))
		}
		return captured
	})
}

func withObservability(inner messaging.Processor, obs observability.Observability, name string) messaging.Processor {
	return messaging.ProcessorFunc(func(pc *messaging.ProcessingContext) messaging.Result {
		span := obs.StartSpan(pc.Context(), name)
		defer span.End()
		span.SetAttribute("correlation_id", pc.CorrelationID)

		stop := obs.Timer("chain_process_duration_seconds", map[string]string{"name": name})
		res := inner.Process(pc)
		stop()

		outcome := "success"
		if res.Failed() {
			outcome = "failure"
			span.SetAttribute("error", res.Err.Error())
			slog.Debug("processor failed", "name", name, "correlation_id", pc.CorrelationID, "error", res.Err)
		}
		obs.Counter("chain_process_total", map[string]string{"name": name, "outcome": outcome}).Inc()
		return res
	})
}
