package policy

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.MinRequests = 2
	cfg.FailureThreshold = 0.5
	cfg.OpenDuration = 20 * time.Millisecond
	cb := NewCircuitBreaker(NoRetry{}, cfg)

	failing := func() error { return errors.New("boom") }
	_ = cb.Execute(failing)
	_ = cb.Execute(failing)

	if cb.State() != BreakerOpen {
		t.Fatalf("expected breaker open after failures, got %v", cb.State())
	}

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while breaker is open, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to succeed in half-open state, got %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("expected breaker closed after successful probe, got %v", cb.State())
	}
}

func TestCircuitBreakerShouldRetryFalseWhenOpen(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("test2")
	cfg.MinRequests = 1
	cfg.FailureThreshold = 0.1
	cb := NewCircuitBreaker(NewLinearRetry(5, time.Millisecond), cfg)

	_ = cb.Execute(func() error { return errors.New("boom") })

	if cb.State() != BreakerOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}
	if cb.ShouldRetry(errors.New("x"), 1) {
		t.Fatal("ShouldRetry must be false while circuit is open")
	}
}
