package policy

import (
	"errors"
	"testing"
	"time"
)

func TestLinearRetryRespectsMaxAttempts(t *testing.T) {
	p := NewLinearRetry(3, 10*time.Millisecond)
	err := errors.New("boom")

	for attempt := 1; attempt < 3; attempt++ {
		if !p.ShouldRetry(err, attempt) {
			t.Fatalf("attempt %d: expected retry", attempt)
		}
	}
	if p.ShouldRetry(err, 3) {
		t.Fatal("expected no retry once attempt == maxAttempts")
	}
}

func TestExponentialJitterDelayMonotone(t *testing.T) {
	p := NewExponentialJitterRetry(10, 10*time.Millisecond, time.Second, 0)

	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.BaseDelayFor(attempt)
		if d < prev {
			t.Fatalf("attempt %d: delay %v less than previous %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestExponentialJitterCapsAtMaxDelay(t *testing.T) {
	p := NewExponentialJitterRetry(20, time.Millisecond, 50*time.Millisecond, 0)
	d := p.BaseDelayFor(20)
	if d > 50*time.Millisecond {
		t.Fatalf("expected delay capped at 50ms, got %v", d)
	}
}

func TestExponentialJitterStopsAfterMaxAttempts(t *testing.T) {
	p := NewExponentialJitterRetry(3, time.Millisecond, time.Second, 0)
	if p.ShouldRetry(errors.New("x"), 3) {
		t.Fatal("expected false once attempt reaches maxAttempts")
	}
}

func TestNoRetryNeverRetries(t *testing.T) {
	var p NoRetry
	if p.ShouldRetry(errors.New("x"), 1) {
		t.Fatal("NoRetry should never retry")
	}
}
