package policy

import (
	"context"
	"testing"
	"time"
)

// S4 — Rate-limited burst.
func TestRateLimiterBurstThenRefill(t *testing.T) {
	cfg := &RateLimiterConfig{Capacity: 5, RefillRate: 1, Behavior: BehaviorReject}
	rl := NewRateLimiter(cfg)

	accepted := 0
	for i := 0; i < 10; i++ {
		if rl.Acquire(context.Background(), 1) {
			accepted++
		}
	}
	if accepted != 5 {
		t.Fatalf("expected exactly 5 accepted, got %d", accepted)
	}

	// Simulate 3s elapsed by manipulating the global bucket's clock directly
	// via repeated small sleeps would be slow in a unit test; instead verify
	// the refill formula analytically against the bucket's own state.
	rl.global.mu.Lock()
	rl.global.lastRefill = rl.global.lastRefill.Add(-3 * time.Second)
	rl.global.mu.Unlock()

	accepted = 0
	for i := 0; i < 3; i++ {
		if rl.Acquire(context.Background(), 1) {
			accepted++
		}
	}
	if accepted != 3 {
		t.Fatalf("expected all 3 acquires to succeed after 3s refill, got %d", accepted)
	}
}

func TestRateLimiterConservation(t *testing.T) {
	cfg := &RateLimiterConfig{Capacity: 10, RefillRate: 5, Behavior: BehaviorReject}
	rl := NewRateLimiter(cfg)

	var consumed float64
	for i := 0; i < 50; i++ {
		if rl.Acquire(context.Background(), 1) {
			consumed++
		}
	}
	stats := rl.Stats("")
	if stats.Tokens < 0 || stats.Tokens > cfg.Capacity {
		t.Fatalf("tokens out of bounds: %v", stats.Tokens)
	}
	if consumed > cfg.Capacity {
		t.Fatalf("consumed %v exceeds capacity %v with zero elapsed time", consumed, cfg.Capacity)
	}
}

func TestRateLimiterScopedKeys(t *testing.T) {
	cfg := &RateLimiterConfig{Capacity: 1, RefillRate: 0, Behavior: BehaviorReject}
	rl := NewRateLimiter(cfg)
	rl.KeySelector = func(ctx context.Context) string {
		return ctx.Value(scopeKeyType{}).(string)
	}

	ctxA := context.WithValue(context.Background(), scopeKeyType{}, "a")
	ctxB := context.WithValue(context.Background(), scopeKeyType{}, "b")

	if !rl.Acquire(ctxA, 1) {
		t.Fatal("first acquire for scope a should succeed")
	}
	if rl.Acquire(ctxA, 1) {
		t.Fatal("second acquire for scope a should be rejected (capacity 1, no refill)")
	}
	if !rl.Acquire(ctxB, 1) {
		t.Fatal("scope b has its own bucket and should succeed")
	}
}

type scopeKeyType struct{}
