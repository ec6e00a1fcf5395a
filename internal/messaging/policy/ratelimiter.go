package policy

import (
	"context"
	"sync"
	"time"
)

// Behavior controls what happens on an unsatisfied acquire.
type Behavior int

const (
	BehaviorReject Behavior = iota
	BehaviorQueue
)

// RateLimiterConfig configures a token-bucket limiter. Hand-rolled rather
// than golang.org/x/time/rate: callers need Queue-behavior with a bounded
// wait, per-key scoping, and a statistics snapshot, none of which
// rate.Limiter exposes.
type RateLimiterConfig struct {
	Capacity     float64
	RefillRate   float64 // tokens per second
	Behavior     Behavior
	MaxQueueWait time.Duration
}

func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		Capacity:     100,
		RefillRate:   50,
		Behavior:     BehaviorReject,
		MaxQueueWait: time.Second,
	}
}

// Stats is the statistics snapshot the limiter exposes.
type Stats struct {
	Tokens    float64
	Capacity  float64
	Accepted  uint64
	Rejected  uint64
}

// bucket is a single token bucket guarded by its own mutex.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	accepted   uint64
	rejected   uint64
	lastUsed   time.Time
}

func newBucket(capacity float64) *bucket {
	now := time.Now()
	return &bucket{tokens: capacity, lastRefill: now, lastUsed: now}
}

// refill lazily tops up tokens as `tokens = min(capacity, tokens + elapsed *
// refillRate)`.
func (b *bucket) refill(now time.Time, cfg *RateLimiterConfig) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * cfg.RefillRate
	if b.tokens > cfg.Capacity {
		b.tokens = cfg.Capacity
	}
	b.lastRefill = now
}

func (b *bucket) tryAcquire(n float64, now time.Time, cfg *RateLimiterConfig) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now, cfg)
	b.lastUsed = now
	if b.tokens >= n {
		b.tokens -= n
		b.accepted++
		return true
	}
	b.rejected++
	return false
}

func (b *bucket) snapshot(cfg *RateLimiterConfig) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now(), cfg)
	return Stats{Tokens: b.tokens, Capacity: cfg.Capacity, Accepted: b.accepted, Rejected: b.rejected}
}

// maxScopedBuckets bounds per-scope bucket cardinality: unbounded key
// cardinality from a keySelector is a resource-exhaustion risk, so the
// limiter evicts the least-recently-used scope once this cap is exceeded.
const maxScopedBuckets = 10000

// RateLimiter is a token-bucket limiter, optionally scoped per key via
// KeySelector.
type RateLimiter struct {
	cfg          *RateLimiterConfig
	KeySelector  func(ctx context.Context) string

	mu      sync.Mutex
	buckets map[string]*bucket
	global  *bucket
}

func NewRateLimiter(cfg *RateLimiterConfig) *RateLimiter {
	if cfg == nil {
		cfg = DefaultRateLimiterConfig()
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		global:  newBucket(cfg.Capacity),
	}
}

func (rl *RateLimiter) bucketFor(ctx context.Context) *bucket {
	if rl.KeySelector == nil {
		return rl.global
	}
	key := rl.KeySelector(ctx)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= maxScopedBuckets {
			rl.evictLRULocked()
		}
		b = newBucket(rl.cfg.Capacity)
		rl.buckets[key] = b
	}
	return b
}

// evictLRULocked removes the bucket least recently used for an acquire.
// Called with rl.mu held.
func (rl *RateLimiter) evictLRULocked() {
	var oldestKey string
	var oldestTime time.Time
	for k, b := range rl.buckets {
		b.mu.Lock()
		t := b.lastUsed
		b.mu.Unlock()
		if oldestKey == "" || t.Before(oldestTime) {
			oldestKey, oldestTime = k, t
		}
	}
	if oldestKey != "" {
		delete(rl.buckets, oldestKey)
	}
}

// Acquire consumes n tokens. On Reject behavior it returns immediately; on
// Queue behavior it polls up to MaxQueueWait before giving up. Returns false
// if tokens could not be acquired (caller translates this to
// CategoryRateLimited).
func (rl *RateLimiter) Acquire(ctx context.Context, n float64) bool {
	b := rl.bucketFor(ctx)
	now := time.Now()
	if b.tryAcquire(n, now, rl.cfg) {
		return true
	}
	if rl.cfg.Behavior == BehaviorReject {
		return false
	}

	deadline := now.Add(rl.cfg.MaxQueueWait)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case t := <-ticker.C:
			if b.tryAcquire(n, t, rl.cfg) {
				return true
			}
			if t.After(deadline) {
				return false
			}
		}
	}
}

// Stats returns the statistics snapshot for the global (unscoped) bucket, or
// for a specific scope key if the limiter is scoped and the key is known.
func (rl *RateLimiter) Stats(key string) Stats {
	if rl.KeySelector == nil || key == "" {
		return rl.global.snapshot(rl.cfg)
	}
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	rl.mu.Unlock()
	if !ok {
		return Stats{Capacity: rl.cfg.Capacity}
	}
	return b.snapshot(rl.cfg)
}
