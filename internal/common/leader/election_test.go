package leader

import (
	"context"
	"testing"
	"time"
)

// === ElectorConfig Tests ===

func TestDefaultElectorConfig(t *testing.T) {
	cfg := DefaultElectorConfig("heromessaging:outbox-relay")

	if cfg.LockName != "heromessaging:outbox-relay" {
		t.Errorf("Expected LockName 'heromessaging:outbox-relay', got '%s'", cfg.LockName)
	}
	if cfg.InstanceID == "" {
		t.Error("Expected InstanceID to be set")
	}
	if cfg.TTL != 30*time.Second {
		t.Errorf("Expected TTL 30s, got %v", cfg.TTL)
	}
	if cfg.RefreshInterval != 10*time.Second {
		t.Errorf("Expected RefreshInterval 10s, got %v", cfg.RefreshInterval)
	}
}

func TestDefaultElectorConfig_RefreshShorterThanTTL(t *testing.T) {
	cfg := DefaultElectorConfig("heromessaging:scheduler")

	// A refresh interval at or beyond the TTL would let a live leader's
	// lock expire between ticks.
	if cfg.RefreshInterval >= cfg.TTL {
		t.Errorf("RefreshInterval %v must be shorter than TTL %v", cfg.RefreshInterval, cfg.TTL)
	}
}

func TestElectorConfigCustomValues(t *testing.T) {
	cfg := &ElectorConfig{
		InstanceID:      "agent-2",
		LockName:        "heromessaging:scheduler",
		TTL:             60 * time.Second,
		RefreshInterval: 20 * time.Second,
	}

	if cfg.InstanceID != "agent-2" {
		t.Errorf("Expected InstanceID 'agent-2', got '%s'", cfg.InstanceID)
	}
	if cfg.TTL != 60*time.Second {
		t.Errorf("Expected TTL 60s, got %v", cfg.TTL)
	}
}

// === Lock document Tests ===

func TestLockDocExpiry(t *testing.T) {
	now := time.Now()
	lock := lockDoc{
		ID:         "heromessaging:scheduler",
		InstanceID: "agent-1",
		AcquiredAt: now,
		ExpiresAt:  now.Add(30 * time.Second),
	}

	if !lock.ExpiresAt.After(now) {
		t.Error("Expected a fresh lock to be unexpired")
	}
	if lock.ExpiresAt.Sub(lock.AcquiredAt) != 30*time.Second {
		t.Errorf("Expected 30s validity, got %v", lock.ExpiresAt.Sub(lock.AcquiredAt))
	}
}

// === MongoElector state Tests (no database needed) ===

func newDetachedElector(cfg *ElectorConfig) *MongoElector {
	if cfg == nil {
		cfg = DefaultElectorConfig("test-lock")
	}
	// The collection is only touched once the election loop starts; state
	// accessors are safe on a never-started elector.
	return &MongoElector{config: cfg, stopped: make(chan struct{})}
}

func TestMongoElector_NotPrimaryByDefault(t *testing.T) {
	e := newDetachedElector(nil)

	if e.IsPrimary() {
		t.Error("Expected a never-started elector not to be primary")
	}
}

func TestMongoElector_InstanceID(t *testing.T) {
	e := newDetachedElector(&ElectorConfig{
		InstanceID: "agent-7",
		LockName:   "test-lock",
	})

	if e.InstanceID() != "agent-7" {
		t.Errorf("Expected 'agent-7', got '%s'", e.InstanceID())
	}
}

func TestMongoElector_CallbackRegistration(t *testing.T) {
	e := newDetachedElector(nil)

	var became, lost bool
	e.OnBecomeLeader(func() { became = true })
	e.OnLoseLeadership(func() { lost = true })

	// Simulate the transitions tick() drives.
	e.isPrimary.Store(true)
	if e.onBecomeLeader != nil {
		e.onBecomeLeader()
	}
	e.isPrimary.Store(false)
	if e.onLoseLeadership != nil {
		e.onLoseLeadership()
	}

	if !became || !lost {
		t.Errorf("Expected both callbacks to fire: became=%v lost=%v", became, lost)
	}
}

func TestMongoElector_PrimaryStateTransitions(t *testing.T) {
	e := newDetachedElector(nil)

	transitions := []bool{true, true, false, true, false}
	for _, next := range transitions {
		e.isPrimary.Store(next)
		if e.IsPrimary() != next {
			t.Errorf("Expected IsPrimary %v", next)
		}
	}
}

// === Elector interface conformance ===

// Both backends must expose the same capability surface the outbox relay
// and scheduler consume: Start/Stop, IsPrimary, transition callbacks.
func TestElectorSurfaceMatches(t *testing.T) {
	type electorSurface interface {
		Start(ctx context.Context) error
		Stop()
		IsPrimary() bool
		InstanceID() string
		OnBecomeLeader(func())
		OnLoseLeadership(func())
	}

	var _ electorSurface = (*MongoElector)(nil)
	var _ electorSurface = (*RedisElector)(nil)
}
