package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.heromessaging.dev/heromessaging/internal/messaging/policy"
)

type stubPublisher struct {
	mu       sync.Mutex
	failures int
	attempts int32
	fail     bool
}

func (p *stubPublisher) Publish(context.Context, string, *EntryEnvelope) error {
	atomic.AddInt32(&p.attempts, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("boom")
	}
	return nil
}

type staticDestinations struct{ dests []string }

func (d staticDestinations) Destinations() []string { return d.dests }

// S1 — Outbox retry-then-DLQ.
func TestRelayRetryThenDeadLetter(t *testing.T) {
	store := NewMemStore()
	pub := &stubPublisher{failures: 3}
	cfg := DefaultRelayConfig()
	cfg.MaxRetries = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RetryPolicy = policy.NewLinearRetry(100, 10*time.Millisecond)
	cfg.RecoveryInterval = time.Hour

	relay := NewRelay(store, pub, cfg, nil)
	if err := relay.Enqueue(context.Background(), &Entry{Destination: "orders", Message: nil}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	relay.Start(staticDestinations{dests: []string{"orders"}})
	defer relay.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dls, _ := store.GetDeadLetters(context.Background(), "orders", 10)
		if len(dls) > 0 {
			if pub.failures != 0 {
				t.Fatalf("expected all 3 configured failures consumed, got %d remaining", pub.failures)
			}
			failed, _ := store.GetFailed(context.Background(), "orders", 10)
			if len(failed) != 1 {
				t.Fatalf("expected 1 failed entry, got %d", len(failed))
			}
			if failed[0].RetryCount != cfg.MaxRetries {
				t.Fatalf("expected retryCount=%d, got %d", cfg.MaxRetries, failed[0].RetryCount)
			}
			if failed[0].LastError == "" {
				t.Fatal("expected lastError to be set")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for dead-letter entry")
}
