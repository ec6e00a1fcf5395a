package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.heromessaging.dev/heromessaging/internal/leader"
	"go.heromessaging.dev/heromessaging/internal/messaging/policy"
	"go.heromessaging.dev/heromessaging/internal/observability"
)

// Publisher is the narrow capability the relay needs from a transport: hand
// an envelope to a destination and get back success or failure. Satisfied
// by internal/transport.Transport without importing it, avoiding a cycle
// between outbox and transport.
type Publisher interface {
	Publish(ctx context.Context, destination string, env *EntryEnvelope) error
}

// EntryEnvelope is the minimal payload the relay hands to a Publisher; kept
// distinct from messaging.Envelope so the outbox package doesn't force every
// Publisher implementation to depend on the messaging package's internals
// beyond what dispatch needs.
type EntryEnvelope struct {
	ID            string
	Type          string
	Payload       any
	CorrelationID string
	CausationID   string
	Metadata      map[string]string
}

// RelayConfig configures the background relay worker.
type RelayConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxRetries       int
	RetryPolicy      policy.RetryPolicy
	RecoveryInterval time.Duration
	StuckAfter       time.Duration
	DispatchTimeout  time.Duration
	Elector          leader.Elector
}

func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		PollInterval:     time.Second,
		BatchSize:        100,
		MaxRetries:       3,
		RetryPolicy:      policy.NewExponentialJitterRetry(10, 100*time.Millisecond, 30*time.Second, 50*time.Millisecond),
		RecoveryInterval: 60 * time.Second,
		StuckAfter:       5 * time.Minute,
		DispatchTimeout:  30 * time.Second,
		Elector:          leader.AlwaysLeader{},
	}
}

// Relay is the background worker that drains Store into a Publisher. The
// enqueue half lives in Store.Add; this is the
// poll->claim->dispatch->commit half. State commits happen per entry, not
// per batch, so a crash mid-batch loses at most one entry's state
// transition; an entry left in Processing is reset to Pending by the
// stuck-entry sweep (recoverStuck) at startup and every RecoveryInterval.
type Relay struct {
	store     Store
	publisher Publisher
	cfg       *RelayConfig
	obs       observability.Observability

	destinations sync.Map // destination string -> *sync.Mutex (single-flight)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

func NewRelay(store Store, publisher Publisher, cfg *RelayConfig, obs observability.Observability) *Relay {
	if cfg == nil {
		cfg = DefaultRelayConfig()
	}
	if cfg.Elector == nil {
		cfg.Elector = leader.AlwaysLeader{}
	}
	if obs == nil {
		obs = observability.NoOp()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{store: store, publisher: publisher, cfg: cfg, obs: obs, ctx: ctx, cancel: cancel}
}

// Destinations is the set of destinations the relay polls each cycle; the
// caller supplies it since the in-memory Store has no index of distinct
// destinations to discover on its own.
type Destinations interface {
	Destinations() []string
}

// Enqueue is the synchronous half: append a Pending entry.
// Callers needing transactional same-commit semantics with business writes
// do so through a Store that itself participates in their transaction.
func (r *Relay) Enqueue(ctx context.Context, entry *Entry) error {
	entry.MaxRetries = r.cfg.MaxRetries
	return r.store.Add(ctx, entry)
}

func (r *Relay) Start(destinations Destinations) {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	if r.running {
		return
	}
	r.running = true

	r.recoverStuck()

	if err := r.cfg.Elector.Start(r.ctx); err != nil {
		slog.Error("outbox relay: leader election failed to start", "error", err)
	}

	r.wg.Add(1)
	go r.pollLoop(destinations)

	r.wg.Add(1)
	go r.recoveryLoop()

	slog.Info("outbox relay started", "pollInterval", r.cfg.PollInterval, "batchSize", r.cfg.BatchSize)
}

// Running reports whether the relay's loops are active.
func (r *Relay) Running() bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.running
}

func (r *Relay) Stop() {
	r.runningMu.Lock()
	r.running = false
	r.runningMu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.cfg.Elector.Stop()
	slog.Info("outbox relay stopped")
}

func (r *Relay) pollLoop(destinations Destinations) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if !r.cfg.Elector.IsPrimary() {
				continue
			}
			for _, dest := range destinations.Destinations() {
				r.pollDestination(dest)
			}
		}
	}
}

// pollDestination runs one poll->claim->dispatch->commit cycle for a single destination,
// single-flight: if a previous poll of this destination is still draining
// (unlikely given PollInterval but possible under slow publishers), skip
// rather than run two pollers over the same destination concurrently.
func (r *Relay) pollDestination(destination string) {
	lockI, _ := r.destinations.LoadOrStore(destination, &sync.Mutex{})
	lock := lockI.(*sync.Mutex)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	entries, err := r.store.GetPending(r.ctx, PendingQuery{Destination: destination, AsOf: time.Now(), Limit: r.cfg.BatchSize})
	if err != nil {
		slog.Error("outbox relay: poll failed", "destination", destination, "error", err)
		return
	}
	for _, e := range entries {
		r.processEntry(e)
	}
}

func (r *Relay) processEntry(e *Entry) {
	claimed, err := r.store.ClaimProcessing(r.ctx, e.ID)
	if err != nil {
		slog.Error("outbox relay: claim failed", "entry", e.ID, "error", err)
		return
	}
	if !claimed {
		return // lost the CAS race to another worker
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DispatchTimeout)
	defer cancel()

	env := entryToEnvelope(e)
	stop := r.obs.Timer("outbox_dispatch_duration_seconds", map[string]string{"destination": e.Destination})
	dispatchErr := r.publisher.Publish(ctx, e.Destination, env)
	stop()

	if dispatchErr == nil {
		if err := r.store.MarkProcessed(r.ctx, e.ID, time.Now()); err != nil {
			slog.Error("outbox relay: mark processed failed", "entry", e.ID, "error", err)
		}
		r.obs.Counter("outbox_dispatched_total", map[string]string{"destination": e.Destination, "outcome": "success"}).Inc()
		return
	}

	r.obs.Counter("outbox_dispatched_total", map[string]string{"destination": e.Destination, "outcome": "failure"}).Inc()

	if e.RetryCount >= e.MaxRetries {
		r.deadLetter(e, dispatchErr)
		return
	}
	e.RetryCount++

	delay := r.cfg.RetryPolicy.DelayFor(e.RetryCount)
	nextRetryAt := time.Now().Add(delay)
	if err := r.store.UpdateRetryCount(r.ctx, e.ID, e.RetryCount, nextRetryAt); err != nil {
		slog.Error("outbox relay: update retry count failed", "entry", e.ID, "error", err)
	}
	slog.Warn("outbox relay: dispatch failed, scheduled retry",
		"entry", e.ID, "destination", e.Destination, "retryCount", e.RetryCount, "nextRetryAt", nextRetryAt, "error", dispatchErr)
}

// deadLetter transitions e to Failed and moves a copy to its per-origin DLQ
// destination.
func (r *Relay) deadLetter(e *Entry, cause error) {
	if err := r.store.MarkFailed(r.ctx, e.ID, cause.Error()); err != nil {
		slog.Error("outbox relay: mark failed failed", "entry", e.ID, "error", err)
	}
	if err := r.store.AddDeadLetter(r.ctx, &DeadLetterEntry{
		OriginDestination: e.Destination,
		Entry:             e,
		FinalError:        cause.Error(),
		DeadLetteredAt:    time.Now(),
	}); err != nil {
		slog.Error("outbox relay: dead-letter write failed", "entry", e.ID, "error", err)
	}
	r.obs.Counter("outbox_dead_lettered_total", map[string]string{"destination": e.Destination}).Inc()
	slog.Warn("outbox relay: entry moved to dead-letter queue after retry exhaustion",
		"entry", e.ID, "destination", e.Destination, "retryCount", e.RetryCount, "error", cause)
}

func entryToEnvelope(e *Entry) *EntryEnvelope {
	env := &EntryEnvelope{ID: e.ID}
	if e.Message != nil {
		env.Type = e.Message.Type
		env.Payload = e.Message.Payload
		env.CorrelationID = e.Message.CorrelationID
		env.CausationID = e.Message.CausationID
		env.Metadata = e.Message.Metadata
	}
	return env
}

// recoverStuck resets entries stuck in Processing past StuckAfter back to
// Pending — the crash-recovery sweep run at startup and on
// RecoveryInterval.
func (r *Relay) recoverStuck() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stuck, err := r.store.FetchStuckProcessing(ctx, r.cfg.StuckAfter)
	if err != nil {
		slog.Error("outbox relay: crash recovery fetch failed", "error", err)
		return
	}
	for _, e := range stuck {
		if err := r.store.ResetToPending(ctx, e.ID); err != nil {
			slog.Error("outbox relay: crash recovery reset failed", "entry", e.ID, "error", err)
			continue
		}
	}
	if len(stuck) > 0 {
		slog.Info("outbox relay: recovered stuck entries", "count", len(stuck))
	}
}

func (r *Relay) recoveryLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if !r.cfg.Elector.IsPrimary() {
				continue
			}
			r.recoverStuck()
		}
	}
}
