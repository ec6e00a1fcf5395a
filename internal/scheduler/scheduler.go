package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.heromessaging.dev/heromessaging/internal/idgen"
	"go.heromessaging.dev/heromessaging/internal/leader"
	"go.heromessaging.dev/heromessaging/internal/observability"
)

// Dispatcher delivers a due scheduled message. Returning an error marks the
// message Failed rather than Delivered; recurrence is the dispatcher's own
// responsibility — a handler that wants the next occurrence calls Schedule
// again after a successful delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *ScheduledMessage) error
}

// Scheduler is the capability both the in-memory (Timer) and storage-backed
// (poller) strategies implement.
type Scheduler interface {
	Schedule(ctx context.Context, msg *ScheduledMessage) (scheduleID string, err error)
	Cancel(ctx context.Context, scheduleID string) error
	Get(ctx context.Context, scheduleID string) (*ScheduledMessage, error)
	ListPending(ctx context.Context) ([]*ScheduledMessage, error)
	Start()
	Stop()
}

// Config configures the storage-backed PollingScheduler.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	StuckAfter   time.Duration
	Elector      leader.Elector
}

func DefaultConfig() *Config {
	return &Config{
		PollInterval: 1 * time.Second,
		BatchSize:    100,
		StuckAfter:   5 * time.Minute,
		Elector:      leader.AlwaysLeader{},
	}
}

// PollingScheduler is the storage-backed strategy: a background poller
// claims due messages from Store and hands them to Dispatcher. Delivery
// drift against DeliverAt is bounded by PollInterval.
type PollingScheduler struct {
	store      Store
	dispatcher Dispatcher
	cfg        *Config
	obs        observability.Observability

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

func NewPollingScheduler(store Store, dispatcher Dispatcher, cfg *Config, obs observability.Observability) *PollingScheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Elector == nil {
		cfg.Elector = leader.AlwaysLeader{}
	}
	if obs == nil {
		obs = observability.NoOp()
	}
	return &PollingScheduler{store: store, dispatcher: dispatcher, cfg: cfg, obs: obs}
}

func (s *PollingScheduler) Schedule(ctx context.Context, msg *ScheduledMessage) (string, error) {
	if msg.ScheduleID == "" {
		msg.ScheduleID = idgen.Generate()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Status = StatusPending
	if err := s.store.Add(ctx, msg); err != nil {
		return "", err
	}
	return msg.ScheduleID, nil
}

func (s *PollingScheduler) Cancel(ctx context.Context, scheduleID string) error {
	return s.store.Cancel(ctx, scheduleID)
}

func (s *PollingScheduler) Get(ctx context.Context, scheduleID string) (*ScheduledMessage, error) {
	return s.store.Get(ctx, scheduleID)
}

func (s *PollingScheduler) ListPending(ctx context.Context) ([]*ScheduledMessage, error) {
	return s.store.List(ctx, Query{})
}

func (s *PollingScheduler) Start() {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.runningMu.Unlock()

	if err := s.cfg.Elector.Start(s.ctx); err != nil {
		slog.Error("scheduler: leader election failed to start", "error", err)
	}

	s.recoverStuck()

	s.wg.Add(1)
	go s.pollLoop()
}

// recoverStuck reverts messages claimed by a poller that died between
// claim and mark, run at startup and once per poll cycle.
func (s *PollingScheduler) recoverStuck() {
	reset, err := s.store.ResetStuckProcessing(s.ctx, s.cfg.StuckAfter)
	if err != nil {
		slog.Error("scheduler: stuck-claim recovery failed", "error", err)
		return
	}
	if reset > 0 {
		slog.Info("scheduler: recovered stuck claims", "count", reset)
	}
}

// Running reports whether the poll loop is active.
func (s *PollingScheduler) Running() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running
}

func (s *PollingScheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.runningMu.Unlock()

	cancel()
	s.wg.Wait()
	s.cfg.Elector.Stop()
}

func (s *PollingScheduler) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.pollOnce()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *PollingScheduler) pollOnce() {
	if !s.cfg.Elector.IsPrimary() {
		return
	}

	s.recoverStuck()

	due, err := s.store.GetDue(s.ctx, Query{AsOf: time.Now(), Limit: s.cfg.BatchSize})
	if err != nil {
		slog.Error("scheduler: poll failed", "error", err)
		return
	}

	for _, msg := range due {
		s.dispatchOne(msg)
	}
}

// dispatchOne claims the message with a Pending->Processing CAS before
// dispatching, so two pollers sharing one store never both deliver it; the
// loser of the race simply skips.
func (s *PollingScheduler) dispatchOne(msg *ScheduledMessage) {
	claimed, err := s.store.ClaimProcessing(s.ctx, msg.ScheduleID, time.Now())
	if err != nil {
		slog.Error("scheduler: claim failed", "scheduleId", msg.ScheduleID, "error", err)
		return
	}
	if !claimed {
		return
	}

	err = s.dispatcher.Dispatch(s.ctx, msg)
	if err != nil {
		if markErr := s.store.MarkFailed(s.ctx, msg.ScheduleID, err.Error()); markErr != nil {
			slog.Error("scheduler: failed to record dispatch failure", "scheduleId", msg.ScheduleID, "error", markErr)
		}
		s.obs.Counter("scheduler_dispatch_total", map[string]string{"outcome": "failed"}).Inc()
		return
	}
	if markErr := s.store.MarkDelivered(s.ctx, msg.ScheduleID, time.Now()); markErr != nil {
		slog.Error("scheduler: failed to record delivery", "scheduleId", msg.ScheduleID, "error", markErr)
	}
	s.obs.Counter("scheduler_dispatch_total", map[string]string{"outcome": "delivered"}).Inc()
}
