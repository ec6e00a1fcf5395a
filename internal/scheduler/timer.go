package scheduler

import (
	"context"
	"sync"
	"time"

	"go.heromessaging.dev/heromessaging/internal/idgen"
)

type timerEntry struct {
	msg   *ScheduledMessage
	timer *time.Timer
	fired bool
}

// TimerScheduler is the in-memory strategy: each scheduled message gets its
// own single-shot time.Timer, firing exactly once at DeliverAt with no
// polling drift. Suited to single-process deployments where durability
// across restarts is not required.
type TimerScheduler struct {
	dispatcher Dispatcher

	mu      sync.Mutex
	entries map[string]*timerEntry

	runningMu sync.Mutex
	running   bool
}

func NewTimerScheduler(dispatcher Dispatcher) *TimerScheduler {
	return &TimerScheduler{dispatcher: dispatcher, entries: make(map[string]*timerEntry)}
}

func (t *TimerScheduler) Schedule(_ context.Context, msg *ScheduledMessage) (string, error) {
	if msg.ScheduleID == "" {
		msg.ScheduleID = idgen.Generate()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Status = StatusPending

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		t.entries[msg.ScheduleID] = &timerEntry{msg: msg}
		return msg.ScheduleID, nil
	}

	entry := &timerEntry{msg: msg}
	delay := time.Until(msg.DeliverAt)
	if delay < 0 {
		delay = 0
	}
	entry.timer = time.AfterFunc(delay, func() { t.fire(msg.ScheduleID) })
	t.entries[msg.ScheduleID] = entry
	return msg.ScheduleID, nil
}

func (t *TimerScheduler) fire(scheduleID string) {
	t.mu.Lock()
	entry, ok := t.entries[scheduleID]
	if !ok || entry.fired || entry.msg.Status != StatusPending {
		t.mu.Unlock()
		return
	}
	entry.fired = true
	msg := entry.msg
	t.mu.Unlock()

	err := t.dispatcher.Dispatch(context.Background(), msg)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		msg.Status = StatusFailed
		msg.LastError = err.Error()
		return
	}
	msg.Status = StatusDelivered
	now := time.Now()
	msg.DeliveredAt = &now
}

func (t *TimerScheduler) Cancel(_ context.Context, scheduleID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[scheduleID]
	if !ok {
		return ErrNotFound
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if entry.msg.Status == StatusPending {
		entry.msg.Status = StatusCancelled
	}
	return nil
}

func (t *TimerScheduler) Get(_ context.Context, scheduleID string) (*ScheduledMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[scheduleID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry.msg
	return &cp, nil
}

func (t *TimerScheduler) ListPending(_ context.Context) ([]*ScheduledMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*ScheduledMessage
	for _, entry := range t.entries {
		if entry.msg.Status == StatusPending {
			cp := *entry.msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Start arms timers for every message scheduled while stopped.
func (t *TimerScheduler) Start() {
	t.runningMu.Lock()
	if t.running {
		t.runningMu.Unlock()
		return
	}
	t.running = true
	t.runningMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, entry := range t.entries {
		if entry.msg.Status != StatusPending || entry.timer != nil {
			continue
		}
		scheduleID := id
		delay := time.Until(entry.msg.DeliverAt)
		if delay < 0 {
			delay = 0
		}
		entry.timer = time.AfterFunc(delay, func() { t.fire(scheduleID) })
	}
}

// Running reports whether timers are armed.
func (t *TimerScheduler) Running() bool {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()
	return t.running
}

// Stop cancels every armed timer without changing message state, so a
// subsequent Start re-arms them.
func (t *TimerScheduler) Stop() {
	t.runningMu.Lock()
	if !t.running {
		t.runningMu.Unlock()
		return
	}
	t.running = false
	t.runningMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
}
