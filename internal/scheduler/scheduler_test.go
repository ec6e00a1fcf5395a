package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingDispatcher struct {
	mu        sync.Mutex
	delivered []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg *ScheduledMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, msg.ScheduleID)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

// S6 — Scheduler cancel: a message cancelled before
// its delivery time never reaches the dispatcher.
func TestPollingSchedulerCancel(t *testing.T) {
	store := NewMemStore()
	dispatcher := &recordingDispatcher{}
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	sched := NewPollingScheduler(store, dispatcher, cfg, nil)

	ctx := context.Background()
	id, err := sched.Schedule(ctx, &ScheduledMessage{DeliverAt: time.Now().Add(50 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := sched.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	sched.Start()
	defer sched.Stop()
	time.Sleep(150 * time.Millisecond)

	if dispatcher.count() != 0 {
		t.Fatalf("expected cancelled message to never dispatch, got %d deliveries", dispatcher.count())
	}

	msg, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != StatusCancelled {
		t.Fatalf("expected Cancelled status, got %v", msg.Status)
	}
}

func TestPollingSchedulerDeliversDueMessage(t *testing.T) {
	store := NewMemStore()
	dispatcher := &recordingDispatcher{}
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	sched := NewPollingScheduler(store, dispatcher, cfg, nil)

	ctx := context.Background()
	id, err := sched.Schedule(ctx, &ScheduledMessage{DeliverAt: time.Now().Add(20 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	sched.Start()
	defer sched.Stop()
	time.Sleep(150 * time.Millisecond)

	if dispatcher.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", dispatcher.count())
	}

	msg, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != StatusDelivered {
		t.Fatalf("expected Delivered status, got %v", msg.Status)
	}
}

func TestTimerSchedulerCancel(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	sched := NewTimerScheduler(dispatcher)
	sched.Start()
	defer sched.Stop()

	ctx := context.Background()
	id, err := sched.Schedule(ctx, &ScheduledMessage{DeliverAt: time.Now().Add(50 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := sched.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if dispatcher.count() != 0 {
		t.Fatalf("expected cancelled timer to never fire, got %d deliveries", dispatcher.count())
	}
}

func TestMemStoreClaimProcessingIsExclusive(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.Add(ctx, &ScheduledMessage{ScheduleID: "S1", DeliverAt: time.Now(), Status: StatusPending}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	first, err := store.ClaimProcessing(ctx, "S1", time.Now())
	if err != nil || !first {
		t.Fatalf("expected first claim to win: claimed=%v err=%v", first, err)
	}
	second, err := store.ClaimProcessing(ctx, "S1", time.Now())
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second {
		t.Fatal("second claim must lose the CAS race")
	}

	// A claimed message is no longer due.
	due, _ := store.GetDue(ctx, Query{AsOf: time.Now().Add(time.Second), Limit: 10})
	if len(due) != 0 {
		t.Fatalf("claimed message must not reappear in GetDue, got %d", len(due))
	}

	msg, _ := store.Get(ctx, "S1")
	if msg.Status != StatusProcessing {
		t.Fatalf("expected Processing after claim, got %v", msg.Status)
	}
}

func TestMemStoreResetStuckProcessing(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.Add(ctx, &ScheduledMessage{ScheduleID: "S2", DeliverAt: time.Now(), Status: StatusPending}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if claimed, _ := store.ClaimProcessing(ctx, "S2", time.Now().Add(-10*time.Minute)); !claimed {
		t.Fatal("claim failed")
	}

	reset, err := store.ResetStuckProcessing(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ResetStuckProcessing: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 stuck claim reset, got %d", reset)
	}
	msg, _ := store.Get(ctx, "S2")
	if msg.Status != StatusPending {
		t.Fatalf("expected Pending after recovery, got %v", msg.Status)
	}
}
