package inbox

import (
	"context"
	"testing"
)

// Inbox deduplication: a repeated id within the window runs the handler once.
func TestFilterDropsDuplicateWithinWindow(t *testing.T) {
	store := NewMemStore()
	f := NewFilter(store, DefaultConfig())

	calls := 0
	handle := func(context.Context) error { calls++; return nil }

	if err := f.Receive(context.Background(), "M1", "queueA", handle); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if err := f.Receive(context.Background(), "M1", "queueA", handle); err != nil {
		t.Fatalf("second receive: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected handler invoked exactly once, got %d", calls)
	}

	entry, ok, err := store.Get(context.Background(), "M1")
	if err != nil || !ok {
		t.Fatalf("expected entry to exist: ok=%v err=%v", ok, err)
	}
	if entry.Status != StatusProcessed {
		t.Fatalf("expected first entry Processed, got %v", entry.Status)
	}
}

func TestFilterMarksFailedOnHandlerError(t *testing.T) {
	store := NewMemStore()
	f := NewFilter(store, DefaultConfig())

	err := f.Receive(context.Background(), "M2", "queueA", func(context.Context) error {
		return context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}

	entry, ok, _ := store.Get(context.Background(), "M2")
	if !ok || entry.Status != StatusFailed {
		t.Fatalf("expected Failed entry, got %+v", entry)
	}
}
