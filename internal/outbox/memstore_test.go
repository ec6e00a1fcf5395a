package outbox

import (
	"context"
	"testing"
	"time"
)

// Outbox eligibility: GetPending never returns deferred entries, orders by
// priority desc then createdAt asc, and never returns an entry another
// worker has already claimed.
func TestMemStoreGetPendingOrderingAndEligibility(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	add := func(id string, priority int, createdAt time.Time, nextRetryAt *time.Time) {
		e := &Entry{ID: id, Destination: "orders", Priority: priority, CreatedAt: createdAt, MaxRetries: 3}
		if err := store.Add(ctx, e); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
		if nextRetryAt != nil {
			if err := store.UpdateRetryCount(ctx, id, 1, *nextRetryAt); err != nil {
				t.Fatalf("defer %s: %v", id, err)
			}
		}
	}

	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Second)
	add("low-old", 1, base, nil)
	add("low-new", 1, base.Add(time.Second), nil)
	add("high", 5, base.Add(2*time.Second), nil)
	add("deferred", 9, base, &future)
	add("retry-due", 3, base, &past)

	got, err := store.GetPending(ctx, PendingQuery{Destination: "orders", AsOf: time.Now(), Limit: 10})
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}

	want := []string{"high", "retry-due", "low-old", "low-new"}
	if len(got) != len(want) {
		t.Fatalf("expected %d eligible entries, got %d", len(want), len(got))
	}
	for i, e := range got {
		if e.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], e.ID)
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(time.Now()) {
			t.Fatalf("entry %s is deferred but was returned", e.ID)
		}
	}
}

func TestMemStoreClaimedEntryExcludedFromGetPending(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.Add(ctx, &Entry{ID: "E1", Destination: "orders", MaxRetries: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}

	claimed, err := store.ClaimProcessing(ctx, "E1")
	if err != nil || !claimed {
		t.Fatalf("expected first claim to win: claimed=%v err=%v", claimed, err)
	}

	claimed, err = store.ClaimProcessing(ctx, "E1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim must lose the CAS race")
	}

	got, err := store.GetPending(ctx, PendingQuery{Destination: "orders", Limit: 10})
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("claimed entry must not appear in GetPending, got %d entries", len(got))
	}
}

func TestMemStoreStatusTransitions(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.Add(ctx, &Entry{ID: "E2", Destination: "orders", MaxRetries: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if claimed, _ := store.ClaimProcessing(ctx, "E2"); !claimed {
		t.Fatal("claim failed")
	}
	if err := store.MarkProcessed(ctx, "E2", time.Now()); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	// Processed is terminal: a further claim must fail.
	if claimed, _ := store.ClaimProcessing(ctx, "E2"); claimed {
		t.Fatal("processed entry must not be claimable")
	}

	count, _ := store.GetPendingCount(ctx, "orders")
	if count != 0 {
		t.Fatalf("expected no pending entries, got %d", count)
	}
}

func TestMemStoreRecoversStuckProcessing(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	old := time.Now().Add(-10 * time.Minute)
	if err := store.Add(ctx, &Entry{ID: "E3", Destination: "orders", CreatedAt: old, MaxRetries: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if claimed, _ := store.ClaimProcessing(ctx, "E3"); !claimed {
		t.Fatal("claim failed")
	}

	stuck, err := store.FetchStuckProcessing(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("fetch stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "E3" {
		t.Fatalf("expected E3 reported stuck, got %+v", stuck)
	}

	if err := store.ResetToPending(ctx, "E3"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ := store.GetPending(ctx, PendingQuery{Destination: "orders", Limit: 10})
	if len(got) != 1 || got[0].ID != "E3" {
		t.Fatalf("expected E3 pending again after recovery, got %+v", got)
	}
}
