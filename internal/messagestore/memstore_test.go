package messagestore

import (
	"context"
	"testing"
	"time"

	"go.heromessaging.dev/heromessaging/internal/messaging"
)

func newEnvelope(msgType string, meta map[string]string) *messaging.Envelope {
	opts := []messaging.EnvelopeOption{}
	for k, v := range meta {
		opts = append(opts, messaging.WithMetadata(k, v))
	}
	return messaging.NewEnvelope(messaging.KindEvent, msgType, nil, opts...)
}

func TestMemStore_StoreAndGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	env := newEnvelope("OrderCreated", nil)
	if err := s.Store(ctx, "orders", env, 0); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	rec, err := s.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Collection != "orders" || rec.Envelope.ID != env.ID {
		t.Errorf("Unexpected record: %+v", rec)
	}

	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_TTLExpiryAtReadTime(t *testing.T) {
	now := time.Now()
	clock := now
	s := NewMemStore().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	env := newEnvelope("OrderCreated", nil)
	if err := s.Store(ctx, "orders", env, time.Minute); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if ok, _ := s.Exists(ctx, env.ID); !ok {
		t.Fatal("Expected record to exist before expiry")
	}

	clock = now.Add(2 * time.Minute)

	if _, err := s.Get(ctx, env.ID); err != ErrNotFound {
		t.Errorf("Expected expired record to behave as not-present, got %v", err)
	}
	if ok, _ := s.Exists(ctx, env.ID); ok {
		t.Error("Expected Exists to report false after expiry")
	}
	if n, _ := s.Count(ctx, Query{Collection: "orders"}); n != 0 {
		t.Errorf("Expected count 0 after expiry, got %d", n)
	}
}

func TestMemStore_QueryByCollectionAndTimeRange(t *testing.T) {
	base := time.Now()
	clock := base
	s := NewMemStore().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	var envs []*messaging.Envelope
	for i := 0; i < 5; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		env := newEnvelope("OrderCreated", nil)
		envs = append(envs, env)
		s.Store(ctx, "orders", env, 0)
	}
	s.Store(ctx, "payments", newEnvelope("PaymentReceived", nil), 0)

	got, err := s.Query(ctx, Query{
		Collection: "orders",
		From:       base.Add(1 * time.Minute),
		To:         base.Add(3 * time.Minute),
		Order:      OrderOldestFirst,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(got))
	}
	if got[0].Envelope.ID != envs[1].ID || got[2].Envelope.ID != envs[3].ID {
		t.Error("Expected oldest-first ordering within the range")
	}
}

func TestMemStore_QueryMetadataPredicateAndPaging(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		region := "eu"
		if i%2 == 1 {
			region = "us"
		}
		s.Store(ctx, "orders", newEnvelope("OrderCreated", map[string]string{"region": region}), 0)
	}

	got, err := s.Query(ctx, Query{Collection: "orders", Metadata: map[string]string{"region": "eu"}})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 eu records, got %d", len(got))
	}

	paged, err := s.Query(ctx, Query{Collection: "orders", Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(paged) != 2 {
		t.Errorf("Expected 2 records with offset+limit, got %d", len(paged))
	}

	past, err := s.Query(ctx, Query{Collection: "orders", Offset: 10})
	if err != nil || len(past) != 0 {
		t.Errorf("Expected empty result past the end, got %d, %v", len(past), err)
	}
}

func TestMemStore_UpdateAndDelete(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	env := newEnvelope("OrderCreated", nil)
	s.Store(ctx, "orders", env, 0)

	updated := *env
	updated.Metadata = map[string]string{"amended": "true"}
	if err := s.Update(ctx, env.ID, &updated); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	rec, _ := s.Get(ctx, env.ID)
	if rec.Envelope.Metadata["amended"] != "true" {
		t.Error("Expected updated envelope")
	}

	if err := s.Delete(ctx, env.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, env.ID); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound on double delete, got %v", err)
	}
}
