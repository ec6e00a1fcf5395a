package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.heromessaging.dev/heromessaging/internal/idgen"
)

// MemStore is the canonical in-memory reference implementation of Store,
// guarded by a single mutex — matching the mutex-guarded-map idiom of
// internal/messaging/policy's MemIdempotencyStore, since the outbox's
// Pending->Processing CAS and the priority/FIFO query both need to observe
// a single consistent snapshot.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	dlq     []*DeadLetterEntry
}

func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]*Entry)}
}

func (s *MemStore) Add(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = idgen.Generate()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Status = StatusPending
	clone := *entry
	s.entries[clone.ID] = &clone
	return nil
}

func (s *MemStore) GetPending(_ context.Context, q PendingQuery) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}

	var eligible []*Entry
	for _, e := range s.entries {
		if q.Destination != "" && e.Destination != q.Destination {
			continue
		}
		if !e.Eligible(asOf) {
			continue
		}
		clone := *e
		eligible = append(eligible, &clone)
	}

	// Priority desc, then createdAt asc within priority.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if q.Limit > 0 && len(eligible) > q.Limit {
		eligible = eligible[:q.Limit]
	}
	return eligible, nil
}

func (s *MemStore) ClaimProcessing(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Status != StatusPending {
		return false, nil
	}
	e.Status = StatusProcessing
	return true, nil
}

func (s *MemStore) MarkProcessed(_ context.Context, id string, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	e.Status = StatusProcessed
	e.ProcessedAt = &processedAt
	return nil
}

func (s *MemStore) MarkFailed(_ context.Context, id string, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	e.Status = StatusFailed
	e.LastError = lastErr
	return nil
}

func (s *MemStore) UpdateRetryCount(_ context.Context, id string, retryCount int, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	e.RetryCount = retryCount
	e.NextRetryAt = &nextRetryAt
	e.Status = StatusPending
	return nil
}

func (s *MemStore) GetPendingCount(_ context.Context, destination string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if destination != "" && e.Destination != destination {
			continue
		}
		if e.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func (s *MemStore) GetFailed(_ context.Context, destination string, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if destination != "" && e.Destination != destination {
			continue
		}
		if e.Status == StatusFailed {
			clone := *e
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemStore) FetchStuckProcessing(_ context.Context, olderThan time.Duration) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*Entry
	for _, e := range s.entries {
		if e.Status == StatusProcessing && e.CreatedAt.Before(cutoff) {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemStore) ResetToPending(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	e.Status = StatusPending
	return nil
}

func (s *MemStore) AddDeadLetter(_ context.Context, dl *DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl.ID == "" {
		dl.ID = idgen.Generate()
	}
	clone := *dl
	s.dlq = append(s.dlq, &clone)
	return nil
}

func (s *MemStore) GetDeadLetters(_ context.Context, originDestination string, limit int) ([]*DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DeadLetterEntry
	for _, dl := range s.dlq {
		if originDestination != "" && dl.OriginDestination != originDestination {
			continue
		}
		out = append(out, dl)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
