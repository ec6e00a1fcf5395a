package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is the canonical in-memory reference Store.
type MemStore struct {
	mu       sync.Mutex
	messages map[string]*ScheduledMessage
}

func NewMemStore() *MemStore {
	return &MemStore{messages: make(map[string]*ScheduledMessage)}
}

func (s *MemStore) Add(_ context.Context, msg *ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.messages[msg.ScheduleID] = &cp
	return nil
}

func (s *MemStore) Get(_ context.Context, scheduleID string) (*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[scheduleID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) GetDue(_ context.Context, q Query) ([]*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}

	var due []*ScheduledMessage
	for _, m := range s.messages {
		if !m.Due(asOf) {
			continue
		}
		if q.Destination != "" && m.Destination != q.Destination {
			continue
		}
		cp := *m
		due = append(due, &cp)
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].DeliverAt.Equal(due[j].DeliverAt) {
			return due[i].DeliverAt.Before(due[j].DeliverAt)
		}
		return due[i].Priority > due[j].Priority
	})

	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}
	return due, nil
}

func (s *MemStore) ClaimProcessing(_ context.Context, scheduleID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[scheduleID]
	if !ok || m.Status != StatusPending {
		return false, nil
	}
	m.Status = StatusProcessing
	t := now
	m.ClaimedAt = &t
	return true, nil
}

func (s *MemStore) ResetStuckProcessing(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	reset := 0
	for _, m := range s.messages {
		if m.Status == StatusProcessing && m.ClaimedAt != nil && m.ClaimedAt.Before(cutoff) {
			m.Status = StatusPending
			m.ClaimedAt = nil
			reset++
		}
	}
	return reset, nil
}

func (s *MemStore) Cancel(_ context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[scheduleID]
	if !ok {
		return ErrNotFound
	}
	if m.Status == StatusPending {
		m.Status = StatusCancelled
	}
	return nil
}

func (s *MemStore) MarkDelivered(_ context.Context, scheduleID string, deliveredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[scheduleID]
	if !ok {
		return ErrNotFound
	}
	m.Status = StatusDelivered
	t := deliveredAt
	m.DeliveredAt = &t
	return nil
}

func (s *MemStore) MarkFailed(_ context.Context, scheduleID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[scheduleID]
	if !ok {
		return ErrNotFound
	}
	m.Status = StatusFailed
	m.LastError = reason
	return nil
}

func (s *MemStore) GetPendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) List(_ context.Context, q Query) ([]*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ScheduledMessage
	for _, m := range s.messages {
		if q.Destination != "" && m.Destination != q.Destination {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliverAt.Before(out[j].DeliverAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
