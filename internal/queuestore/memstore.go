package queuestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.heromessaging.dev/heromessaging/internal/idgen"
)

type memQueue struct {
	opts        QueueOptions
	messages    map[string]*QueuedMessage // message id -> message
	byHandle    map[string]string         // receipt handle -> message id
	deadLetters []*QueuedMessage
}

// MemStore is the in-memory reference queue store. Visibility and TTL are
// evaluated lazily against the clock on each call; there is no background
// sweeper.
type MemStore struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	now    func() time.Time
}

// NewMemStore creates an empty in-memory queue store
func NewMemStore() *MemStore {
	return &MemStore{queues: make(map[string]*memQueue), now: time.Now}
}

// WithClock replaces the time source, for tests.
func (s *MemStore) WithClock(now func() time.Time) *MemStore {
	s.now = now
	return s
}

func (s *MemStore) CreateQueue(_ context.Context, name string, opts QueueOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queues[name]; exists {
		return ErrQueueExists
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultQueueOptions().VisibilityTimeout
	}
	s.queues[name] = &memQueue{
		opts:     opts,
		messages: make(map[string]*QueuedMessage),
		byHandle: make(map[string]string),
	}
	return nil
}

func (s *MemStore) DeleteQueue(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queues[name]; !exists {
		return ErrQueueNotFound
	}
	delete(s.queues, name)
	return nil
}

func (s *MemStore) ListQueues(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemStore) QueueExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.queues[name]
	return exists, nil
}

func (s *MemStore) Enqueue(_ context.Context, queue string, payload []byte, opts EnqueueOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, exists := s.queues[queue]
	if !exists {
		return "", ErrQueueNotFound
	}

	now := s.now()
	msg := &QueuedMessage{
		ID:         idgen.Generate(),
		Queue:      queue,
		Payload:    payload,
		Priority:   opts.Priority,
		EnqueuedAt: now,
		VisibleAt:  now.Add(opts.Delay),
	}
	if opts.TTL > 0 {
		expires := now.Add(opts.TTL)
		msg.ExpiresAt = &expires
	}
	q.messages[msg.ID] = msg
	return msg.ID, nil
}

// expireLocked drops messages past their TTL. Caller holds the lock.
func (s *MemStore) expireLocked(q *memQueue, now time.Time) {
	for id, msg := range q.messages {
		if msg.ExpiresAt != nil && !msg.ExpiresAt.After(now) {
			if msg.ReceiptHandle != "" {
				delete(q.byHandle, msg.ReceiptHandle)
			}
			delete(q.messages, id)
		}
	}
}

// visibleLocked returns visible messages ordered priority desc then
// EnqueuedAt asc. Caller holds the lock.
func (s *MemStore) visibleLocked(q *memQueue, now time.Time) []*QueuedMessage {
	var out []*QueuedMessage
	for _, msg := range q.messages {
		if !msg.VisibleAt.After(now) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

func (s *MemStore) Dequeue(_ context.Context, queue string, limit int) ([]*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, exists := s.queues[queue]
	if !exists {
		return nil, ErrQueueNotFound
	}

	now := s.now()
	s.expireLocked(q, now)

	var leased []*QueuedMessage
	for _, msg := range s.visibleLocked(q, now) {
		if limit > 0 && len(leased) >= limit {
			break
		}

		msg.DequeueCount++
		if q.opts.MaxDequeueCount > 0 && msg.DequeueCount > q.opts.MaxDequeueCount {
			s.deadLetterLocked(q, msg)
			continue
		}

		if msg.ReceiptHandle != "" {
			delete(q.byHandle, msg.ReceiptHandle)
		}
		// Receipt handles are opaque lease tokens, not entity ids: random
		// UUIDs, unlike the time-sortable message ids.
		msg.ReceiptHandle = uuid.NewString()
		msg.VisibleAt = now.Add(q.opts.VisibilityTimeout)
		q.byHandle[msg.ReceiptHandle] = msg.ID

		cp := *msg
		leased = append(leased, &cp)
	}
	return leased, nil
}

func (s *MemStore) Peek(_ context.Context, queue string, limit int) ([]*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, exists := s.queues[queue]
	if !exists {
		return nil, ErrQueueNotFound
	}

	now := s.now()
	s.expireLocked(q, now)

	var out []*QueuedMessage
	for _, msg := range s.visibleLocked(q, now) {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *msg
		cp.ReceiptHandle = ""
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) Acknowledge(_ context.Context, queue, receiptHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, exists := s.queues[queue]
	if !exists {
		return ErrQueueNotFound
	}

	id, ok := q.byHandle[receiptHandle]
	if !ok {
		return ErrMessageNotFound
	}
	delete(q.byHandle, receiptHandle)
	delete(q.messages, id)
	return nil
}

func (s *MemStore) Reject(_ context.Context, queue, receiptHandle string, disposition RejectDisposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, exists := s.queues[queue]
	if !exists {
		return ErrQueueNotFound
	}

	id, ok := q.byHandle[receiptHandle]
	if !ok {
		return ErrMessageNotFound
	}
	msg := q.messages[id]
	delete(q.byHandle, receiptHandle)
	msg.ReceiptHandle = ""

	switch disposition {
	case RejectDeadLetter:
		s.deadLetterLocked(q, msg)
	default:
		msg.VisibleAt = s.now()
	}
	return nil
}

func (s *MemStore) deadLetterLocked(q *memQueue, msg *QueuedMessage) {
	if msg.ReceiptHandle != "" {
		delete(q.byHandle, msg.ReceiptHandle)
		msg.ReceiptHandle = ""
	}
	delete(q.messages, msg.ID)
	cp := *msg
	q.deadLetters = append(q.deadLetters, &cp)
}

func (s *MemStore) Depth(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, exists := s.queues[queue]
	if !exists {
		return 0, ErrQueueNotFound
	}
	s.expireLocked(q, s.now())
	return len(q.messages), nil
}

func (s *MemStore) DeadLetters(_ context.Context, queue string, limit int) ([]*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, exists := s.queues[queue]
	if !exists {
		return nil, ErrQueueNotFound
	}

	out := q.deadLetters
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cps := make([]*QueuedMessage, len(out))
	for i, msg := range out {
		cp := *msg
		cps[i] = &cp
	}
	return cps, nil
}
