// Package inmemory is the reference Transport: a per-destination channel
// pump with consumer registration, pause/resume/stop control, bounded
// redelivery into a dead-letter destination, and an optional token-bucket
// guard on the publish path for bursty fan-out protection.
package inmemory

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"go.heromessaging.dev/heromessaging/internal/common/metrics"
	"go.heromessaging.dev/heromessaging/internal/messaging"
	"go.heromessaging.dev/heromessaging/internal/transport"
)

// Config configures the in-memory transport.
type Config struct {
	// BufferSize is each destination's channel capacity. Publish blocks
	// when the buffer is full.
	BufferSize int

	// MaxDeliveryAttempts bounds redeliveries per envelope before the
	// message is moved to the dead-letter destination.
	MaxDeliveryAttempts int

	// PublishRate and PublishBurst arm a token-bucket guard on Publish;
	// zero PublishRate disables it. When armed, a publish that cannot
	// immediately take a token fails with ErrPublishThrottled.
	PublishRate  rate.Limit
	PublishBurst int
}

// DefaultConfig returns the default in-memory transport configuration
func DefaultConfig() *Config {
	return &Config{
		BufferSize:          1024,
		MaxDeliveryAttempts: 5,
	}
}

type queuedDelivery struct {
	env     *messaging.Envelope
	attempt int
}

// Transport is the in-memory implementation of transport.Transport.
type Transport struct {
	cfg     *Config
	limiter *rate.Limiter

	mu            sync.Mutex
	destinations  map[string]chan queuedDelivery
	subscriptions map[string]*subscription
	closed        bool
}

// New creates an in-memory transport
func New(cfg *Config) *Transport {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	t := &Transport{
		cfg:           cfg,
		destinations:  make(map[string]chan queuedDelivery),
		subscriptions: make(map[string]*subscription),
	}
	if cfg.PublishRate > 0 {
		burst := cfg.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(cfg.PublishRate, burst)
	}
	return t
}

func (t *Transport) channelFor(destination string) chan queuedDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.destinations[destination]
	if !ok {
		ch = make(chan queuedDelivery, t.cfg.BufferSize)
		t.destinations[destination] = ch
	}
	return ch
}

func (t *Transport) Publish(ctx context.Context, destination string, env *messaging.Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	t.mu.Unlock()

	if t.limiter != nil && !t.limiter.Allow() {
		metrics.TransportMessagesPublished.WithLabelValues(destination, "throttled").Inc()
		return transport.ErrPublishThrottled
	}

	select {
	case t.channelFor(destination) <- queuedDelivery{env: env, attempt: 1}:
		metrics.TransportMessagesPublished.WithLabelValues(destination, "success").Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Subscribe(destination string, handler transport.Handler, qos transport.QoS) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, transport.ErrClosed
	}
	if _, exists := t.subscriptions[destination]; exists {
		return nil, transport.ErrAlreadySubscribed
	}

	ch, ok := t.destinations[destination]
	if !ok {
		ch = make(chan queuedDelivery, t.cfg.BufferSize)
		t.destinations[destination] = ch
	}

	prefetch := qos.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		transport:   t,
		destination: destination,
		handler:     handler,
		qos:         qos,
		ch:          ch,
		ctx:         ctx,
		cancel:      cancel,
		inflight:    make(chan struct{}, prefetch),
		resumeCh:    make(chan struct{}),
	}
	close(sub.resumeCh) // starts unpaused
	t.subscriptions[destination] = sub

	sub.wg.Add(1)
	go sub.pump()

	return sub, nil
}

// redeliver puts an envelope back on its destination with an incremented
// attempt count, or moves it to the dead-letter destination once attempts
// are exhausted.
func (t *Transport) redeliver(destination string, d queuedDelivery) {
	if t.cfg.MaxDeliveryAttempts > 0 && d.attempt >= t.cfg.MaxDeliveryAttempts {
		t.deadLetter(destination, d)
		return
	}
	d.attempt++
	select {
	case t.channelFor(destination) <- d:
	default:
		// Buffer full: better to drop to the DLQ than to block the
		// consumer pump forever.
		t.deadLetter(destination, d)
	}
}

func (t *Transport) deadLetter(destination string, d queuedDelivery) {
	dlq := "dlq." + destination
	select {
	case t.channelFor(dlq) <- d:
	default:
		slog.Warn("in-memory transport: dead-letter buffer full, dropping envelope",
			"destination", dlq, "envelope", d.env.ID)
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subscriptions))
	for _, sub := range t.subscriptions {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}

type subscription struct {
	transport   *Transport
	destination string
	handler     transport.Handler
	qos         transport.QoS
	ch          chan queuedDelivery

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inflight chan struct{}

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
	stopped  bool
}

func (s *subscription) Destination() string { return s.destination }

func (s *subscription) pump() {
	defer s.wg.Done()
	for {
		// Honor pause before taking the next delivery
		s.mu.Lock()
		resume := s.resumeCh
		s.mu.Unlock()
		select {
		case <-resume:
		case <-s.ctx.Done():
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case d := <-s.ch:
			select {
			case s.inflight <- struct{}{}:
			case <-s.ctx.Done():
				s.transport.redeliver(s.destination, queuedDelivery{env: d.env, attempt: d.attempt - 1})
				return
			}
			s.wg.Add(1)
			go func(d queuedDelivery) {
				defer s.wg.Done()
				defer func() { <-s.inflight }()
				s.deliver(d)
			}(d)
		}
	}
}

func (s *subscription) deliver(d queuedDelivery) {
	delivery := &transport.Delivery{
		Destination: s.destination,
		Envelope:    d.env,
		Attempt:     d.attempt,
	}

	decision := s.handler(s.ctx, delivery)
	if s.qos.AutoAck {
		metrics.TransportMessagesConsumed.WithLabelValues(s.destination, transport.Ack.String()).Inc()
		return
	}

	metrics.TransportMessagesConsumed.WithLabelValues(s.destination, decision.String()).Inc()
	switch decision {
	case transport.NackRequeue:
		s.transport.redeliver(s.destination, d)
	case transport.NackDeadLetter:
		s.transport.deadLetter(s.destination, d)
	}
}

func (s *subscription) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.stopped {
		return
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
}

func (s *subscription) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.stopped {
		return
	}
	s.paused = false
	close(s.resumeCh)
}

func (s *subscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.transport.mu.Lock()
	delete(s.transport.subscriptions, s.destination)
	s.transport.mu.Unlock()
}
