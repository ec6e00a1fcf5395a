// Package natstransport implements the Transport interface on NATS
// JetStream: destinations map to subjects under a single stream, envelope
// ids ride the Nats-Msg-Id header for broker-side deduplication, and ack
// decisions map onto JetStream's Ack/Nak/Term.
package natstransport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"log/slog"

	"go.heromessaging.dev/heromessaging/internal/config"
	"go.heromessaging.dev/heromessaging/internal/messaging"
	"go.heromessaging.dev/heromessaging/internal/serialization"
	"go.heromessaging.dev/heromessaging/internal/signing"
	"go.heromessaging.dev/heromessaging/internal/transport"
)

// subjectPrefix namespaces every destination under the stream's subject
// space.
const subjectPrefix = "hm."

// wireEnvelope is the JSON wire form of an envelope. Payload is carried
// pre-serialized so the receiving side can defer decoding to the handler's
// own type knowledge.
type wireEnvelope struct {
	ID            string            `json:"id"`
	Kind          int               `json:"kind"`
	Type          string            `json:"type"`
	Payload       any               `json:"payload,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func toWire(env *messaging.Envelope) *wireEnvelope {
	return &wireEnvelope{
		ID:            env.ID,
		Kind:          int(env.Kind),
		Type:          env.Type,
		Payload:       env.Payload,
		CreatedAt:     env.CreatedAt,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Metadata:      env.Metadata,
	}
}

func fromWire(w *wireEnvelope) *messaging.Envelope {
	return &messaging.Envelope{
		ID:            w.ID,
		Kind:          messaging.Kind(w.Kind),
		Type:          w.Type,
		Payload:       w.Payload,
		CreatedAt:     w.CreatedAt,
		CorrelationID: w.CorrelationID,
		CausationID:   w.CausationID,
		Metadata:      w.Metadata,
	}
}

// Client is a NATS JetStream-backed Transport.
type Client struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	serializer serialization.Serializer
	signer     *signing.HMACSigner
	signingKey []byte
	cfg        *config.NATSConfig

	mu            sync.Mutex
	subscriptions map[string]*subscription
	closed        bool
}

// NewClient connects to NATS and ensures the stream exists
func NewClient(ctx context.Context, cfg *config.NATSConfig, serializer serialization.Serializer) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if serializer == nil {
		serializer = serialization.NewJSON()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamName := cfg.StreamName
	if streamName == "" {
		streamName = "HEROMESSAGING"
	}
	cfg.StreamName = streamName

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ">"},
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	client := &Client{
		conn:          conn,
		js:            js,
		serializer:    serializer,
		cfg:           cfg,
		subscriptions: make(map[string]*subscription),
	}
	if cfg.SigningKey != "" {
		client.signer = signing.NewHMACSigner()
		client.signingKey = []byte(cfg.SigningKey)
	}
	return client, nil
}

func subjectFor(destination string) string {
	return subjectPrefix + destination
}

// Publish sends an envelope to the destination's subject. The envelope id
// rides Nats-Msg-Id so JetStream suppresses broker-side duplicates within
// the stream's deduplication window.
func (c *Client) Publish(ctx context.Context, destination string, env *messaging.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.mu.Unlock()

	data, err := c.serializer.Serialize(toWire(env))
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	msg := &nats.Msg{
		Subject: subjectFor(destination),
		Data:    data,
		Header:  make(nats.Header),
	}
	msg.Header.Set("Nats-Msg-Id", env.ID)
	if env.CorrelationID != "" {
		msg.Header.Set("X-Correlation-Id", env.CorrelationID)
	}
	if c.signer != nil {
		signed := c.signer.SignEnvelope(data, c.signingKey)
		msg.Header.Set(signing.SignatureHeader, signed.Signature)
		msg.Header.Set(signing.TimestampHeader, signed.Timestamp)
	}

	if _, err := c.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe creates (or updates) a durable consumer filtered to the
// destination's subject and starts pumping deliveries to the handler.
func (c *Client) Subscribe(destination string, handler transport.Handler, qos transport.QoS) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, transport.ErrClosed
	}
	if _, exists := c.subscriptions[destination]; exists {
		return nil, transport.ErrAlreadySubscribed
	}

	ctx, cancel := context.WithCancel(context.Background())

	maxAckPending := qos.PrefetchCount
	if maxAckPending <= 0 {
		maxAckPending = 1000
	}

	consumerName := c.cfg.ConsumerName
	if consumerName == "" {
		consumerName = "heromessaging-consumer"
	}
	// Consumer names cannot contain subject separators.
	consumerName = consumerName + "-" + strings.ReplaceAll(destination, ".", "_")

	stream, err := c.js.Stream(ctx, c.cfg.StreamName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		FilterSubject: subjectFor(destination),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: maxAckPending,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	sub := &subscription{
		client:      c,
		destination: destination,
		handler:     handler,
		qos:         qos,
		consumer:    consumer,
		ctx:         ctx,
		cancel:      cancel,
		resumeCh:    make(chan struct{}),
	}
	close(sub.resumeCh)
	c.subscriptions[destination] = sub

	sub.wg.Add(1)
	go sub.consume()

	return sub, nil
}

// Close stops all subscriptions and the underlying connection
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	c.conn.Close()
	return nil
}

type subscription struct {
	client      *Client
	destination string
	handler     transport.Handler
	qos         transport.QoS
	consumer    jetstream.Consumer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
	stopped  bool
}

func (s *subscription) Destination() string { return s.destination }

func (s *subscription) consume() {
	defer s.wg.Done()
	slog.Info("NATS consumer started", "destination", s.destination)

	iter, err := s.consumer.Messages()
	if err != nil {
		slog.Error("failed to create message iterator", "destination", s.destination, "error", err)
		return
	}
	defer iter.Stop()

	go func() {
		<-s.ctx.Done()
		iter.Stop()
	}()

	for {
		s.mu.Lock()
		resume := s.resumeCh
		s.mu.Unlock()
		select {
		case <-resume:
		case <-s.ctx.Done():
			return
		}

		msg, err := iter.Next()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			slog.Error("error getting next message", "destination", s.destination, "error", err)
			continue
		}
		s.deliver(msg)
	}
}

func (s *subscription) deliver(msg jetstream.Msg) {
	if s.client.signer != nil {
		signature := msg.Headers().Get(signing.SignatureHeader)
		timestamp := msg.Headers().Get(signing.TimestampHeader)
		if !s.client.signer.VerifyEnvelope(msg.Data(), timestamp, signature, s.client.signingKey) {
			slog.Warn("envelope signature verification failed, terminating delivery",
				"destination", s.destination)
			_ = msg.Term()
			return
		}
	}

	var w wireEnvelope
	if err := s.client.serializer.Deserialize(msg.Data(), &w); err != nil {
		slog.Error("failed to deserialize envelope, terminating delivery",
			"destination", s.destination, "error", err)
		_ = msg.Term()
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	delivery := &transport.Delivery{
		Destination: s.destination,
		Envelope:    fromWire(&w),
		Attempt:     attempt,
	}

	if s.qos.AutoAck {
		_ = msg.Ack()
		s.handler(s.ctx, delivery)
		return
	}

	switch s.handler(s.ctx, delivery) {
	case transport.Ack:
		if err := msg.Ack(); err != nil {
			slog.Error("failed to ack message", "destination", s.destination, "error", err)
		}
	case transport.NackRequeue:
		if err := msg.Nak(); err != nil {
			slog.Error("failed to nak message", "destination", s.destination, "error", err)
		}
	case transport.NackDeadLetter:
		// Forward to the per-origin dlq subject, then Term to stop
		// redelivery. Nats-Msg-Id is not copied: the stream would treat the
		// forward as a duplicate of the original. If the forward fails the
		// message stays unacknowledged and redelivers after AckWait.
		dlq := &nats.Msg{Subject: subjectFor("dlq." + s.destination), Data: msg.Data(), Header: make(nats.Header)}
		for k, v := range msg.Headers() {
			if k != "Nats-Msg-Id" {
				dlq.Header[k] = v
			}
		}
		if _, err := s.client.js.PublishMsg(s.ctx, dlq); err != nil {
			slog.Error("failed to forward message to dead-letter subject", "destination", s.destination, "error", err)
			return
		}
		if err := msg.Term(); err != nil {
			slog.Error("failed to terminate message", "destination", s.destination, "error", err)
		}
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

	s.client.mu.Lock()
	delete(s.client.subscriptions, s.destination)
	s.client.mu.Unlock()

	slog.Info("NATS consumer stopped", "destination", s.destination)
}
