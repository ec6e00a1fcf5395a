// Package transport defines the narrow boundary the messaging core
// consumes for moving envelopes between processes: publish to a named
// destination, subscribe a consumer with explicit acknowledgement, and
// control the consumer's lifecycle. Concrete implementations live in
// subpackages (in-memory channel pump, NATS JetStream, AWS SQS).
package transport

import (
	"context"
	"errors"

	"go.heromessaging.dev/heromessaging/internal/messaging"
	"go.heromessaging.dev/heromessaging/internal/outbox"
)

var (
	ErrClosed              = errors.New("transport: closed")
	ErrUnknownDestination  = errors.New("transport: unknown destination")
	ErrPublishThrottled    = errors.New("transport: publish throttled")
	ErrAlreadySubscribed   = errors.New("transport: destination already has a subscriber")
	ErrSubscriptionStopped = errors.New("transport: subscription stopped")
)

// AckDecision is the consumer's verdict on one delivery.
type AckDecision int

const (
	// Ack acknowledges successful processing; the message is done.
	Ack AckDecision = iota
	// NackRequeue signals failure; the message is redelivered.
	NackRequeue
	// NackDeadLetter signals terminal failure; the message moves to the
	// destination's dead-letter queue.
	NackDeadLetter
)

func (d AckDecision) String() string {
	switch d {
	case Ack:
		return "ack"
	case NackRequeue:
		return "requeue"
	case NackDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Delivery is one inbound envelope handed to a consumer.
type Delivery struct {
	Destination string
	Envelope    *messaging.Envelope

	// Attempt counts deliveries of this envelope, 1-based.
	Attempt int
}

// Handler processes one delivery and returns the acknowledgement decision.
// With QoS.AutoAck set the return value is ignored and every delivery is
// acknowledged up front.
type Handler func(ctx context.Context, d *Delivery) AckDecision

// QoS configures a subscription's delivery behavior.
type QoS struct {
	// PrefetchCount bounds deliveries in flight to the handler. Zero
	// means the implementation default.
	PrefetchCount int

	// AutoAck acknowledges each delivery before the handler runs.
	AutoAck bool
}

// Subscription controls a running consumer.
type Subscription interface {
	Destination() string

	// Pause stops new deliveries without tearing the consumer down;
	// in-flight handlers finish.
	Pause()

	// Resume restarts deliveries after Pause.
	Resume()

	// Stop tears the consumer down. A stopped subscription cannot be
	// resumed.
	Stop()
}

// Transport is the full capability the core consumes.
type Transport interface {
	// Publish delivers an envelope to a destination. Retryable: callers
	// (the outbox relay) may invoke it repeatedly for the same envelope.
	Publish(ctx context.Context, destination string, env *messaging.Envelope) error

	// Subscribe registers the consumer for a destination and starts it.
	Subscribe(destination string, handler Handler, qos QoS) (Subscription, error)

	// Close stops all subscriptions and releases resources.
	Close() error
}

// OutboxPublisher adapts a Transport to the outbox relay's Publisher
// capability, rebuilding a full envelope from the relay's dispatch form.
type OutboxPublisher struct {
	Transport Transport
}

func (p *OutboxPublisher) Publish(ctx context.Context, destination string, env *outbox.EntryEnvelope) error {
	full := &messaging.Envelope{
		ID:            env.ID,
		Type:          env.Type,
		Payload:       env.Payload,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Metadata:      env.Metadata,
	}
	return p.Transport.Publish(ctx, destination, full)
}
