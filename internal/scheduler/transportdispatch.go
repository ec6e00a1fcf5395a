package scheduler

import (
	"context"
	"errors"

	"go.heromessaging.dev/heromessaging/internal/messaging"
)

// ErrNoDestination is returned when a due message has no destination to
// dispatch to.
var ErrNoDestination = errors.New("scheduler: scheduled message has no destination")

// EnvelopePublisher is the narrow transport capability the dispatcher
// needs. Satisfied by internal/transport.Transport without importing it.
type EnvelopePublisher interface {
	Publish(ctx context.Context, destination string, env *messaging.Envelope) error
}

// DispatcherFunc adapts a plain function to a Dispatcher.
type DispatcherFunc func(ctx context.Context, msg *ScheduledMessage) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg *ScheduledMessage) error {
	return f(ctx, msg)
}

// NewTransportDispatcher delivers due messages to their destination via a
// transport. A Message that is already an envelope goes out as-is; any
// other payload is wrapped in a fresh event envelope.
func NewTransportDispatcher(publisher EnvelopePublisher) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, msg *ScheduledMessage) error {
		if msg.Destination == "" {
			return ErrNoDestination
		}
		env, ok := msg.Message.(*messaging.Envelope)
		if !ok {
			env = messaging.NewEnvelope(messaging.KindEvent, "scheduled.message", msg.Message,
				messaging.WithMetadata("scheduleId", msg.ScheduleID))
		}
		return publisher.Publish(ctx, msg.Destination, env)
	})
}

// NewRoutingDispatcher routes saga timeout messages to handler and
// everything else to fallback, so one Scheduler instance serves both the
// saga engine's timeout hooks and plain deferred delivery.
func NewRoutingDispatcher(handler SagaTimeoutHandler, fallback Dispatcher) Dispatcher {
	sd := &sagaDispatcher{handler: handler}
	return DispatcherFunc(func(ctx context.Context, msg *ScheduledMessage) error {
		if _, ok := msg.Message.(sagaTimeoutPayload); ok {
			return sd.Dispatch(ctx, msg)
		}
		return fallback.Dispatch(ctx, msg)
	})
}
