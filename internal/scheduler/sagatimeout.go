package scheduler

import (
	"context"
	"time"
)

// sagaTimeoutPayload is what gets delivered back to the saga engine when a
// scheduled timeout fires.
type sagaTimeoutPayload struct {
	SagaType   string
	InstanceID string
	EventType  string
	Payload    any
}

// SagaTimeoutHandler is invoked when a scheduled saga timeout fires; the
// caller wires this to saga.Engine.HandleEvent.
type SagaTimeoutHandler func(ctx context.Context, sagaType, instanceID, eventType string, payload any) error

// sagaDispatcher adapts a SagaTimeoutHandler to Dispatcher, so a Scheduler
// can deliver timeouts without the scheduler package importing saga: saga
// depends on a narrow TimeoutScheduler interface it owns, and scheduler
// depends on nothing saga-specific.
type sagaDispatcher struct {
	handler SagaTimeoutHandler
}

func (d *sagaDispatcher) Dispatch(ctx context.Context, msg *ScheduledMessage) error {
	payload, ok := msg.Message.(sagaTimeoutPayload)
	if !ok {
		return nil
	}
	return d.handler(ctx, payload.SagaType, payload.InstanceID, payload.EventType, payload.Payload)
}

// SagaTimeoutAdapter implements saga.TimeoutScheduler on top of a Scheduler,
// so the saga engine can request delayed self-events without either package
// importing the other's concrete types.
type SagaTimeoutAdapter struct {
	scheduler Scheduler
}

// NewSagaTimeoutAdapter wraps scheduler, which must already have been
// constructed with the Dispatcher from NewSagaDispatcher(handler).
func NewSagaTimeoutAdapter(scheduler Scheduler) *SagaTimeoutAdapter {
	return &SagaTimeoutAdapter{scheduler: scheduler}
}

func (a *SagaTimeoutAdapter) ScheduleTimeout(ctx context.Context, sagaType, instanceID, eventType string, payload any, after time.Duration) (string, error) {
	return a.scheduler.Schedule(ctx, &ScheduledMessage{
		Message:   sagaTimeoutPayload{SagaType: sagaType, InstanceID: instanceID, EventType: eventType, Payload: payload},
		DeliverAt: time.Now().Add(after),
	})
}

func (a *SagaTimeoutAdapter) CancelTimeout(ctx context.Context, scheduleID string) error {
	return a.scheduler.Cancel(ctx, scheduleID)
}

// NewSagaDispatcher builds the Dispatcher a Scheduler needs to deliver saga
// timeouts to handler. Pass its result to NewPollingScheduler/NewTimerScheduler
// when constructing the Scheduler that SagaTimeoutAdapter wraps.
func NewSagaDispatcher(handler SagaTimeoutHandler) Dispatcher {
	return &sagaDispatcher{handler: handler}
}
