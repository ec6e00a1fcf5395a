package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.heromessaging.dev/heromessaging/internal/observability"
)

// TimeoutScheduler is the narrow capability the engine needs to request a
// self-addressed delayed event. Satisfied
// by internal/scheduler via a small adapter, kept separate here to avoid a
// saga<->scheduler import cycle — the registry (internal/registry) is what
// actually wires the two together at runtime.
type TimeoutScheduler interface {
	ScheduleTimeout(ctx context.Context, sagaType, instanceID, eventType string, payload any, after time.Duration) (scheduleID string, err error)
	CancelTimeout(ctx context.Context, scheduleID string) error
}

// DeadLetterFunc receives events the engine could not apply: an event for a
// saga type/state with no matching binding, or a step that exhausted its
// concurrency retries.
type DeadLetterFunc func(sagaType, eventType string, event any, reason error)

// Config configures Engine.
type Config struct {
	ConcurrencyRetries  int
	ConcurrencyBackoff  time.Duration
	CompensationTimeout time.Duration
	DeadLetterUnmatched bool
	OnDeadLetter        DeadLetterFunc
}

func DefaultConfig() *Config {
	return &Config{
		ConcurrencyRetries:  5,
		ConcurrencyBackoff:  20 * time.Millisecond,
		CompensationTimeout: 30 * time.Second,
		DeadLetterUnmatched: true,
	}
}

// Engine is the saga runtime: event arrival -> correlate -> load-or-create
// -> step -> version-guarded save, with compensation on failure.
type Engine struct {
	repo        Repository
	definitions map[string]*Definition
	cfg         *Config
	scheduler   TimeoutScheduler
	obs         observability.Observability
}

func NewEngine(repo Repository, cfg *Config, obs observability.Observability) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if obs == nil {
		obs = observability.NoOp()
	}
	return &Engine{repo: repo, definitions: make(map[string]*Definition), cfg: cfg, obs: obs}
}

func (e *Engine) Register(def *Definition) { e.definitions[def.Name] = def }

// WithScheduler wires the timeout-scheduling capability. Optional: sagas
// that never call Step.ScheduleTimeout work fine without it.
func (e *Engine) WithScheduler(s TimeoutScheduler) *Engine {
	e.scheduler = s
	return e
}

// HandleEvent correlates an event to an instance and runs one step
// for a single event. sagaType selects the Definition; eventType must be
// bound either in that definition's Initial block or in one of its InState
// blocks for the resolved instance's current state.
func (e *Engine) HandleEvent(ctx context.Context, sagaType, eventType string, event any) error {
	def, ok := e.definitions[sagaType]
	if !ok {
		return errors.New("saga: no definition registered for type " + sagaType)
	}

	correlate, ok := def.correlationFor(eventType)
	if !ok {
		e.deadLetter(def, eventType, event, errors.New("saga: event type not bound in any state"))
		return nil
	}
	correlationID := correlate(event)

	existing, found, err := e.repo.FindByCorrelation(ctx, sagaType, correlationID)
	if err != nil {
		return err
	}

	if !found {
		initBinding, ok := def.initialBinding(eventType)
		if !ok {
			if e.cfg.DeadLetterUnmatched {
				e.deadLetter(def, eventType, event, errors.New("saga: no instance found and event is not an initial event"))
			}
			return nil
		}
		created, err := e.createInstance(ctx, sagaType, correlationID)
		if err != nil {
			return err
		}
		return e.runStepWithRetry(ctx, def, created, created.Version, initBinding, event)
	}

	binding, ok := def.stateBinding(existing.State, eventType)
	if !ok {
		if e.cfg.DeadLetterUnmatched {
			e.deadLetter(def, eventType, event, errors.New("saga: event not bound for state "+existing.State))
		}
		return nil
	}
	if existing.Completed {
		return nil // completed instances accept no further events
	}
	return e.runStepWithRetry(ctx, def, existing, existing.Version, binding, event)
}

// createInstance persists a fresh instance in the before-initial state as
// its own version-1 mutation, so creation, every transition, and completion
// each advance the persisted version.
func (e *Engine) createInstance(ctx context.Context, sagaType, correlationID string) (*Instance, error) {
	now := time.Now()
	inst := &Instance{
		SagaType:      sagaType,
		CorrelationID: correlationID,
		Version:       1,
		Created:       now,
		Updated:       now,
	}
	if err := e.repo.Save(ctx, inst, 0); err != nil {
		return nil, err
	}
	return inst, nil
}

// runStepWithRetry reloads, steps, and saves up to ConcurrencyRetries times
// on ErrConcurrencyConflict,
// with exponential backoff. On final failure the event is dead-lettered.
func (e *Engine) runStepWithRetry(ctx context.Context, def *Definition, instance *Instance, expectedVersion int, binding eventBinding, event any) error {
	backoff := e.cfg.ConcurrencyBackoff
	for attempt := 0; attempt <= e.cfg.ConcurrencyRetries; attempt++ {
		working := instance.clone()
		step := &Step{Instance: working, Event: event}

		transitionErr := binding.transition(ctx, step)

		if transitionErr != nil && step.failCompensating {
			return e.runCompensation(ctx, def, working, expectedVersion, transitionErr)
		}
		if transitionErr != nil {
			return transitionErr
		}

		working.Updated = time.Now()
		working.Version = expectedVersion + 1
		if step.hasNextState {
			working.State = step.nextState
			if def.terminal[step.nextState] {
				working.Completed = true
			}
		}

		saveErr := e.repo.Save(ctx, working, expectedVersion)
		if saveErr == nil {
			e.obs.Counter("saga_step_total", map[string]string{"saga_type": def.Name, "outcome": "success"}).Inc()
			e.scheduleTimeouts(ctx, def.Name, working.ID, step.timeoutRequests)
			return nil
		}
		if !errors.Is(saveErr, ErrConcurrencyConflict) {
			return saveErr
		}

		reloaded, err := e.repo.FindByID(ctx, working.ID)
		if err != nil {
			return err
		}
		instance = reloaded
		expectedVersion = reloaded.Version

		if attempt < e.cfg.ConcurrencyRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	e.deadLetter(def, binding.eventType, event, errors.New("saga: concurrency retries exhausted"))
	e.obs.Counter("saga_step_total", map[string]string{"saga_type": def.Name, "outcome": "conflict_exhausted"}).Inc()
	return ErrConcurrencyConflict
}

// runCompensation invokes the instance's recorded compensations in reverse
// registration order, each with its own timeout and retry policy.
// A compensation that fails terminally marks the saga
// CompensationFailed; otherwise, once all compensations succeed, the saga
// is marked Failed.
func (e *Engine) runCompensation(ctx context.Context, def *Definition, instance *Instance, expectedVersion int, cause error) error {
	slog.Warn("saga: running compensation", "sagaType", def.Name, "instanceId", instance.ID, "cause", cause)

	finalState := StateFailed
	for i := len(instance.Compensations) - 1; i >= 0; i-- {
		rec := instance.Compensations[i]
		binding, ok := def.compensations[rec.Name]
		if !ok {
			slog.Error("saga: no compensation handler registered", "name", rec.Name)
			finalState = StateCompensationFailed
			continue
		}
		if err := e.invokeCompensationWithRetry(ctx, binding, instance); err != nil {
			slog.Error("saga: compensation failed terminally", "name", rec.Name, "instanceId", instance.ID, "error", err)
			finalState = StateCompensationFailed
		}
	}

	instance.State = finalState
	instance.Completed = true
	instance.Updated = time.Now()
	instance.Version = expectedVersion + 1
	e.obs.Counter("saga_compensation_total", map[string]string{"saga_type": def.Name, "outcome": finalState}).Inc()
	return e.repo.Save(ctx, instance, expectedVersion)
}

func (e *Engine) invokeCompensationWithRetry(ctx context.Context, binding compensationBinding, instance *Instance) error {
	timeout := binding.timeout
	if timeout <= 0 {
		timeout = e.cfg.CompensationTimeout
	}

	attempt := 0
	for {
		attempt++
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := binding.handler(cctx, instance)
		cancel()
		if err == nil {
			return nil
		}
		if binding.retry == nil || !binding.retry.ShouldRetry(err, attempt) {
			return err
		}
		time.Sleep(binding.retry.DelayFor(attempt))
	}
}

// scheduleTimeouts arms the timeout requests a transition function
// registered via Step.ScheduleTimeout, once its step has durably saved. A
// nil scheduler (no WithScheduler call) means timeouts are simply not
// supported by this engine instance; requests are dropped rather than
// erroring the step that already succeeded.
func (e *Engine) scheduleTimeouts(ctx context.Context, sagaType, instanceID string, requests []timeoutRequest) {
	if e.scheduler == nil || len(requests) == 0 {
		return
	}
	for _, req := range requests {
		if _, err := e.scheduler.ScheduleTimeout(ctx, sagaType, instanceID, req.eventType, req.payload, req.after); err != nil {
			slog.Error("saga: failed to schedule timeout", "sagaType", sagaType, "instanceId", instanceID, "eventType", req.eventType, "error", err)
		}
	}
}

func (e *Engine) deadLetter(def *Definition, eventType string, event any, reason error) {
	slog.Warn("saga: dead-lettering event", "sagaType", def.Name, "eventType", eventType, "reason", reason)
	if e.cfg.OnDeadLetter != nil {
		e.cfg.OnDeadLetter(def.Name, eventType, event, reason)
	}
}
