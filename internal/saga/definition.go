package saga

import (
	"context"
	"time"

	"go.heromessaging.dev/heromessaging/internal/messaging/policy"
)

// CorrelationFunc extracts the correlation id from an arriving event. Every
// event type bound in a definition declares one; it is how the engine finds
// the instance an event belongs to.
type CorrelationFunc func(event any) string

// TransitionFunc runs the business logic for one event binding: it may
// mutate step.Instance.Data, register a compensation, request a state
// transition, or fail the step — see Step's methods.
type TransitionFunc func(ctx context.Context, step *Step) error

// CompensationHandler undoes the effect of a previously-registered
// compensation. Handlers are resolved by name from the owning Definition at
// invocation time; only the name is persisted on the instance.
type CompensationHandler func(ctx context.Context, instance *Instance) error

type compensationBinding struct {
	handler CompensationHandler
	timeout time.Duration
	retry   policy.RetryPolicy
}

type eventBinding struct {
	eventType   string
	correlation CorrelationFunc
	transition  TransitionFunc
}

// Definition is the declarative, per-saga-type state machine the engine
// requires: an initial-state block binding events accepted before any
// instance exists, and inState(name) blocks binding events to transitions
// once an instance is in that state.
type Definition struct {
	Name string

	initial map[string]eventBinding          // eventType -> binding, accepted in the "before-initial" state
	states  map[string]map[string]eventBinding // state -> eventType -> binding
	terminal map[string]bool
	compensations map[string]compensationBinding
}

func NewDefinition(name string) *Definition {
	return &Definition{
		Name:          name,
		initial:       make(map[string]eventBinding),
		states:        make(map[string]map[string]eventBinding),
		terminal:      make(map[string]bool),
		compensations: make(map[string]compensationBinding),
	}
}

// Initial binds eventType as a saga-creating event: arrival with no
// existing correlated instance creates a fresh one.
func (d *Definition) Initial(eventType string, correlation CorrelationFunc, transition TransitionFunc) *Definition {
	d.initial[eventType] = eventBinding{eventType: eventType, correlation: correlation, transition: transition}
	return d
}

// InState returns a builder scoped to state name, for binding events
// accepted while an instance is in that state.
func (d *Definition) InState(state string) *StateBuilder {
	if d.states[state] == nil {
		d.states[state] = make(map[string]eventBinding)
	}
	return &StateBuilder{def: d, state: state}
}

// Terminal marks state as a completed state: an engine step that
// transitions into it sets Instance.Completed = true and the instance
// accepts no further events.
func (d *Definition) Terminal(state string) *Definition {
	d.terminal[state] = true
	return d
}

// RegisterCompensation binds a name to the handler invoked when the engine
// runs compensations in reverse registration order.
func (d *Definition) RegisterCompensation(name string, handler CompensationHandler, timeout time.Duration, retry policy.RetryPolicy) *Definition {
	d.compensations[name] = compensationBinding{handler: handler, timeout: timeout, retry: retry}
	return d
}

// StateBuilder binds events to transitions within a single named state.
type StateBuilder struct {
	def   *Definition
	state string
}

func (b *StateBuilder) On(eventType string, correlation CorrelationFunc, transition TransitionFunc) *StateBuilder {
	b.def.states[b.state][eventType] = eventBinding{eventType: eventType, correlation: correlation, transition: transition}
	return b
}

func (d *Definition) correlationFor(eventType string) (CorrelationFunc, bool) {
	if b, ok := d.initial[eventType]; ok {
		return b.correlation, true
	}
	for _, bindings := range d.states {
		if b, ok := bindings[eventType]; ok {
			return b.correlation, true
		}
	}
	return nil, false
}

func (d *Definition) initialBinding(eventType string) (eventBinding, bool) {
	b, ok := d.initial[eventType]
	return b, ok
}

func (d *Definition) stateBinding(state, eventType string) (eventBinding, bool) {
	bindings, ok := d.states[state]
	if !ok {
		return eventBinding{}, false
	}
	b, ok := bindings[eventType]
	return b, ok
}

// Step is the single-invocation context a TransitionFunc receives: the
// instance being stepped, the triggering event, and the mutation/branch
// methods a transition may use (copy fields, register a compensation,
// transition to another state, fail-compensating).
type Step struct {
	Instance *Instance
	Event    any

	nextState        string
	hasNextState     bool
	failCompensating bool
	timeoutRequests  []timeoutRequest
}

type timeoutRequest struct {
	eventType string
	payload   any
	after     time.Duration
}

// TransitionTo requests the instance move to state once the transition
// function returns successfully. If state is registered as Terminal on the
// definition, the engine sets Instance.Completed before saving the step.
func (s *Step) TransitionTo(state string) {
	s.nextState = state
	s.hasNextState = true
}

// RegisterCompensation appends name to the instance's compensation log.
// name must match a handler registered on the Definition via
// RegisterCompensation.
func (s *Step) RegisterCompensation(name string) {
	s.Instance.Compensations = append(s.Instance.Compensations, CompensationRecord{
		Name: name, RegisteredAt: time.Now(),
	})
}

// FailCompensating flags this failure as one that should trigger the
// engine's reverse-order compensation run, then returns err so the
// transition function can `return step.FailCompensating(err)`.
func (s *Step) FailCompensating(err error) error {
	s.failCompensating = true
	return err
}

// ScheduleTimeout asks the engine to deliver eventType back to this saga
// instance after the given delay, once the current step saves successfully.
// Requires the engine to have been configured with WithScheduler; otherwise
// the request is silently dropped.
func (s *Step) ScheduleTimeout(eventType string, payload any, after time.Duration) {
	s.timeoutRequests = append(s.timeoutRequests, timeoutRequest{eventType: eventType, payload: payload, after: after})
}
