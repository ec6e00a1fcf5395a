package chain

import (
	"context"
	"fmt"
	"sync"

	"go.heromessaging.dev/heromessaging/internal/messaging"
)

// DispatchPolicy controls whether an event's handlers run one after another
// or concurrently.
type DispatchPolicy int

const (
	DispatchSequential DispatchPolicy = iota
	DispatchParallel
)

// FailurePolicy controls whether the first handler failure aborts the
// remaining handlers or every handler still runs and failures are
// aggregated.
type FailurePolicy int

const (
	FailFast FailurePolicy = iota
	ContinueAndAggregate
)

// EventBusConfig configures dispatch/failure policy for an EventBus.
type EventBusConfig struct {
	Dispatch DispatchPolicy
	Failure  FailurePolicy
}

func DefaultEventBusConfig() *EventBusConfig {
	return &EventBusConfig{Dispatch: DispatchSequential, Failure: FailFast}
}

// HandlerResult pairs a single event handler's outcome with an identifying
// label, for EventBus's aggregate-failure reporting.
type HandlerResult struct {
	Handler string
	Result  messaging.Result
}

// AggregateError wraps the per-handler results of a ContinueAndAggregate
// dispatch where at least one handler failed.
type AggregateError struct {
	Results []HandlerResult
}

func (e *AggregateError) Error() string {
	failed := 0
	for _, r := range e.Results {
		if r.Result.Failed() {
			failed++
		}
	}
	return fmt.Sprintf("messaging: %d/%d event handlers failed", failed, len(e.Results))
}

// EventBus resolves *all* handlers registered for an event type and
// dispatches to each of them, each inside its own decorator chain instance.
type EventBus struct {
	registry *EventHandlerRegistry
	cfg      *EventBusConfig

	mu    sync.Mutex
	built map[string][]messaging.Processor
}

func NewEventBus(registry *EventHandlerRegistry, cfg *EventBusConfig) *EventBus {
	if cfg == nil {
		cfg = DefaultEventBusConfig()
	}
	return &EventBus{registry: registry, cfg: cfg, built: make(map[string][]messaging.Processor)}
}

func (b *EventBus) chainsFor(env *messaging.Envelope) []messaging.Processor {
	b.mu.Lock()
	defer b.mu.Unlock()
	if chains, ok := b.built[env.Type]; ok {
		return chains
	}
	regs := b.registry.resolve(env.Type)
	chains := make([]messaging.Processor, len(regs))
	for i, reg := range regs {
		chains[i] = Build(reg.Handler, reg.Config)
	}
	b.built[env.Type] = chains
	return chains
}

// Publish dispatches env to every registered handler per the configured
// DispatchPolicy/FailurePolicy. Events produce no result payload,
// so Publish returns only an error, nil if every handler succeeded. In
// FailFast mode it returns the first failing handler's error as is
// (sequential dispatch stops there; parallel dispatch has already run every
// handler); in ContinueAndAggregate mode it returns an *AggregateError
// carrying every per-handler outcome.
func (b *EventBus) Publish(ctx context.Context, env *messaging.Envelope) error {
	chains := b.chainsFor(env)
	if len(chains) == 0 {
		return messaging.NewError(messaging.CategoryNotFound,
			fmt.Sprintf("no handlers registered for event %q", env.Type), messaging.ErrHandlerNotFound).
			WithCorrelation(env.CorrelationID)
	}

	switch b.cfg.Dispatch {
	case DispatchParallel:
		return b.publishParallel(ctx, env, chains)
	default:
		return b.publishSequential(ctx, env, chains)
	}
}

func (b *EventBus) publishSequential(ctx context.Context, env *messaging.Envelope, chains []messaging.Processor) error {
	results := make([]HandlerResult, 0, len(chains))
	for i, proc := range chains {
		pc := messaging.NewProcessingContext(ctx, env)
		res := proc.Process(pc)
		results = append(results, HandlerResult{Handler: fmt.Sprintf("%s#%d", env.Type, i), Result: res})
		if res.Failed() && b.cfg.Failure == FailFast {
			return res.Err
		}
	}
	return aggregateIfFailed(results)
}

func (b *EventBus) publishParallel(ctx context.Context, env *messaging.Envelope, chains []messaging.Processor) error {
	results := make([]HandlerResult, len(chains))
	var wg sync.WaitGroup
	for i, proc := range chains {
		wg.Add(1)
		go func(i int, proc messaging.Processor) {
			defer wg.Done()
			pc := messaging.NewProcessingContext(ctx, env)
			results[i] = HandlerResult{Handler: fmt.Sprintf("%s#%d", env.Type, i), Result: proc.Process(pc)}
		}(i, proc)
	}
	wg.Wait()

	if b.cfg.Failure == FailFast {
		for _, r := range results {
			if r.Result.Failed() {
				return r.Result.Err
			}
		}
		return nil
	}
	return aggregateIfFailed(results)
}

func aggregateIfFailed(results []HandlerResult) error {
	for _, r := range results {
		if r.Result.Failed() {
			return &AggregateError{Results: results}
		}
	}
	return nil
}
