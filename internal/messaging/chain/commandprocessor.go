package chain

import (
	"context"
	"sync"

	"go.heromessaging.dev/heromessaging/internal/messaging"
)

// singleDispatch is shared machinery between CommandProcessor and
// QueryProcessor: both resolve exactly one handler per message type and
// differ only in whether a result payload is semantically expected. Built
// chains are cached per message type so retry/circuit-breaker/rate-limiter
// state stays stable across invocations of the same type.
type singleDispatch struct {
	registry *SingleHandlerRegistry

	mu    sync.Mutex
	built map[string]messaging.Processor
}

func newSingleDispatch(registry *SingleHandlerRegistry) *singleDispatch {
	return &singleDispatch{registry: registry, built: make(map[string]messaging.Processor)}
}

func (d *singleDispatch) dispatch(ctx context.Context, env *messaging.Envelope) messaging.Result {
	reg, err := d.registry.resolve(env.Type)
	if err != nil {
		return messaging.Failure(err)
	}

	d.mu.Lock()
	proc, ok := d.built[env.Type]
	if !ok {
		proc = Build(reg.Handler, reg.Config)
		d.built[env.Type] = proc
	}
	d.mu.Unlock()

	pc := messaging.NewProcessingContext(ctx, env)
	return proc.Process(pc)
}

// CommandProcessor resolves the single handler registered for a command's
// concrete type and invokes it through that handler's decorator chain.
// Returns the handler's result, or the first failure observed after retry
// exhaustion.
type CommandProcessor struct {
	dispatch *singleDispatch
}

func NewCommandProcessor(registry *SingleHandlerRegistry) *CommandProcessor {
	return &CommandProcessor{dispatch: newSingleDispatch(registry)}
}

func (c *CommandProcessor) Process(ctx context.Context, env *messaging.Envelope) messaging.Result {
	return c.dispatch.dispatch(ctx, env)
}

// QueryProcessor applies the same single-handler resolution rule as
// CommandProcessor. Query handlers must be side-effect-free by contract
// — not enforceable at runtime, so this is documentation only.
type QueryProcessor struct {
	dispatch *singleDispatch
}

func NewQueryProcessor(registry *SingleHandlerRegistry) *QueryProcessor {
	return &QueryProcessor{dispatch: newSingleDispatch(registry)}
}

func (q *QueryProcessor) Process(ctx context.Context, env *messaging.Envelope) messaging.Result {
	return q.dispatch.dispatch(ctx, env)
}
