package chain

import (
	"fmt"
	"sync"

	"go.heromessaging.dev/heromessaging/internal/messaging"
)

// HandlerRegistration binds a message type name to a Handler plus the chain
// Config to wrap it in. Each registration gets its own chain instance so
// retry/circuit-breaker/rate-limiter state is per message type, not shared.
type HandlerRegistration struct {
	Handler messaging.Handler
	Config  *Config
}

// SingleHandlerRegistry resolves exactly one handler per message type, used
// by both the command and query processors.
type SingleHandlerRegistry struct {
	mu    sync.RWMutex
	byType map[string][]HandlerRegistration
}

func NewSingleHandlerRegistry() *SingleHandlerRegistry {
	return &SingleHandlerRegistry{byType: make(map[string][]HandlerRegistration)}
}

func (r *SingleHandlerRegistry) Register(msgType string, reg HandlerRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[msgType] = append(r.byType[msgType], reg)
}

func (r *SingleHandlerRegistry) resolve(msgType string) (HandlerRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.byType[msgType]
	switch len(regs) {
	case 0:
		return HandlerRegistration{}, messaging.NewError(messaging.CategoryNotFound,
			fmt.Sprintf("no handler registered for %q", msgType), messaging.ErrHandlerNotFound)
	case 1:
		return regs[0], nil
	default:
		return HandlerRegistration{}, messaging.NewError(messaging.CategoryFatal,
			fmt.Sprintf("multiple handlers registered for %q", msgType), messaging.ErrMultipleHandlers)
	}
}

// EventHandlerRegistry resolves all handlers bound to an event type — the
// event bus's "all handlers" resolution rule.
type EventHandlerRegistry struct {
	mu    sync.RWMutex
	byType map[string][]HandlerRegistration
}

func NewEventHandlerRegistry() *EventHandlerRegistry {
	return &EventHandlerRegistry{byType: make(map[string][]HandlerRegistration)}
}

func (r *EventHandlerRegistry) Register(msgType string, reg HandlerRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[msgType] = append(r.byType[msgType], reg)
}

func (r *EventHandlerRegistry) resolve(msgType string) []HandlerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.byType[msgType]
	out := make([]HandlerRegistration, len(regs))
	copy(out, regs)
	return out
}
