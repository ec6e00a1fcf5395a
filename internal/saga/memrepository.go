package saga

import (
	"context"
	"sync"

	"go.heromessaging.dev/heromessaging/internal/idgen"
)

// MemRepository is the canonical in-memory reference Repository. The
// version CAS is a single mutex-guarded compare-and-swap per instance,
// matching the outbox/inbox reference stores' approach to cross-field
// invariants — the stand-in for the Mongo adapter's FindOneAndUpdate-based
// CAS.
type MemRepository struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

func NewMemRepository() *MemRepository {
	return &MemRepository{instances: make(map[string]*Instance)}
}

func (r *MemRepository) FindByID(_ context.Context, id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.clone(), nil
}

func (r *MemRepository) FindByCorrelation(_ context.Context, sagaType, correlationID string) (*Instance, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Instance
	for _, inst := range r.instances {
		if inst.SagaType != sagaType || inst.CorrelationID != correlationID || inst.Completed {
			continue
		}
		if best == nil || inst.Updated.After(best.Updated) {
			best = inst
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best.clone(), true, nil
}

func (r *MemRepository) Save(_ context.Context, instance *Instance, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if instance.ID == "" {
		instance.ID = idgen.Generate()
	}

	existing, ok := r.instances[instance.ID]
	if !ok {
		if expectedVersion != 0 {
			return ErrConcurrencyConflict
		}
		r.instances[instance.ID] = instance.clone()
		return nil
	}
	if existing.Version != expectedVersion {
		return ErrConcurrencyConflict
	}
	r.instances[instance.ID] = instance.clone()
	return nil
}

func (r *MemRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
	return nil
}
