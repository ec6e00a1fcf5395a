package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// Saga version monotonicity: two concurrent steps starting from the same
// version never both succeed in Save.
func TestMemRepositorySaveConflictsOnStaleVersion(t *testing.T) {
	repo := NewMemRepository()
	ctx := context.Background()

	inst := &Instance{ID: "S1", SagaType: "OrderSaga", CorrelationID: "O1", Version: 1, Created: time.Now()}
	if err := repo.Save(ctx, inst, 0); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	a := inst.clone()
	a.Version = 2
	a.State = "A"
	b := inst.clone()
	b.Version = 2
	b.State = "B"

	errA := repo.Save(ctx, a, 1)
	errB := repo.Save(ctx, b, 1)

	if errA == nil && errB == nil {
		t.Fatal("both saves from version 1 succeeded; exactly one must win")
	}
	loser := errB
	if errA != nil {
		loser = errA
	}
	if !errors.Is(loser, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict for the loser, got %v", loser)
	}
}

func TestMemRepositorySaveRejectsDuplicateCreate(t *testing.T) {
	repo := NewMemRepository()
	ctx := context.Background()

	inst := &Instance{ID: "S2", SagaType: "OrderSaga", CorrelationID: "O2", Version: 1}
	if err := repo.Save(ctx, inst, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Save(ctx, inst.clone(), 0); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected conflict creating an existing instance, got %v", err)
	}
}

// Concurrent steps against one instance: each HandleEvent reloads on
// conflict, so every increment lands exactly once and the persisted version
// sequence is strictly increasing.
func TestEngineConcurrentStepsSerializeOnVersion(t *testing.T) {
	repo := NewMemRepository()
	engine := NewEngine(repo, nil, nil)

	def := NewDefinition("CounterSaga")
	def.Initial("Started",
		func(e any) string { return e.(string) },
		func(ctx context.Context, step *Step) error {
			step.Instance.Data = 0
			step.TransitionTo("Counting")
			return nil
		})
	def.InState("Counting").On("Tick",
		func(e any) string { return e.(string) },
		func(ctx context.Context, step *Step) error {
			step.Instance.Data = step.Instance.Data.(int) + 1
			step.TransitionTo("Counting")
			return nil
		})
	engine.Register(def)

	ctx := context.Background()
	if err := engine.HandleEvent(ctx, "CounterSaga", "Started", "C1"); err != nil {
		t.Fatalf("Started: %v", err)
	}

	const ticks = 8
	var wg sync.WaitGroup
	for i := 0; i < ticks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = engine.HandleEvent(ctx, "CounterSaga", "Tick", "C1")
		}()
	}
	wg.Wait()

	all := findAllByType(repo, "CounterSaga")
	if len(all) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(all))
	}
	inst := all[0]
	// Version advanced once per successful step: create, initial
	// transition, and one per tick that won its save.
	if inst.Version != 2+inst.Data.(int) {
		t.Fatalf("version %d inconsistent with %d applied ticks", inst.Version, inst.Data.(int))
	}
}

func TestEngineIgnoresEventsForCompletedInstance(t *testing.T) {
	repo := NewMemRepository()
	engine := NewEngine(repo, nil, nil)
	engine.Register(orderSagaDefinition())

	ctx := context.Background()
	_ = engine.HandleEvent(ctx, "OrderSaga", "OrderCreated", orderCreated{OrderID: "O9", Total: 50})
	_ = engine.HandleEvent(ctx, "OrderSaga", "PaymentReceived", paymentReceived{OrderID: "O9"})

	// The instance is Completed; a replayed payment event must not step it.
	before := findAllByType(repo, "OrderSaga")[0].Version
	_ = engine.HandleEvent(ctx, "OrderSaga", "PaymentReceived", paymentReceived{OrderID: "O9"})
	after := findAllByType(repo, "OrderSaga")[0].Version

	if before != after {
		t.Fatalf("completed instance advanced from version %d to %d", before, after)
	}
}

func TestEngineDeadLettersUnmatchedEvent(t *testing.T) {
	repo := NewMemRepository()
	cfg := DefaultConfig()
	var deadLettered []string
	cfg.OnDeadLetter = func(sagaType, eventType string, event any, reason error) {
		deadLettered = append(deadLettered, eventType)
	}
	engine := NewEngine(repo, cfg, nil)
	engine.Register(orderSagaDefinition())

	// PaymentReceived with no existing instance is not an initial event.
	if err := engine.HandleEvent(context.Background(), "OrderSaga", "PaymentReceived", paymentReceived{OrderID: "NOPE"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deadLettered) != 1 || deadLettered[0] != "PaymentReceived" {
		t.Fatalf("expected PaymentReceived dead-lettered, got %v", deadLettered)
	}
}
