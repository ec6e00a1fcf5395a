package inmemory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"go.heromessaging.dev/heromessaging/internal/messaging"
	"go.heromessaging.dev/heromessaging/internal/transport"
)

func testEnvelope(msgType string) *messaging.Envelope {
	return messaging.NewEnvelope(messaging.KindEvent, msgType, nil)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestTransport_PublishAndConsume(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	var received atomic.Int32
	var gotID atomic.Value

	_, err := tr.Subscribe("orders", func(_ context.Context, d *transport.Delivery) transport.AckDecision {
		gotID.Store(d.Envelope.ID)
		received.Add(1)
		return transport.Ack
	}, transport.QoS{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	env := testEnvelope("OrderCreated")
	if err := tr.Publish(context.Background(), "orders", env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return received.Load() == 1 })
	if gotID.Load() != env.ID {
		t.Errorf("Expected envelope %s, got %v", env.ID, gotID.Load())
	}
}

func TestTransport_NackRequeueRedelivers(t *testing.T) {
	tr := New(&Config{BufferSize: 16, MaxDeliveryAttempts: 5})
	defer tr.Close()

	var attempts atomic.Int32

	tr.Subscribe("orders", func(_ context.Context, d *transport.Delivery) transport.AckDecision {
		if attempts.Add(1) < 3 {
			return transport.NackRequeue
		}
		return transport.Ack
	}, transport.QoS{})

	tr.Publish(context.Background(), "orders", testEnvelope("OrderCreated"))

	waitFor(t, time.Second, func() bool { return attempts.Load() == 3 })
}

func TestTransport_DeadLetterAfterMaxAttempts(t *testing.T) {
	tr := New(&Config{BufferSize: 16, MaxDeliveryAttempts: 2})
	defer tr.Close()

	var attempts atomic.Int32
	var deadLettered atomic.Int32

	tr.Subscribe("orders", func(_ context.Context, _ *transport.Delivery) transport.AckDecision {
		attempts.Add(1)
		return transport.NackRequeue
	}, transport.QoS{})

	tr.Subscribe("dlq.orders", func(_ context.Context, _ *transport.Delivery) transport.AckDecision {
		deadLettered.Add(1)
		return transport.Ack
	}, transport.QoS{})

	tr.Publish(context.Background(), "orders", testEnvelope("OrderCreated"))

	waitFor(t, time.Second, func() bool { return deadLettered.Load() == 1 })
	if got := attempts.Load(); got != 2 {
		t.Errorf("Expected 2 delivery attempts, got %d", got)
	}
}

func TestTransport_ExplicitNackDeadLetter(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	var deadLettered atomic.Int32

	tr.Subscribe("orders", func(_ context.Context, _ *transport.Delivery) transport.AckDecision {
		return transport.NackDeadLetter
	}, transport.QoS{})
	tr.Subscribe("dlq.orders", func(_ context.Context, _ *transport.Delivery) transport.AckDecision {
		deadLettered.Add(1)
		return transport.Ack
	}, transport.QoS{})

	tr.Publish(context.Background(), "orders", testEnvelope("OrderCreated"))

	waitFor(t, time.Second, func() bool { return deadLettered.Load() == 1 })
}

func TestTransport_PauseResume(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	var received atomic.Int32

	sub, _ := tr.Subscribe("orders", func(_ context.Context, _ *transport.Delivery) transport.AckDecision {
		received.Add(1)
		return transport.Ack
	}, transport.QoS{})

	waitFor(t, time.Second, func() bool {
		tr.Publish(context.Background(), "orders", testEnvelope("warm-up"))
		return received.Load() >= 1
	})

	sub.Pause()
	time.Sleep(20 * time.Millisecond) // let the pump settle on the pause
	before := received.Load()

	tr.Publish(context.Background(), "orders", testEnvelope("while-paused"))
	time.Sleep(50 * time.Millisecond)
	if received.Load() != before {
		t.Error("Expected no deliveries while paused")
	}

	sub.Resume()
	waitFor(t, time.Second, func() bool { return received.Load() == before+1 })
}

func TestTransport_PrefetchBoundsConcurrency(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	var mu sync.Mutex
	var current, peak int
	done := make(chan struct{}, 8)

	tr.Subscribe("orders", func(_ context.Context, _ *transport.Delivery) transport.AckDecision {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		done <- struct{}{}
		return transport.Ack
	}, transport.QoS{PrefetchCount: 2})

	for i := 0; i < 8; i++ {
		tr.Publish(context.Background(), "orders", testEnvelope("OrderCreated"))
	}
	for i := 0; i < 8; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for deliveries")
		}
	}

	if peak > 2 {
		t.Errorf("Expected at most 2 concurrent deliveries, saw %d", peak)
	}
}

func TestTransport_PublishThrottled(t *testing.T) {
	tr := New(&Config{BufferSize: 16, MaxDeliveryAttempts: 5, PublishRate: rate.Limit(1), PublishBurst: 2})
	defer tr.Close()

	ctx := context.Background()
	var throttled int
	for i := 0; i < 5; i++ {
		if err := tr.Publish(ctx, "orders", testEnvelope("burst")); err == transport.ErrPublishThrottled {
			throttled++
		}
	}

	if throttled != 3 {
		t.Errorf("Expected 3 throttled publishes after a burst of 2, got %d", throttled)
	}
}

func TestTransport_DoubleSubscribeFails(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	h := func(_ context.Context, _ *transport.Delivery) transport.AckDecision { return transport.Ack }

	if _, err := tr.Subscribe("orders", h, transport.QoS{}); err != nil {
		t.Fatalf("First subscribe failed: %v", err)
	}
	if _, err := tr.Subscribe("orders", h, transport.QoS{}); err != transport.ErrAlreadySubscribed {
		t.Errorf("Expected ErrAlreadySubscribed, got %v", err)
	}
}

func TestTransport_ClosedRejectsPublish(t *testing.T) {
	tr := New(nil)
	tr.Close()

	if err := tr.Publish(context.Background(), "orders", testEnvelope("late")); err != transport.ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := tr.Subscribe("orders", nil, transport.QoS{}); err != transport.ErrClosed {
		t.Errorf("Expected ErrClosed on subscribe, got %v", err)
	}
}
