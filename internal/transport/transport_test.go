package transport

import (
	"context"
	"testing"

	"go.heromessaging.dev/heromessaging/internal/messaging"
	"go.heromessaging.dev/heromessaging/internal/outbox"
)

type capturingTransport struct {
	destination string
	env         *messaging.Envelope
}

func (c *capturingTransport) Publish(_ context.Context, destination string, env *messaging.Envelope) error {
	c.destination = destination
	c.env = env
	return nil
}

func (c *capturingTransport) Subscribe(string, Handler, QoS) (Subscription, error) {
	return nil, ErrUnknownDestination
}

func (c *capturingTransport) Close() error { return nil }

func TestOutboxPublisher_RebuildsEnvelope(t *testing.T) {
	ct := &capturingTransport{}
	p := &OutboxPublisher{Transport: ct}

	err := p.Publish(context.Background(), "orders", &outbox.EntryEnvelope{
		ID:            "m1",
		Type:          "OrderCreated",
		Payload:       map[string]string{"orderId": "O1"},
		CorrelationID: "c1",
		CausationID:   "p0",
		Metadata:      map[string]string{"region": "eu"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if ct.destination != "orders" {
		t.Errorf("Expected destination orders, got %s", ct.destination)
	}
	if ct.env.ID != "m1" || ct.env.Type != "OrderCreated" || ct.env.CorrelationID != "c1" || ct.env.CausationID != "p0" {
		t.Errorf("Envelope fields not carried through: %+v", ct.env)
	}
	if ct.env.Metadata["region"] != "eu" {
		t.Error("Expected metadata carried through")
	}
}

func TestAckDecisionString(t *testing.T) {
	cases := map[AckDecision]string{
		Ack:            "ack",
		NackRequeue:    "requeue",
		NackDeadLetter: "dead_letter",
	}
	for decision, want := range cases {
		if decision.String() != want {
			t.Errorf("Expected %s, got %s", want, decision.String())
		}
	}
}
