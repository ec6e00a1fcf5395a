package sqstransport

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.heromessaging.dev/heromessaging/internal/config"
	"go.heromessaging.dev/heromessaging/internal/messaging"
	"go.heromessaging.dev/heromessaging/internal/transport"
)

type mockMessage struct {
	body          string
	receiptHandle string
	receiveCount  int
	leased        bool
}

// mockSQS is an in-memory SQSClientAPI with just enough semantics for the
// client: receive leases, delete removes, zero visibility releases.
type mockSQS struct {
	mu      sync.Mutex
	queues  map[string][]*mockMessage
	nextID  int
	sendErr error
}

func newMockSQS() *mockSQS {
	return &mockSQS{queues: make(map[string][]*mockMessage)}
}

func (m *mockSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	url := aws.ToString(params.QueueUrl)
	m.queues[url] = append(m.queues[url], &mockMessage{body: aws.ToString(params.MessageBody)})
	return &sqs.SendMessageOutput{MessageId: aws.String("mock-id")}, nil
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	// Emulate a short long-poll so the consumer loop doesn't spin.
	select {
	case <-time.After(10 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	url := aws.ToString(params.QueueUrl)
	var out []types.Message
	for _, msg := range m.queues[url] {
		if msg.leased {
			continue
		}
		if int32(len(out)) >= params.MaxNumberOfMessages {
			break
		}
		m.nextID++
		msg.leased = true
		msg.receiveCount++
		msg.receiptHandle = "rh-" + strconv.Itoa(m.nextID)
		out = append(out, types.Message{
			Body:          aws.String(msg.body),
			ReceiptHandle: aws.String(msg.receiptHandle),
			Attributes: map[string]string{
				string(types.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(msg.receiveCount),
			},
		})
	}
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url := aws.ToString(params.QueueUrl)
	handle := aws.ToString(params.ReceiptHandle)
	msgs := m.queues[url]
	for i, msg := range msgs {
		if msg.receiptHandle == handle {
			m.queues[url] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQS) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url := aws.ToString(params.QueueUrl)
	handle := aws.ToString(params.ReceiptHandle)
	for _, msg := range m.queues[url] {
		if msg.receiptHandle == handle && params.VisibilityTimeout == 0 {
			msg.leased = false
		}
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (m *mockSQS) GetQueueAttributes(_ context.Context, params *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url := aws.ToString(params.QueueUrl)
	return &sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			string(types.QueueAttributeNameApproximateNumberOfMessages): strconv.Itoa(len(m.queues[url])),
		},
	}, nil
}

func (m *mockSQS) queueLen(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[url])
}

func newTestClient(t *testing.T, mock *mockSQS) *Client {
	t.Helper()
	client := NewClientWithAPI(mock, &config.SQSConfig{
		QueueURLPrefix:    "https://sqs.test/",
		Region:            "us-east-1",
		WaitTimeSeconds:   1,
		VisibilityTimeout: 30,
	}, nil)
	t.Cleanup(func() { client.Close() })
	return client
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestClient_PublishSendsToDestinationQueue(t *testing.T) {
	mock := newMockSQS()
	client := newTestClient(t, mock)

	env := messaging.NewEnvelope(messaging.KindCommand, "ShipOrder", map[string]string{"orderId": "O1"})
	if err := client.Publish(context.Background(), "orders", env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := mock.queueLen("https://sqs.test/orders"); got != 1 {
		t.Errorf("Expected 1 message on the queue, got %d", got)
	}
}

func TestClient_ConsumeAckDeletes(t *testing.T) {
	mock := newMockSQS()
	client := newTestClient(t, mock)

	var received atomic.Int32
	var gotType atomic.Value

	_, err := client.Subscribe("orders", func(_ context.Context, d *transport.Delivery) transport.AckDecision {
		gotType.Store(d.Envelope.Type)
		received.Add(1)
		return transport.Ack
	}, transport.QoS{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	client.Publish(context.Background(), "orders", messaging.NewEnvelope(messaging.KindEvent, "OrderCreated", nil))

	waitFor(t, 2*time.Second, func() bool { return received.Load() == 1 })
	if gotType.Load() != "OrderCreated" {
		t.Errorf("Expected OrderCreated, got %v", gotType.Load())
	}
	waitFor(t, 2*time.Second, func() bool { return mock.queueLen("https://sqs.test/orders") == 0 })
}

func TestClient_NackRequeueRedelivers(t *testing.T) {
	mock := newMockSQS()
	client := newTestClient(t, mock)

	var attempts atomic.Int32

	client.Subscribe("orders", func(_ context.Context, d *transport.Delivery) transport.AckDecision {
		if attempts.Add(1) < 2 {
			return transport.NackRequeue
		}
		if d.Attempt != 2 {
			t.Errorf("Expected attempt 2 on redelivery, got %d", d.Attempt)
		}
		return transport.Ack
	}, transport.QoS{})

	client.Publish(context.Background(), "orders", messaging.NewEnvelope(messaging.KindEvent, "OrderCreated", nil))

	waitFor(t, 2*time.Second, func() bool { return attempts.Load() >= 2 })
}

func TestClient_NackDeadLetterForwardsToDLQ(t *testing.T) {
	mock := newMockSQS()
	client := newTestClient(t, mock)

	var attempts atomic.Int32

	client.Subscribe("orders", func(_ context.Context, _ *transport.Delivery) transport.AckDecision {
		attempts.Add(1)
		return transport.NackDeadLetter
	}, transport.QoS{})

	client.Publish(context.Background(), "orders", messaging.NewEnvelope(messaging.KindEvent, "OrderCreated", nil))

	waitFor(t, 2*time.Second, func() bool { return mock.queueLen("https://sqs.test/dlq.orders") == 1 })
	waitFor(t, 2*time.Second, func() bool { return mock.queueLen("https://sqs.test/orders") == 0 })
	if attempts.Load() != 1 {
		t.Errorf("Expected a single delivery attempt, got %d", attempts.Load())
	}
}

func TestClient_Depth(t *testing.T) {
	mock := newMockSQS()
	client := newTestClient(t, mock)

	ctx := context.Background()
	client.Publish(ctx, "orders", messaging.NewEnvelope(messaging.KindEvent, "A", nil))
	client.Publish(ctx, "orders", messaging.NewEnvelope(messaging.KindEvent, "B", nil))

	depth, err := client.Depth(ctx, "orders")
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 2 {
		t.Errorf("Expected depth 2, got %d", depth)
	}
}
