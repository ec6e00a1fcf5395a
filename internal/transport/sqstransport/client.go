// Package sqstransport implements the Transport interface on AWS SQS:
// destinations map to queues by URL prefix, consumers long-poll with a
// visibility timeout, and dead-lettered envelopes are forwarded to a
// per-origin dlq queue before the original is deleted.
package sqstransport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"log/slog"

	"go.heromessaging.dev/heromessaging/internal/config"
	"go.heromessaging.dev/heromessaging/internal/messaging"
	"go.heromessaging.dev/heromessaging/internal/serialization"
	"go.heromessaging.dev/heromessaging/internal/transport"
)

// SQSClientAPI defines the interface for SQS client operations (for testing)
type SQSClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// wireEnvelope is the JSON body placed on the queue.
type wireEnvelope struct {
	ID            string            `json:"id"`
	Kind          int               `json:"kind"`
	Type          string            `json:"type"`
	Payload       any               `json:"payload,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Client provides an SQS-backed Transport
type Client struct {
	sqs        SQSClientAPI
	cfg        *config.SQSConfig
	serializer serialization.Serializer

	mu            sync.Mutex
	subscriptions map[string]*subscription
	closed        bool
}

// NewClient creates a new SQS transport client
func NewClient(ctx context.Context, cfg *config.SQSConfig, serializer serialization.Serializer) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newClient(sqs.NewFromConfig(awsCfg), cfg, serializer), nil
}

// ClientConfig holds extended SQS client configuration
type ClientConfig struct {
	QueueConfig *config.SQSConfig
	// CustomEndpoint is used for LocalStack/testing
	CustomEndpoint string
	// AccessKeyID for custom credentials (optional, for testing)
	AccessKeyID string
	// SecretAccessKey for custom credentials (optional, for testing)
	SecretAccessKey string
}

// NewClientWithConfig creates a new SQS client with extended configuration.
// This supports custom endpoints for LocalStack integration testing.
func NewClientWithConfig(ctx context.Context, cfg *ClientConfig, serializer serialization.Serializer) (*Client, error) {
	if cfg.CustomEndpoint == "" {
		return NewClient(ctx, cfg.QueueConfig, serializer)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.QueueConfig.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
	})

	return newClient(sqsClient, cfg.QueueConfig, serializer), nil
}

// NewClientWithAPI wires a caller-supplied SQS API, for tests
func NewClientWithAPI(api SQSClientAPI, cfg *config.SQSConfig, serializer serialization.Serializer) *Client {
	return newClient(api, cfg, serializer)
}

func newClient(api SQSClientAPI, cfg *config.SQSConfig, serializer serialization.Serializer) *Client {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20 // long polling (SQS max)
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 120
	}
	if serializer == nil {
		serializer = serialization.NewJSON()
	}
	return &Client{
		sqs:           api,
		cfg:           cfg,
		serializer:    serializer,
		subscriptions: make(map[string]*subscription),
	}
}

func (c *Client) queueURL(destination string) string {
	return c.cfg.QueueURLPrefix + destination
}

func (c *Client) Publish(ctx context.Context, destination string, env *messaging.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.mu.Unlock()

	body, err := c.serializer.Serialize(&wireEnvelope{
		ID:            env.ID,
		Kind:          int(env.Kind),
		Type:          env.Type,
		Payload:       env.Payload,
		CreatedAt:     env.CreatedAt,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Metadata:      env.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL(destination)),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"MessageId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.ID),
			},
			"MessageType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.Type),
			},
		},
	}

	if _, err := c.sqs.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Client) Subscribe(destination string, handler transport.Handler, qos transport.QoS) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, transport.ErrClosed
	}
	if _, exists := c.subscriptions[destination]; exists {
		return nil, transport.ErrAlreadySubscribed
	}

	maxMessages := int32(qos.PrefetchCount)
	if maxMessages <= 0 || maxMessages > 10 {
		maxMessages = 10 // SQS max per batch
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		client:      c,
		destination: destination,
		handler:     handler,
		qos:         qos,
		maxMessages: maxMessages,
		ctx:         ctx,
		cancel:      cancel,
		resumeCh:    make(chan struct{}),
	}
	close(sub.resumeCh)
	c.subscriptions[destination] = sub

	sub.wg.Add(1)
	go sub.poll()

	return sub, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}

// Depth returns the approximate number of visible messages in a
// destination's queue.
func (c *Client) Depth(ctx context.Context, destination string) (int, error) {
	out, err := c.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.queueURL(destination)),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get queue attributes: %w", err)
	}
	n, err := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	if err != nil {
		return 0, fmt.Errorf("failed to parse queue depth: %w", err)
	}
	return n, nil
}

type subscription struct {
	client      *Client
	destination string
	handler     transport.Handler
	qos         transport.QoS
	maxMessages int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
	stopped  bool
}

func (s *subscription) Destination() string { return s.destination }

func (s *subscription) poll() {
	defer s.wg.Done()
	slog.Info("SQS consumer started", "destination", s.destination)

	queueURL := s.client.queueURL(s.destination)

	for {
		s.mu.Lock()
		resume := s.resumeCh
		s.mu.Unlock()
		select {
		case <-resume:
		case <-s.ctx.Done():
			return
		}

		out, err := s.client.sqs.ReceiveMessage(s.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(queueURL),
			MaxNumberOfMessages:         s.maxMessages,
			WaitTimeSeconds:             int32(s.client.cfg.WaitTimeSeconds),
			VisibilityTimeout:           int32(s.client.cfg.VisibilityTimeout),
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			slog.Error("SQS receive failed", "destination", s.destination, "error", err)
			select {
			case <-time.After(time.Second):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		for _, msg := range out.Messages {
			s.deliver(queueURL, msg)
		}
	}
}

func (s *subscription) deliver(queueURL string, msg types.Message) {
	var w wireEnvelope
	if err := s.client.serializer.Deserialize([]byte(aws.ToString(msg.Body)), &w); err != nil {
		slog.Error("failed to deserialize envelope, dead-lettering",
			"destination", s.destination, "error", err)
		s.deadLetter(msg)
		return
	}

	attempt := 1
	if rc, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(rc); err == nil {
			attempt = n
		}
	}

	delivery := &transport.Delivery{
		Destination: s.destination,
		Envelope: &messaging.Envelope{
			ID:            w.ID,
			Kind:          messaging.Kind(w.Kind),
			Type:          w.Type,
			Payload:       w.Payload,
			CreatedAt:     w.CreatedAt,
			CorrelationID: w.CorrelationID,
			CausationID:   w.CausationID,
			Metadata:      w.Metadata,
		},
		Attempt: attempt,
	}

	if s.qos.AutoAck {
		s.delete(queueURL, msg)
		s.handler(s.ctx, delivery)
		return
	}

	switch s.handler(s.ctx, delivery) {
	case transport.Ack:
		s.delete(queueURL, msg)
	case transport.NackRequeue:
		// Zero visibility makes the message immediately receivable again.
		if _, err := s.client.sqs.ChangeMessageVisibility(s.ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(queueURL),
			ReceiptHandle:     msg.ReceiptHandle,
			VisibilityTimeout: 0,
		}); err != nil {
			slog.Error("failed to requeue message", "destination", s.destination, "error", err)
		}
	case transport.NackDeadLetter:
		s.deadLetter(msg)
	}
}

func (s *subscription) delete(queueURL string, msg types.Message) {
	if _, err := s.client.sqs.DeleteMessage(s.ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		slog.Error("failed to delete message", "destination", s.destination, "error", err)
	}
}

// deadLetter forwards the raw message body to the per-origin dlq queue,
// then deletes the original. If the forward fails the original stays
// leased and redelivers after the visibility timeout.
func (s *subscription) deadLetter(msg types.Message) {
	dlqURL := s.client.queueURL("dlq." + s.destination)
	if _, err := s.client.sqs.SendMessage(s.ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(dlqURL),
		MessageBody: msg.Body,
	}); err != nil {
		slog.Error("failed to forward message to dead-letter queue",
			"destination", s.destination, "error", err)
		return
	}
	s.delete(s.client.queueURL(s.destination), msg)
}

func (s *subscription) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.stopped {
		return
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
}

func (s *subscription) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.stopped {
		return
	}
	s.paused = false
	close(s.resumeCh)
}

func (s *subscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.client.mu.Lock()
	delete(s.client.subscriptions, s.destination)
	s.client.mu.Unlock()

	slog.Info("SQS consumer stopped", "destination", s.destination)
}
