// Package testutil provides testing utilities for SQS integration tests
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

// LocalStackContainer wraps a LocalStack container for testing
type LocalStackContainer struct {
	Container *localstack.LocalStackContainer
	Endpoint  string
	SQSClient *sqs.Client
}

// StartLocalStack starts a LocalStack container with SQS service
func StartLocalStack(ctx context.Context, t *testing.T) (*LocalStackContainer, error) {
	t.Helper()

	container, err := localstack.Run(ctx,
		"localstack/localstack:3.0",
		testcontainers.WithEnv(map[string]string{
			"SERVICES": "sqs",
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start localstack: %w", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}

	sqsClient, err := createSQSClient(ctx, "http://"+endpoint)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	return &LocalStackContainer{
		Container: container,
		Endpoint:  "http://" + endpoint,
		SQSClient: sqsClient,
	}, nil
}

func createSQSClient(ctx context.Context, endpoint string) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"test", "test", "test",
		)),
	)
	if err != nil {
		return nil, err
	}

	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// CreateQueue creates an SQS queue and returns its URL
func (ls *LocalStackContainer) CreateQueue(ctx context.Context, name string) (string, error) {
	out, err := ls.SQSClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create queue: %w", err)
	}
	return aws.ToString(out.QueueUrl), nil
}

// QueueURLPrefix returns the prefix shared by all queues created on this
// container, derived from one created queue's URL.
func (ls *LocalStackContainer) QueueURLPrefix(queueURL, queueName string) string {
	return queueURL[:len(queueURL)-len(queueName)]
}

// Terminate stops the container
func (ls *LocalStackContainer) Terminate(ctx context.Context) {
	_ = ls.Container.Terminate(ctx)
}
