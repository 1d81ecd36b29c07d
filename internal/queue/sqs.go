// Package queue publishes usage records to SQS, the hand-off point to the
// external telemetry/billing pipeline. The gateway itself keeps no
// authoritative usage history; the queue consumer owns that.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/rmachado/aoai-gateway/internal/domain"
)

// SQSUsagePublisher implements usage.Sink over an SQS queue.
type SQSUsagePublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSUsagePublisher(ctx context.Context, region, queueURL string) (*SQSUsagePublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSUsagePublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSUsagePublisherWithConfig(cfg aws.Config, queueURL string) *SQSUsagePublisher {
	return &SQSUsagePublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSUsagePublisher) Name() string {
	return "sqs"
}

func (p *SQSUsagePublisher) Record(ctx context.Context, record domain.UsageRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"CallerKey": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.CallerKey),
			},
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.RequestID),
			},
			"Deployment": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.DeploymentID),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}
