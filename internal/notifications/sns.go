// Package notifications delivers operational alerts, primarily quota
// threshold crossings, to an SNS topic.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/rmachado/aoai-gateway/internal/quota"
)

type NotificationType string

const (
	NotificationQuotaWarning  NotificationType = "quota_warning"
	NotificationQuotaCritical NotificationType = "quota_critical"
	NotificationQuotaExceeded NotificationType = "quota_exceeded"
)

type Notification struct {
	Type      NotificationType       `json:"type"`
	CallerKey string                 `json:"caller_key,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.CallerKey != "" {
		input.MessageAttributes["CallerKey"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.CallerKey),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	return nil
}

// QuotaAlertHandler adapts a Notifier into a quota alert handler. The
// publish happens on a detached context so the admitting request is not
// delayed by SNS.
func QuotaAlertHandler(notifier Notifier) quota.AlertHandler {
	levelToType := map[quota.AlertLevel]NotificationType{
		quota.AlertLevelWarning:  NotificationQuotaWarning,
		quota.AlertLevelCritical: NotificationQuotaCritical,
		quota.AlertLevelExceeded: NotificationQuotaExceeded,
	}

	return func(alert quota.Alert) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			notification := Notification{
				Type:      levelToType[alert.Level],
				CallerKey: alert.Key,
				Message:   fmt.Sprintf("caller at %.0f%% of quota", alert.Percentage),
				Data: map[string]interface{}{
					"calls": alert.Calls,
					"bytes": alert.Bytes,
				},
			}

			if err := notifier.Send(ctx, notification); err != nil {
				slog.Warn("failed to send quota notification",
					"caller_key", alert.Key,
					"level", alert.Level,
					"error", err,
				)
			}
		}()
	}
}
