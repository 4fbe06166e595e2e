// Package notify delivers persisted in-app notifications over email and SMS.
package notify

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"nlcqe-workers/internal/common/config"
	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SESService is the subset of the SES client used here.
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SNSService is the subset of the SNS client used here.
type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Notifier struct {
	cfg    config.NotificationConfig
	ses    SESService
	sns    SNSService
	logger logger.Logger
}

func NewNotifier(cfg config.NotificationConfig, sesClient SESService, snsClient SNSService, log logger.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		ses:    sesClient,
		sns:    snsClient,
		logger: logger.Component(log, "notify"),
	}
}

// Notify sends to every recipient on every enabled channel they have an
// address for, then publishes once to the topic when one is configured.
// Every channel is attempted; failures are reported together.
func (n *Notifier) Notify(ctx context.Context, msg models.Notification) error {
	var failed []error
	sent := 0

	for _, r := range msg.Recipients {
		if n.cfg.Email.Enabled && n.ses != nil && r.Email != "" {
			if err := n.sendEmail(ctx, r.Email, msg.Title, msg.Message); err != nil {
				failed = append(failed, fmt.Errorf("email %s: %w", r.UserID, err))
			} else {
				sent++
			}
		}
		if n.cfg.SMS.Enabled && n.sns != nil && r.Phone != "" {
			if err := n.sendSMS(ctx, r.Phone, smsText(msg)); err != nil {
				failed = append(failed, fmt.Errorf("sms %s: %w", r.UserID, err))
			} else {
				sent++
			}
		}
	}

	if n.cfg.SNS.TopicARN != "" && n.sns != nil {
		if err := n.publishTopic(ctx, msg); err != nil {
			failed = append(failed, fmt.Errorf("topic: %w", err))
		} else {
			sent++
		}
	}

	n.logger.Info("notification delivered", map[string]interface{}{
		"tenantId":   msg.TenantID,
		"kind":       msg.Kind,
		"recipients": len(msg.Recipients),
		"sent":       sent,
		"failed":     len(failed),
	})
	if len(failed) > 0 {
		return errors.NewNotificationSendFailedError("aws", stderrors.Join(failed...))
	}
	return nil
}

func (n *Notifier) sendEmail(ctx context.Context, to, subject, body string) error {
	_, err := n.ses.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
			},
		},
		Source: aws.String(n.cfg.Email.FromEmail),
	})
	return err
}

func (n *Notifier) sendSMS(ctx context.Context, to, message string) error {
	_, err := n.sns.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(message),
	})
	return err
}

func (n *Notifier) publishTopic(ctx context.Context, msg models.Notification) error {
	_, err := n.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.cfg.SNS.TopicARN),
		Subject:  aws.String(msg.Title),
		Message:  aws.String(msg.Message),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"tenantId": {DataType: aws.String("String"), StringValue: aws.String(msg.TenantID)},
			"kind":     {DataType: aws.String("String"), StringValue: aws.String(string(msg.Kind))},
		},
	})
	return err
}

func smsText(msg models.Notification) string {
	if msg.Title == "" {
		return msg.Message
	}
	return strings.TrimSpace(msg.Title + ": " + msg.Message)
}
