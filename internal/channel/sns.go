package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BackendSMS is the backend name for direct SMS via AWS SNS. It doubles as
// the channel-agnostic fallback path: SNS needs no per-tenant setup.
const BackendSMS = "sms"

// SNSConfig holds settings for the SMS backend.
type SNSConfig struct {
	Region string
}

// SNSBackend sends SMS messages via AWS SNS.
type SNSBackend struct {
	client *sns.Client
	logger *zap.Logger
}

// NewSNSBackend creates the SMS backend.
func NewSNSBackend(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSBackend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	return &SNSBackend{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (s *SNSBackend) Name() string { return BackendSMS }

// Send publishes the message as an SMS.
func (s *SNSBackend) Send(ctx context.Context, tenantID uuid.UUID, to, text string) (*SendResult, error) {
	if to == "" {
		return nil, fmt.Errorf("sms send requires a phone number")
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(text),
	})
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("sms sent via sns",
		zap.String("tenant_id", tenantID.String()),
		zap.String("phone", to),
		zap.String("provider_message_id", *result.MessageId),
	)

	return &SendResult{ProviderMessageID: *result.MessageId}, nil
}
