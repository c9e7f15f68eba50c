package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BackendEmail is the backend name for email via AWS SES. Tenants routed
// here store an email address as the recipient contact (common for
// birthday campaigns).
const BackendEmail = "email"

// SESConfig holds settings for the email backend.
type SESConfig struct {
	Region    string
	FromEmail string
	Subject   string
}

// SESBackend sends messages as plain-text email via AWS SES.
type SESBackend struct {
	client  *ses.Client
	from    string
	subject string
	logger  *zap.Logger
}

// NewSESBackend creates the email backend.
func NewSESBackend(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESBackend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SES: %w", err)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = "Mensagem do seu salão"
	}

	return &SESBackend{
		client:  ses.NewFromConfig(awsCfg),
		from:    cfg.FromEmail,
		subject: subject,
		logger:  logger,
	}, nil
}

func (s *SESBackend) Name() string { return BackendEmail }

// Send delivers the message by email. A recipient contact without an "@"
// cannot be an address, so the tenant's channel configuration is wrong:
// surface ErrNotConfigured and let the worker fall back to direct SMS.
func (s *SESBackend) Send(ctx context.Context, tenantID uuid.UUID, to, text string) (*SendResult, error) {
	if !strings.Contains(to, "@") {
		return nil, fmt.Errorf("%w: recipient %q is not an email address", ErrNotConfigured, to)
	}

	result, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(s.subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(text),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("message sent via ses",
		zap.String("tenant_id", tenantID.String()),
		zap.String("to", to),
		zap.String("provider_message_id", *result.MessageId),
	)

	return &SendResult{ProviderMessageID: *result.MessageId}, nil
}
