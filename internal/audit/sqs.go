package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// SQSAPI is the slice of the SQS client used by the sink.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink publishes delivery events to an SQS queue consumed by the main
// application for reporting.
type SQSSink struct {
	client   SQSAPI
	queueURL string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSQSSink creates an SQS-backed sink.
func NewSQSSink(client SQSAPI, queueURL string, logger *zap.Logger) *SQSSink {
	logger.Info("sqs audit sink initialized",
		zap.String("queue_url", queueURL),
	)

	return &SQSSink{
		client:   client,
		queueURL: queueURL,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Record publishes the event. Errors are logged and dropped.
func (s *SQSSink) Record(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("failed to marshal audit event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		s.logger.Error("failed to publish audit event",
			zap.Error(err),
			zap.String("notification_id", e.NotificationID.String()),
			zap.String("event", e.Event),
		)
	}
}
