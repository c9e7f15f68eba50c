// Package audit records delivery events for the main application's
// reporting surface. The sink is strictly fire-and-forget: a broken audit
// path must never block or fail customer-facing delivery, so every
// implementation swallows its own errors and only logs them.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/db"
)

// Event kinds recorded by the pipeline.
const (
	EventSent         = "SENT"
	EventSendFailed   = "SEND_FAILED"
	EventQuotaBlocked = "QUOTA_BLOCKED"
)

// Event is one delivery-pipeline occurrence.
type Event struct {
	TenantID         uuid.UUID  `json:"tenant_id"`
	NotificationID   uuid.UUID  `json:"notification_id"`
	AppointmentID    *uuid.UUID `json:"appointment_id,omitempty"`
	Phone            string     `json:"phone"`
	NotificationType db.Type    `json:"notification_type"`
	Event            string     `json:"event"`
	ProviderID       string     `json:"provider_id,omitempty"`
	Success          bool       `json:"success"`
	Error            string     `json:"error,omitempty"`
	OccurredAt       time.Time  `json:"occurred_at"`
}

// Sink records events. Implementations never return errors and never block
// for longer than their own internal timeout.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// LogSink writes events to the structured log. Used in development and as
// the fallback when no queue is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, e Event) {
	s.logger.Info("delivery event",
		zap.String("event", e.Event),
		zap.String("tenant_id", e.TenantID.String()),
		zap.String("notification_id", e.NotificationID.String()),
		zap.String("type", string(e.NotificationType)),
		zap.Bool("success", e.Success),
		zap.String("provider_id", e.ProviderID),
		zap.String("error", e.Error),
	)
}
