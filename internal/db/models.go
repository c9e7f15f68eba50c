package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is one row in the outbound delivery queue. A row is created
// by the booking/automation flows and driven to a terminal status by the
// delivery worker; the webhook reconciler only ever advances
// SENT -> DELIVERED -> READ and stamps the matching timestamps.
type Notification struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	AppointmentID     *uuid.UUID      `json:"appointment_id,omitempty"`
	RecipientPhone    string          `json:"recipient_phone"`
	RecipientName     string          `json:"recipient_name"`
	Type              Type            `json:"type"`
	TemplateVars      json.RawMessage `json:"template_vars"`
	Status            string          `json:"status"`
	Attempts          int             `json:"attempts"`
	ScheduledFor      time.Time       `json:"scheduled_for"`
	LastError         *string         `json:"last_error,omitempty"`
	CancelledReason   *string         `json:"cancelled_reason,omitempty"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	ReadAt            *time.Time      `json:"read_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Status constants. PENDING/SCHEDULED rows are eligible for claiming once
// scheduled_for has passed; SENDING marks a claimed row; FAILED, CANCELLED
// and READ are terminal.
const (
	StatusPending   = "PENDING"
	StatusScheduled = "SCHEDULED"
	StatusSending   = "SENDING"
	StatusSent      = "SENT"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusDelivered = "DELIVERED"
	StatusRead      = "READ"
)

// Type identifies which message template a notification uses and whether
// sending it is gated on the tenant's monthly quota.
type Type string

const (
	TypeConfirmation Type = "CONFIRMATION"
	TypeReminder24h  Type = "REMINDER_24H"
	TypeReminder1h30 Type = "REMINDER_1H30"
	TypeCancelled    Type = "CANCELLED"
	TypeRescheduled  Type = "RESCHEDULED"
	TypeCompleted    Type = "COMPLETED"
	TypeBirthday     Type = "BIRTHDAY"
	TypeCustom       Type = "CUSTOM"
)

// Valid reports whether t is a known notification type.
func (t Type) Valid() bool {
	switch t {
	case TypeConfirmation, TypeReminder24h, TypeReminder1h30, TypeCancelled,
		TypeRescheduled, TypeCompleted, TypeBirthday, TypeCustom:
		return true
	}
	return false
}

// QuotaGated reports whether sending this type consumes one quota unit.
// Only appointment confirmations are pre-paid today.
func (t Type) QuotaGated() bool {
	return t == TypeConfirmation
}
