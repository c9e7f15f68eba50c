// Package reconciler folds provider delivery-status callbacks back into the
// notification queue. It only ever advances SENT rows toward DELIVERED and
// READ; it never resurrects failed or cancelled work.
package reconciler

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/metrics"
)

// Store is the queue surface needed to apply a status event. The bool result
// reports whether any row matched the provider message id.
type Store interface {
	MarkDelivered(ctx context.Context, providerMessageID string, at time.Time) (bool, error)
	MarkRead(ctx context.Context, providerMessageID string, at time.Time) (bool, error)
	RecordProviderFailure(ctx context.Context, providerMessageID, reason string) (bool, error)
}

// Event is a provider delivery-status callback.
type Event struct {
	ProviderMessageID string    `json:"message_id"`
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Reconciler applies status events to the store.
type Reconciler struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Apply maps the provider status onto the notification and applies it.
// Unknown statuses and unmatched message ids are ignored: webhooks arrive
// late, duplicated, and out of order, and none of that may fail the request.
func (r *Reconciler) Apply(ctx context.Context, e Event) error {
	if e.ProviderMessageID == "" {
		return nil
	}

	at := e.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	log := r.logger.With(
		zap.String("provider_message_id", e.ProviderMessageID),
		zap.String("provider_status", e.Status),
	)

	switch normalize(e.Status) {
	case "delivered", "delivery_ack":
		matched, err := r.store.MarkDelivered(ctx, e.ProviderMessageID, at)
		if err != nil {
			return err
		}
		if !matched {
			log.Debug("delivery event for unknown message id")
			return nil
		}
		metrics.RecordWebhookEvent("DELIVERED")

	case "read", "played":
		matched, err := r.store.MarkRead(ctx, e.ProviderMessageID, at)
		if err != nil {
			return err
		}
		if !matched {
			log.Debug("read event for unknown message id")
			return nil
		}
		metrics.RecordWebhookEvent("READ")

	case "sent", "server_ack":
		// Provider echo of our own send, nothing to advance.
		return nil

	case "failed", "error":
		reason := e.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		matched, err := r.store.RecordProviderFailure(ctx, e.ProviderMessageID, reason)
		if err != nil {
			return err
		}
		if !matched {
			log.Debug("failure event for unknown message id")
			return nil
		}
		metrics.RecordWebhookEvent("PROVIDER_FAILED")
		log.Warn("provider reported delivery failure", zap.String("reason", reason))

	default:
		log.Debug("ignoring unknown provider status")
	}

	return nil
}

func normalize(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
