package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a notification id does not exist.
var ErrNotFound = errors.New("notification not found")

// ErrNotCancellable is returned when Cancel is called on a row that has
// already left PENDING/SCHEDULED (and is not already cancelled).
var ErrNotCancellable = errors.New("notification is not cancellable")

const notificationColumns = `
	id, tenant_id, appointment_id, recipient_phone, recipient_name, type,
	template_vars, status, attempts, scheduled_for, last_error,
	cancelled_reason, provider_message_id, sent_at, delivered_at, read_at,
	created_at, updated_at`

// Repository handles database operations for the notification queue.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.TenantID,
		&n.AppointmentID,
		&n.RecipientPhone,
		&n.RecipientName,
		&n.Type,
		&n.TemplateVars,
		&n.Status,
		&n.Attempts,
		&n.ScheduledFor,
		&n.LastError,
		&n.CancelledReason,
		&n.ProviderMessageID,
		&n.SentAt,
		&n.DeliveredAt,
		&n.ReadAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Create inserts a new notification into the queue. The caller decides the
// initial status: PENDING when scheduled_for is already due, SCHEDULED
// otherwise.
func (r *Repository) Create(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, tenant_id, appointment_id, recipient_phone, recipient_name,
			type, template_vars, status, attempts, scheduled_for
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		n.ID,
		n.TenantID,
		n.AppointmentID,
		n.RecipientPhone,
		n.RecipientName,
		n.Type,
		n.TemplateVars,
		n.Status,
		n.Attempts,
		n.ScheduledFor,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification enqueued",
		zap.String("notification_id", n.ID.String()),
		zap.String("tenant_id", n.TenantID.String()),
		zap.String("type", string(n.Type)),
		zap.Time("scheduled_for", n.ScheduledFor),
	)

	return nil
}

// Get retrieves a notification by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ListByTenant retrieves notifications for a tenant, newest first.
func (r *Repository) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT` + notificationColumns + `
		FROM notifications
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// ClaimDue atomically claims up to limit due rows (status PENDING or
// SCHEDULED with scheduled_for in the past) and moves them to SENDING.
//
// Concurrency contract: concurrent callers, in the same process or not,
// always receive disjoint row sets. The inner select takes row locks with
// FOR UPDATE SKIP LOCKED, so a second claimer skips rows a racing
// transaction is claiming instead of blocking on them, and the SENDING
// status keeps the claim visible after the transaction commits.
func (r *Repository) ClaimDue(ctx context.Context, limit int) ([]*Notification, error) {
	query := `
		UPDATE notifications
		SET status = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status IN ($3, $4) AND scheduled_for <= NOW()
			ORDER BY scheduled_for ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING` + notificationColumns

	rows, err := r.db.Pool().Query(ctx, query, limit, StatusSending, StatusPending, StatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
	}
	defer rows.Close()

	var claimed []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed notification: %w", err)
		}
		claimed = append(claimed, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	return claimed, nil
}

// MarkSent records a successful send attempt: status SENT, attempts +1,
// sent_at stamped, provider message id stored for webhook reconciliation.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	query := `
		UPDATE notifications
		SET status = $2, attempts = attempts + 1, provider_message_id = $3,
		    sent_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, StatusSent, providerMessageID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailure records a failed send attempt: attempts +1 and last_error
// set, status untouched. The caller follows up with either ScheduleRetry or
// MarkFailed; attempts counts attempts made, not retries scheduled.
func (r *Repository) RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE notifications
		SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, lastError)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ScheduleRetry returns a claimed row to PENDING with a future
// scheduled_for. It never touches attempts.
func (r *Repository) ScheduleRetry(ctx context.Context, id uuid.UUID, retryAt time.Time, lastError string) error {
	query := `
		UPDATE notifications
		SET status = $2, scheduled_for = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, StatusPending, retryAt, lastError)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("notification retry scheduled",
		zap.String("notification_id", id.String()),
		zap.Time("retry_at", retryAt),
		zap.String("last_error", lastError),
	)
	return nil
}

// MarkFailed moves a row to the terminal FAILED status without incrementing
// attempts.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE notifications
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, StatusFailed, lastError)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Warn("notification failed permanently",
		zap.String("notification_id", id.String()),
		zap.String("last_error", lastError),
	)
	return nil
}

// Cancel moves a PENDING/SCHEDULED row to CANCELLED. Cancelling an already
// cancelled row is a no-op; a row that is mid-send or terminal returns
// ErrNotCancellable.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE notifications
		SET status = $2, cancelled_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`

	result, err := r.db.Pool().Exec(ctx, query, id, StatusCancelled, reason, StatusPending, StatusScheduled)
	if err != nil {
		return fmt.Errorf("cancel notification: %w", err)
	}
	if result.RowsAffected() > 0 {
		r.logger.Info("notification cancelled",
			zap.String("notification_id", id.String()),
			zap.String("reason", reason),
		)
		return nil
	}

	n, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.Status == StatusCancelled {
		return nil
	}
	return fmt.Errorf("%w: status %s", ErrNotCancellable, n.Status)
}

// CancelByAppointment bulk-cancels every PENDING/SCHEDULED notification for
// an appointment. Used when an appointment is cancelled or rescheduled
// upstream. Returns the number of rows cancelled.
func (r *Repository) CancelByAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) (int64, error) {
	query := `
		UPDATE notifications
		SET status = $2, cancelled_reason = $3, updated_at = NOW()
		WHERE appointment_id = $1 AND status IN ($4, $5)
	`

	result, err := r.db.Pool().Exec(ctx, query, appointmentID, StatusCancelled, reason, StatusPending, StatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("cancel by appointment: %w", err)
	}

	cancelled := result.RowsAffected()
	if cancelled > 0 {
		r.logger.Info("appointment notifications cancelled",
			zap.String("appointment_id", appointmentID.String()),
			zap.Int64("count", cancelled),
			zap.String("reason", reason),
		)
	}
	return cancelled, nil
}

// MarkDelivered stamps the provider delivery confirmation on the row keyed
// by provider message id. Only SENT (or an already DELIVERED duplicate)
// rows are touched; FAILED/CANCELLED rows are never resurrected and
// attempts is never modified on this path. Returns false when no row
// matched.
func (r *Repository) MarkDelivered(ctx context.Context, providerMessageID string, at time.Time) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $2, delivered_at = COALESCE(delivered_at, $3), updated_at = NOW()
		WHERE provider_message_id = $1 AND status IN ($4, $2)
	`

	result, err := r.db.Pool().Exec(ctx, query, providerMessageID, StatusDelivered, at, StatusSent)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkRead stamps the provider read receipt. A READ callback arriving
// before the DELIVERED one also fills delivered_at so the row never shows
// read-but-undelivered. Same guard rails as MarkDelivered.
func (r *Repository) MarkRead(ctx context.Context, providerMessageID string, at time.Time) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $2, read_at = COALESCE(read_at, $3),
		    delivered_at = COALESCE(delivered_at, $3), updated_at = NOW()
		WHERE provider_message_id = $1 AND status IN ($4, $5, $2)
	`

	result, err := r.db.Pool().Exec(ctx, query, providerMessageID, StatusRead, at, StatusSent, StatusDelivered)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RecordProviderFailure stores a provider-reported delivery failure on a
// SENT row's last_error. The status is left as-is: the worker owns the
// retry state machine and the webhook path must not move status backward.
func (r *Repository) RecordProviderFailure(ctx context.Context, providerMessageID, reason string) (bool, error) {
	query := `
		UPDATE notifications
		SET last_error = $2, updated_at = NOW()
		WHERE provider_message_id = $1 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, providerMessageID, reason, StatusSent)
	if err != nil {
		return false, fmt.Errorf("record provider failure: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RequeueStale returns rows stuck in SENDING since before cutoff to
// PENDING. A row only stays in SENDING across ticks when a worker died
// mid-batch; attempts is left alone so the crash does not burn a retry.
func (r *Repository) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE notifications
		SET status = $2, updated_at = NOW()
		WHERE status = $3 AND updated_at < $1
	`

	result, err := r.db.Pool().Exec(ctx, query, cutoff, StatusPending, StatusSending)
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims: %w", err)
	}

	requeued := result.RowsAffected()
	if requeued > 0 {
		r.logger.Warn("requeued stale claims from a dead worker",
			zap.Int64("count", requeued),
		)
	}
	return requeued, nil
}
