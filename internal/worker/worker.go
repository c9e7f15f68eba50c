// Package worker runs the polling delivery loop: claim due notifications,
// charge quota where the type requires it, render, send, and settle the
// outcome back into the queue.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/audit"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/channel"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/db"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/metrics"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/quota"
)

// Repository is the queue surface the worker needs.
type Repository interface {
	ClaimDue(ctx context.Context, limit int) ([]*db.Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, retryAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// QuotaLedger charges one unit per quota-gated send.
type QuotaLedger interface {
	Consume(ctx context.Context, tenantID, notificationID uuid.UUID) (*quota.Consumption, error)
}

// Renderer produces the outgoing message text for a notification.
type Renderer interface {
	Render(n *db.Notification) string
}

type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	MaxAttempts     int
	SendTimeout     time.Duration
	QuotaRetryDelay time.Duration
	StaleAfter      time.Duration // SENDING rows older than this are requeued
}

type Worker struct {
	repo     Repository
	ledger   QuotaLedger
	renderer Renderer
	sender   channel.Adapter
	sink     audit.Sink
	config   Config
	logger   *zap.Logger

	running atomic.Bool
}

func New(repo Repository, ledger QuotaLedger, renderer Renderer, sender channel.Adapter, sink audit.Sink, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.QuotaRetryDelay == 0 {
		cfg.QuotaRetryDelay = 30 * time.Minute
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 10 * time.Minute
	}

	return &Worker{
		repo:     repo,
		ledger:   ledger,
		renderer: renderer,
		sender:   sender,
		sink:     sink,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs the polling loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("delivery worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("delivery worker stopping")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce processes a single batch. Overlapping runs are skipped: a slow
// batch must not be doubled by the next tick.
func (w *Worker) RunOnce(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Warn("previous batch still running, skipping tick")
		return
	}
	defer w.running.Store(false)

	requeued, err := w.repo.RequeueStale(ctx, time.Now().Add(-w.config.StaleAfter))
	if err != nil {
		w.logger.Error("failed to requeue stale notifications", zap.Error(err))
	} else if requeued > 0 {
		w.logger.Warn("requeued stale notifications", zap.Int64("count", requeued))
	}

	batch, err := w.repo.ClaimDue(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to claim due notifications", zap.Error(err))
		return
	}
	if len(batch) == 0 {
		return
	}

	metrics.RecordClaimed(len(batch))

	var wg sync.WaitGroup
	var sent, failed atomic.Int64
	for _, notif := range batch {
		wg.Add(1)
		go func(n *db.Notification) {
			defer wg.Done()
			if w.processOne(ctx, n) {
				sent.Add(1)
			} else {
				failed.Add(1)
			}
		}(notif)
	}
	wg.Wait()

	w.logger.Info("batch processed",
		zap.Int("claimed", len(batch)),
		zap.Int64("sent", sent.Load()),
		zap.Int64("not_sent", failed.Load()),
	)
}

// processOne runs the full state machine for a claimed notification and
// reports whether it ended in SENT.
func (w *Worker) processOne(ctx context.Context, n *db.Notification) bool {
	log := w.logger.With(
		zap.String("notification_id", n.ID.String()),
		zap.String("tenant_id", n.TenantID.String()),
		zap.String("type", string(n.Type)),
	)

	if n.Attempts >= w.config.MaxAttempts {
		// A crash between RecordFailure and MarkFailed can leave a row at the
		// attempt cap; the stale sweep requeues it. Never send it again.
		log.Warn("claimed notification already at max attempts", zap.Int("attempts", n.Attempts))
		if err := w.repo.MarkFailed(ctx, n.ID, "max attempts exceeded"); err != nil {
			log.Error("failed to mark notification failed", zap.Error(err))
		}
		return false
	}

	if n.Type.QuotaGated() {
		if blocked := w.chargeQuota(ctx, n, log); blocked {
			return false
		}
	}

	text := w.renderer.Render(n)

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	start := time.Now()
	result, err := w.sender.SendMessage(sendCtx, n.TenantID, n.RecipientPhone, text)
	if errors.Is(err, channel.ErrNotConfigured) {
		log.Warn("primary channel not configured, using direct fallback")
		result, err = w.sender.SendDirect(sendCtx, n.RecipientPhone, text)
	}
	cancel()

	if result != nil {
		metrics.RecordSendLatency(result.Backend, time.Since(start))
	}

	if err != nil {
		w.settleFailure(ctx, n, err, log)
		return false
	}

	backend := result.Backend
	if err := w.repo.MarkSent(ctx, n.ID, result.ProviderMessageID); err != nil {
		log.Error("failed to mark notification sent", zap.Error(err))
		return false
	}

	metrics.RecordSendAttempt("sent", backend)
	log.Info("notification sent",
		zap.String("provider_message_id", result.ProviderMessageID),
		zap.String("backend", backend),
	)

	w.sink.Record(ctx, audit.Event{
		TenantID:         n.TenantID,
		NotificationID:   n.ID,
		AppointmentID:    n.AppointmentID,
		Phone:            n.RecipientPhone,
		NotificationType: n.Type,
		Event:            audit.EventSent,
		ProviderID:       result.ProviderMessageID,
		Success:          true,
		OccurredAt:       time.Now().UTC(),
	})

	return true
}

// chargeQuota consumes one unit for the notification. Returns true when the
// send must not proceed this cycle. Technical ledger errors do not block the
// send: losing one unit of billing accuracy is better than silently holding
// back a confirmation the client is waiting for.
func (w *Worker) chargeQuota(ctx context.Context, n *db.Notification, log *zap.Logger) (blocked bool) {
	consumption, err := w.ledger.Consume(ctx, n.TenantID, n.ID)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			metrics.RecordQuotaBlocked(n.TenantID.String())
			if n.Attempts < w.config.MaxAttempts-1 {
				retryAt := time.Now().Add(w.config.QuotaRetryDelay)
				if err := w.repo.ScheduleRetry(ctx, n.ID, retryAt, exceeded.Error()); err != nil {
					log.Error("failed to defer quota-blocked notification", zap.Error(err))
				}
				metrics.RecordRetryScheduled("quota")
				log.Info("quota exhausted, send deferred",
					zap.Time("retry_at", retryAt),
				)
			} else {
				// No retries left: a quota-blocked row must not sit in the
				// queue forever waiting for a top-up that may never come.
				if err := w.repo.MarkFailed(ctx, n.ID, exceeded.Error()); err != nil {
					log.Error("failed to mark quota-blocked notification failed", zap.Error(err))
				}
				log.Warn("quota exhausted with no retries left, giving up")
			}
			w.sink.Record(ctx, audit.Event{
				TenantID:         n.TenantID,
				NotificationID:   n.ID,
				AppointmentID:    n.AppointmentID,
				Phone:            n.RecipientPhone,
				NotificationType: n.Type,
				Event:            audit.EventQuotaBlocked,
				Error:            exceeded.Error(),
				OccurredAt:       time.Now().UTC(),
			})
			return true
		}

		log.Warn("quota ledger unavailable, sending anyway", zap.Error(err))
		return false
	}

	metrics.RecordQuotaConsumed(string(consumption.Source))
	return false
}

// settleFailure records the attempt and decides between retry and FAILED.
func (w *Worker) settleFailure(ctx context.Context, n *db.Notification, sendErr error, log *zap.Logger) {
	errMsg := sendErr.Error()
	outcome := "failed"
	if errors.Is(sendErr, context.DeadlineExceeded) {
		errMsg = "timeout"
		outcome = "timeout"
	}
	metrics.RecordSendAttempt(outcome, "")

	if err := w.repo.RecordFailure(ctx, n.ID, errMsg); err != nil {
		log.Error("failed to record send failure", zap.Error(err))
	}

	attempts := n.Attempts + 1
	log.Error("send failed",
		zap.String("error", errMsg),
		zap.Int("attempts", attempts),
	)

	if attempts >= w.config.MaxAttempts {
		if err := w.repo.MarkFailed(ctx, n.ID, errMsg); err != nil {
			log.Error("failed to mark notification failed", zap.Error(err))
		}
	} else {
		retryAt := time.Now().Add(w.backoff(attempts))
		if err := w.repo.ScheduleRetry(ctx, n.ID, retryAt, errMsg); err != nil {
			log.Error("failed to schedule retry", zap.Error(err))
		}
		metrics.RecordRetryScheduled("technical")
	}

	w.sink.Record(ctx, audit.Event{
		TenantID:         n.TenantID,
		NotificationID:   n.ID,
		AppointmentID:    n.AppointmentID,
		Phone:            n.RecipientPhone,
		NotificationType: n.Type,
		Event:            audit.EventSendFailed,
		Error:            errMsg,
		OccurredAt:       time.Now().UTC(),
	})
}

// backoff returns the delay before the next attempt.
func (w *Worker) backoff(attempt int) time.Duration {
	delays := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
	}

	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}

	return delays[idx]
}
