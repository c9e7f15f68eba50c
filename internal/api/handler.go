package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/db"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/metrics"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/quota"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/reconciler"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/redis"
)

// NotificationRepository defines the queue operations the API needs
type NotificationRepository interface {
	Create(ctx context.Context, n *db.Notification) error
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) error
	CancelByAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) (int64, error)
}

// QuotaService defines the quota operations the API needs
type QuotaService interface {
	Current(ctx context.Context, tenantID uuid.UUID) (*quota.Snapshot, error)
	Grant(ctx context.Context, tenantID uuid.UUID, quantity int, source quota.Source, referenceType string, referenceID *string) (*quota.Snapshot, error)
}

// StatusApplier folds provider webhook events into the queue
type StatusApplier interface {
	Apply(ctx context.Context, e reconciler.Event) error
}

// NotificationRequest represents the incoming enqueue request body
type NotificationRequest struct {
	TenantID       string          `json:"tenant_id"`
	AppointmentID  *string         `json:"appointment_id,omitempty"`
	RecipientPhone string          `json:"recipient_phone"`
	RecipientName  string          `json:"recipient_name"`
	Type           string          `json:"type"`
	TemplateVars   json.RawMessage `json:"template_vars,omitempty"`
	ScheduledFor   *time.Time      `json:"scheduled_for,omitempty"`
}

// NotificationResponse is returned after creating a notification
type NotificationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        NotificationRepository
	quotas      QuotaService
	applier     StatusApplier
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler. idempotency may be nil, which
// disables Idempotency-Key support.
func NewHandler(logger *zap.Logger, repo NotificationRepository, quotas QuotaService, applier StatusApplier, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		quotas:      quotas,
		applier:     applier,
		idempotency: idempotency,
	}
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.TenantID == "" || req.RecipientPhone == "" || req.Type == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id, recipient_phone, and type are required")
		return
	}

	notifType := db.Type(req.Type)
	if !notifType.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", "unknown notification type: "+req.Type)
		return
	}

	if len(req.TemplateVars) > 0 && !json.Valid(req.TemplateVars) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template_vars", "template_vars must be valid JSON")
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	var appointmentID *uuid.UUID
	if req.AppointmentID != nil {
		id, err := uuid.Parse(*req.AppointmentID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid appointment_id", "appointment_id must be a valid UUID")
			return
		}
		appointmentID = &id
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, req.TenantID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			resp := NotificationResponse{ID: cachedResult.NotificationID, Status: "replayed"}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	now := time.Now().UTC()
	scheduledFor := now
	status := db.StatusPending
	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		scheduledFor = req.ScheduledFor.UTC()
		status = db.StatusScheduled
	}

	notif := &db.Notification{
		ID:             uuid.New(),
		TenantID:       tenantID,
		AppointmentID:  appointmentID,
		RecipientPhone: req.RecipientPhone,
		RecipientName:  req.RecipientName,
		Type:           notifType,
		TemplateVars:   req.TemplateVars,
		Status:         status,
		ScheduledFor:   scheduledFor,
	}

	if err := h.repo.Create(ctx, notif); err != nil {
		h.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
			zap.String("type", req.Type),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create notification", "")
		return
	}

	metrics.RecordNotificationEnqueued(req.Type)
	h.logger.Info("notification created",
		zap.String("id", notif.ID.String()),
		zap.String("tenant_id", req.TenantID),
		zap.String("type", req.Type),
		zap.String("status", status),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			NotificationID: notif.ID.String(),
			StatusCode:     http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.TenantID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	resp := NotificationResponse{
		ID:     notif.ID.String(),
		Status: status,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.repo.Get(ctx, notifID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notif)
}

// ListNotifications handles GET /v1/notifications?tenant_id=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantIDStr := r.URL.Query().Get("tenant_id")
	if tenantIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id query parameter is required")
		return
	}

	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.repo.ListByTenant(ctx, tenantID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("tenant_id", tenantIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// CancelNotification handles POST /v1/notifications/{id}/cancel
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	err = h.repo.Cancel(ctx, notifID, req.Reason)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		if errors.Is(err, db.ErrNotCancellable) {
			h.writeError(w, http.StatusConflict, "not_cancellable",
				"Notification cannot be cancelled",
				"Only pending or scheduled notifications can be cancelled")
			return
		}
		h.logger.Error("failed to cancel notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel notification", "")
		return
	}

	h.logger.Info("notification cancelled",
		zap.String("id", idStr),
		zap.String("reason", req.Reason),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": db.StatusCancelled,
	})
}

// CancelAppointmentNotifications handles POST /v1/appointments/{id}/cancel-notifications
// It cancels every pending or scheduled notification tied to the appointment.
func (h *Handler) CancelAppointmentNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	appointmentID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid appointment ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "appointment cancelled"
	}

	count, err := h.repo.CancelByAppointment(ctx, appointmentID, req.Reason)
	if err != nil {
		h.logger.Error("failed to cancel appointment notifications",
			zap.Error(err),
			zap.String("appointment_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel notifications", "")
		return
	}

	h.logger.Info("appointment notifications cancelled",
		zap.String("appointment_id", idStr),
		zap.Int64("count", count),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"appointment_id": idStr,
		"cancelled":      count,
	})
}

// DeliveryWebhook handles POST /v1/webhooks/delivery
// The provider posts delivery status updates here; the response is always
// 200 for well-formed payloads so the provider does not retry endlessly.
func (h *Handler) DeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var event reconciler.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.applier.Apply(ctx, event); err != nil {
		h.logger.Error("failed to apply delivery status",
			zap.Error(err),
			zap.String("provider_message_id", event.ProviderMessageID),
			zap.String("status", event.Status),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to apply delivery status", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// GetQuota handles GET /v1/quota/{tenantID}
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "tenantID")
	tenantID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant ID", "ID must be a valid UUID")
		return
	}

	snapshot, err := h.quotas.Current(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to read quota",
			zap.Error(err),
			zap.String("tenant_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to read quota", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(snapshot)
}

// GrantQuota handles POST /v1/quota/{tenantID}/grant
// Used when a tenant purchases an extra message package.
func (h *Handler) GrantQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "tenantID")
	tenantID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		Quantity      int     `json:"quantity"`
		Source        string  `json:"source"`
		ReferenceType string  `json:"reference_type"`
		ReferenceID   *string `json:"reference_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Quantity <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid quantity", "quantity must be positive")
		return
	}

	source := quota.Source(req.Source)
	if source == "" {
		source = quota.SourceExtra
	}
	if source != quota.SourceIncluded && source != quota.SourceExtra {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid source", "source must be INCLUDED or EXTRA")
		return
	}

	refType := req.ReferenceType
	if refType == "" {
		refType = quota.RefManual
	}

	snapshot, err := h.quotas.Grant(ctx, tenantID, req.Quantity, source, refType, req.ReferenceID)
	if err != nil {
		h.logger.Error("failed to grant quota",
			zap.Error(err),
			zap.String("tenant_id", idStr),
			zap.Int("quantity", req.Quantity),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to grant quota", "")
		return
	}

	h.logger.Info("quota granted",
		zap.String("tenant_id", idStr),
		zap.Int("quantity", req.Quantity),
		zap.String("source", string(source)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(snapshot)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
