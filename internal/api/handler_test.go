package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/db"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/quota"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/reconciler"
)

type mockRepo struct {
	created      []*db.Notification
	createErr    error
	getResult    *db.Notification
	getErr       error
	listResult   []*db.Notification
	cancelErr    error
	cancelled    []uuid.UUID
	bulkCount    int64
	bulkErr      error
	bulkReceived []uuid.UUID
}

func (m *mockRepo) Create(ctx context.Context, n *db.Notification) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, n)
	return nil
}

func (m *mockRepo) Get(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.getResult, nil
}

func (m *mockRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Notification, error) {
	return m.listResult, nil
}

func (m *mockRepo) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, id)
	return nil
}

func (m *mockRepo) CancelByAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) (int64, error) {
	if m.bulkErr != nil {
		return 0, m.bulkErr
	}
	m.bulkReceived = append(m.bulkReceived, appointmentID)
	return m.bulkCount, nil
}

type mockQuotas struct {
	snapshot *quota.Snapshot
	grantErr error
	granted  int
}

func (m *mockQuotas) Current(ctx context.Context, tenantID uuid.UUID) (*quota.Snapshot, error) {
	return m.snapshot, nil
}

func (m *mockQuotas) Grant(ctx context.Context, tenantID uuid.UUID, quantity int, source quota.Source, referenceType string, referenceID *string) (*quota.Snapshot, error) {
	if m.grantErr != nil {
		return nil, m.grantErr
	}
	m.granted += quantity
	return m.snapshot, nil
}

type mockApplier struct {
	events []reconciler.Event
	err    error
}

func (m *mockApplier) Apply(ctx context.Context, e reconciler.Event) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func newTestHandler(repo *mockRepo) (*Handler, *mockQuotas, *mockApplier) {
	quotas := &mockQuotas{snapshot: &quota.Snapshot{IncludedUnits: 100}}
	applier := &mockApplier{}
	h := NewHandler(zap.NewNop(), repo, quotas, applier, nil)
	return h, quotas, applier
}

func createBody(t *testing.T, overrides map[string]interface{}) *bytes.Buffer {
	t.Helper()
	body := map[string]interface{}{
		"tenant_id":       uuid.New().String(),
		"recipient_phone": "+5511999990000",
		"recipient_name":  "Maria",
		"type":            "CONFIRMATION",
	}
	for k, v := range overrides {
		body[k] = v
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	return buf
}

func TestCreateNotification_Success(t *testing.T) {
	repo := &mockRepo{}
	h, _, _ := newTestHandler(repo)

	req := httptest.NewRequest("POST", "/v1/notifications", createBody(t, nil))
	rec := httptest.NewRecorder()
	h.CreateNotification(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected 1 created notification, got %d", len(repo.created))
	}
	if repo.created[0].Status != db.StatusPending {
		t.Errorf("immediate notification should be PENDING, got %s", repo.created[0].Status)
	}
}

func TestCreateNotification_FutureScheduled(t *testing.T) {
	repo := &mockRepo{}
	h, _, _ := newTestHandler(repo)

	future := time.Now().Add(24 * time.Hour).Format(time.RFC3339)
	req := httptest.NewRequest("POST", "/v1/notifications", createBody(t, map[string]interface{}{
		"type":          "REMINDER_24H",
		"scheduled_for": future,
	}))
	rec := httptest.NewRecorder()
	h.CreateNotification(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if repo.created[0].Status != db.StatusScheduled {
		t.Errorf("future notification should be SCHEDULED, got %s", repo.created[0].Status)
	}
}

func TestCreateNotification_PastScheduledIsPending(t *testing.T) {
	repo := &mockRepo{}
	h, _, _ := newTestHandler(repo)

	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	req := httptest.NewRequest("POST", "/v1/notifications", createBody(t, map[string]interface{}{
		"scheduled_for": past,
	}))
	rec := httptest.NewRecorder()
	h.CreateNotification(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if repo.created[0].Status != db.StatusPending {
		t.Errorf("past-dated notification should be PENDING, got %s", repo.created[0].Status)
	}
}

func TestCreateNotification_ValidationErrors(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]interface{}
	}{
		{"missing tenant", map[string]interface{}{"tenant_id": ""}},
		{"missing phone", map[string]interface{}{"recipient_phone": ""}},
		{"missing type", map[string]interface{}{"type": ""}},
		{"unknown type", map[string]interface{}{"type": "NEWSLETTER"}},
		{"bad tenant uuid", map[string]interface{}{"tenant_id": "not-a-uuid"}},
		{"bad appointment uuid", map[string]interface{}{"appointment_id": "nope"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &mockRepo{}
			h, _, _ := newTestHandler(repo)

			req := httptest.NewRequest("POST", "/v1/notifications", createBody(t, tc.overrides))
			rec := httptest.NewRecorder()
			h.CreateNotification(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if len(repo.created) != 0 {
				t.Error("invalid request must not create a notification")
			}
		})
	}
}

func TestCreateNotification_MalformedJSON(t *testing.T) {
	h, _, _ := newTestHandler(&mockRepo{})

	req := httptest.NewRequest("POST", "/v1/notifications", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	h.CreateNotification(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %s", ct)
	}
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestGetNotification_Found(t *testing.T) {
	notif := &db.Notification{ID: uuid.New(), Status: db.StatusSent}
	repo := &mockRepo{getResult: notif}
	h, _, _ := newTestHandler(repo)

	req := httptest.NewRequest("GET", "/v1/notifications/"+notif.ID.String(), nil)
	req = withURLParam(req, "id", notif.ID.String())
	rec := httptest.NewRecorder()
	h.GetNotification(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got db.Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != notif.ID {
		t.Errorf("expected id %s, got %s", notif.ID, got.ID)
	}
}

func TestGetNotification_NotFound(t *testing.T) {
	repo := &mockRepo{getErr: db.ErrNotFound}
	h, _, _ := newTestHandler(repo)

	id := uuid.New().String()
	req := withURLParam(httptest.NewRequest("GET", "/v1/notifications/"+id, nil), "id", id)
	rec := httptest.NewRecorder()
	h.GetNotification(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListNotifications_RequiresTenant(t *testing.T) {
	h, _, _ := newTestHandler(&mockRepo{})

	req := httptest.NewRequest("GET", "/v1/notifications", nil)
	rec := httptest.NewRecorder()
	h.ListNotifications(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestListNotifications_Success(t *testing.T) {
	repo := &mockRepo{listResult: []*db.Notification{
		{ID: uuid.New()},
		{ID: uuid.New()},
	}}
	h, _, _ := newTestHandler(repo)

	url := fmt.Sprintf("/v1/notifications?tenant_id=%s&limit=10", uuid.New())
	req := httptest.NewRequest("GET", url, nil)
	rec := httptest.NewRecorder()
	h.ListNotifications(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("expected count 2, got %d", resp.Count)
	}
}

func TestCancelNotification_Success(t *testing.T) {
	repo := &mockRepo{}
	h, _, _ := newTestHandler(repo)

	id := uuid.New().String()
	req := withURLParam(httptest.NewRequest("POST", "/v1/notifications/"+id+"/cancel",
		bytes.NewBufferString(`{"reason":"client no-show"}`)), "id", id)
	rec := httptest.NewRecorder()
	h.CancelNotification(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(repo.cancelled) != 1 {
		t.Error("expected cancel to reach the repository")
	}
}

func TestCancelNotification_Conflict(t *testing.T) {
	repo := &mockRepo{cancelErr: db.ErrNotCancellable}
	h, _, _ := newTestHandler(repo)

	id := uuid.New().String()
	req := withURLParam(httptest.NewRequest("POST", "/v1/notifications/"+id+"/cancel", nil), "id", id)
	rec := httptest.NewRecorder()
	h.CancelNotification(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestCancelAppointmentNotifications(t *testing.T) {
	repo := &mockRepo{bulkCount: 3}
	h, _, _ := newTestHandler(repo)

	id := uuid.New().String()
	req := withURLParam(httptest.NewRequest("POST", "/v1/appointments/"+id+"/cancel-notifications", nil), "id", id)
	rec := httptest.NewRecorder()
	h.CancelAppointmentNotifications(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Cancelled int64 `json:"cancelled"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Cancelled != 3 {
		t.Errorf("expected 3 cancelled, got %d", resp.Cancelled)
	}
}

func TestDeliveryWebhook_AppliesEvent(t *testing.T) {
	h, _, applier := newTestHandler(&mockRepo{})

	body := bytes.NewBufferString(`{"message_id":"prov-1","status":"delivered"}`)
	req := httptest.NewRequest("POST", "/v1/webhooks/delivery", body)
	rec := httptest.NewRecorder()
	h.DeliveryWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(applier.events) != 1 || applier.events[0].ProviderMessageID != "prov-1" {
		t.Errorf("expected event applied, got %+v", applier.events)
	}
}

func TestDeliveryWebhook_MalformedBody(t *testing.T) {
	h, _, _ := newTestHandler(&mockRepo{})

	req := httptest.NewRequest("POST", "/v1/webhooks/delivery", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.DeliveryWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestGetQuota(t *testing.T) {
	h, quotas, _ := newTestHandler(&mockRepo{})
	quotas.snapshot = &quota.Snapshot{
		IncludedUnits:     100,
		IncludedUsed:      40,
		RemainingIncluded: 60,
	}

	id := uuid.New().String()
	req := withURLParam(httptest.NewRequest("GET", "/v1/quota/"+id, nil), "tenantID", id)
	rec := httptest.NewRecorder()
	h.GetQuota(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got quota.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.RemainingIncluded != 60 {
		t.Errorf("expected 60 remaining, got %d", got.RemainingIncluded)
	}
}

func TestGrantQuota_Success(t *testing.T) {
	h, quotas, _ := newTestHandler(&mockRepo{})

	id := uuid.New().String()
	body := bytes.NewBufferString(`{"quantity":50,"source":"EXTRA","reference_type":"ADDON_ACTIVATION"}`)
	req := withURLParam(httptest.NewRequest("POST", "/v1/quota/"+id+"/grant", body), "tenantID", id)
	rec := httptest.NewRecorder()
	h.GrantQuota(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if quotas.granted != 50 {
		t.Errorf("expected 50 granted, got %d", quotas.granted)
	}
}

func TestGrantQuota_RejectsNonPositive(t *testing.T) {
	h, quotas, _ := newTestHandler(&mockRepo{})

	id := uuid.New().String()
	body := bytes.NewBufferString(`{"quantity":0}`)
	req := withURLParam(httptest.NewRequest("POST", "/v1/quota/"+id+"/grant", body), "tenantID", id)
	rec := httptest.NewRecorder()
	h.GrantQuota(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if quotas.granted != 0 {
		t.Error("invalid grant must not reach the ledger")
	}
}
