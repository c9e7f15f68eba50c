package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestWhatsAppGateway_Send(t *testing.T) {
	tenantID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}

		var req struct {
			Instance string `json:"instance"`
			Phone    string `json:"phone"`
			Text     string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Instance != tenantID.String() {
			t.Errorf("expected instance %s, got %s", tenantID, req.Instance)
		}
		if req.Phone != "+5511999990000" {
			t.Errorf("unexpected phone %s", req.Phone)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "wamid-123"})
	}))
	defer srv.Close()

	g := NewWhatsAppGateway(WhatsAppConfig{BaseURL: srv.URL, APIKey: "secret"}, zap.NewNop())

	result, err := g.Send(context.Background(), tenantID, "+5511999990000", "olá")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProviderMessageID != "wamid-123" {
		t.Errorf("expected wamid-123, got %s", result.ProviderMessageID)
	}
}

func TestWhatsAppGateway_NotFoundMapsToNotConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	g := NewWhatsAppGateway(WhatsAppConfig{BaseURL: srv.URL}, zap.NewNop())

	_, err := g.Send(context.Background(), uuid.New(), "+5511999990000", "olá")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestWhatsAppGateway_ServerErrorIsTechnical(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewWhatsAppGateway(WhatsAppConfig{BaseURL: srv.URL}, zap.NewNop())

	_, err := g.Send(context.Background(), uuid.New(), "+5511999990000", "olá")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrNotConfigured) {
		t.Error("5xx must not map to ErrNotConfigured")
	}
}

func TestWhatsAppGateway_MissingMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	g := NewWhatsAppGateway(WhatsAppConfig{BaseURL: srv.URL}, zap.NewNop())

	if _, err := g.Send(context.Background(), uuid.New(), "+5511999990000", "olá"); err == nil {
		t.Fatal("empty message id must be an error, the reconciler cannot join without it")
	}
}
