package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type fakeBackend struct {
	name  string
	calls int
	err   error
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Send(ctx context.Context, tenantID uuid.UUID, to, text string) (*SendResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &SendResult{ProviderMessageID: f.name + "-1"}, nil
}

func TestRouter_RoutesToConfiguredBackend(t *testing.T) {
	tenantID := uuid.New()
	wa := &fakeBackend{name: "whatsapp"}
	sms := &fakeBackend{name: "sms"}

	router := NewRouter(StaticResolver{
		Default:   "sms",
		Overrides: map[uuid.UUID]string{tenantID: "whatsapp"},
	}, sms, zap.NewNop(), wa, sms)

	result, err := router.SendMessage(context.Background(), tenantID, "+55119", "oi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wa.calls != 1 || sms.calls != 0 {
		t.Errorf("expected whatsapp backend, got wa=%d sms=%d", wa.calls, sms.calls)
	}
	if result.Backend != "whatsapp" {
		t.Errorf("expected backend label whatsapp, got %s", result.Backend)
	}
}

func TestRouter_DefaultChannel(t *testing.T) {
	wa := &fakeBackend{name: "whatsapp"}
	sms := &fakeBackend{name: "sms"}

	router := NewRouter(StaticResolver{Default: "whatsapp"}, sms, zap.NewNop(), wa, sms)

	if _, err := router.SendMessage(context.Background(), uuid.New(), "+55119", "oi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wa.calls != 1 {
		t.Errorf("expected default channel used, got %d calls", wa.calls)
	}
}

func TestRouter_UnknownChannelIsNotConfigured(t *testing.T) {
	sms := &fakeBackend{name: "sms"}
	router := NewRouter(StaticResolver{Default: "telegram"}, sms, zap.NewNop(), sms)

	_, err := router.SendMessage(context.Background(), uuid.New(), "+55119", "oi")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRouter_EmptyChannelIsNotConfigured(t *testing.T) {
	sms := &fakeBackend{name: "sms"}
	router := NewRouter(StaticResolver{}, sms, zap.NewNop(), sms)

	_, err := router.SendMessage(context.Background(), uuid.New(), "+55119", "oi")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRouter_SendDirect(t *testing.T) {
	sms := &fakeBackend{name: "sms"}
	router := NewRouter(StaticResolver{Default: "whatsapp"}, sms, zap.NewNop(), sms)

	result, err := router.SendDirect(context.Background(), "+55119", "oi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sms.calls != 1 {
		t.Error("direct send must use the fallback backend")
	}
	if result.Backend != "sms" {
		t.Errorf("expected backend label sms, got %s", result.Backend)
	}
}

func TestRouter_BackendErrorPassesThrough(t *testing.T) {
	wantErr := errors.New("provider down")
	wa := &fakeBackend{name: "whatsapp", err: wantErr}
	router := NewRouter(StaticResolver{Default: "whatsapp"}, wa, zap.NewNop(), wa)

	_, err := router.SendMessage(context.Background(), uuid.New(), "+55119", "oi")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
}
