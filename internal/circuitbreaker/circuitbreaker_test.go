package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/channel"
)

func testConfig() Config {
	return Config{
		Name:                "test",
		MaxFailures:         3,
		RecoveryTimeout:     50 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := New(testConfig(), zap.NewNop())

	if cb.GetState() != StateClosed {
		t.Errorf("expected closed, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Error("closed breaker should allow requests")
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := New(testConfig(), zap.NewNop())

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("should stay closed under the threshold")
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("open breaker must reject requests")
	}
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	cb := New(testConfig(), zap.NewNop())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Error("non-consecutive failures must not open the breaker")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := New(testConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(60 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("breaker should allow a probe after the recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("only one probe allowed while half-open")
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Errorf("successful probe should close the breaker, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := New(testConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected probe allowed")
	}
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Errorf("failed probe should reopen the breaker, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(testConfig(), zap.NewNop())

	cb.Allow()
	cb.RecordFailure()

	stats := cb.Stats()
	if stats.Name != "test" {
		t.Errorf("expected name test, got %s", stats.Name)
	}
	if stats.TotalRequests != 1 {
		t.Errorf("expected 1 request, got %d", stats.TotalRequests)
	}
	if stats.TotalFailures != 1 {
		t.Errorf("expected 1 failure, got %d", stats.TotalFailures)
	}
}

type stubBackend struct {
	err   error
	calls int
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Send(ctx context.Context, tenantID uuid.UUID, to, text string) (*channel.SendResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &channel.SendResult{ProviderMessageID: "id-1"}, nil
}

func TestProtectedBackend_PassesThroughSuccess(t *testing.T) {
	backend := &stubBackend{}
	p := NewProtectedBackend(backend, New(testConfig(), zap.NewNop()), zap.NewNop())

	result, err := p.Send(context.Background(), uuid.New(), "+55119", "oi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProviderMessageID != "id-1" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestProtectedBackend_OpensAfterFailures(t *testing.T) {
	backend := &stubBackend{err: errors.New("down")}
	p := NewProtectedBackend(backend, New(testConfig(), zap.NewNop()), zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := p.Send(context.Background(), uuid.New(), "+55119", "oi"); err == nil {
			t.Fatal("expected error")
		}
	}

	_, err := p.Send(context.Background(), uuid.New(), "+55119", "oi")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if backend.calls != 3 {
		t.Errorf("open breaker must not reach the backend, got %d calls", backend.calls)
	}
}

func TestProtectedBackend_NotConfiguredIsNotABreakerFailure(t *testing.T) {
	backend := &stubBackend{err: channel.ErrNotConfigured}
	breaker := New(testConfig(), zap.NewNop())
	p := NewProtectedBackend(backend, breaker, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := p.Send(context.Background(), uuid.New(), "+55119", "oi")
		if !errors.Is(err, channel.ErrNotConfigured) {
			t.Fatalf("expected ErrNotConfigured, got %v", err)
		}
	}

	if breaker.GetState() != StateClosed {
		t.Error("tenant misconfiguration must not open the provider breaker")
	}
}
