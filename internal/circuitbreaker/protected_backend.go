package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/channel"
)

// ProtectedBackend wraps a channel backend with a CircuitBreaker. When the
// provider starts failing the circuit opens and sends fail fast, letting
// the worker's retry scheduling absorb the outage instead of every item
// waiting out its send timeout.
type ProtectedBackend struct {
	backend channel.Backend
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedBackend wraps backend with breaker protection.
func NewProtectedBackend(backend channel.Backend, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedBackend {
	return &ProtectedBackend{
		backend: backend,
		breaker: breaker,
		logger:  logger,
	}
}

// Name delegates to the underlying backend.
func (p *ProtectedBackend) Name() string {
	return p.backend.Name()
}

// Send attempts the send through the breaker. A configuration error
// (channel.ErrNotConfigured) is the tenant's problem, not the provider's,
// so it does not count against the failure streak.
func (p *ProtectedBackend) Send(ctx context.Context, tenantID uuid.UUID, to, text string) (*channel.SendResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("tenant_id", tenantID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	result, err := p.backend.Send(ctx, tenantID, to, text)
	if err != nil {
		if !errors.Is(err, channel.ErrNotConfigured) {
			p.breaker.RecordFailure()
		}
		return nil, err
	}

	p.breaker.RecordSuccess()
	return result, nil
}

// Breaker exposes the underlying breaker for monitoring.
func (p *ProtectedBackend) Breaker() *CircuitBreaker {
	return p.breaker
}
