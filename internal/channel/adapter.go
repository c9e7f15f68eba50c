// Package channel sends rendered messages through an external messaging
// provider. The pipeline consumes it through the Adapter interface: a
// primary tenant-configured path and a channel-agnostic direct fallback.
package channel

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotConfigured indicates the tenant has no usable primary channel
// (missing instance, disabled integration). The worker treats it as a
// configuration failure and tries the direct fallback once.
var ErrNotConfigured = errors.New("channel not configured for tenant")

// SendResult is the provider's acknowledgement of an accepted message. The
// provider message id is the join key for webhook delivery reconciliation.
type SendResult struct {
	ProviderMessageID string
	Backend           string
}

// Adapter is the pipeline-facing send interface.
type Adapter interface {
	// SendMessage delivers through the tenant's configured channel.
	SendMessage(ctx context.Context, tenantID uuid.UUID, to, text string) (*SendResult, error)
	// SendDirect delivers through the channel-agnostic fallback path.
	SendDirect(ctx context.Context, to, text string) (*SendResult, error)
}

// Backend is a single provider implementation (WhatsApp gateway, SNS SMS,
// SES email) routed to by the Router.
type Backend interface {
	Name() string
	Send(ctx context.Context, tenantID uuid.UUID, to, text string) (*SendResult, error)
}

// ChannelResolver reports which backend name a tenant is configured for.
type ChannelResolver interface {
	ChannelFor(ctx context.Context, tenantID uuid.UUID) (string, error)
}

// StaticResolver resolves tenants from a fixed map with a default, which is
// all the pipeline needs: tenant channel administration lives in the main
// application, this service only reads the outcome.
type StaticResolver struct {
	Default   string
	Overrides map[uuid.UUID]string
}

func (r StaticResolver) ChannelFor(ctx context.Context, tenantID uuid.UUID) (string, error) {
	if name, ok := r.Overrides[tenantID]; ok {
		return name, nil
	}
	return r.Default, nil
}

// Router picks the tenant's configured backend for SendMessage and a fixed
// backend for SendDirect.
type Router struct {
	backends map[string]Backend
	direct   Backend
	resolver ChannelResolver
	logger   *zap.Logger
}

// NewRouter creates a Router. direct is the fallback backend, used when the
// primary path reports ErrNotConfigured; it must not depend on per-tenant
// configuration.
func NewRouter(resolver ChannelResolver, direct Backend, logger *zap.Logger, backends ...Backend) *Router {
	byName := make(map[string]Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	return &Router{
		backends: byName,
		direct:   direct,
		resolver: resolver,
		logger:   logger,
	}
}

// SendMessage routes to the tenant's configured backend. An unknown or
// empty channel name maps to ErrNotConfigured so the worker can fall back.
func (r *Router) SendMessage(ctx context.Context, tenantID uuid.UUID, to, text string) (*SendResult, error) {
	name, err := r.resolver.ChannelFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	backend, ok := r.backends[name]
	if !ok {
		r.logger.Debug("no backend for tenant channel",
			zap.String("tenant_id", tenantID.String()),
			zap.String("channel", name),
		)
		return nil, ErrNotConfigured
	}

	res, err := backend.Send(ctx, tenantID, to, text)
	if res != nil {
		res.Backend = name
	}
	return res, err
}

// SendDirect sends through the fallback backend.
func (r *Router) SendDirect(ctx context.Context, to, text string) (*SendResult, error) {
	res, err := r.direct.Send(ctx, uuid.Nil, to, text)
	if res != nil {
		res.Backend = r.direct.Name()
	}
	return res, err
}
