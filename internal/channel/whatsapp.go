package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BackendWhatsApp is the backend name for the WhatsApp HTTP gateway.
const BackendWhatsApp = "whatsapp"

// WhatsAppConfig holds gateway connection settings.
type WhatsAppConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// WhatsAppGateway sends messages through the salon's WhatsApp gateway
// service. Each tenant maps to a gateway instance keyed by tenant id.
type WhatsAppGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewWhatsAppGateway creates a gateway backend.
func NewWhatsAppGateway(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WhatsAppGateway{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (g *WhatsAppGateway) Name() string { return BackendWhatsApp }

type whatsappSendRequest struct {
	Instance string `json:"instance"`
	Phone    string `json:"phone"`
	Text     string `json:"text"`
}

type whatsappSendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send posts the message to the gateway. A 404 means the tenant's instance
// does not exist and maps to ErrNotConfigured; other non-2xx responses are
// technical failures.
func (g *WhatsAppGateway) Send(ctx context.Context, tenantID uuid.UUID, to, text string) (*SendResult, error) {
	body, err := json.Marshal(whatsappSendRequest{
		Instance: tenantID.String(),
		Phone:    to,
		Text:     text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal whatsapp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: no whatsapp instance for tenant %s", ErrNotConfigured, tenantID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("whatsapp gateway returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed whatsappSendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("invalid whatsapp gateway response: %w", err)
	}
	if parsed.MessageID == "" {
		return nil, fmt.Errorf("whatsapp gateway accepted without a message id: %s", string(respBody))
	}

	g.logger.Info("message sent via whatsapp gateway",
		zap.String("tenant_id", tenantID.String()),
		zap.String("provider_message_id", parsed.MessageID),
	)

	return &SendResult{ProviderMessageID: parsed.MessageID}, nil
}
