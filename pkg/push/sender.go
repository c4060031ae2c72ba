// Package push implements the notification dispatch capability: a thin
// fire-and-forget HTTP client for a push gateway. Send failures are logged
// by callers, never retried.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/geopulse/geopulse/pkg/logx"
)

// Payload is the wire shape of a notification
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Sender dispatches a payload to a device token
type Sender interface {
	Send(ctx context.Context, token string, payload Payload) error
}

// Config holds push gateway settings
type Config struct {
	GatewayURL string        `json:"gateway_url"`
	APIKey     string        `json:"api_key"`
	Timeout    time.Duration `json:"timeout"`
}

// DefaultConfig returns default gateway settings
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
	}
}

// HTTPSender posts notifications to a push gateway endpoint
type HTTPSender struct {
	config     Config
	logger     *logx.Logger
	httpClient *http.Client
}

// NewHTTPSender creates a gateway-backed sender
func NewHTTPSender(config Config, logger *logx.Logger) *HTTPSender {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &HTTPSender{
		config: config,
		logger: logger,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type gatewayRequest struct {
	To           string  `json:"to"`
	Notification Payload `json:"notification"`
}

// Send posts the payload for the given token. A non-2xx gateway response
// is an error; the caller decides whether that matters.
func (s *HTTPSender) Send(ctx context.Context, token string, payload Payload) error {
	body, err := json.Marshal(gatewayRequest{To: token, Notification: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push gateway error: %d %s - %s",
			resp.StatusCode, resp.Status, string(detail))
	}

	s.logger.Debug("push dispatched",
		"title", payload.Title,
		"bytes", len(body),
	)
	return nil
}
