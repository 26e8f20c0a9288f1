package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Iron-Ham/agentwarden/internal/logging"
)

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, message string) error
}

// LogAlerter writes alerts to the supervisor log. It never fails.
type LogAlerter struct {
	logger *logging.Logger
}

// NewLogAlerter returns a LogAlerter.
func NewLogAlerter(logger *logging.Logger) *LogAlerter {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &LogAlerter{logger: logger.WithComponent("alerts")}
}

// Alert implements Alerter.
func (a *LogAlerter) Alert(_ context.Context, message string) error {
	a.logger.Warn("operator alert", "message", message)
	return nil
}

// WebhookAlerter POSTs alerts as JSON ({"text": ..., "source": "agentwarden"})
// to a chat webhook. Any non-2xx response is a delivery failure.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter returns a WebhookAlerter bounded by timeout per attempt.
func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// Alert implements Alerter.
func (a *WebhookAlerter) Alert(ctx context.Context, message string) error {
	body, err := json.Marshal(webhookPayload{Text: message, Source: "agentwarden"})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver alert: webhook returned %s", resp.Status)
	}
	return nil
}
