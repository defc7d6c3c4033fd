package email

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// WebhookProvider posts each email as JSON to an automation webhook that performs the actual send.
type WebhookProvider struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookProvider creates a webhook email provider.
func NewWebhookProvider(url string, logger *slog.Logger) *WebhookProvider {
	return &WebhookProvider{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

type webhookRequest struct {
	Email    string `json:"email"`
	Subject  string `json:"subject"`
	Text     string `json:"text"`
	Handle   string `json:"handle"`
	Platform string `json:"platform"`
}

// Send posts msg to the webhook.
func (w *WebhookProvider) Send(ctx context.Context, msg Message) error {
	if w.url == "" {
		return fmt.Errorf("webhook URL is not configured")
	}
	jsonData, err := json.Marshal(webhookRequest{
		Email:    msg.To,
		Subject:  msg.Subject,
		Text:     msg.Text,
		Handle:   msg.Handle,
		Platform: msg.Platform,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return postJSON(ctx, w.client, w.logger, "webhook", w.url, nil, jsonData, msg.To)
}
