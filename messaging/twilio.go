// Package messaging delivers short alerts to phones over WhatsApp.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	twilioBaseURL  = "https://api.twilio.com"
	sandboxSender  = "+14155238886"
	whatsappPrefix = "whatsapp:"
)

// Provider sends one text message to one phone number.
type Provider interface {
	Send(ctx context.Context, to, body string) error
}

// TwilioConfig holds Twilio credentials and the sending number.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string // defaults to the WhatsApp sandbox number
	BaseURL    string
}

// TwilioProvider sends WhatsApp messages through the Twilio Messages API.
type TwilioProvider struct {
	cfg    TwilioConfig
	client *http.Client
	logger *slog.Logger
}

// NewTwilioProvider creates a Twilio WhatsApp provider.
func NewTwilioProvider(cfg TwilioConfig, logger *slog.Logger) *TwilioProvider {
	if cfg.From == "" {
		cfg.From = sandboxSender
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TwilioProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 20 * time.Second},
		logger: logger,
	}
}

// whatsappAddress prefixes num with "whatsapp:" unless it already is.
func whatsappAddress(num string) string {
	num = strings.TrimSpace(num)
	if strings.HasPrefix(num, whatsappPrefix) {
		return num
	}
	return whatsappPrefix + num
}

type twilioMessage struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"` // set on error responses
	Code    int    `json:"code"`
}

// Send posts one WhatsApp message.
func (t *TwilioProvider) Send(ctx context.Context, to, body string) error {
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return fmt.Errorf("twilio credentials are not configured")
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.cfg.BaseURL, url.PathEscape(t.cfg.AccountSID))
	form := url.Values{}
	form.Set("To", whatsappAddress(to))
	form.Set("From", whatsappAddress(t.cfg.From))
	form.Set("Body", body)
	encoded := form.Encode()

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("new request: %w", err))
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

			startTime := time.Now()
			resp, err := t.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				t.logger.Warn("Twilio request failed, will retry", "to", to, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					t.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			var msg twilioMessage
			data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			if err == nil && len(data) > 0 {
				if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
					t.logger.Debug("Twilio response is not JSON", "error", jsonErr)
				}
			}

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				statusErr := fmt.Errorf("twilio: HTTP %d: code %d: %s", resp.StatusCode, msg.Code, msg.Message)
				t.logger.Warn("Twilio returned non-2xx status", "status_code", resp.StatusCode, "code", msg.Code, "to", to)
				if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(statusErr)
				}
				return statusErr
			}

			t.logger.Info("WhatsApp message queued",
				"to", to,
				"sid", msg.SID,
				"status", msg.Status,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying WhatsApp send after error", "attempt", n, "error", err)
		}),
	)
}
