package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// NewGmailProviderFromJSON builds the Gmail service from service account or OAuth client credentials.
func NewGmailProviderFromJSON(ctx context.Context, credentialsJSON []byte, logger *slog.Logger) (*GmailProvider, error) {
	svc, err := gmail.NewService(ctx, option.WithCredentialsJSON(credentialsJSON), option.WithScopes(gmail.GmailSendScope))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return NewGmailProvider(svc, logger), nil
}

// sanitizeEmailHeader removes CR, LF and other control characters so a value cannot start a new header.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMIME renders msg as a raw RFC 5322 message, base64url encoded for the Gmail API.
func buildMIME(msg Message) string {
	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(msg.To)))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeEmailHeader(msg.Subject)))
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(msg.HTML)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, msg Message) error {
	// From is set by the Gmail API based on the authenticated account.
	encoded := buildMIME(msg)

	return retry.Do(
		func() error {
			g.logger.Debug("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"to", msg.To,
				"subject", msg.Subject)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed",
					"to", msg.To,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return classifyAPIError("gmail", err)
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", msg.To,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retryOpts(ctx, g.logger, "gmail")...,
	)
}
