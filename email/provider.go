// Package email delivers alert emails through pluggable providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"orbit-notifier/pkg/notifier"
)

// Message is one outgoing email. Providers use the fields they need: mail APIs send HTML,
// the webhook forwards the plain text and the raw handle and platform.
type Message struct {
	To       string
	Subject  string
	HTML     string
	Text     string
	Handle   string
	Platform string
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send delivers msg, retrying transient failures itself.
	Send(ctx context.Context, msg Message) error
}

// Sender formats alerts and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	appURL   string // linked from the email footer; may be empty
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, appURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		appURL:   appURL,
	}
}

// Subject is the alert subject line for displayName on platform.
func Subject(displayName string, platform notifier.Platform) string {
	return fmt.Sprintf("Orbit Alert: Update from %s (%s)", displayName, platform.Label())
}

// Send implements the email channel of the dispatcher.
func (s *Sender) Send(ctx context.Context, to, displayName string, platform notifier.Platform, body string) notifier.Result {
	if to == "" {
		return notifier.Failed(errors.New("no email address"))
	}
	msg := Message{
		To:       to,
		Subject:  Subject(displayName, platform),
		HTML:     s.formatAlertBody(displayName, platform, body),
		Text:     body,
		Handle:   displayName,
		Platform: platform.Label(),
	}

	s.logger.Info("Sending alert email", "to", to, "subject", msg.Subject, "platform", platform)
	startTime := time.Now()
	if err := s.provider.Send(ctx, msg); err != nil {
		s.logger.Warn("Alert email failed", "to", to, "duration_ms", time.Since(startTime).Milliseconds(), "error", err)
		return notifier.Failed(err)
	}
	s.logger.Info("Alert email sent", "to", to, "duration_ms", time.Since(startTime).Milliseconds())
	return notifier.Result{Success: true}
}

// SendTest sends a fixed test alert so a subscriber can confirm delivery works.
func (s *Sender) SendTest(ctx context.Context, to string) notifier.Result {
	return s.Send(ctx, to, "Orbit", notifier.Microblog,
		"This is a test alert from Orbit. If you can read this, email notifications are working.\n\nLink: "+s.appURL)
}
