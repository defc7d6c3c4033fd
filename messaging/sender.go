package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"orbit-notifier/pkg/notifier"
)

const testMessage = "🚀 Orbit Alert: WhatsApp notifications are active! This is a test message."

// Sender implements the messaging channel of the dispatcher.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a messaging sender.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{provider: provider, logger: logger}
}

// Send delivers body to phone.
func (s *Sender) Send(ctx context.Context, phone, displayName string, platform notifier.Platform, body string) notifier.Result {
	if phone == "" {
		return notifier.Failed(errors.New("no phone number"))
	}
	if err := s.provider.Send(ctx, phone, body); err != nil {
		s.logger.Warn("WhatsApp alert failed", "to", phone, "source", displayName, "platform", platform, "error", err)
		return notifier.Failed(err)
	}
	return notifier.Result{Success: true}
}

// SendTest sends a fixed test message.
func (s *Sender) SendTest(ctx context.Context, phone string) notifier.Result {
	if phone == "" {
		return notifier.Failed(errors.New("no phone number"))
	}
	if err := s.provider.Send(ctx, phone, testMessage); err != nil {
		return notifier.Failed(err)
	}
	return notifier.Result{Success: true}
}

// MockProvider logs messages instead of sending them.
type MockProvider struct {
	logger *slog.Logger
	sent   []string
	mu     sync.Mutex
}

// NewMockProvider creates a mock messaging provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send logs the message.
func (m *MockProvider) Send(ctx context.Context, to, body string) error {
	m.mu.Lock()
	m.sent = append(m.sent, to+": "+body)
	m.mu.Unlock()
	m.logger.Info("MOCK WHATSAPP", "to", to, "body_length", len(body))
	return nil
}

// Sent returns "to: body" for every message so far.
func (m *MockProvider) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}
