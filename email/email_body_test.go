package email

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"orbit-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func TestSenderSend(t *testing.T) {
	sender, provider := testSender("")

	res := sender.Send(context.Background(), "a@example.com", "Jack", notifier.Microblog, "just setting up\n\nLink: https://x.com/jack/status/1")
	require.True(t, res.Success, res.Error)

	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "a@example.com", sent[0].To)
	assert.Equal(t, "Orbit Alert: Update from Jack (X)", sent[0].Subject)
	assert.Equal(t, "Jack", sent[0].Handle)
	assert.Equal(t, "X", sent[0].Platform)
	assert.Equal(t, "just setting up\n\nLink: https://x.com/jack/status/1", sent[0].Text)
	assert.Contains(t, sent[0].HTML, "https://x.com/jack/status/1")
}

func TestSenderSendWithoutAddress(t *testing.T) {
	sender, provider := testSender("")
	res := sender.Send(context.Background(), "", "Jack", notifier.Microblog, "x")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, provider.Sent())
}

func TestSendTest(t *testing.T) {
	sender, provider := testSender("https://orbit.example.com")
	res := sender.SendTest(context.Background(), "a@example.com")
	require.True(t, res.Success)
	require.Len(t, provider.Sent(), 1)
	assert.Contains(t, provider.Sent()[0].Text, "test alert")
}

func TestWebhookProvider(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sender := New(NewWebhookProvider(srv.URL, logger), logger, "")

	res := sender.Send(context.Background(), "a@example.com", "r/test", notifier.Forum, "Hello\n\nLink: https://reddit.com/r/test/abc123")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, webhookRequest{
		Email:    "a@example.com",
		Subject:  "Orbit Alert: Update from r/test (Reddit)",
		Text:     "Hello\n\nLink: https://reddit.com/r/test/abc123",
		Handle:   "r/test",
		Platform: "Reddit",
	}, got)
}

func TestWebhookProviderRejected(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "scenario is off", http.StatusBadRequest)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := NewWebhookProvider(srv.URL, logger).Send(context.Background(), Message{To: "a@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario is off")
	assert.Equal(t, 1, calls)
}

func TestWebhookProviderUnconfigured(t *testing.T) {
	err := NewWebhookProvider("", slog.Default()).Send(context.Background(), Message{})
	assert.Error(t, err)
}

func TestBrevoProvider(t *testing.T) {
	var got brevoSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := NewBrevoProvider("key", "alerts@orbit.example.com", "Orbit", slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.endpoint = srv.URL
	b.client = srv.Client()

	err := b.Send(context.Background(), Message{To: "a@example.com", Subject: "s", HTML: "<p>h</p>", Text: "h"})
	require.NoError(t, err)
	assert.Equal(t, "alerts@orbit.example.com", got.Sender.Email)
	assert.Equal(t, []brevoContact{{Email: "a@example.com"}}, got.To)
	assert.Equal(t, "<p>h</p>", got.HTML)
}

func TestBrevoProviderRejected(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"code":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewBrevoProvider("bad", "alerts@orbit.example.com", "Orbit", slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.endpoint = srv.URL
	b.client = srv.Client()

	err := b.Send(context.Background(), Message{To: "a@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brevo: HTTP 401")
	assert.Equal(t, 1, calls)
}

func TestGmailProviderClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.True(t, strings.HasSuffix(r.URL.Path, "/users/me/messages/send"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"Invalid To header"}}`)
	}))
	defer srv.Close()

	ctx := context.Background()
	svc, err := gmail.NewService(ctx, option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	g := NewGmailProvider(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err = g.Send(ctx, Message{To: "a@example.com", Subject: "s", HTML: "<p>h</p>"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid To header")
	assert.Equal(t, 1, calls)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code        int
		wantErr     bool
		recoverable bool
	}{
		{http.StatusOK, false, false},
		{http.StatusAccepted, false, false},
		{http.StatusBadRequest, true, false},
		{http.StatusNotFound, true, false},
		{http.StatusTooManyRequests, true, true},
		{http.StatusBadGateway, true, true},
	}
	for _, tt := range tests {
		err := classifyStatus("webhook", tt.code, "")
		if !tt.wantErr {
			assert.NoError(t, err, "status %d", tt.code)
			continue
		}
		require.Error(t, err, "status %d", tt.code)
		assert.Equal(t, tt.recoverable, retry.IsRecoverable(err), "status %d", tt.code)
	}
}

func TestBuildMIME(t *testing.T) {
	raw := buildMIME(Message{To: "a@example.com\r\nBcc: x@example.com", Subject: "Orbit Alert", HTML: "<p>x</p>"})
	assert.NotEmpty(t, raw)
	assert.False(t, strings.ContainsAny(raw, "\r\n"))
}
