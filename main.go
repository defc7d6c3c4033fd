// Package main runs the orbit-notifier service: an HTTP trigger (and optional in-process
// schedule) that polls watched social accounts and alerts subscribers of new posts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orbit-notifier/email"
	"orbit-notifier/messaging"
	"orbit-notifier/metrics"
	"orbit-notifier/poll"
	"orbit-notifier/ration"
	"orbit-notifier/server"
	"orbit-notifier/source"
	"orbit-notifier/storage"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	emailProvider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	emailSender := email.New(emailProvider, logger, cfg.AppURL)
	messagingSender := messaging.New(newMessagingProvider(cfg, logger), logger)

	platformSkip, err := cfg.platformSkip()
	if err != nil {
		return err
	}
	gate := ration.NewGate(ration.GateConfig{
		SkipProb:      cfg.CycleSkipProbability,
		PlatformSkip:  platformSkip,
		QuotaPlatform: cfg.quotaPlatform(),
	}, nil)

	mt := metrics.New()
	dispatcher := poll.NewDispatcher(store, emailSender, messagingSender, cfg.ChannelTimeout, logger)
	monitor := poll.New(store, newFetchers(cfg, logger), gate, dispatcher, poll.Config{
		Quota: ration.BucketConfig{
			Name:           string(cfg.quotaPlatform()),
			CallsPerWindow: cfg.QuotaCallsPerWindow,
			Window:         cfg.QuotaWindow,
			Burst:          cfg.QuotaBurst,
		},
		Concurrency:             cfg.PlatformConcurrency,
		CycleDeadline:           cfg.CycleDeadline,
		MaxDeliveryRetries:      cfg.MaxDeliveryRetries,
		CommitOnDeliveryFailure: cfg.CommitOnDeliveryFailure,
	}, logger, poll.WithBuckets(store), poll.WithMetrics(mt))

	srv := server.New(&server.Config{
		Poller:     monitor,
		Store:      store,
		Email:      emailSender,
		Messaging:  messagingSender,
		Metrics:    mt.Handler(),
		Logger:     logger,
		CronSecret: cfg.CronSecret,
	})
	if cfg.CronSecret == "" {
		logger.Warn("CRON_SECRET is not set; management and trigger routes are unauthenticated")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(gctx, cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Schedule != "" {
		sched, err := newScheduler(cfg.Schedule, monitor, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			sched.run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// openStore picks SQL, Cloud Storage or local storage, in that order of precedence.
func openStore(ctx context.Context, cfg *config, logger *slog.Logger) (storage.Store, error) {
	salt := []byte(cfg.ProfileSalt)
	switch {
	case cfg.DatabaseURL != "":
		return storage.OpenSQL(ctx, cfg.DatabaseURL, logger)
	case cfg.StorageBucket != "":
		return storage.NewGCS(ctx, cfg.StorageBucket, salt, logger)
	default:
		dir := cfg.LocalStorage
		if dir == "" {
			dir = "./data"
			logger.Info("No DATABASE_URL or STORAGE_BUCKET set, defaulting to local development mode", "storage_path", dir)
		}
		return storage.NewLocal(dir, salt, logger)
	}
}

// newEmailProvider selects the email transport. Without EMAIL_PROVIDER it infers one from the
// credentials present and falls back to the mock.
func newEmailProvider(ctx context.Context, cfg *config, logger *slog.Logger) (email.Provider, error) {
	kind := cfg.EmailProvider
	if kind == "" {
		switch {
		case cfg.EmailWebhookURL != "":
			kind = "webhook"
		case cfg.BrevoAPIKey != "":
			kind = "brevo"
		case cfg.GoogleCredsJSON != "":
			kind = "gmail"
		default:
			kind = "mock"
		}
	}

	switch kind {
	case "webhook":
		if cfg.EmailWebhookURL == "" {
			return nil, errors.New("EMAIL_WEBHOOK_URL is required for the webhook email provider")
		}
		logger.Info("Using webhook email provider")
		return email.NewWebhookProvider(cfg.EmailWebhookURL, logger), nil
	case "brevo":
		if cfg.BrevoAPIKey == "" || cfg.EmailFrom == "" {
			return nil, errors.New("BREVO_API_KEY and EMAIL_FROM are required for the brevo email provider")
		}
		logger.Info("Using Brevo email provider", "from", cfg.EmailFrom)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailFrom, cfg.EmailFromName, logger), nil
	case "gmail":
		logger.Info("Using Gmail email provider")
		if cfg.GoogleCredsJSON != "" {
			return email.NewGmailProviderFromJSON(ctx, []byte(cfg.GoogleCredsJSON), logger)
		}
		// Application Default Credentials, e.g. the Cloud Run service account.
		svc, err := gmail.NewService(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gmail service: %w", err)
		}
		return email.NewGmailProvider(svc, logger), nil
	case "mock":
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
	return nil, fmt.Errorf("unknown EMAIL_PROVIDER %q", kind)
}

func newMessagingProvider(cfg *config, logger *slog.Logger) messaging.Provider {
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		logger.Info("Mock WhatsApp mode enabled (no TWILIO_ACCOUNT_SID)")
		return messaging.NewMockProvider(logger)
	}
	return messaging.NewTwilioProvider(messaging.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		From:       cfg.TwilioFrom,
	}, logger)
}

func newFetchers(cfg *config, logger *slog.Logger) []poll.Fetcher {
	client := &http.Client{Timeout: 30 * time.Second}
	opts := func(baseURL string) source.Options {
		return source.Options{BaseURL: baseURL, Timeout: cfg.RequestTimeout}
	}
	forumOpts := opts(cfg.ForumBaseURL)
	forumOpts.UserAgent = cfg.ForumUserAgent

	return []poll.Fetcher{
		source.NewMicroblog(source.MicroblogConfig{
			APIKey:  cfg.RapidAPIKey,
			APIHost: cfg.RapidAPIHost,
			Options: opts(cfg.MicroblogBaseURL),
		}, client, logger),
		source.NewForum(forumOpts, client, logger),
		source.NewVideoFeed(opts(cfg.VideoFeedBaseURL), client, logger),
	}
}
