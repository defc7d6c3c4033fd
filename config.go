package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"orbit-notifier/pkg/notifier"

	_ "github.com/joho/godotenv/autoload" // load .env when present
	"github.com/sethvargo/go-envconfig"
)

// config is read from the environment (and an optional .env file).
type config struct {
	PlatformSkip map[string]float64 `env:"PLATFORM_SKIP_PROBABILITY"` // e.g. "microblog:0.5,forum:0.1"

	Port      string `env:"PORT, default=8080"`
	LogLevel  string `env:"LOG_LEVEL, default=INFO"`
	LogFormat string `env:"LOG_FORMAT, default=json"`
	AppURL    string `env:"APP_URL"`

	CronSecret string `env:"CRON_SECRET"`
	Schedule   string `env:"SCHEDULE"`

	CycleSkipProbability float64 `env:"CYCLE_SKIP_PROBABILITY, default=0.35"`
	QuotaPlatform        string  `env:"QUOTA_PLATFORM, default=microblog"`

	QuotaCallsPerWindow int           `env:"QUOTA_CALLS_PER_WINDOW, default=500"`
	QuotaWindow         time.Duration `env:"QUOTA_WINDOW, default=720h"`
	QuotaBurst          int           `env:"QUOTA_BURST, default=10"`

	RequestTimeout          time.Duration `env:"REQUEST_TIMEOUT, default=10s"`
	ChannelTimeout          time.Duration `env:"CHANNEL_TIMEOUT, default=20s"`
	PlatformConcurrency     int           `env:"PLATFORM_CONCURRENCY, default=4"`
	CycleDeadline           time.Duration `env:"CYCLE_DEADLINE, default=50s"`
	CommitOnDeliveryFailure bool          `env:"COMMIT_ON_DELIVERY_FAILURE, default=true"`
	MaxDeliveryRetries      int           `env:"MAX_DELIVERY_RETRIES, default=3"`

	RapidAPIKey      string `env:"RAPIDAPI_KEY"`
	RapidAPIHost     string `env:"RAPIDAPI_HOST"`
	MicroblogBaseURL string `env:"MICROBLOG_BASE_URL"`
	ForumBaseURL     string `env:"FORUM_BASE_URL"`
	VideoFeedBaseURL string `env:"VIDEOFEED_BASE_URL"`
	ForumUserAgent   string `env:"FORUM_USER_AGENT"`

	DatabaseURL   string `env:"DATABASE_URL"`
	StorageBucket string `env:"STORAGE_BUCKET"`
	LocalStorage  string `env:"LOCAL_STORAGE"`
	ProfileSalt   string `env:"PROFILE_KEY_SALT, default=orbit-notifier"`

	EmailProvider   string `env:"EMAIL_PROVIDER"`
	EmailWebhookURL string `env:"EMAIL_WEBHOOK_URL"`
	BrevoAPIKey     string `env:"BREVO_API_KEY"`
	EmailFrom       string `env:"EMAIL_FROM"`
	EmailFromName   string `env:"EMAIL_FROM_NAME, default=Orbit"`
	GoogleCredsJSON string `env:"GOOGLE_CREDENTIALS_JSON"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `env:"TWILIO_FROM"`
}

func loadConfig(ctx context.Context) (*config, error) {
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if cfg.CycleSkipProbability < 0 || cfg.CycleSkipProbability > 1 {
		return nil, fmt.Errorf("CYCLE_SKIP_PROBABILITY must be within [0, 1], got %v", cfg.CycleSkipProbability)
	}
	if _, err := notifier.ParsePlatform(cfg.QuotaPlatform); err != nil {
		return nil, fmt.Errorf("QUOTA_PLATFORM: %w", err)
	}
	if _, err := cfg.platformSkip(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// platformSkip converts PLATFORM_SKIP_PROBABILITY keys (platform names or aliases) to platforms.
func (c *config) platformSkip() (map[notifier.Platform]float64, error) {
	out := make(map[notifier.Platform]float64, len(c.PlatformSkip))
	for name, p := range c.PlatformSkip {
		platform, err := notifier.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("PLATFORM_SKIP_PROBABILITY: %w", err)
		}
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("PLATFORM_SKIP_PROBABILITY: %s must be within [0, 1], got %v", name, p)
		}
		out[platform] = p
	}
	return out, nil
}

func (c *config) quotaPlatform() notifier.Platform {
	p, _ := notifier.ParsePlatform(c.QuotaPlatform) //nolint:errcheck // validated in loadConfig
	return p
}

// newLogger builds the process logger. Unknown levels fall back to INFO.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
