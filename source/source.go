// Package source fetches and normalizes the latest post for a watchlist item from each upstream platform.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"orbit-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
	maxBodyBytes    = 4 << 20
	excerptRunes    = 280
)

// Adapter fetches the latest post for one watchlist item.
// A nil post with a nil error means the upstream response was well-formed but held no post.
type Adapter interface {
	Platform() notifier.Platform
	Fetch(ctx context.Context, item notifier.WatchlistItem) (*notifier.NormalizedPost, error)
}

// Coster is implemented by adapters whose upstream quota is metered per call.
type Coster interface {
	// Cost returns the number of upstream calls a Fetch for item will make.
	Cost(item notifier.WatchlistItem) int
}

// ErrQuotaExhausted is returned when a metered request has no quota left for a retry.
var ErrQuotaExhausted = errors.New("quota exhausted")

type meterKey struct{}

// WithMeter returns a context whose requests charge take(1) before every retried attempt.
// The first attempt of each request is covered by Coster.Cost.
func WithMeter(ctx context.Context, take func(n int) bool) context.Context {
	return context.WithValue(ctx, meterKey{}, take)
}

func meterFrom(ctx context.Context) func(n int) bool {
	take, _ := ctx.Value(meterKey{}).(func(n int) bool) //nolint:errcheck // absent means unmetered
	return take
}

// Options holds settings shared by all adapters.
type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration // per request attempt
	Attempts  uint
	Delay     time.Duration // base delay between attempts
}

func (o Options) withDefaults(baseURL string) Options {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Attempts == 0 {
		o.Attempts = defaultAttempts
	}
	if o.Delay <= 0 {
		o.Delay = 500 * time.Millisecond
	}
	return o
}

// getter performs retrying GET requests against one platform and maps failures onto the error taxonomy.
type getter struct {
	client   *http.Client
	logger   *slog.Logger
	platform notifier.Platform
	opts     Options
}

func newGetter(client *http.Client, logger *slog.Logger, platform notifier.Platform, opts Options) *getter {
	if client == nil {
		client = &http.Client{}
	}
	return &getter{
		client:   client,
		logger:   logger,
		platform: platform,
		opts:     opts,
	}
}

// get returns the response body for url. Transport errors, timeouts, 429 and 5xx are retried;
// other non-2xx statuses fail immediately.
func (g *getter) get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	var body []byte
	var lastErr error
	take := meterFrom(ctx)
	attempt := 0

	err := retry.Do(
		func() error {
			attempt++
			if attempt > 1 && take != nil && !take(1) {
				g.logger.Info("Quota exhausted, retry abandoned", "platform", g.platform, "attempt", attempt)
				lastErr = &notifier.FetchError{Platform: g.platform, URL: url, Err: ErrQuotaExhausted}
				return retry.Unrecoverable(lastErr)
			}

			reqCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
			if err != nil {
				lastErr = err
				return retry.Unrecoverable(err)
			}
			for k, vs := range header {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
			if g.opts.UserAgent != "" {
				req.Header.Set("User-Agent", g.opts.UserAgent)
			}

			startTime := time.Now()
			resp, err := g.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				g.logger.Warn("HTTP request failed",
					"platform", g.platform,
					"url", url,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				lastErr = &notifier.FetchError{Platform: g.platform, URL: url, Err: err}
				return lastErr
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					g.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			g.logger.Debug("HTTP request completed",
				"platform", g.platform,
				"url", url,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				lastErr = &notifier.FetchError{Platform: g.platform, URL: url, StatusCode: resp.StatusCode}
				if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
					return lastErr
				}
				return retry.Unrecoverable(lastErr)
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				lastErr = &notifier.FetchError{Platform: g.platform, URL: url, Err: fmt.Errorf("read body: %w", err)}
				return lastErr
			}
			body = data
			return nil
		},
		retry.Attempts(g.opts.Attempts),
		retry.Delay(g.opts.Delay),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying upstream fetch after error", "platform", g.platform, "attempt", n, "error", err)
		}),
	)
	if err == nil {
		return body, nil
	}
	if lastErr == nil {
		lastErr = err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		lastErr = &notifier.FetchError{Platform: g.platform, URL: url, Err: ctxErr}
	}
	var fe *notifier.FetchError
	if !errors.As(lastErr, &fe) {
		lastErr = &notifier.FetchError{Platform: g.platform, URL: url, Err: lastErr}
	}
	return nil, lastErr
}

// getJSON fetches url and decodes the body into dest.
func (g *getter) getJSON(ctx context.Context, url string, header http.Header, dest any) error {
	body, err := g.get(ctx, url, header)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(dest); err != nil {
		return &notifier.ParseError{Platform: g.platform, Field: "body", Err: err}
	}
	return nil
}

// cleanHandle strips whitespace and "@" symbols from a user-entered handle.
func cleanHandle(handle string) string {
	handle = strings.Map(func(r rune) rune {
		if r == '@' || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, handle)
	return strings.TrimSpace(handle)
}

// flexID decodes an identifier that upstream APIs send either as a JSON string or a JSON number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", b)
	}
	*f = flexID(n.String())
	return nil
}

// truncateRunes shortens s to at most n runes, appending an ellipsis when cut.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "..."
}
