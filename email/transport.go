package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
)

// retryOpts are the delivery retry settings shared by every provider.
func retryOpts(ctx context.Context, logger *slog.Logger, provider string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10 * time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send after error", "provider", provider, "attempt", n, "error", err)
		}),
	}
}

// classifyStatus returns nil for 2xx. Client errors other than 429 are unrecoverable.
func classifyStatus(provider string, code int, detail string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("%s: HTTP %d", provider, code)
	if detail = strings.TrimSpace(detail); detail != "" {
		err = fmt.Errorf("%s: HTTP %d: %s", provider, code, detail)
	}
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return retry.Unrecoverable(err)
	}
	return err
}

// classifyAPIError applies the same rule to errors from Google API clients.
func classifyAPIError(provider string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if classified := classifyStatus(provider, apiErr.Code, apiErr.Message); classified != nil {
			return classified
		}
	}
	return err
}

// postJSON delivers one JSON request for msg, retrying transport errors, 429 and 5xx.
func postJSON(ctx context.Context, client *http.Client, logger *slog.Logger, provider, url string, header http.Header, body []byte, to string) error {
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			for k, vs := range header {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}

			logger.Debug("Email API request starting", "provider", provider, "to", to)
			startTime := time.Now()
			resp, err := client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				logger.Warn("Email API request failed, will retry",
					"provider", provider,
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck // best-effort detail
				logger.Warn("Email API returned non-2xx status", "provider", provider, "status_code", resp.StatusCode, "to", to)
				return classifyStatus(provider, resp.StatusCode, string(detail))
			}

			logger.Info("Email API request completed",
				"provider", provider,
				"to", to,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retryOpts(ctx, logger, provider)...,
	)
}
