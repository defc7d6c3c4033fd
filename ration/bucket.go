package ration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// BucketState is the persisted form of a token bucket.
type BucketState struct {
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	Tokens    float64   `json:"tokens" db:"tokens"`
}

// BucketStore persists bucket state between cycles.
type BucketStore interface {
	// LoadBucket returns the saved state for name. A missing state is reported with found == false.
	LoadBucket(ctx context.Context, name string) (state BucketState, found bool, err error)
	SaveBucket(ctx context.Context, name string, state BucketState) error
}

// BucketConfig sizes a bucket.
type BucketConfig struct {
	Name           string
	CallsPerWindow int
	Window         time.Duration
	Burst          int
}

// Enabled reports whether the config describes a usable bucket.
func (c BucketConfig) Enabled() bool {
	return c.CallsPerWindow > 0 && c.Window > 0 && c.Burst > 0
}

// Bucket meters upstream calls across cycles. Safe for concurrent use.
type Bucket struct {
	limiter *rate.Limiter
	store   BucketStore
	logger  *slog.Logger
	now     func() time.Time
	name    string
}

// LoadBucket restores the named bucket from store, starting full when nothing was saved.
func LoadBucket(ctx context.Context, store BucketStore, cfg BucketConfig, logger *slog.Logger, now func() time.Time) (*Bucket, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("bucket %q: calls per window, window and burst must be positive", cfg.Name)
	}
	if now == nil {
		now = time.Now
	}
	limit := rate.Limit(float64(cfg.CallsPerWindow) / cfg.Window.Seconds())
	limiter := rate.NewLimiter(limit, cfg.Burst)

	state, found, err := store.LoadBucket(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("load bucket %q: %w", cfg.Name, err)
	}
	if found {
		restore(limiter, state, cfg.Burst)
	}

	b := &Bucket{
		limiter: limiter,
		store:   store,
		logger:  logger,
		now:     now,
		name:    cfg.Name,
	}
	logger.Debug("Quota bucket loaded", "bucket", cfg.Name, "found", found, "tokens", b.Tokens())
	return b, nil
}

// restore rebuilds a saved level. The limiter only spends whole tokens, so the deficit is rounded
// up and spent slightly before UpdatedAt; the refill over that gap puts back the fractional part.
func restore(limiter *rate.Limiter, state BucketState, burst int) {
	missing := float64(burst) - state.Tokens
	if missing <= 0 {
		return
	}
	deficit := min(int(math.Ceil(missing)), burst)
	at := state.UpdatedAt
	if frac := float64(deficit) - missing; frac > 0 && limiter.Limit() > 0 {
		at = at.Add(-time.Duration(frac / float64(limiter.Limit()) * float64(time.Second)))
	}
	limiter.AllowN(at, deficit)
}

// Take consumes n tokens if they are available and reports whether it did.
func (b *Bucket) Take(n int) bool {
	return b.limiter.AllowN(b.now(), n)
}

// Tokens returns the current token count.
func (b *Bucket) Tokens() float64 {
	return b.limiter.TokensAt(b.now())
}

// Save writes the current level back to the store.
func (b *Bucket) Save(ctx context.Context) error {
	now := b.now()
	state := BucketState{Tokens: b.limiter.TokensAt(now), UpdatedAt: now}
	if err := b.store.SaveBucket(ctx, b.name, state); err != nil {
		return fmt.Errorf("save bucket %q: %w", b.name, err)
	}
	b.logger.Debug("Quota bucket saved", "bucket", b.name, "tokens", state.Tokens)
	return nil
}
