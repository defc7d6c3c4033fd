package ration

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"orbit-notifier/pkg/notifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *rand.Rand {
	return rand.New(rand.NewPCG(42, 7))
}

func TestShouldRunStatistics(t *testing.T) {
	g := NewGate(GateConfig{SkipProb: 0.35}, seeded())

	const flips = 10000
	skipped := 0
	for range flips {
		if !g.ShouldRun() {
			skipped++
		}
	}
	rate := float64(skipped) / flips
	if math.Abs(rate-0.35) > 0.02 {
		t.Errorf("skip rate = %.4f, want 0.35 +/- 0.02", rate)
	}
}

func TestShouldRunExtremes(t *testing.T) {
	always := NewGate(GateConfig{SkipProb: 0}, seeded())
	never := NewGate(GateConfig{SkipProb: 1}, seeded())
	for range 100 {
		assert.True(t, always.ShouldRun())
		assert.False(t, never.ShouldRun())
	}
}

func TestSkipPlatform(t *testing.T) {
	g := NewGate(GateConfig{PlatformSkip: map[notifier.Platform]float64{notifier.Microblog: 1}}, seeded())
	assert.True(t, g.SkipPlatform(notifier.Microblog))
	assert.False(t, g.SkipPlatform(notifier.Forum))
}

func TestSamplePicksExactlyOne(t *testing.T) {
	g := NewGate(GateConfig{QuotaPlatform: notifier.Microblog}, seeded())
	items := []notifier.WatchlistItem{
		{ID: "m1", Platform: notifier.Microblog},
		{ID: "f1", Platform: notifier.Forum},
		{ID: "m2", Platform: notifier.Microblog},
		{ID: "v1", Platform: notifier.VideoFeed},
		{ID: "m3", Platform: notifier.Microblog},
	}

	seen := map[string]int{}
	for range 300 {
		out := g.Sample(items)
		require.Len(t, out, 3)
		var micro []string
		for _, it := range out {
			if it.Platform == notifier.Microblog {
				micro = append(micro, it.ID)
			}
		}
		require.Len(t, micro, 1)
		seen[micro[0]]++
	}
	assert.Len(t, seen, 3, "every constrained item should be chosen at some point")
}

func TestSampleSingleConstrainedItem(t *testing.T) {
	g := NewGate(GateConfig{QuotaPlatform: notifier.Microblog}, seeded())
	items := []notifier.WatchlistItem{{ID: "m1", Platform: notifier.Microblog}, {ID: "f1", Platform: notifier.Forum}}
	assert.Equal(t, items, g.Sample(items))
}

type memBucketStore struct {
	states map[string]BucketState
	mu     sync.Mutex
}

func (m *memBucketStore) LoadBucket(_ context.Context, name string) (BucketState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	return s, ok, nil
}

func (m *memBucketStore) SaveBucket(_ context.Context, name string, s BucketState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = map[string]BucketState{}
	}
	m.states[name] = s
	return nil
}

func TestBucketPersistence(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &memBucketStore{}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cfg := BucketConfig{Name: "microblog", CallsPerWindow: 3600, Window: time.Hour, Burst: 10}

	b, err := LoadBucket(ctx, store, cfg, logger, clock)
	require.NoError(t, err)
	assert.InDelta(t, 10, b.Tokens(), 0.001)

	assert.True(t, b.Take(2))
	assert.True(t, b.Take(6))
	assert.False(t, b.Take(3))
	require.NoError(t, b.Save(ctx))
	assert.InDelta(t, 2, store.states["microblog"].Tokens, 0.001)

	// Same instant: the level is restored.
	b2, err := LoadBucket(ctx, store, cfg, logger, clock)
	require.NoError(t, err)
	assert.InDelta(t, 2, b2.Tokens(), 0.001)

	// Three seconds later at one token per second.
	now = now.Add(3 * time.Second)
	b3, err := LoadBucket(ctx, store, cfg, logger, clock)
	require.NoError(t, err)
	assert.InDelta(t, 5, b3.Tokens(), 0.001)

	// Refill never exceeds burst.
	now = now.Add(time.Hour)
	b4, err := LoadBucket(ctx, store, cfg, logger, clock)
	require.NoError(t, err)
	assert.InDelta(t, 10, b4.Tokens(), 0.001)
}

func TestBucketKeepsFractionalRefill(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &memBucketStore{}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	// About one token every 86 minutes.
	cfg := BucketConfig{Name: "microblog", CallsPerWindow: 500, Window: 720 * time.Hour, Burst: 10}
	perSecond := 500 / (720 * time.Hour).Seconds()

	b, err := LoadBucket(ctx, store, cfg, logger, clock)
	require.NoError(t, err)
	require.True(t, b.Take(10))
	require.NoError(t, b.Save(ctx))

	// Each 10-minute cycle loads and saves, refilling a fraction of a token.
	for i := 1; i <= 6; i++ {
		now = now.Add(10 * time.Minute)
		b, err = LoadBucket(ctx, store, cfg, logger, clock)
		require.NoError(t, err)
		require.NoError(t, b.Save(ctx))
		assert.InDelta(t, float64(i)*600*perSecond, store.states["microblog"].Tokens, 1e-6, "cycle %d", i)
	}

	for range 138 {
		now = now.Add(10 * time.Minute)
		b, err = LoadBucket(ctx, store, cfg, logger, clock)
		require.NoError(t, err)
		require.NoError(t, b.Save(ctx))
	}
	assert.InDelta(t, 10, b.Tokens(), 1e-6)
	assert.True(t, b.Take(2))
}

func TestBucketConfigDisabled(t *testing.T) {
	_, err := LoadBucket(context.Background(), &memBucketStore{}, BucketConfig{Name: "x"}, slog.Default(), nil)
	assert.Error(t, err)
}
