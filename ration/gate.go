// Package ration decides how much upstream work a cycle is allowed to do.
package ration

import (
	"math/rand/v2"
	"sync"
	"time"

	"orbit-notifier/pkg/notifier"
)

// GateConfig configures the cycle gate and the sampler.
type GateConfig struct {
	PlatformSkip  map[notifier.Platform]float64
	QuotaPlatform notifier.Platform
	SkipProb      float64
}

// Gate makes the random decisions of a cycle. It never fails.
type Gate struct {
	rng *rand.Rand
	cfg GateConfig
	mu  sync.Mutex
}

// NewGate creates a gate. A nil rng is seeded from the clock.
func NewGate(cfg GateConfig, rng *rand.Rand) *Gate {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &Gate{rng: rng, cfg: cfg}
}

func (g *Gate) float() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64()
}

// ShouldRun reports whether this cycle should do any work.
func (g *Gate) ShouldRun() bool {
	return g.float() >= g.cfg.SkipProb
}

// SkipPlatform reports whether the whole group for p is skipped this cycle.
func (g *Gate) SkipPlatform(p notifier.Platform) bool {
	prob, ok := g.cfg.PlatformSkip[p]
	if !ok || prob <= 0 {
		return false
	}
	return g.float() < prob
}

// QuotaPlatform returns the platform whose items are sampled and metered.
func (g *Gate) QuotaPlatform() notifier.Platform {
	return g.cfg.QuotaPlatform
}

// Sample keeps every item not on the quota platform and exactly one, chosen uniformly,
// of the items that are. The input order of kept items is preserved.
func (g *Gate) Sample(items []notifier.WatchlistItem) []notifier.WatchlistItem {
	var constrained []int
	for i, it := range items {
		if it.Platform == g.cfg.QuotaPlatform {
			constrained = append(constrained, i)
		}
	}
	if len(constrained) <= 1 {
		return items
	}

	g.mu.Lock()
	keep := constrained[g.rng.IntN(len(constrained))]
	g.mu.Unlock()

	out := make([]notifier.WatchlistItem, 0, len(items)-len(constrained)+1)
	for i, it := range items {
		if it.Platform == g.cfg.QuotaPlatform && i != keep {
			continue
		}
		out = append(out, it)
	}
	return out
}
