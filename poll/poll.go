// Package poll runs polling cycles: fetch the latest post per watchlist item, detect new ones,
// notify subscribers and commit markers.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"orbit-notifier/metrics"
	"orbit-notifier/pkg/notifier"
	"orbit-notifier/ration"
	"orbit-notifier/source"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency   = 4
	defaultCycleDeadline = 50 * time.Second
	commitTimeout        = 10 * time.Second
	skippedMessage       = "Skipped to save resources"
)

// Fetcher fetches the latest post for a watchlist item on one platform.
type Fetcher interface {
	Platform() notifier.Platform
	Fetch(ctx context.Context, item notifier.WatchlistItem) (*notifier.NormalizedPost, error)
}

// coster is implemented by fetchers that spend more than one upstream call per fetch.
type coster interface {
	Cost(item notifier.WatchlistItem) int
}

// Store is the watchlist persistence contract used by a cycle.
type Store interface {
	List(ctx context.Context) ([]notifier.WatchlistItem, error)
	// CommitMarker sets last_seen_id to next only if it still equals expected.
	// It returns notifier.ErrMarkerConflict otherwise.
	CommitMarker(ctx context.Context, itemID, expected, next string) error
}

// Config tunes a Monitor.
type Config struct {
	Quota                   ration.BucketConfig
	Concurrency             int
	CycleDeadline           time.Duration
	MaxDeliveryRetries      int
	CommitOnDeliveryFailure bool
}

// Monitor runs polling cycles.
type Monitor struct {
	store      Store
	buckets    ration.BucketStore // nil disables quota metering
	gate       *ration.Gate
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	fetchers   map[notifier.Platform]Fetcher
	failures   map[string]int // consecutive all-channel delivery failures per item
	cfg        Config
	failMu     sync.Mutex
	cycleMu    sync.Mutex
}

// Option configures optional Monitor collaborators.
type Option func(*Monitor)

// WithBuckets enables quota metering on the gate's quota platform.
func WithBuckets(bs ration.BucketStore) Option {
	return func(m *Monitor) { m.buckets = bs }
}

// WithMetrics records cycle, fetch and delivery metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// New creates a monitor.
func New(store Store, fetchers []Fetcher, gate *ration.Gate, dispatcher *Dispatcher, cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = defaultCycleDeadline
	}
	m := &Monitor{
		store:      store,
		gate:       gate,
		dispatcher: dispatcher,
		logger:     logger,
		fetchers:   make(map[notifier.Platform]Fetcher, len(fetchers)),
		failures:   make(map[string]int),
		cfg:        cfg,
	}
	for _, f := range fetchers {
		m.fetchers[f.Platform()] = f
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics != nil {
		dispatcher.observe = func(channel string, ok bool) {
			m.metrics.Deliveries.WithLabelValues(channel, result(ok)).Inc()
		}
	}
	return m
}

// cycle is the state of one RunCycle call.
type cycle struct {
	summary  *Summary
	pending  map[string]notifier.PendingUpdate
	claimed  map[string]bool
	bucket   *ration.Bucket
	logger   *slog.Logger
	deadline context.Context // expires at the cycle deadline
	detached context.Context // survives the deadline; used for dispatch and commit
	mu       sync.Mutex
}

// claim marks itemID as processed this cycle and reports whether it was not already.
func (c *cycle) claim(itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed[itemID] {
		return false
	}
	c.claimed[itemID] = true
	return true
}

func (c *cycle) addPending(u notifier.PendingUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[u.Item.ID] = u
}

// RunCycle performs one polling cycle. The returned error is fatal for the cycle; markers
// already committed stay committed.
func (m *Monitor) RunCycle(ctx context.Context) (report Report, err error) {
	cycleID := uuid.NewString()
	logger := m.logger.With("cycle_id", cycleID)
	start := time.Now()

	if !m.gate.ShouldRun() {
		logger.Info("Cycle skipped by gate")
		m.observeCycle("skipped", 0)
		return Report{Skipped: true, Message: skippedMessage, CycleID: cycleID, Timestamp: start}, nil
	}

	// Overlapping triggers in one process run one after the other; the marker CAS covers other processes.
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Cycle panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("cycle panic: %v", r)
		}
		if err != nil {
			m.observeCycle("failed", time.Since(start))
		}
	}()

	items, err := m.store.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list watchlist: %w", err)
	}
	logger.Info("Starting cycle", "items", len(items), "timestamp", start.Format(time.RFC3339))

	deadlineCtx, cancel := context.WithTimeout(ctx, m.cfg.CycleDeadline)
	defer cancel()

	c := &cycle{
		summary:  &Summary{},
		pending:  make(map[string]notifier.PendingUpdate),
		claimed:  make(map[string]bool),
		logger:   logger,
		deadline: deadlineCtx,
		detached: context.WithoutCancel(ctx),
	}

	quotaPlatform := m.gate.QuotaPlatform()
	quotaBlocked := false
	if m.buckets != nil && m.cfg.Quota.Enabled() {
		bucket, err := ration.LoadBucket(ctx, m.buckets, m.cfg.Quota, logger, nil)
		if err != nil {
			logger.Warn("Quota state unavailable, skipping quota platform", "platform", quotaPlatform, "error", err)
			quotaBlocked = true
		} else {
			c.bucket = bucket
		}
	}

	groups := make(map[notifier.Platform][]notifier.WatchlistItem)
	for _, item := range m.gate.Sample(items) {
		groups[item.Platform] = append(groups[item.Platform], item)
	}

	var g errgroup.Group
	for _, p := range notifier.Platforms {
		group := groups[p]
		delete(groups, p)
		if len(group) == 0 {
			continue
		}
		if quotaBlocked && p == quotaPlatform {
			c.summary.Add(KindSkip, "", fmt.Sprintf("ℹ️ %s: Skipped (quota state unavailable)", p.Label()))
			continue
		}
		if m.gate.SkipPlatform(p) {
			logger.Info("Platform group skipped by gate", "platform", p, "items", len(group))
			c.summary.Add(KindInfo, "", fmt.Sprintf("ℹ️ %s: Skipped this cycle", p.Label()))
			continue
		}
		g.Go(func() error {
			return m.runGroup(c, p, group)
		})
	}
	for p, group := range groups {
		for _, item := range group {
			logger.Info("Unknown platform on watchlist item", "item_id", item.ID, "platform", p)
			c.summary.Add(KindConfigError, item.ID, fmt.Sprintf("ℹ️ %s: unsupported platform %q", item.Handle, p))
		}
	}
	groupErr := g.Wait()

	if c.bucket != nil {
		if err := c.bucket.Save(c.detached); err != nil {
			logger.Error("Failed to save quota bucket", "error", err)
		}
		if m.metrics != nil {
			m.metrics.QuotaTokens.Set(c.bucket.Tokens())
		}
	}

	report = Report{
		CycleID:   cycleID,
		Timestamp: time.Now(),
		Actions:   c.summary.Actions(),
	}
	m.observeActions(report.Actions)

	if groupErr != nil {
		return report, groupErr
	}

	m.observeCycle("ran", time.Since(start))
	logger.Info("Cycle completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"new_posts", len(c.pending),
		"updates", c.summary.Count(KindUpdate),
		"fetch_errors", c.summary.Count(KindFetchError),
		"deadline_skips", c.summary.Count(KindDeadline))
	return report, nil
}

// runGroup processes one platform's items with bounded concurrency.
func (m *Monitor) runGroup(c *cycle, p notifier.Platform, items []notifier.WatchlistItem) error {
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, item := range items {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Item processing panicked", "item_id", item.ID, "platform", p, "panic", r, "stack", string(debug.Stack()))
					err = fmt.Errorf("item %s panic: %v", item.ID, r)
				}
			}()
			m.processItem(c, item)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) processItem(c *cycle, item notifier.WatchlistItem) {
	if !c.claim(item.ID) {
		c.logger.Debug("Duplicate item ignored", "item_id", item.ID)
		return
	}
	if c.deadline.Err() != nil {
		c.summary.Add(KindDeadline, item.ID, fmt.Sprintf("⏱ %s: not checked (cycle deadline)", item.Handle))
		return
	}

	fetcher, ok := m.fetchers[item.Platform]
	if !ok {
		c.summary.Add(KindConfigError, item.ID, fmt.Sprintf("ℹ️ %s: %s is not configured", item.Handle, item.Platform.Label()))
		return
	}

	fetchCtx := c.deadline
	if c.bucket != nil && item.Platform == m.gate.QuotaPlatform() {
		cost := 1
		if cs, ok := fetcher.(coster); ok {
			cost = cs.Cost(item)
		}
		if !c.bucket.Take(cost) {
			c.logger.Info("Quota exhausted, item skipped", "item_id", item.ID, "cost", cost, "tokens", c.bucket.Tokens())
			c.summary.Add(KindSkip, item.ID, fmt.Sprintf("ℹ️ %s: Skipped (quota exhausted)", item.Handle))
			return
		}
		fetchCtx = source.WithMeter(fetchCtx, c.bucket.Take)
	}

	post, err := fetcher.Fetch(fetchCtx, item)
	if err != nil {
		m.observeFetch(item.Platform, "error")
		if notifier.IsConfigError(err) {
			c.logger.Info("Item skipped due to configuration", "item_id", item.ID, "platform", item.Platform, "error", err)
			c.summary.Add(KindConfigError, item.ID, fmt.Sprintf("ℹ️ %s: %v", item.Handle, err))
			return
		}
		c.logger.Warn("Fetch failed", "item_id", item.ID, "platform", item.Platform, "handle", item.Handle, "error", err)
		c.summary.Add(KindFetchError, item.ID, fmt.Sprintf("⚠️ %s: fetch failed", item.Handle))
		return
	}
	if post == nil {
		m.observeFetch(item.Platform, "empty")
		c.summary.Add(KindNoChange, item.ID, fmt.Sprintf("ℹ️ %s: no posts", item.Handle))
		return
	}
	m.observeFetch(item.Platform, "ok")

	if !IsNew(item, *post) {
		c.logger.Debug("No new post", "item_id", item.ID, "source_id", post.SourceID)
		c.summary.Add(KindNoChange, item.ID, fmt.Sprintf("%s: no change", item.Handle))
		return
	}

	upd := notifier.PendingUpdate{Item: item, Post: *post, ReadMarker: item.Marker()}
	c.addPending(upd)
	m.deliverAndCommit(c, upd)
}

// deliverAndCommit runs after a new post was found. It is not bound by the cycle deadline.
func (m *Monitor) deliverAndCommit(c *cycle, upd notifier.PendingUpdate) {
	item := upd.Item
	logger := c.logger.With("item_id", item.ID, "platform", item.Platform, "source_id", upd.Post.SourceID)
	logger.Info("New post detected", "previous", upd.ReadMarker)

	del, err := m.dispatcher.Dispatch(c.detached, upd)
	if err != nil {
		logger.Warn("Delivery skipped, contact lookup failed", "error", err)
		c.summary.Add(KindDeliveryError, item.ID, fmt.Sprintf("⚠️ %s: contact lookup failed, will retry", upd.Name()))
		return
	}

	if del.AllFailed() && !m.cfg.CommitOnDeliveryFailure {
		attempts := m.recordFailure(item.ID)
		if attempts < m.cfg.MaxDeliveryRetries {
			logger.Warn("All channels failed, marker left for retry", "attempt", attempts, "max", m.cfg.MaxDeliveryRetries)
			c.summary.Add(KindDeliveryError, item.ID, del.Line+" (will retry)")
			return
		}
		logger.Warn("All channels failed, retries exhausted; committing marker", "attempts", attempts)
	}
	m.clearFailures(item.ID)

	commitCtx, cancel := context.WithTimeout(c.detached, commitTimeout)
	defer cancel()
	err = m.store.CommitMarker(commitCtx, item.ID, upd.ReadMarker, upd.Post.SourceID)
	switch {
	case errors.Is(err, notifier.ErrMarkerConflict):
		logger.Warn("Marker changed since fetch, not committed")
		c.summary.Add(KindCommitConflict, item.ID, del.Line+" (marker conflict)")
	case err != nil:
		logger.Error("Failed to commit marker", "error", err)
		c.summary.Add(KindCommitError, item.ID, del.Line+" (marker not saved)")
	case del.Attempted == 0:
		logger.Info("Marker committed without delivery channel")
		c.summary.Add(KindInfo, item.ID, del.Line)
	default:
		logger.Info("Update delivered", "attempted", del.Attempted, "succeeded", del.Succeeded)
		c.summary.Add(KindUpdate, item.ID, del.Line)
	}
}

func (m *Monitor) recordFailure(itemID string) int {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failures[itemID]++
	return m.failures[itemID]
}

func (m *Monitor) clearFailures(itemID string) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	delete(m.failures, itemID)
}

func (m *Monitor) observeCycle(outcome string, d time.Duration) {
	if m.metrics == nil {
		return
	}
	m.metrics.Cycles.WithLabelValues(outcome).Inc()
	if outcome == "ran" {
		m.metrics.CycleDuration.Observe(d.Seconds())
	}
}

func (m *Monitor) observeFetch(p notifier.Platform, res string) {
	if m.metrics != nil {
		m.metrics.Fetches.WithLabelValues(string(p), res).Inc()
	}
}

func (m *Monitor) observeActions(actions []Action) {
	if m.metrics == nil {
		return
	}
	for _, a := range actions {
		m.metrics.Actions.WithLabelValues(string(a.Kind)).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
