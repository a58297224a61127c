// Package coordinator implements multi-key orchestration: per-key
// Fetcher reuse, in-flight request deduplication, a shared Cache, a
// periodic cleanup scheduler, and batch fetch. Grounded on
// cache-manager/service.go's Service (Config, Metrics, Get, Shutdown
// shape) with request coalescing upgraded from the hand-rolled
// RequestCoalescer to golang.org/x/sync/singleflight, matching
// warming/service.go's choice of the official package.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jsoncache/fetchkit/cache"
	"github.com/jsoncache/fetchkit/clock"
	"github.com/jsoncache/fetchkit/events"
	"github.com/jsoncache/fetchkit/fetcher"
	"github.com/jsoncache/fetchkit/fetcherr"
	"github.com/jsoncache/fetchkit/network"
	"github.com/jsoncache/fetchkit/patternmatch"
	"github.com/jsoncache/fetchkit/retry"
	"github.com/jsoncache/fetchkit/warm"
)

// Config is the Coordinator's construction-time configuration; the
// full set of "Configuration recognised options" with their defaults.
type Config struct {
	MaxCacheSize      int
	DefaultExpiration time.Duration
	CleanupInterval   time.Duration
	MaxAttempts       int
	InitialDelay      time.Duration
	Multiplier        float64
	JitterFraction    float64
	RetryableStatuses map[int]bool
	PerAttemptTimeout time.Duration
	MinBackoff        time.Duration

	// RatePerSecond and Burst optionally throttle outbound network
	// attempts across every key (supplemental, not in the core spec).
	RatePerSecond float64
	Burst         int

	Clock clock.Clock
	// Logger receives bracketed-level lines ("[WARN] ...", "[ERROR] ...")
	// for final fetch failures and lifecycle events, matching the
	// teacher's own log.Printf convention. Defaults to log.Default().
	Logger *log.Logger
}

// DefaultConfig returns spec §6's defaults.
func DefaultConfig() Config {
	return Config{
		MaxCacheSize:      100,
		DefaultExpiration: 5 * time.Minute,
		CleanupInterval:   60 * time.Second,
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		Multiplier:        2,
		JitterFraction:    0.25,
		RetryableStatuses: retry.DefaultRetryableStatuses(),
		PerAttemptTimeout: 10 * time.Second,
		MinBackoff:        100 * time.Millisecond,
	}
}

func (c Config) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       c.MaxAttempts,
		InitialDelay:      c.InitialDelay,
		Multiplier:        c.Multiplier,
		JitterFraction:    c.JitterFraction,
		MinBackoff:        c.MinBackoff,
		RetryableStatuses: c.RetryableStatuses,
	}
}

// Overrides customizes a single key's Fetcher at getFetcher time,
// without mutating the Coordinator's default Config.
type Overrides struct {
	DefaultExpiration *time.Duration
	RetryPolicy       *retry.Policy
	URL               string // read on first use of a key; empty means the key itself
}

// Outcome is one element of FetchMany's result: exactly one of
// Payload or Err is set.
type Outcome struct {
	Key     cache.Key
	Payload cache.Payload
	Err     error
}

// Stats is the monitoring snapshot returned by Stats(). The first six
// fields are spec §4.4's named stats() result; HitCount/MissCount are a
// supplement grounded on monitoring/metrics.go's atomic-counter idiom,
// collapsed from a latency histogram to the plain scalars a caller
// needs to compute a hit ratio.
type Stats struct {
	ActiveFetchers    int
	InflightRequests  int
	CacheSize         int
	MaxCacheSize      int
	ExpiredEntryCount int
	LastCleanupAt     time.Time
	HitCount          int64
	MissCount         int64
}

// Coordinator is the multi-key orchestrator of spec §4.4.
type Coordinator struct {
	cfg    Config
	cache  cache.Cache
	clock  clock.Clock
	bus    *events.Bus
	logger *log.Logger

	mu       sync.Mutex
	fetchers map[cache.Key]*fetcher.Fetcher
	group    singleflight.Group
	limiter  *rate.Limiter

	hitCount  int64
	missCount int64
	inflight  int64

	lastCleanupAt time.Time
	stopCh        chan struct{}
	wg            sync.WaitGroup
	shutdownOnce  sync.Once
	shutdown      bool
}

// New creates a Coordinator bound to cfg and starts its periodic
// cleanup scheduler.
func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), maxInt(cfg.Burst, 1))
	}

	c := &Coordinator{
		cfg:      cfg,
		cache:    cache.NewLRUCache(cfg.MaxCacheSize),
		clock:    cfg.Clock,
		bus:      events.NewBus(),
		logger:   cfg.Logger,
		fetchers: make(map[cache.Key]*fetcher.Fetcher),
		limiter:  limiter,
		stopCh:   make(chan struct{}),
	}
	c.runCleanupScheduler()
	return c
}

// recordResult is the Fetcher.Config.OnResult hook: a rolling hit/miss
// counter pair, grounded on monitoring/metrics.go's atomic-counter
// MetricsCollector.
func (c *Coordinator) recordResult(fromCache bool) {
	if fromCache {
		atomic.AddInt64(&c.hitCount, 1)
		return
	}
	atomic.AddInt64(&c.missCount, 1)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// getFetcher returns the existing Fetcher for key, or creates one
// bound to the shared cache and cfg merged with overrides. Idempotent
// for an equal key once created: overrides only apply on first use.
func (c *Coordinator) getFetcher(key cache.Key, overrides Overrides) (*fetcher.Fetcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.fetchers[key]; ok {
		return f, nil
	}

	expiration := c.cfg.DefaultExpiration
	if overrides.DefaultExpiration != nil {
		expiration = *overrides.DefaultExpiration
	}
	policy := c.cfg.retryPolicy()
	if overrides.RetryPolicy != nil {
		policy = *overrides.RetryPolicy
	}
	url := overrides.URL
	if url == "" {
		url = key
	}

	provider := network.NewHTTPProvider(policy, c.cfg.PerAttemptTimeout)
	if c.limiter != nil {
		provider.WithLimiter(c.limiter)
	}

	f, err := fetcher.New(fetcher.Config{
		CacheKey:          key,
		URL:               url,
		Cache:             c.cache,
		Provider:          provider,
		Clock:             c.clock,
		DefaultExpiration: expiration,
		EventBus:          c.bus,
		OnResult:          c.recordResult,
	})
	if err != nil {
		return nil, err
	}
	c.fetchers[key] = f
	return f, nil
}

// Fetch is the deduplicating entry point of spec §4.4: it joins an
// existing in-flight request for key if one exists, otherwise starts a
// new one and lets concurrent callers join it until it resolves.
func (c *Coordinator) Fetch(ctx context.Context, key cache.Key, overrides Overrides) (cache.Payload, error) {
	return c.fetch(ctx, key, overrides, "")
}

// fetch is Fetch's implementation, taking an optional traceID that
// FetchMany stamps onto its per-key log lines for batch correlation.
func (c *Coordinator) fetch(ctx context.Context, key cache.Key, overrides Overrides, traceID string) (cache.Payload, error) {
	if c.isShutdown() {
		return nil, fetcherr.New(fetcherr.Cancelled, "fetch", key, errShutdown)
	}

	f, err := c.getFetcher(key, overrides)
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&c.inflight, 1)
	defer atomic.AddInt64(&c.inflight, -1)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return f.FetchImpure(ctx)
	})
	if err != nil {
		prefix := ""
		if traceID != "" {
			prefix = fmt.Sprintf("[batch %s] ", traceID)
		}
		if kind, ok := fetcherr.KindOf(err); ok && kind == fetcherr.Cancelled {
			c.logger.Printf("[WARN] %sfetch %q cancelled: %v", prefix, key, err)
		} else {
			c.logger.Printf("[ERROR] %sfetch %q failed: %v", prefix, key, err)
		}
		return nil, err
	}
	return v, nil
}

// FetchMany issues Fetch for every key concurrently and returns a
// parallel Outcome list; one key's failure never cancels the others.
// Stamped with a correlation id that per-key failure lines carry as
// "[batch ...]", so a batch's failures can be grepped together.
func (c *Coordinator) FetchMany(ctx context.Context, keys []cache.Key) []Outcome {
	batchID := uuid.New().String()

	out := make([]Outcome, len(keys))
	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k cache.Key) {
			defer wg.Done()
			payload, err := c.fetch(ctx, k, Overrides{}, batchID)
			out[i] = Outcome{Key: k, Payload: payload, Err: err}
		}(i, k)
	}
	wg.Wait()

	failed := 0
	for _, o := range out {
		if o.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		c.logger.Printf("[WARN] batch %s: %d/%d fetches failed", batchID, failed, len(out))
	} else {
		c.logger.Printf("[INFO] batch %s: %d fetches completed", batchID, len(out))
	}
	return out
}

// CachedValue returns the payload for key if a valid entry exists at
// the current time, promoting it (LRU) as a side effect. A stale entry
// is deleted and none is returned.
func (c *Coordinator) CachedValue(key cache.Key) (cache.Payload, bool) {
	now := c.clock.Now()
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if !entry.ValidAt(now) {
		c.cache.Delete(key)
		return nil, false
	}
	c.cache.Set(key, cache.Entry{Payload: entry.Payload, InsertedAt: now, ExpiresAt: entry.ExpiresAt})
	return entry.Payload, true
}

// ClearCache deletes key's entry, or clears the entire cache if key is
// empty.
func (c *Coordinator) ClearCache(key cache.Key) {
	if key == "" {
		c.cache.Clear()
		return
	}
	c.cache.Delete(key)
}

// ClearCachePattern deletes every cache key matching pattern (wildcard
// or regex), a supplement to the core's single-key ClearCache grounded
// on invalidation/patterns.go.
func (c *Coordinator) ClearCachePattern(pattern string) (int, error) {
	matcher, err := patternmatch.New(pattern)
	if err != nil {
		return 0, err
	}

	var toDelete []cache.Key
	c.cache.Iterate(func(k cache.Key, _ cache.Entry) bool {
		if matcher.Match(k) {
			toDelete = append(toDelete, k)
		}
		return true
	})
	for _, k := range toDelete {
		c.cache.Delete(k)
	}
	return len(toDelete), nil
}

// TriggerCleanup runs the same expiry sweep as the periodic scheduler,
// for tests and manual invocation. It has no separate size pass: the
// cache's own Set already keeps its size within MaxSize.
func (c *Coordinator) TriggerCleanup() {
	now := c.clock.Now()
	c.cache.CleanupExpired(now)

	c.mu.Lock()
	c.lastCleanupAt = now
	c.mu.Unlock()
}

func (c *Coordinator) runCleanupScheduler() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.TriggerCleanup()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stats returns the monitoring snapshot of spec §4.4.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	activeFetchers := len(c.fetchers)
	lastCleanup := c.lastCleanupAt
	c.mu.Unlock()

	expired := 0
	now := c.clock.Now()
	c.cache.Iterate(func(_ cache.Key, e cache.Entry) bool {
		if !e.ValidAt(now) {
			expired++
		}
		return true
	})

	return Stats{
		ActiveFetchers:    activeFetchers,
		InflightRequests:  int(atomic.LoadInt64(&c.inflight)),
		CacheSize:         c.cache.Size(),
		MaxCacheSize:      c.cache.MaxSize(),
		ExpiredEntryCount: expired,
		LastCleanupAt:     lastCleanup,
		HitCount:          atomic.LoadInt64(&c.hitCount),
		MissCount:         atomic.LoadInt64(&c.missCount),
	}
}

// Subscribe delegates to the shared EventBus; all Fetchers for this
// Coordinator notify through the same Bus.
func (c *Coordinator) Subscribe(obs events.Observer) { c.bus.Subscribe(obs) }

// Unsubscribe delegates to the shared EventBus.
func (c *Coordinator) Unsubscribe(obs events.Observer) { c.bus.Unsubscribe(obs) }

// SetRetryPolicy replaces the Fetcher for key with a new instance
// bound to policy, preserving the shared cache, per spec §4.4's
// Fetcher-immutability-respecting reconfiguration.
func (c *Coordinator) SetRetryPolicy(key cache.Key, policy retry.Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.fetchers[key]
	if !ok {
		return fmt.Errorf("coordinator: unknown key %q", key)
	}

	provider := network.NewHTTPProvider(policy, c.cfg.PerAttemptTimeout)
	if c.limiter != nil {
		provider.WithLimiter(c.limiter)
	}
	f, err := fetcher.New(fetcher.Config{
		CacheKey:          key,
		URL:               existing.URL(),
		Cache:             c.cache,
		Provider:          provider,
		Clock:             c.clock,
		DefaultExpiration: existing.DefaultExpiration(),
		EventBus:          c.bus,
		OnResult:          c.recordResult,
	})
	if err != nil {
		return err
	}
	c.fetchers[key] = f
	return nil
}

// WarmMany prefetches keys concurrently through a bounded worker pool,
// a supplement to the core spec grounded on warming/worker_pool.go and
// warming/service.go, sharing this Coordinator's rate limiter.
func (c *Coordinator) WarmMany(ctx context.Context, keys []cache.Key, opts warm.Options) []warm.Outcome {
	return warm.Run(ctx, keys, func(ctx context.Context, k cache.Key) (cache.Payload, error) {
		return c.Fetch(ctx, k, Overrides{})
	}, opts)
}

var errShutdown = shutdownError{}

type shutdownError struct{}

func (shutdownError) Error() string { return "coordinator: shut down" }

func (c *Coordinator) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Shutdown cancels the cleanup scheduler and clears all state. After
// Shutdown, the Coordinator is unusable: subsequent Fetch calls fail.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Printf("[INFO] coordinator shutting down")

		c.mu.Lock()
		c.shutdown = true
		c.mu.Unlock()

		close(c.stopCh)
		c.wg.Wait()

		c.mu.Lock()
		c.fetchers = make(map[cache.Key]*fetcher.Fetcher)
		c.mu.Unlock()
		c.cache.Clear()
		c.bus.Clear()
	})
}
