package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jsoncache/fetchkit/cache"
	"github.com/jsoncache/fetchkit/cacheop"
	"github.com/jsoncache/fetchkit/clock"
	"github.com/jsoncache/fetchkit/events"
	"github.com/jsoncache/fetchkit/fetcher"
	"github.com/jsoncache/fetchkit/network"
	"github.com/jsoncache/fetchkit/warm"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

// slowOnceProvider blocks the first call until release is closed, letting
// tests observe deduplication deterministically, and counts invocations.
type slowOnceProvider struct {
	calls   int32
	release chan struct{}
	payload cache.Payload
}

func newSlowOnceProvider(payload cache.Payload) *slowOnceProvider {
	return &slowOnceProvider{release: make(chan struct{}), payload: payload}
}

func (p *slowOnceProvider) Fetch(ctx context.Context, url string) (cache.Payload, error) {
	atomic.AddInt32(&p.calls, 1)
	<-p.release
	return p.payload, nil
}

func newCoordinatorForTest(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	cfg.CleanupInterval = time.Hour // don't let the scheduler race with assertions
	return New(cfg)
}

func TestFetchDeduplicatesConcurrentCallers(t *testing.T) {
	c := newCoordinatorForTest(DefaultConfig())
	defer c.Shutdown()

	provider := newSlowOnceProvider("payload")
	f, err := fetcher.New(fetcher.Config{
		CacheKey:          "k",
		URL:               "https://example.com/k",
		Cache:             c.cache,
		Provider:          provider,
		Clock:             c.clock,
		DefaultExpiration: time.Minute,
		EventBus:          c.bus,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.mu.Lock()
	c.fetchers["k"] = f
	c.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]cache.Payload, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(context.Background(), "k", Overrides{})
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let every caller reach the join point
	close(provider.release)
	wg.Wait()

	if atomic.LoadInt32(&provider.calls) != 1 {
		t.Fatalf("expected exactly one network call, got %d", provider.calls)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error %v", i, errs[i])
		}
		if results[i] != "payload" {
			t.Fatalf("caller %d: expected 'payload', got %v", i, results[i])
		}
	}
}

func TestFetchAfterCompletionStartsFreshAttempt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clock = fakeClock{now: time.Unix(1000, 0)}
	c := newCoordinatorForTest(cfg)
	defer c.Shutdown()

	var calls int32
	provider := network.ProviderFunc(func(ctx context.Context, url string) (cache.Payload, error) {
		atomic.AddInt32(&calls, 1)
		return "fresh", nil
	})
	f, _ := fetcher.New(fetcher.Config{
		CacheKey: "k", URL: "https://example.com/k", Cache: c.cache,
		Provider: provider, Clock: c.clock, DefaultExpiration: 0, EventBus: c.bus,
	})
	c.mu.Lock()
	c.fetchers["k"] = f
	c.mu.Unlock()

	if _, err := c.Fetch(context.Background(), "k", Overrides{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Fetch(context.Background(), "k", Overrides{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected a fresh network attempt per call once the slot has resolved, got %d calls", calls)
	}
}

func TestFetchManyIsolatesFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1 // no retries: keep an unreachable-URL test fast
	c := newCoordinatorForTest(cfg)
	defer c.Shutdown()

	outcomes := c.FetchMany(context.Background(), []cache.Key{"ok", "bad"})
	// Both keys will fail (no real URL reachable), but each must report its
	// own outcome independently rather than short-circuiting the batch.
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	seen := map[cache.Key]bool{}
	for _, o := range outcomes {
		seen[o.Key] = true
	}
	if !seen["ok"] || !seen["bad"] {
		t.Fatalf("expected outcomes for both keys, got %+v", outcomes)
	}
}

func TestCachedValuePromotesAndExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := DefaultConfig()
	cfg.Clock = fakeClock{now: now}
	c := newCoordinatorForTest(cfg)
	defer c.Shutdown()

	c.cache.Set("k", cache.Entry{Payload: "v", InsertedAt: time.Unix(1, 0), ExpiresAt: time.Unix(2000, 0)})

	payload, ok := c.CachedValue("k")
	if !ok || payload != "v" {
		t.Fatalf("expected a valid cached value, got %v (ok=%v)", payload, ok)
	}
	entry, _ := c.cache.Get("k")
	if !entry.InsertedAt.Equal(now) {
		t.Fatalf("expected InsertedAt promoted to now, got %v", entry.InsertedAt)
	}

	c.cache.Set("stale", cache.Entry{Payload: "s", InsertedAt: time.Unix(1, 0), ExpiresAt: time.Unix(500, 0)})
	if _, ok := c.CachedValue("stale"); ok {
		t.Fatal("expected a stale entry to report absent")
	}
	if c.cache.Has("stale") {
		t.Fatal("expected CachedValue to delete the stale entry")
	}
}

func TestClearCacheOneAndAll(t *testing.T) {
	c := newCoordinatorForTest(DefaultConfig())
	defer c.Shutdown()

	c.cache.Set("a", cache.Entry{ExpiresAt: time.Unix(1e9, 0)})
	c.cache.Set("b", cache.Entry{ExpiresAt: time.Unix(1e9, 0)})

	c.ClearCache("a")
	if c.cache.Has("a") || !c.cache.Has("b") {
		t.Fatal("expected only 'a' removed")
	}

	c.ClearCache("")
	if c.cache.Size() != 0 {
		t.Fatal("expected an empty-key ClearCache to clear everything")
	}
}

func TestClearCachePatternWildcard(t *testing.T) {
	c := newCoordinatorForTest(DefaultConfig())
	defer c.Shutdown()

	c.cache.Set("user:1", cache.Entry{ExpiresAt: time.Unix(1e9, 0)})
	c.cache.Set("user:2", cache.Entry{ExpiresAt: time.Unix(1e9, 0)})
	c.cache.Set("order:1", cache.Entry{ExpiresAt: time.Unix(1e9, 0)})

	n, err := c.ClearCachePattern("user:*")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 keys cleared, got %d", n)
	}
	if !c.cache.Has("order:1") {
		t.Fatal("expected the non-matching key to survive")
	}
}

func TestTriggerCleanupSweepsExpiredEntries(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := DefaultConfig()
	cfg.Clock = fakeClock{now: now}
	c := newCoordinatorForTest(cfg)
	defer c.Shutdown()

	c.cache.Set("stale", cache.Entry{ExpiresAt: time.Unix(1, 0)})
	c.cache.Set("fresh", cache.Entry{ExpiresAt: time.Unix(2000, 0)})

	c.TriggerCleanup()

	if c.cache.Has("stale") {
		t.Fatal("expected the stale entry to be swept")
	}
	if !c.cache.Has("fresh") {
		t.Fatal("expected the fresh entry to survive")
	}
	stats := c.Stats()
	if stats.LastCleanupAt != now {
		t.Fatalf("expected LastCleanupAt updated to %v, got %v", now, stats.LastCleanupAt)
	}
}

func TestStatsReportsExpiredCount(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := DefaultConfig()
	cfg.Clock = fakeClock{now: now}
	cfg.MaxCacheSize = 10
	c := newCoordinatorForTest(cfg)
	defer c.Shutdown()

	c.cache.Set("stale", cache.Entry{ExpiresAt: time.Unix(1, 0)})

	stats := c.Stats()
	if stats.ExpiredEntryCount != 1 {
		t.Fatalf("expected 1 expired entry, got %d", stats.ExpiredEntryCount)
	}
	if stats.MaxCacheSize != 10 {
		t.Fatalf("expected MaxCacheSize 10, got %d", stats.MaxCacheSize)
	}
}

func TestSubscribeUnsubscribeDelegateToBus(t *testing.T) {
	c := newCoordinatorForTest(DefaultConfig())
	defer c.Shutdown()

	obs := events.ObserverFunc(func(cacheop.Event) {})

	c.Subscribe(obs)
	if c.bus.SubscriberCount() != 1 {
		t.Fatalf("expected Subscribe to delegate to the shared bus, got %d subscribers", c.bus.SubscriberCount())
	}

	c.Unsubscribe(obs)
	if c.bus.SubscriberCount() != 0 {
		t.Fatalf("expected Unsubscribe to delegate to the shared bus, got %d subscribers", c.bus.SubscriberCount())
	}
}

func TestShutdownMakesCoordinatorUnusable(t *testing.T) {
	c := newCoordinatorForTest(DefaultConfig())
	c.Shutdown()

	if _, err := c.Fetch(context.Background(), "k", Overrides{URL: "https://example.com"}); err == nil {
		t.Fatal("expected Fetch to fail after Shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := newCoordinatorForTest(DefaultConfig())
	c.Shutdown()
	c.Shutdown() // must not panic or double-close stopCh
}

func TestStatsTracksHitAndMissCounts(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := DefaultConfig()
	cfg.Clock = fakeClock{now: now}
	c := newCoordinatorForTest(cfg)
	defer c.Shutdown()

	provider := network.ProviderFunc(func(ctx context.Context, url string) (cache.Payload, error) {
		return "v", nil
	})
	f, _ := fetcher.New(fetcher.Config{
		CacheKey: "k", URL: "https://example.com/k", Cache: c.cache,
		Provider: provider, Clock: c.clock, DefaultExpiration: time.Minute, EventBus: c.bus,
		OnResult: c.recordResult,
	})
	c.mu.Lock()
	c.fetchers["k"] = f
	c.mu.Unlock()

	// First call misses (empty cache); second call at the same instant hits.
	if _, err := c.Fetch(context.Background(), "k", Overrides{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Fetch(context.Background(), "k", Overrides{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := c.Stats()
	if stats.MissCount != 1 {
		t.Fatalf("expected 1 miss, got %d", stats.MissCount)
	}
	if stats.HitCount != 1 {
		t.Fatalf("expected 1 hit, got %d", stats.HitCount)
	}
}

func TestWarmManyUsesTheSamePipeline(t *testing.T) {
	cfg := DefaultConfig()
	c := newCoordinatorForTest(cfg)
	defer c.Shutdown()

	var calls int32
	provider := network.ProviderFunc(func(ctx context.Context, url string) (cache.Payload, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	})
	for _, k := range []cache.Key{"a", "b", "c"} {
		f, _ := fetcher.New(fetcher.Config{
			CacheKey: k, URL: "https://example.com/" + k, Cache: c.cache,
			Provider: provider, Clock: c.clock, DefaultExpiration: time.Minute, EventBus: c.bus,
		})
		c.mu.Lock()
		c.fetchers[k] = f
		c.mu.Unlock()
	}

	outcomes := c.WarmMany(context.Background(), []cache.Key{"a", "b", "c"}, warm.Options{Concurrency: 2})
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("key %s: unexpected error %v", o.Key, o.Err)
		}
	}
	if !c.cache.Has("a") || !c.cache.Has("b") || !c.cache.Has("c") {
		t.Fatal("expected WarmMany to populate the shared cache through Fetch")
	}
}
