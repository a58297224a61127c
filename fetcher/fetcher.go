// Package fetcher implements the single-key fetch pipeline: a pure
// computation (FetchPure) that turns a cache snapshot and a timestamp
// into a frozen description of what should happen, and an imperative
// wrapper (FetchImpure) that applies that description to live state.
// Grounded on cache-manager/service.go's Get, generalized to split the
// decision ("what to do") from the effect ("do it").
package fetcher

import (
	"context"
	"sort"
	"time"

	"github.com/jsoncache/fetchkit/cache"
	"github.com/jsoncache/fetchkit/cacheop"
	"github.com/jsoncache/fetchkit/clock"
	"github.com/jsoncache/fetchkit/events"
	"github.com/jsoncache/fetchkit/fetcherr"
	"github.com/jsoncache/fetchkit/network"
)

// Config is a Fetcher's immutable construction-time configuration.
// Reconfiguration is by replacement, never by mutating a live Fetcher.
type Config struct {
	CacheKey          cache.Key
	URL               string
	Cache             cache.Cache
	Provider          network.Provider
	Clock             clock.Clock
	DefaultExpiration time.Duration
	EventBus          *events.Bus
	// OnResult, if set, is called once per FetchImpure with whether the
	// result was served from cache. Optional instrumentation hook for a
	// caller's hit/miss counters; FetchPure itself remains untouched by
	// it (it is invoked only from FetchImpure, after the pure decision
	// has been made).
	OnResult func(fromCache bool)
}

// Fetcher is the per-key pipeline of spec §4.3: immutable after
// construction, bound to one cache key and URL, sharing the
// coordinator's Cache, Clock and EventBus.
type Fetcher struct {
	cfg Config
}

// New validates cfg and returns a Fetcher bound to it.
func New(cfg Config) (*Fetcher, error) {
	if cfg.URL == "" {
		return nil, fetcherr.New(fetcherr.Validation, "fetcher.New", cfg.URL, errEmptyURL)
	}
	if cfg.CacheKey == "" {
		cfg.CacheKey = cfg.URL
	}
	return &Fetcher{cfg: cfg}, nil
}

var errEmptyURL = emptyURLError{}

type emptyURLError struct{}

func (emptyURLError) Error() string { return "fetcher: URL must not be empty" }

// CacheKey returns the key this Fetcher is bound to.
func (f *Fetcher) CacheKey() cache.Key { return f.cfg.CacheKey }

// URL returns the URL this Fetcher requests on a miss.
func (f *Fetcher) URL() string { return f.cfg.URL }

// DefaultExpiration returns the expiration applied to freshly fetched
// entries.
func (f *Fetcher) DefaultExpiration() time.Duration { return f.cfg.DefaultExpiration }

// FetchPure implements spec §4.3.1's decision tree: expire, then hit,
// then miss (invoking provider, or f's configured Provider if provider
// is nil), then network failure. It performs no I/O besides the single
// provider call on a miss, and never mutates snapshot.
func (f *Fetcher) FetchPure(ctx context.Context, snapshot map[cache.Key]cache.Entry, now time.Time, provider network.Provider) *cacheop.PureResult {
	if provider == nil {
		provider = f.cfg.Provider
	}

	cleaned := make(map[cache.Key]cache.Entry, len(snapshot))
	var ops []cacheop.CacheOperation
	expiredCount := 0
	for k, e := range snapshot {
		if e.ValidAt(now) {
			cleaned[k] = e
		} else {
			ops = append(ops, cacheop.CacheOperation{Kind: cacheop.OpDelete, Key: k})
			expiredCount++
		}
	}

	meta := cacheop.Meta{
		CacheKey:           f.cfg.CacheKey,
		Timestamp:          now,
		ExpiredKeysRemoved: expiredCount,
	}

	if entry, ok := cleaned[f.cfg.CacheKey]; ok {
		promoted := cache.Entry{Payload: entry.Payload, InsertedAt: now, ExpiresAt: entry.ExpiresAt}
		ops = append(ops, cacheop.CacheOperation{Kind: cacheop.OpUpdate, Key: f.cfg.CacheKey, Entry: promoted})
		newState := copyState(cleaned)
		newState[f.cfg.CacheKey] = promoted

		meta.NetworkRequest = false
		return cacheop.New(cacheop.Params{
			Success:         true,
			Payload:         entry.Payload,
			FromCache:       true,
			CacheOperations: ops,
			NewCacheState:   newState,
			Meta:            meta,
		})
	}

	var evs []cacheop.Event
	evs = append(evs, cacheop.Event{Kind: cacheop.EventLoadingStart, URL: f.cfg.URL, Key: f.cfg.CacheKey})
	meta.NetworkRequest = true
	meta.Attempt = 1

	payload, err := provider.Fetch(ctx, f.cfg.URL)
	if err != nil {
		evs = append(evs, cacheop.Event{Kind: cacheop.EventError, Err: err})
		return cacheop.New(cacheop.Params{
			Success:         false,
			Err:             err,
			CacheOperations: ops,
			Events:          evs,
			NewCacheState:   copyState(cleaned),
			Meta:            meta,
		})
	}

	expiresAt := now.Add(f.cfg.DefaultExpiration)
	if f.cfg.DefaultExpiration <= 0 {
		expiresAt = now
	}
	entry := cache.Entry{Payload: payload, InsertedAt: now, ExpiresAt: expiresAt}

	newState := copyState(cleaned)
	newState[f.cfg.CacheKey] = entry

	maxSize := f.cfg.Cache.MaxSize()
	for _, k := range simulateEviction(newState, maxSize) {
		ops = append(ops, cacheop.CacheOperation{Kind: cacheop.OpDelete, Key: k})
		delete(newState, k)
	}
	ops = append(ops, cacheop.CacheOperation{Kind: cacheop.OpSet, Key: f.cfg.CacheKey, Entry: entry})
	evs = append(evs, cacheop.Event{Kind: cacheop.EventSuccess, Payload: payload})

	return cacheop.New(cacheop.Params{
		Success:         true,
		Payload:         payload,
		CacheOperations: ops,
		Events:          evs,
		NewCacheState:   newState,
		Meta:            meta,
	})
}

// simulateEviction computes, without mutating state, which keys an
// LRUCache of the given maxSize would evict after state reaches its
// current size — oldest InsertedAt first, as cache.LRUCache evicts.
// Ties are broken by key for determinism; LRUCache itself breaks ties
// by list position, so the two can pick different victims on a tie.
func simulateEviction(state map[cache.Key]cache.Entry, maxSize int) []cache.Key {
	overflow := len(state) - maxSize
	if overflow <= 0 {
		return nil
	}

	all := make([]evictionCandidate, 0, len(state))
	for k, e := range state {
		all = append(all, evictionCandidate{k, e})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].entry.InsertedAt.Equal(all[j].entry.InsertedAt) {
			return all[i].entry.InsertedAt.Before(all[j].entry.InsertedAt)
		}
		return all[i].key < all[j].key
	})

	victims := make([]cache.Key, 0, overflow)
	for i := 0; i < overflow; i++ {
		victims = append(victims, all[i].key)
	}
	return victims
}

type evictionCandidate struct {
	key   cache.Key
	entry cache.Entry
}

// FetchImpure implements spec §4.3.3: snapshot the live cache, compute
// a PureResult against that snapshot and the current time, apply its
// cache operations in order, emit its events in order, then return the
// payload or surface the error.
//
// The snapshot-compute-apply sequence means a concurrent mutation of
// the live cache between steps 1 and 3 may be overwritten; this is
// safe only because the Coordinator guarantees at most one FetchImpure
// per key in flight at a time.
func (f *Fetcher) FetchImpure(ctx context.Context) (cache.Payload, error) {
	snapshot := f.cfg.Cache.Snapshot()
	now := f.cfg.Clock.Now()

	result := f.FetchPure(ctx, snapshot, now, nil)

	if f.cfg.OnResult != nil {
		f.cfg.OnResult(result.FromCache())
	}

	for _, op := range result.CacheOperations() {
		switch op.Kind {
		case cacheop.OpSet, cacheop.OpUpdate:
			f.cfg.Cache.Set(op.Key, op.Entry)
		case cacheop.OpDelete:
			f.cfg.Cache.Delete(op.Key)
		}
	}

	if f.cfg.EventBus != nil {
		for _, ev := range result.Events() {
			f.cfg.EventBus.Notify(ev)
		}
	}

	if result.Success() {
		return result.Payload(), nil
	}
	return nil, result.Err()
}

func copyState(m map[cache.Key]cache.Entry) map[cache.Key]cache.Entry {
	out := make(map[cache.Key]cache.Entry, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
