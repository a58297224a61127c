// Package cacheop defines the tagged records the pure fetch layer
// produces: CacheOperation (an intended, not-yet-applied cache
// mutation), Event (a lifecycle notification), and PureResult (the
// frozen description of what a fetch should do). None of these types
// perform I/O; fetcher.FetchImpure is what applies them.
package cacheop

import (
	"reflect"
	"time"

	"github.com/jsoncache/fetchkit/cache"
)

// OpKind tags a CacheOperation.
type OpKind int

const (
	// OpSet inserts or replaces an entry (a fresh network result).
	OpSet OpKind = iota
	// OpUpdate is the same mutation as OpSet but signals a refreshed
	// InsertedAt on a cache hit (LRU promotion), not a new fetch.
	OpUpdate
	// OpDelete removes an entry (expiry or eviction).
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "Set"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// CacheOperation describes an intended mutation without performing it.
// Entry is the zero value for OpDelete.
type CacheOperation struct {
	Kind  OpKind
	Key   cache.Key
	Entry cache.Entry
}

// EventKind tags an Event.
type EventKind int

const (
	// EventLoadingStart fires before a network attempt is made.
	EventLoadingStart EventKind = iota
	// EventSuccess fires when fresh or cached data is about to be
	// returned to the caller.
	EventSuccess
	// EventError fires when a fetch ultimately fails after retries.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventLoadingStart:
		return "LoadingStart"
	case EventSuccess:
		return "Success"
	case EventError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is a lifecycle notification emitted by the pure layer and
// delivered, in order, by fetcher.FetchImpure via an events.Bus.
type Event struct {
	Kind    EventKind
	URL     string    // set on EventLoadingStart
	Key     cache.Key // set on EventLoadingStart
	Payload cache.Payload
	Err     error
}

// Meta carries bookkeeping about how a PureResult was produced.
type Meta struct {
	CacheKey           cache.Key
	Timestamp          time.Time
	ExpiredKeysRemoved int
	Attempt            int
	NetworkRequest     bool
}

// Params is the input used to build a PureResult. It exists so
// PureResult's fields stay unexported (and therefore effectively
// immutable after construction) while still being easy to assemble.
type Params struct {
	Success         bool
	Payload         cache.Payload
	Err             error
	FromCache       bool
	CacheOperations []CacheOperation
	Events          []Event
	NewCacheState   map[cache.Key]cache.Entry
	Meta            Meta
}

// PureResult is the immutable output of Fetcher.FetchPure: a frozen
// description of what should happen, never of what has happened.
// Slices and maps are defensively copied at construction and again on
// every accessor call, so no caller can mutate shared state through a
// PureResult.
type PureResult struct {
	success         bool
	payload         cache.Payload
	err             error
	fromCache       bool
	cacheOperations []CacheOperation
	events          []Event
	newCacheState   map[cache.Key]cache.Entry
	meta            Meta
}

// New builds a PureResult from p, copying its slices and map so the
// caller's backing storage can be reused or mutated afterward.
func New(p Params) *PureResult {
	ops := make([]CacheOperation, len(p.CacheOperations))
	copy(ops, p.CacheOperations)

	evs := make([]Event, len(p.Events))
	copy(evs, p.Events)

	state := make(map[cache.Key]cache.Entry, len(p.NewCacheState))
	for k, v := range p.NewCacheState {
		state[k] = v
	}

	return &PureResult{
		success:         p.Success,
		payload:         p.Payload,
		err:             p.Err,
		fromCache:       p.FromCache,
		cacheOperations: ops,
		events:          evs,
		newCacheState:   state,
		meta:            p.Meta,
	}
}

func (r *PureResult) Success() bool          { return r.success }
func (r *PureResult) Payload() cache.Payload { return r.payload }
func (r *PureResult) Err() error             { return r.err }
func (r *PureResult) FromCache() bool        { return r.fromCache }
func (r *PureResult) Meta() Meta             { return r.meta }

// CacheOperations returns a copy of the ordered operations to apply.
func (r *PureResult) CacheOperations() []CacheOperation {
	out := make([]CacheOperation, len(r.cacheOperations))
	copy(out, r.cacheOperations)
	return out
}

// Events returns a copy of the ordered events to emit.
func (r *PureResult) Events() []Event {
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// NewCacheState returns a copy of the full proposed cache snapshot.
func (r *PureResult) NewCacheState() map[cache.Key]cache.Entry {
	out := make(map[cache.Key]cache.Entry, len(r.newCacheState))
	for k, v := range r.newCacheState {
		out[k] = v
	}
	return out
}

// Equal reports whether two PureResults are structurally equal, for
// the determinism property ("fetchPure called twice with identical
// arguments yields structurally equal results"). Errors compare by
// message since error values need not be comparable.
func Equal(a, b *PureResult) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.success != b.success || a.fromCache != b.fromCache {
		return false
	}
	if (a.err == nil) != (b.err == nil) {
		return false
	}
	if a.err != nil && a.err.Error() != b.err.Error() {
		return false
	}
	if a.meta != b.meta || !reflect.DeepEqual(a.payload, b.payload) {
		return false
	}
	if len(a.cacheOperations) != len(b.cacheOperations) || len(a.events) != len(b.events) {
		return false
	}
	for i := range a.cacheOperations {
		if !reflect.DeepEqual(a.cacheOperations[i], b.cacheOperations[i]) {
			return false
		}
	}
	for i := range a.events {
		ae, be := a.events[i], b.events[i]
		if ae.Kind != be.Kind || ae.URL != be.URL || ae.Key != be.Key || !reflect.DeepEqual(ae.Payload, be.Payload) {
			return false
		}
		if (ae.Err == nil) != (be.Err == nil) {
			return false
		}
		if ae.Err != nil && ae.Err.Error() != be.Err.Error() {
			return false
		}
	}
	if len(a.newCacheState) != len(b.newCacheState) {
		return false
	}
	for k, v := range a.newCacheState {
		if bv, ok := b.newCacheState[k]; !ok || !reflect.DeepEqual(bv, v) {
			return false
		}
	}
	return true
}
