// Package warm implements batch prefetch ("warming"): running a fetch
// function over many keys through a bounded worker pool, optionally
// throttled by a rate limiter. A supplement to the core spec grounded
// on warming/worker_pool.go's WorkerPool and warming/service.go's use
// of golang.org/x/time/rate, generalized to a plain FetchFunc so this
// package has no dependency on coordinator (coordinator depends on
// warm, not the reverse).
package warm

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/jsoncache/fetchkit/cache"
)

// FetchFunc performs one key's fetch. Coordinator.WarmMany supplies
// its own Fetch method here.
type FetchFunc func(ctx context.Context, key cache.Key) (cache.Payload, error)

// Options configures a warming run.
type Options struct {
	// Concurrency bounds the number of keys fetched at once. <= 0
	// defaults to 4.
	Concurrency int
	// RatePerSecond and Burst optionally throttle the run independently
	// of any limiter the FetchFunc's collaborator already applies. 0
	// disables this run-local limiter.
	RatePerSecond float64
	Burst         int
}

// Outcome is one key's result from a warming run.
type Outcome struct {
	Key     cache.Key
	Payload cache.Payload
	Err     error
}

// Run fetches every key through fetch using a bounded worker pool,
// returning one Outcome per dispatched key in no particular order. A
// cancelled ctx stops dispatching new work, and keys not yet dispatched
// get no Outcome; fetches already started receive the cancelled ctx and
// report whatever error fetch (or the run-local limiter) returns.
func Run(ctx context.Context, keys []cache.Key, fetch FetchFunc, opts Options) []Outcome {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	jobs := make(chan cache.Key)
	results := make(chan Outcome, len(keys))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range jobs {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						results <- Outcome{Key: key, Err: err}
						continue
					}
				}
				payload, err := fetch(ctx, key)
				results <- Outcome{Key: key, Payload: payload, Err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, k := range keys {
			select {
			case jobs <- k:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Outcome, 0, len(keys))
	for o := range results {
		out = append(out, o)
	}
	return out
}
