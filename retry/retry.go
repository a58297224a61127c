// Package retry implements the exponential-backoff-with-jitter retry
// policy of spec §4.3.2, generalized from warming/worker_pool.go's
// retryTask: attempt N waits initialDelay * multiplier^(N-1), jittered
// by ±jitterFraction and floored at minBackoff, and the wait itself is
// cancellable via context.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/jsoncache/fetchkit/fetcherr"
)

// Policy configures the retry loop that backs the default
// network.Provider.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	Multiplier        float64
	JitterFraction    float64
	MinBackoff        time.Duration
	RetryableStatuses map[int]bool

	// Rand supplies jitter; nil uses the package-level source. Tests
	// inject a seeded *rand.Rand for deterministic backoff durations.
	Rand *rand.Rand
}

// DefaultRetryableStatuses mirrors spec §3's default set.
func DefaultRetryableStatuses() map[int]bool {
	return map[int]bool{408: true, 429: true, 500: true, 502: true, 503: true, 504: true}
}

// DefaultPolicy returns the spec §3/§6 defaults: 3 attempts, 1s
// initial delay, 2x multiplier, 25% jitter, 100ms floor.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		Multiplier:        2,
		JitterFraction:    0.25,
		MinBackoff:        100 * time.Millisecond,
		RetryableStatuses: DefaultRetryableStatuses(),
	}
}

// StatusRetryable reports whether an HTTP status code is in the
// configured retryableStatuses set.
func (p Policy) StatusRetryable(status int) bool {
	return p.RetryableStatuses[status]
}

// Backoff computes the delay before the given attempt (1-based attempt
// that just failed), applying symmetric jitter and the minBackoff
// floor. attempt=1 is the delay awaited before attempt 2.
func (p Policy) Backoff(attempt int) time.Duration {
	base := float64(p.InitialDelay) * pow(p.Multiplier, attempt-1)

	jitterRange := base * p.JitterFraction
	jitter := (p.jitterFloat()*2 - 1) * jitterRange // uniform in [-range, +range]

	delay := time.Duration(base + jitter)
	if delay < p.MinBackoff {
		delay = p.MinBackoff
	}
	return delay
}

func (p Policy) jitterFloat() float64 {
	if p.Rand != nil {
		return p.Rand.Float64()
	}
	return rand.Float64()
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Wait blocks for d or until ctx is cancelled, whichever comes first.
// It returns a Cancelled *fetcherr.Error if the context ends the wait.
func Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fetcherr.New(fetcherr.Cancelled, "backoff", "", ctx.Err())
	}
}
