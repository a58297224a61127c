// Package network implements the default NetworkProvider: the
// injected collaborator the spec describes as "given a URL and a
// cancellation token, produce a response or fail". HTTPProvider is the
// production implementation, running the attempt/classify/backoff/
// retry loop of spec §4.3.2 over net/http, optionally throttled by a
// token-bucket rate limiter shared across keys.
package network

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/jsoncache/fetchkit/cache"
	"github.com/jsoncache/fetchkit/fetcherr"
	"github.com/jsoncache/fetchkit/retry"
)

// Provider is the NetworkProvider collaborator: given a URL and a
// context, produce a decoded payload or a classified *fetcherr.Error.
// A Provider is responsible for its own retry loop; Fetcher.FetchPure
// calls it exactly once per miss and treats the result as final.
type Provider interface {
	Fetch(ctx context.Context, url string) (cache.Payload, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(ctx context.Context, url string) (cache.Payload, error)

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context, url string) (cache.Payload, error) {
	return f(ctx, url)
}

// HTTPProvider is the default Provider: a net/http client running the
// retry/backoff loop of spec §4.3.2, decoding each successful response
// body as JSON into an opaque cache.Payload.
type HTTPProvider struct {
	Client            *http.Client
	Policy            retry.Policy
	PerAttemptTimeout time.Duration
	// Limiter throttles outbound attempts across every key sharing this
	// provider. Nil disables throttling.
	Limiter *rate.Limiter
}

// NewHTTPProvider builds an HTTPProvider with the given retry policy
// and per-attempt timeout, a default http.Client, and no rate limit.
func NewHTTPProvider(policy retry.Policy, perAttemptTimeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		Client:            &http.Client{},
		Policy:            policy,
		PerAttemptTimeout: perAttemptTimeout,
	}
}

// WithLimiter attaches a rate limiter and returns the provider for
// chaining.
func (p *HTTPProvider) WithLimiter(l *rate.Limiter) *HTTPProvider {
	p.Limiter = l
	return p
}

// Fetch runs the attempt/classify/backoff/retry loop of spec §4.3.2
// and returns the JSON-decoded body of the first successful attempt,
// or the last classified error once the attempt budget is exhausted
// or a fatal classification is hit.
func (p *HTTPProvider) Fetch(ctx context.Context, url string) (cache.Payload, error) {
	maxAttempts := p.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return nil, fetcherr.New(fetcherr.Cancelled, "fetch", url, err)
			}
		}

		payload, err := p.attempt(ctx, url)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		kind, ok := fetcherr.KindOf(err)
		if !ok || !kind.Retryable() {
			return nil, err
		}
		if kind == fetcherr.Cancelled {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := p.Policy.Backoff(attempt)
		if waitErr := retry.Wait(ctx, delay); waitErr != nil {
			return nil, waitErr
		}
	}
	return nil, lastErr
}

// attempt runs exactly one transport round trip plus classification.
func (p *HTTPProvider) attempt(ctx context.Context, url string) (cache.Payload, error) {
	attemptCtx := ctx
	if p.PerAttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.PerAttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fetcherr.New(fetcherr.Validation, "fetch", url, err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fetcherr.New(fetcherr.Cancelled, "fetch", url, ctx.Err())
		}
		if attemptCtx.Err() != nil {
			return nil, fetcherr.New(fetcherr.Timeout, "fetch", url, attemptCtx.Err())
		}
		return nil, fetcherr.New(fetcherr.Transport, "fetch", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var payload cache.Payload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fetcherr.NewHTTP(fetcherr.Decode, resp.StatusCode, "decode", url, err)
		}
		return payload, nil
	}

	if p.Policy.StatusRetryable(resp.StatusCode) {
		return nil, fetcherr.NewHTTP(fetcherr.HTTPRetryable, resp.StatusCode, "fetch", url, errStatus(resp.StatusCode))
	}
	return nil, fetcherr.NewHTTP(fetcherr.HTTPFatal, resp.StatusCode, "fetch", url, errStatus(resp.StatusCode))
}

type statusError int

func (e statusError) Error() string {
	return "unexpected status code"
}

func errStatus(code int) error { return statusError(code) }
