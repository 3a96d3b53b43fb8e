// Package llmclient composes the provider adapter, response cache, circuit
// breaker, and rate limiter into the single operation every request kind
// calls through: Complete. It owns the HealthState and Cache exclusively,
// per the ownership rule in spec.md §3.
package llmclient

import (
	"context"
	"time"

	"aishd/internal/breaker"
	"aishd/internal/cache"
	"aishd/internal/metrics"
	"aishd/internal/provider"
)

// Timeout profiles, one per request kind, matching the exact connect/read/
// write/pool tuples the original implementation uses. Go's net/http models
// a single overall deadline rather than four independent phases, so each
// profile collapses to the sum that bounds the slowest realistic call: the
// read deadline dominates connect/write/pool in every profile below, so the
// overall timeout is set to read+connect to leave headroom for connection
// setup on a cold pool.
var (
	TimeoutAutocomplete = 4 * time.Second  // connect 1 + read 3
	TimeoutNL           = 14 * time.Second // connect 2 + read 12
	TimeoutHistory      = 10 * time.Second // connect 2 + read 8
)

// Client composes C3 (Provider) with C4 (Cache), C5 (Health/breaker), and
// the rate limiter is applied by the caller (C9), not here — spec.md scopes
// rate limiting to the dispatcher, since it is a policy over which kinds of
// requests reach the façade at all, not a façade concern.
type Client struct {
	provider provider.Provider
	health   *breaker.Health
	cache    *cache.Cache
	metrics  *metrics.Metrics
}

// New builds a Client around the given Provider. metrics may be nil.
func New(p provider.Provider, m *metrics.Metrics) *Client {
	return &Client{
		provider: p,
		health:   breaker.New(),
		cache:    cache.New(),
		metrics:  m,
	}
}

// Health exposes the breaker's health state for callers that need to check
// IsHighLatency before committing to a proactive call.
func (c *Client) Health() *breaker.Health { return c.health }

// SetProvider atomically replaces the Provider in use, for config reload
// (e.g. the provider name or API key changed).
func (c *Client) SetProvider(p provider.Provider) { c.provider = p }

// Complete sends messages to the provider, consulting the cache first when
// cacheKey is non-empty and consulting the breaker before any network call.
// It never returns an error to the caller — every failure mode collapses to
// an empty string, matching spec.md §7's "never surfaces an exception
// across the wire" policy; the dispatcher renders empty text the same way
// it renders a tagged error.
func (c *Client) Complete(ctx context.Context, messages []provider.Message, model string, timeout time.Duration, cacheKey []string) string {
	if len(cacheKey) > 0 {
		if cached, ok := c.cache.Get(cacheKey...); ok {
			if c.metrics != nil {
				c.metrics.CacheHits.Add(1)
			}
			return cached
		}
		if c.metrics != nil {
			c.metrics.CacheMisses.Add(1)
		}
	}

	if !c.health.ShouldAllowRequest() {
		return ""
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.provider.Call(callCtx, messages, model)
	if err != nil {
		if tripped := c.health.RecordFailure(); tripped && c.metrics != nil {
			c.metrics.BreakerTrips.Add(1)
		}
		if c.metrics != nil {
			c.metrics.ErrorsUpstream.Add(1)
		}
		return ""
	}

	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
	c.health.RecordSuccess(latencyMs)
	if c.metrics != nil {
		c.metrics.RecordUpstreamLatency(time.Since(start))
	}

	if len(cacheKey) > 0 && result != "" {
		c.cache.Set(result, cacheKey...)
	}
	return result
}

// CompleteWithRetry re-invokes Complete up to retries additional times with
// delay between attempts, returning the first non-empty result. Used only
// for nl and history_search. The cache is never consulted on this path.
func (c *Client) CompleteWithRetry(ctx context.Context, messages []provider.Message, model string, timeout time.Duration, retries int, delay time.Duration) string {
	for attempt := 0; attempt <= retries; attempt++ {
		if result := c.Complete(ctx, messages, model, timeout, nil); result != "" {
			return result
		}
		if attempt < retries {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ""
			}
		}
	}
	return ""
}
