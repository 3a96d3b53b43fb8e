// Package metrics provides lightweight, lock-minimal performance counters
// for the shell-assistant daemon.
//
// Counters use sync/atomic so hot paths (request dispatch, cache lookup)
// incur no mutex contention. Latency statistics use a single mutex; they
// are updated at most once per LLM call.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds all runtime counters for a running daemon instance.
// The zero value is valid and ready to use; prefer New() for clarity.
type Metrics struct {
	// Request counters
	RequestsTotal   atomic.Int64
	RequestsComplete atomic.Int64
	RequestsNL       atomic.Int64
	RequestsErrorFix atomic.Int64
	RequestsHistory  atomic.Int64
	RequestsReload   atomic.Int64

	// Cache and reliability counters
	CacheHits    atomic.Int64
	CacheMisses  atomic.Int64
	BreakerTrips atomic.Int64
	RateLimited  atomic.Int64

	// Error counters
	ErrorsUpstream atomic.Int64

	// Latency statistics (mutex-guarded because they accumulate floats)
	upstreamMu   sync.Mutex
	upstreamStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordUpstreamLatency records the round-trip time to the LLM provider.
func (m *Metrics) RecordUpstreamLatency(d time.Duration) {
	m.upstreamMu.Lock()
	m.upstreamStat.record(float64(d.Microseconds()) / 1000.0)
	m.upstreamMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for logging.
func (m *Metrics) Snapshot() Snapshot {
	m.upstreamMu.Lock()
	upstream := m.upstreamStat.snapshot()
	m.upstreamMu.Unlock()

	return Snapshot{
		Requests: RequestSnapshot{
			Total:       m.RequestsTotal.Load(),
			Complete:    m.RequestsComplete.Load(),
			NL:          m.RequestsNL.Load(),
			ErrorFix:    m.RequestsErrorFix.Load(),
			History:     m.RequestsHistory.Load(),
			Reload:      m.RequestsReload.Load(),
			RateLimited: m.RateLimited.Load(),
		},
		Cache: CacheSnapshot{
			Hits:   m.CacheHits.Load(),
			Misses: m.CacheMisses.Load(),
		},
		Breaker: BreakerSnapshot{
			Trips: m.BreakerTrips.Load(),
		},
		Errors: ErrorSnapshot{
			Upstream: m.ErrorsUpstream.Load(),
		},
		UpstreamLatencyMs: upstream,
		UptimeSecs:        time.Since(m.startTime).Seconds(),
	}
}

// --- loggable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Requests          RequestSnapshot `json:"requests"`
	Cache             CacheSnapshot   `json:"cache"`
	Breaker           BreakerSnapshot `json:"breaker"`
	Errors            ErrorSnapshot   `json:"errors"`
	UpstreamLatencyMs LatencySnapshot `json:"upstreamLatencyMs"`
	UptimeSecs        float64         `json:"uptimeSecs"`
}

// RequestSnapshot holds request-level counters.
type RequestSnapshot struct {
	Total       int64 `json:"total"`
	Complete    int64 `json:"complete"`
	NL          int64 `json:"nl"`
	ErrorFix    int64 `json:"errorFix"`
	History     int64 `json:"history"`
	Reload      int64 `json:"reload"`
	RateLimited int64 `json:"rateLimited"`
}

// CacheSnapshot holds response-cache counters.
type CacheSnapshot struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// BreakerSnapshot holds circuit-breaker counters.
type BreakerSnapshot struct {
	Trips int64 `json:"trips"`
}

// ErrorSnapshot holds error counters.
type ErrorSnapshot struct {
	Upstream int64 `json:"upstream"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
