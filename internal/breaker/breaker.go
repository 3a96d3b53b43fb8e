// Package breaker implements the three-state circuit breaker and latency
// tracker shared by every outbound call to the LLM provider: closed → open
// on sustained failure, open → half-open after a cooldown, half-open →
// closed on the next success or back to open on the next failure. The
// half-open state allows exactly one un-serialized probe, per the design's
// single-probe semantics — callers are not blocked from trying concurrently
// during half-open, unlike multi-probe breaker designs.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state for logging.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold = 3
	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown = 30 * time.Second
	// MaxLatencySamples caps the latency ring used for avg_latency_ms.
	MaxLatencySamples = 10
	// HighLatencyMs is the mean-latency threshold above which the caller is
	// considered "high latency" and proactive suggestions are suppressed.
	HighLatencyMs = 2000.0
)

// Health tracks connection quality for adaptive behavior. All access is
// serialized by mu; every method call is O(1) relative to its own bounded
// state.
type Health struct {
	mu sync.Mutex

	state             State
	consecutiveFails  int
	lastSuccessAt     time.Time
	lastFailureAt     time.Time
	circuitOpenedAt   time.Time
	latencySamplesMs  []float64
}

// New returns a Health tracker in the closed state.
func New() *Health {
	return &Health{}
}

// ShouldAllowRequest reports whether a new call may be attempted, advancing
// open → half-open when the cooldown has elapsed.
func (h *Health) ShouldAllowRequest() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case Closed:
		return true
	case Open:
		if time.Since(h.circuitOpenedAt) >= Cooldown {
			h.state = HalfOpen
			return true
		}
		return false
	default: // HalfOpen: single probe, not serialized
		return true
	}
}

// RecordSuccess resets the failure count, records the latency sample, and
// closes the circuit from any state.
func (h *Health) RecordSuccess(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSuccessAt = time.Now()
	h.consecutiveFails = 0
	h.latencySamplesMs = append(h.latencySamplesMs, latencyMs)
	if len(h.latencySamplesMs) > MaxLatencySamples {
		h.latencySamplesMs = h.latencySamplesMs[1:]
	}
	h.state = Closed
}

// RecordFailure increments the failure count and opens (or re-opens) the
// circuit once the threshold is reached. Returns true iff this call is the
// one that tripped the breaker open (useful for metrics).
func (h *Health) RecordFailure() (tripped bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastFailureAt = time.Now()
	h.consecutiveFails++

	switch {
	case h.consecutiveFails >= FailureThreshold && h.state != Open:
		h.state = Open
		h.circuitOpenedAt = time.Now()
		tripped = true
	case h.state == HalfOpen:
		h.state = Open
		h.circuitOpenedAt = time.Now()
		tripped = true
	}
	return tripped
}

// AvgLatencyMs returns the arithmetic mean of the retained latency samples,
// or 0 if none have been recorded.
func (h *Health) AvgLatencyMs() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.avgLatencyLocked()
}

func (h *Health) avgLatencyLocked() float64 {
	if len(h.latencySamplesMs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range h.latencySamplesMs {
		sum += v
	}
	return sum / float64(len(h.latencySamplesMs))
}

// IsHighLatency reports whether the mean of recent latencies exceeds
// HighLatencyMs.
func (h *Health) IsHighLatency() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.avgLatencyLocked() > HighLatencyMs
}

// State returns the current circuit state.
func (h *Health) CurrentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (h *Health) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFails
}
