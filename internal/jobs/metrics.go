package jobs

import (
	"sync"
	"time"
)

// MetricsTracker accumulates operational counters for the pipeline: claim
// latency (time a job waits between creation and claim), failures and
// requeues. State counts are read live from the store, which is the source
// of truth.
type MetricsTracker struct {
	mu           sync.Mutex
	claims       int64
	requeues     int64
	failures     int64
	totalLatency time.Duration
	maxLatency   time.Duration
}

// MetricsSnapshot is a point-in-time view for the stats endpoint
type MetricsSnapshot struct {
	Claims          int64   `json:"claims"`
	Requeues        int64   `json:"requeues"`
	Failures        int64   `json:"failures"`
	MeanClaimMillis float64 `json:"mean_claim_latency_ms"`
	MaxClaimMillis  int64   `json:"max_claim_latency_ms"`
}

// NewMetricsTracker creates a new metrics tracker
func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{}
}

// RecordClaim records a successful claim and its queue-wait latency
func (m *MetricsTracker) RecordClaim(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.claims++
	m.totalLatency += latency
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
}

// RecordRequeue records a transient failure that requeued a job
func (m *MetricsTracker) RecordRequeue() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requeues++
}

// RecordFailure records a terminal failure
func (m *MetricsTracker) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures++
}

// Snapshot returns the current counters
func (m *MetricsTracker) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Claims:         m.claims,
		Requeues:       m.requeues,
		Failures:       m.failures,
		MaxClaimMillis: m.maxLatency.Milliseconds(),
	}
	if m.claims > 0 {
		snap.MeanClaimMillis = float64(m.totalLatency.Milliseconds()) / float64(m.claims)
	}
	return snap
}
