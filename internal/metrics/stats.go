package metrics

import (
	"slices"
	"sync"
	"time"
)

// MaxLatencySamples bounds the rolling latency window.
const MaxLatencySamples = 200

// QueryStats keeps a rolling window of query latencies and cache-hit counts.
type QueryStats struct {
	mu            sync.Mutex
	total         int64
	cacheHits     map[string]int64
	latenciesMs   []float64
	lastLatencyMs float64
}

// NewQueryStats creates an empty stats window.
func NewQueryStats() *QueryStats {
	return &QueryStats{
		cacheHits: map[string]int64{"full": 0, "feature": 0, "none": 0},
	}
}

// Record adds one served query. It also feeds the Prometheus collectors.
func (s *QueryStats) Record(endpoint string, latency time.Duration, cacheHit string) {
	QueryTotal.WithLabelValues(endpoint, cacheHit).Inc()
	QueryLatency.Observe(latency.Seconds())

	ms := float64(latency) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.cacheHits[cacheHit]++
	s.lastLatencyMs = ms
	s.latenciesMs = append(s.latenciesMs, ms)
	if len(s.latenciesMs) > MaxLatencySamples {
		s.latenciesMs = slices.Clone(s.latenciesMs[len(s.latenciesMs)-MaxLatencySamples:])
	}
}

// Snapshot is a point-in-time copy of QueryStats.
type Snapshot struct {
	Total         int64            `json:"total"`
	CacheHits     map[string]int64 `json:"cache_hits"`
	LatenciesMs   []float64        `json:"latencies_ms"`
	LastLatencyMs *float64         `json:"last_latency_ms"`
	P50Ms         *float64         `json:"p50_ms"`
	P95Ms         *float64         `json:"p95_ms"`
	P99Ms         *float64         `json:"p99_ms"`
}

// Snapshot copies the current window. Percentiles are nil until the first
// query is recorded.
func (s *QueryStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Total:       s.total,
		CacheHits:   make(map[string]int64, len(s.cacheHits)),
		LatenciesMs: slices.Clone(s.latenciesMs),
	}
	for k, v := range s.cacheHits {
		snap.CacheHits[k] = v
	}
	if snap.LatenciesMs == nil {
		snap.LatenciesMs = []float64{}
	}
	if len(s.latenciesMs) == 0 {
		return snap
	}

	last := s.lastLatencyMs
	snap.LastLatencyMs = &last

	ordered := slices.Sorted(slices.Values(s.latenciesMs))
	n := len(ordered) - 1
	pick := func(q float64) *float64 {
		v := ordered[int(q*float64(n))]
		return &v
	}
	snap.P50Ms = pick(0.5)
	snap.P95Ms = pick(0.95)
	snap.P99Ms = pick(0.99)
	return snap
}
