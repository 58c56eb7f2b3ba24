package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryStatsEmpty(t *testing.T) {
	snap := NewQueryStats().Snapshot()
	assert.Equal(t, int64(0), snap.Total)
	assert.Empty(t, snap.LatenciesMs)
	assert.Nil(t, snap.P50Ms)
	assert.Nil(t, snap.LastLatencyMs)
	assert.Equal(t, int64(0), snap.CacheHits["full"])
}

func TestQueryStatsPercentiles(t *testing.T) {
	stats := NewQueryStats()
	for i := 1; i <= 100; i++ {
		hit := "none"
		if i%4 == 0 {
			hit = "full"
		}
		stats.Record("test", time.Duration(i)*time.Millisecond, hit)
	}

	snap := stats.Snapshot()
	assert.Equal(t, int64(100), snap.Total)
	assert.Equal(t, int64(25), snap.CacheHits["full"])
	assert.Equal(t, int64(75), snap.CacheHits["none"])
	require.NotNil(t, snap.P50Ms)
	assert.InDelta(t, 50.0, *snap.P50Ms, 1e-9)
	assert.InDelta(t, 95.0, *snap.P95Ms, 1e-9)
	assert.InDelta(t, 99.0, *snap.P99Ms, 1e-9)
	assert.InDelta(t, 100.0, *snap.LastLatencyMs, 1e-9)
}

func TestQueryStatsWindow(t *testing.T) {
	stats := NewQueryStats()
	for i := 0; i < MaxLatencySamples+50; i++ {
		stats.Record("window", time.Millisecond, "none")
	}
	snap := stats.Snapshot()
	assert.Len(t, snap.LatenciesMs, MaxLatencySamples)
	assert.Equal(t, int64(MaxLatencySamples+50), snap.Total)
}

func TestQueryStatsFeedsPrometheus(t *testing.T) {
	before := testutil.ToFloat64(QueryTotal.WithLabelValues("prom", "feature"))
	NewQueryStats().Record("prom", time.Millisecond, "feature")
	assert.Equal(t, before+1, testutil.ToFloat64(QueryTotal.WithLabelValues("prom", "feature")))
}
