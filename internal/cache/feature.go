package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zenglow/fusionrank/internal/metrics"
	"github.com/zenglow/fusionrank/pkg/types"
)

// Defaults
const (
	DefaultFeatureTTL   = 2 * time.Minute
	DefaultFeatureSize  = 50000
	DefaultResponseTTL  = 10 * time.Minute
	DefaultResponseSize = 5000
)

type featureKey struct {
	ChunkID   int64
	QueryHash string
}

// FeatureEntry is the cached scoring state of one (chunk, query) pair
type FeatureEntry struct {
	Vector        types.FeatureVector
	LTRScore      float64
	Degraded      bool
	SchemaVersion int
	ScorerVariant string
}

// FeatureCache is a TTL-bounded LRU of feature entries
type FeatureCache struct {
	lru *expirable.LRU[featureKey, FeatureEntry]
}

// NewFeatureCache creates a feature cache. Non-positive arguments use the
// defaults.
func NewFeatureCache(size int, ttl time.Duration) *FeatureCache {
	if size <= 0 {
		size = DefaultFeatureSize
	}
	if ttl <= 0 {
		ttl = DefaultFeatureTTL
	}
	return &FeatureCache{lru: expirable.NewLRU[featureKey, FeatureEntry](size, nil, ttl)}
}

// Get returns the entry for (chunkID, queryHash) computed under
// schemaVersion and scorerVariant. An entry from another schema or scorer is
// evicted and reported as a miss.
func (c *FeatureCache) Get(chunkID int64, queryHash string, schemaVersion int, scorerVariant string) (FeatureEntry, bool) {
	key := featureKey{ChunkID: chunkID, QueryHash: queryHash}
	entry, ok := c.lru.Get(key)
	if !ok {
		metrics.CacheLookups.WithLabelValues("feature", "miss").Inc()
		return FeatureEntry{}, false
	}
	if entry.SchemaVersion != schemaVersion || entry.Vector.SchemaVersion != schemaVersion ||
		entry.ScorerVariant != scorerVariant {
		c.lru.Remove(key)
		metrics.CacheLookups.WithLabelValues("feature", "stale").Inc()
		return FeatureEntry{}, false
	}
	metrics.CacheLookups.WithLabelValues("feature", "hit").Inc()
	entry.Vector = entry.Vector.Clone()
	return entry, true
}

// Put stores an entry, replacing any previous one
func (c *FeatureCache) Put(chunkID int64, queryHash string, entry FeatureEntry) {
	entry.Vector = entry.Vector.Clone()
	c.lru.Add(featureKey{ChunkID: chunkID, QueryHash: queryHash}, entry)
}

// InvalidateChunk drops every entry of a chunk
func (c *FeatureCache) InvalidateChunk(chunkID int64) int {
	n := 0
	for _, key := range c.lru.Keys() {
		if key.ChunkID == chunkID && c.lru.Remove(key) {
			n++
		}
	}
	return n
}

// Purge drops every entry
func (c *FeatureCache) Purge() int {
	n := c.lru.Len()
	c.lru.Purge()
	return n
}

// Len returns the number of live entries
func (c *FeatureCache) Len() int {
	return c.lru.Len()
}
