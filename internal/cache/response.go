package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zenglow/fusionrank/internal/metrics"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

// Backend names
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
)

// ResponseKey identifies a cached response
type ResponseKey struct {
	TenantID     string
	QueryHash    string
	TopK         int
	ExperimentID string
}

// String returns the stable cache key
func (k ResponseKey) String() string {
	h := sha256.New()
	for _, part := range []string{k.TenantID, k.QueryHash, strconv.Itoa(k.TopK), k.ExperimentID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResponseCache stores whole query responses
type ResponseCache interface {
	Get(ctx context.Context, key ResponseKey) (*types.QueryResponse, bool, error)
	Put(ctx context.Context, key ResponseKey, resp *types.QueryResponse, queryEmbedding []float32) error
	// InvalidateQuery drops the entries of one query hash across tenants
	InvalidateQuery(ctx context.Context, queryHash string) (int, error)
	// InvalidateTenant drops every entry of a tenant
	InvalidateTenant(ctx context.Context, tenantID string) (int, error)
	Purge(ctx context.Context) (int, error)
	Backend() string
}

type memoryEntry struct {
	key  ResponseKey
	resp *types.QueryResponse
}

// MemoryResponseCache keeps responses in an expirable LRU
type MemoryResponseCache struct {
	lru *expirable.LRU[string, memoryEntry]
}

// NewMemoryResponseCache creates an in-memory response cache
func NewMemoryResponseCache(size int, ttl time.Duration) *MemoryResponseCache {
	if size <= 0 {
		size = DefaultResponseSize
	}
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	return &MemoryResponseCache{lru: expirable.NewLRU[string, memoryEntry](size, nil, ttl)}
}

func (c *MemoryResponseCache) Get(_ context.Context, key ResponseKey) (*types.QueryResponse, bool, error) {
	entry, ok := c.lru.Get(key.String())
	if !ok {
		metrics.CacheLookups.WithLabelValues("response", "miss").Inc()
		return nil, false, nil
	}
	metrics.CacheLookups.WithLabelValues("response", "hit").Inc()
	return entry.resp.Clone(), true, nil
}

func (c *MemoryResponseCache) Put(_ context.Context, key ResponseKey, resp *types.QueryResponse, _ []float32) error {
	c.lru.Add(key.String(), memoryEntry{key: key, resp: resp.Clone()})
	return nil
}

func (c *MemoryResponseCache) removeWhere(match func(ResponseKey) bool) int {
	n := 0
	for _, k := range c.lru.Keys() {
		entry, ok := c.lru.Peek(k)
		if ok && match(entry.key) && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

func (c *MemoryResponseCache) InvalidateQuery(_ context.Context, queryHash string) (int, error) {
	return c.removeWhere(func(k ResponseKey) bool { return k.QueryHash == queryHash }), nil
}

func (c *MemoryResponseCache) InvalidateTenant(_ context.Context, tenantID string) (int, error) {
	return c.removeWhere(func(k ResponseKey) bool { return k.TenantID == tenantID }), nil
}

func (c *MemoryResponseCache) Purge(_ context.Context) (int, error) {
	n := c.lru.Len()
	c.lru.Purge()
	return n, nil
}

func (c *MemoryResponseCache) Backend() string {
	return BackendMemory
}

// SQLResponseCache persists responses in the store's query_cache table.
// Expired rows are ignored on read and removed by maintenance.
type SQLResponseCache struct {
	store storage.Storage
	ttl   time.Duration
	now   func() time.Time
}

// NewSQLResponseCache creates a response cache backed by store
func NewSQLResponseCache(store storage.Storage, ttl time.Duration) *SQLResponseCache {
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	return &SQLResponseCache{store: store, ttl: ttl, now: time.Now}
}

func (c *SQLResponseCache) Get(ctx context.Context, key ResponseKey) (*types.QueryResponse, bool, error) {
	entry, err := c.store.GetQueryCache(ctx, key.String(), c.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		metrics.CacheLookups.WithLabelValues("response", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached response: %w", err)
	}

	var resp types.QueryResponse
	if err := json.Unmarshal(entry.Results, &resp); err != nil {
		// A row we can't decode is as good as absent
		metrics.CacheLookups.WithLabelValues("response", "stale").Inc()
		return nil, false, nil
	}
	metrics.CacheLookups.WithLabelValues("response", "hit").Inc()
	return &resp, true, nil
}

func (c *SQLResponseCache) Put(ctx context.Context, key ResponseKey, resp *types.QueryResponse, queryEmbedding []float32) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	now := c.now().UTC()
	return c.store.PutQueryCache(ctx, &storage.QueryCacheEntry{
		CacheKey:       key.String(),
		QueryHash:      key.QueryHash,
		TenantID:       key.TenantID,
		TopK:           key.TopK,
		ExperimentID:   key.ExperimentID,
		QueryEmbedding: queryEmbedding,
		Results:        data,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.ttl),
	})
}

func (c *SQLResponseCache) InvalidateQuery(ctx context.Context, queryHash string) (int, error) {
	return c.store.DeleteQueryCache(ctx, storage.QueryCacheFilter{QueryHash: queryHash})
}

func (c *SQLResponseCache) InvalidateTenant(ctx context.Context, tenantID string) (int, error) {
	return c.store.DeleteQueryCache(ctx, storage.QueryCacheFilter{TenantID: tenantID})
}

func (c *SQLResponseCache) Purge(ctx context.Context) (int, error) {
	return c.store.DeleteQueryCache(ctx, storage.QueryCacheFilter{})
}

func (c *SQLResponseCache) Backend() string {
	return BackendSQL
}
