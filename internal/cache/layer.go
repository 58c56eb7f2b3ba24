package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

// Scope selects which cache Invalidate acts on
type Scope string

const (
	ScopeFeature Scope = "feature"
	ScopeFull    Scope = "full"
)

// Options configures a Layer
type Options struct {
	Backend      string
	FeatureSize  int
	FeatureTTL   time.Duration
	ResponseSize int
	ResponseTTL  time.Duration
}

// Layer bundles the feature and response caches handed to the pipeline
type Layer struct {
	Features  *FeatureCache
	Responses ResponseCache
}

// New builds the cache layer. The sql backend needs a store.
func New(opts Options, store storage.Storage) (*Layer, error) {
	l := &Layer{Features: NewFeatureCache(opts.FeatureSize, opts.FeatureTTL)}
	switch opts.Backend {
	case "", BackendMemory:
		l.Responses = NewMemoryResponseCache(opts.ResponseSize, opts.ResponseTTL)
	case BackendSQL:
		if store == nil {
			return nil, fmt.Errorf("cache backend %q requires a store", BackendSQL)
		}
		l.Responses = NewSQLResponseCache(store, opts.ResponseTTL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
	return l, nil
}

// Invalidate drops cached entries. With a key, the feature scope drops one
// chunk's entries (key is the chunk ID) and the full scope drops one query
// hash's responses. Without a key the whole scope is purged.
func (l *Layer) Invalidate(ctx context.Context, scope Scope, key string) (int, error) {
	switch scope {
	case ScopeFeature:
		if key == "" {
			return l.Features.Purge(), nil
		}
		chunkID, err := strconv.ParseInt(key, 10, 64)
		if err != nil || chunkID <= 0 {
			return 0, types.NewError(types.CodeInvalidRequest,
				fmt.Sprintf("feature cache key must be a chunk ID, got %q", key), types.ErrInvalidRequest)
		}
		return l.Features.InvalidateChunk(chunkID), nil
	case ScopeFull:
		if key == "" {
			return l.Responses.Purge(ctx)
		}
		return l.Responses.InvalidateQuery(ctx, key)
	default:
		return 0, types.NewError(types.CodeInvalidRequest,
			fmt.Sprintf("unknown cache scope %q", scope), types.ErrInvalidRequest)
	}
}

// InvalidateTenant drops a tenant's cached responses
func (l *Layer) InvalidateTenant(ctx context.Context, tenantID string) (int, error) {
	return l.Responses.InvalidateTenant(ctx, tenantID)
}
