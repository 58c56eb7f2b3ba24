package storage

import (
	"context"
	"errors"
	"time"

	"github.com/zenglow/fusionrank/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = types.ErrNotFound
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
	// ErrDuplicateContent is returned when another latest document of the
	// tenant already holds the same content hash
	ErrDuplicateContent = errors.New("duplicate content hash for latest document")
	// ErrDimensionMismatch is returned when a vector doesn't match its family's dimension
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrUnknownFamily is returned for an embedding family the store doesn't index
	ErrUnknownFamily = errors.New("unknown embedding family")
)

// Family identifies one of the two embedding spaces
type Family string

const (
	// FamilySmall is the primary retrieval space, searched by L2 distance
	FamilySmall Family = "small"
	// FamilyDense is the conceptual space, searched by cosine distance
	FamilyDense Family = "dense"
)

// Storage defines the interface for persisting documents, chunks and the
// ranking state derived from them
type Storage interface {
	// Document operations
	InsertDocument(ctx context.Context, doc *types.Document) error
	SupersedeDocuments(ctx context.Context, tenantID, externalID string) (int, error)
	GetDocument(ctx context.Context, id int64) (*types.Document, error)
	GetLatestDocument(ctx context.Context, tenantID, externalID string) (*types.Document, error)
	FindLatestByHash(ctx context.Context, tenantID string, contentHash [32]byte) (*types.Document, error)

	// Chunk operations
	InsertChunk(ctx context.Context, chunk *types.Chunk) error
	GetChunk(ctx context.Context, chunkID int64) (*types.Chunk, error)
	GetChunks(ctx context.Context, chunkIDs []int64) (map[int64]*types.Chunk, error)
	ListChunksByDocument(ctx context.Context, documentID int64) ([]*types.Chunk, error)
	DeactivateChunks(ctx context.Context, documentID int64) (int, error)
	UpdateAuthorityScores(ctx context.Context, scores map[int64]float64) error
	// ScoredChunks lists chunks with a non-zero authority score; an empty
	// tenantID lists them across tenants
	ScoredChunks(ctx context.Context, tenantID string) ([]int64, error)

	// Chunk feature operations
	UpsertChunkFeatures(ctx context.Context, features *types.ChunkFeatures) error
	GetChunkFeatures(ctx context.Context, chunkIDs []int64) (map[int64]*types.ChunkFeatures, error)

	// Search operations
	SearchVector(ctx context.Context, family Family, vector []float32, k int, filter *SearchFilter) ([]VectorMatch, error)

	// Experiment operations
	InsertExperiment(ctx context.Context, exp *types.ScoringExperiment) error
	ActivateExperiment(ctx context.Context, tenantID, experimentID string) (*types.ScoringExperiment, error)
	GetExperiment(ctx context.Context, id string) (*types.ScoringExperiment, error)
	GetActiveExperiment(ctx context.Context, tenantID string) (*types.ScoringExperiment, error)
	ListExperiments(ctx context.Context, tenantID string) ([]*types.ScoringExperiment, error)

	// Interaction log operations
	AppendInteraction(ctx context.Context, event *types.InteractionEvent) error
	AggregateEngagement(ctx context.Context, tenantID string, since time.Time) (map[int64]Engagement, error)
	InteractionTenants(ctx context.Context, since time.Time) ([]string, error)
	EnsurePartition(ctx context.Context, key string) error
	ListPartitions(ctx context.Context) ([]string, error)
	DropPartition(ctx context.Context, key string) (int, error)

	// Query cache operations
	GetQueryCache(ctx context.Context, cacheKey string, now time.Time) (*QueryCacheEntry, error)
	PutQueryCache(ctx context.Context, entry *QueryCacheEntry) error
	DeleteQueryCache(ctx context.Context, filter QueryCacheFilter) (int, error)
	DeleteExpiredQueryCache(ctx context.Context, now time.Time) (int, error)

	// Status operations
	GetStatus(ctx context.Context, tenantID string) (*Status, error)
	Ping(ctx context.Context) error

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// SearchFilter narrows a vector search. A nil filter searches the default tenant.
type SearchFilter struct {
	TenantID    string
	SourceTypes []string
	DocumentIDs []int64
}

// VectorMatch is one nearest-neighbour hit
type VectorMatch struct {
	ChunkID  int64
	Distance float64
}

// Engagement aggregates a chunk's interaction events
type Engagement struct {
	Impressions int64
	Clicks      int64
	DwellMs     int64
}

// QueryCacheEntry is a persisted full-response cache row
type QueryCacheEntry struct {
	CacheKey       string
	QueryHash      string
	TenantID       string
	TopK           int
	ExperimentID   string
	QueryEmbedding []float32
	Results        []byte // JSON-encoded response
	HitCount       int64
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// QueryCacheFilter selects cache rows to delete. Empty fields match everything.
type QueryCacheFilter struct {
	QueryHash string
	TenantID  string
}

// Status contains statistics about a tenant's corpus
type Status struct {
	TenantID         string  `json:"tenant_id"`
	Documents        int     `json:"documents"`
	LatestDocuments  int     `json:"latest_documents"`
	ActiveChunks     int     `json:"active_chunks"`
	DenseEmbeddings  int     `json:"dense_embeddings"`
	Interactions     int     `json:"interactions"`
	CachedResponses  int     `json:"cached_responses"`
	ActiveExperiment string  `json:"active_experiment,omitempty"`
	SmallDimension   int     `json:"small_dimension"`
	DenseDimension   int     `json:"dense_dimension"`
	IndexSizeMB      float64 `json:"index_size_mb"`
	Backend          string  `json:"backend"`
}

// Dimensions declares the fixed vector size of each family. Both are set
// when the schema is created and never change afterwards.
type Dimensions struct {
	Small int
	Dense int
}

// Of returns the declared dimension for family
func (d Dimensions) Of(family Family) (int, error) {
	switch family {
	case FamilySmall:
		return d.Small, nil
	case FamilyDense:
		return d.Dense, nil
	default:
		return 0, ErrUnknownFamily
	}
}

func tenantOf(filter *SearchFilter) string {
	if filter == nil || filter.TenantID == "" {
		return types.DefaultTenant
	}
	return filter.TenantID
}
