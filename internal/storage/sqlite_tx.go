package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zenglow/fusionrank/pkg/types"
)

// sqliteTx wraps a SQL transaction. Every method runs on the transaction,
// including reads: with a single pooled connection a read through the
// parent *sql.DB would block until the transaction ends.
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

func (t *sqliteTx) InsertDocument(ctx context.Context, doc *types.Document) error {
	return t.storage.insertDocumentWithQuerier(ctx, t.querier(), doc)
}

func (t *sqliteTx) SupersedeDocuments(ctx context.Context, tenantID, externalID string) (int, error) {
	return t.storage.supersedeDocumentsWithQuerier(ctx, t.querier(), tenantID, externalID)
}

func (t *sqliteTx) GetDocument(ctx context.Context, id int64) (*types.Document, error) {
	return t.storage.getDocumentWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) GetLatestDocument(ctx context.Context, tenantID, externalID string) (*types.Document, error) {
	return t.storage.getLatestDocumentWithQuerier(ctx, t.querier(), tenantID, externalID)
}

func (t *sqliteTx) FindLatestByHash(ctx context.Context, tenantID string, contentHash [32]byte) (*types.Document, error) {
	return t.storage.findLatestByHashWithQuerier(ctx, t.querier(), tenantID, contentHash)
}

func (t *sqliteTx) InsertChunk(ctx context.Context, chunk *types.Chunk) error {
	return t.storage.insertChunkWithQuerier(ctx, t.querier(), chunk)
}

func (t *sqliteTx) GetChunk(ctx context.Context, chunkID int64) (*types.Chunk, error) {
	return t.storage.getChunkWithQuerier(ctx, t.querier(), chunkID)
}

func (t *sqliteTx) GetChunks(ctx context.Context, chunkIDs []int64) (map[int64]*types.Chunk, error) {
	return t.storage.getChunksWithQuerier(ctx, t.querier(), chunkIDs)
}

func (t *sqliteTx) ListChunksByDocument(ctx context.Context, documentID int64) ([]*types.Chunk, error) {
	return t.storage.listChunksByDocumentWithQuerier(ctx, t.querier(), documentID)
}

func (t *sqliteTx) DeactivateChunks(ctx context.Context, documentID int64) (int, error) {
	return t.storage.deactivateChunksWithQuerier(ctx, t.querier(), documentID)
}

func (t *sqliteTx) UpdateAuthorityScores(ctx context.Context, scores map[int64]float64) error {
	return t.storage.updateAuthorityScoresWithQuerier(ctx, t.querier(), scores)
}

func (t *sqliteTx) ScoredChunks(ctx context.Context, tenantID string) ([]int64, error) {
	return t.storage.scoredChunksWithQuerier(ctx, t.querier(), tenantID)
}

func (t *sqliteTx) UpsertChunkFeatures(ctx context.Context, features *types.ChunkFeatures) error {
	return t.storage.upsertChunkFeaturesWithQuerier(ctx, t.querier(), features)
}

func (t *sqliteTx) GetChunkFeatures(ctx context.Context, chunkIDs []int64) (map[int64]*types.ChunkFeatures, error) {
	return t.storage.getChunkFeaturesWithQuerier(ctx, t.querier(), chunkIDs)
}

func (t *sqliteTx) SearchVector(ctx context.Context, family Family, vector []float32, k int, filter *SearchFilter) ([]VectorMatch, error) {
	return searchVector(ctx, t.querier(), t.storage.dims, family, vector, k, filter)
}

func (t *sqliteTx) InsertExperiment(ctx context.Context, exp *types.ScoringExperiment) error {
	return t.storage.insertExperimentWithQuerier(ctx, t.querier(), exp)
}

func (t *sqliteTx) ActivateExperiment(ctx context.Context, tenantID, experimentID string) (*types.ScoringExperiment, error) {
	return t.storage.activateExperimentWithQuerier(ctx, t.querier(), tenantID, experimentID)
}

func (t *sqliteTx) GetExperiment(ctx context.Context, id string) (*types.ScoringExperiment, error) {
	return t.storage.getExperimentWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) GetActiveExperiment(ctx context.Context, tenantID string) (*types.ScoringExperiment, error) {
	return t.storage.getActiveExperimentWithQuerier(ctx, t.querier(), tenantID)
}

func (t *sqliteTx) ListExperiments(ctx context.Context, tenantID string) ([]*types.ScoringExperiment, error) {
	return t.storage.listExperimentsWithQuerier(ctx, t.querier(), tenantID)
}

func (t *sqliteTx) AppendInteraction(ctx context.Context, event *types.InteractionEvent) error {
	return t.storage.appendInteractionWithQuerier(ctx, t.querier(), event)
}

func (t *sqliteTx) AggregateEngagement(ctx context.Context, tenantID string, since time.Time) (map[int64]Engagement, error) {
	return t.storage.aggregateEngagementWithQuerier(ctx, t.querier(), tenantID, since)
}

func (t *sqliteTx) InteractionTenants(ctx context.Context, since time.Time) ([]string, error) {
	return t.storage.interactionTenantsWithQuerier(ctx, t.querier(), since)
}

func (t *sqliteTx) EnsurePartition(ctx context.Context, key string) error {
	return t.storage.ensurePartitionWithQuerier(ctx, t.querier(), key)
}

func (t *sqliteTx) ListPartitions(ctx context.Context) ([]string, error) {
	return t.storage.listPartitionsWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) DropPartition(ctx context.Context, key string) (int, error) {
	return t.storage.dropPartitionWithQuerier(ctx, t.querier(), key)
}

func (t *sqliteTx) GetQueryCache(ctx context.Context, cacheKey string, now time.Time) (*QueryCacheEntry, error) {
	return t.storage.getQueryCacheWithQuerier(ctx, t.querier(), cacheKey, now)
}

func (t *sqliteTx) PutQueryCache(ctx context.Context, entry *QueryCacheEntry) error {
	return t.storage.putQueryCacheWithQuerier(ctx, t.querier(), entry)
}

func (t *sqliteTx) DeleteQueryCache(ctx context.Context, filter QueryCacheFilter) (int, error) {
	return t.storage.deleteQueryCacheWithQuerier(ctx, t.querier(), filter)
}

func (t *sqliteTx) DeleteExpiredQueryCache(ctx context.Context, now time.Time) (int, error) {
	return t.storage.deleteExpiredQueryCacheWithQuerier(ctx, t.querier(), now)
}

func (t *sqliteTx) GetStatus(ctx context.Context, tenantID string) (*Status, error) {
	return t.storage.getStatusWithQuerier(ctx, t.querier(), tenantID)
}

func (t *sqliteTx) Ping(ctx context.Context) error {
	var one int
	return t.tx.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	// SQLite does not support true nested transactions
	return nil, errors.New("nested transactions not supported")
}
