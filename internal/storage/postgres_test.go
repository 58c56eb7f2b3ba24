package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenglow/fusionrank/pkg/types"
)

// setupPostgres connects to FUSIONRANK_TEST_POSTGRES_DSN. Each test uses a
// unique tenant so runs don't interfere.
func setupPostgres(t *testing.T) (*PostgresStorage, string) {
	dsn := os.Getenv("FUSIONRANK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FUSIONRANK_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStorage(context.Background(), dsn, testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, fmt.Sprintf("t%d", time.Now().UnixNano())
}

func TestPostgres_RequiresDimensions(t *testing.T) {
	_, err := NewPostgresStorage(context.Background(), "postgres://unused", Dimensions{Small: 3})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestPostgres_DocumentsAndSearch(t *testing.T) {
	store, tenant := setupPostgres(t)
	ctx := context.Background()

	doc := insertTestDocument(t, store, tenant, "doc", "postgres text")
	assert.Equal(t, 1, doc.Version)

	dup := &types.Document{TenantID: tenant, ExternalID: "other", ContentHash: doc.ContentHash}
	assert.ErrorIs(t, store.InsertDocument(ctx, dup), ErrDuplicateContent)

	a := insertTestChunk(t, store, doc.ID, 0, "a", []float32{1, 0, 0}, []float32{0, 0, 1})
	b := insertTestChunk(t, store, doc.ID, 1, "b", []float32{0, 1, 0}, nil)

	small, err := store.SearchVector(ctx, FamilySmall, []float32{1, 0, 0}, 10, &SearchFilter{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, small, 2)
	assert.Equal(t, a.ID, small[0].ChunkID)
	assert.Equal(t, b.ID, small[1].ChunkID)

	dense, err := store.SearchVector(ctx, FamilyDense, []float32{0, 0, 1}, 10, &SearchFilter{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, dense, 1)
	assert.InDelta(t, 0.0, dense[0].Distance, 1e-5)

	got, err := store.GetChunks(ctx, []int64{a.ID, b.ID})
	require.NoError(t, err)
	assert.Nil(t, got[b.ID].EmbeddingDense)
	assert.Equal(t, []float32{0, 0, 1}, got[a.ID].EmbeddingDense)

	n, err := store.SupersedeDocuments(ctx, tenant, "doc")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := store.SearchVector(ctx, FamilySmall, []float32{1, 0, 0}, 10, &SearchFilter{TenantID: tenant})
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestPostgres_Experiments(t *testing.T) {
	store, tenant := setupPostgres(t)
	ctx := context.Background()

	for _, id := range []string{tenant + "-a", tenant + "-b"} {
		require.NoError(t, store.InsertExperiment(ctx, &types.ScoringExperiment{
			ID: id, TenantID: tenant, Name: id, Weights: types.DefaultWeights(),
		}))
	}
	_, err := store.ActivateExperiment(ctx, tenant, tenant+"-a")
	require.NoError(t, err)
	b, err := store.ActivateExperiment(ctx, tenant, tenant+"-b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Version)

	active, err := store.GetActiveExperiment(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, tenant+"-b", active.ID)
}

func TestPostgres_Partitions(t *testing.T) {
	store, tenant := setupPostgres(t)
	ctx := context.Background()

	assert.Error(t, store.EnsurePartition(ctx, "2024-01"))

	key := "209901"
	require.NoError(t, store.EnsurePartition(ctx, key))
	require.NoError(t, store.AppendInteraction(ctx, &types.InteractionEvent{
		TenantID: tenant, ChunkID: 1, Kind: types.KindClick,
		OccurredAt: time.Date(2099, 1, 5, 0, 0, 0, 0, time.UTC),
	}))

	agg, err := store.AggregateEngagement(ctx, tenant, time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg[1].Clicks)

	dropped, err := store.DropPartition(ctx, key)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, dropped, 1)
}
