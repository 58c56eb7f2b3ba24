package storage

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeVector(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	blob := SerializeVector(v)
	assert.Len(t, blob, 12)
	assert.Equal(t, v, DeserializeVector(blob))

	assert.Nil(t, SerializeVector(nil))
	assert.Nil(t, DeserializeVector(nil))
}

func TestDistances(t *testing.T) {
	assert.InDelta(t, 5.0, L2Distance([]float32{0, 0}, []float32{3, 4}), 1e-9)
	assert.InDelta(t, 0.0, L2Distance([]float32{1, 2}, []float32{1, 2}), 1e-9)

	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 2.0, cosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

func TestSortMatches(t *testing.T) {
	matches := []VectorMatch{
		{ChunkID: 3, Distance: 0.5},
		{ChunkID: 1, Distance: 0.5},
		{ChunkID: 2, Distance: 0.1},
	}
	sortMatches(matches)
	assert.Equal(t, []int64{2, 1, 3}, []int64{matches[0].ChunkID, matches[1].ChunkID, matches[2].ChunkID})
}

func TestSearchVector_Small(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	doc := insertTestDocument(t, storage, "acme", "doc", "text")
	a := insertTestChunk(t, storage, doc.ID, 0, "a", []float32{1, 0, 0}, nil)
	b := insertTestChunk(t, storage, doc.ID, 1, "b", []float32{0, 1, 0}, nil)
	c := insertTestChunk(t, storage, doc.ID, 2, "c", []float32{0.9, 0.1, 0}, nil)

	matches, err := storage.SearchVector(ctx, FamilySmall, []float32{1, 0, 0}, 10, &SearchFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, a.ID, matches[0].ChunkID)
	assert.InDelta(t, 0.0, matches[0].Distance, 1e-5)
	assert.Equal(t, c.ID, matches[1].ChunkID)
	assert.Equal(t, b.ID, matches[2].ChunkID)
	assert.InDelta(t, math.Sqrt2, matches[2].Distance, 1e-5)

	top, err := storage.SearchVector(ctx, FamilySmall, []float32{1, 0, 0}, 1, &SearchFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, a.ID, top[0].ChunkID)
}

func TestSearchVector_Dense(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	doc := insertTestDocument(t, storage, "acme", "doc", "text")
	a := insertTestChunk(t, storage, doc.ID, 0, "a", []float32{1, 0, 0}, []float32{0, 0, 5})
	insertTestChunk(t, storage, doc.ID, 1, "b", []float32{0, 1, 0}, nil)
	c := insertTestChunk(t, storage, doc.ID, 2, "c", []float32{0, 0, 1}, []float32{1, 0, 0})

	matches, err := storage.SearchVector(ctx, FamilyDense, []float32{0, 0, 1}, 10, &SearchFilter{TenantID: "acme"})
	require.NoError(t, err)
	// Chunks without a conceptual vector are not candidates
	require.Len(t, matches, 2)
	assert.Equal(t, a.ID, matches[0].ChunkID)
	assert.InDelta(t, 0.0, matches[0].Distance, 1e-5)
	assert.Equal(t, c.ID, matches[1].ChunkID)
	assert.InDelta(t, 1.0, matches[1].Distance, 1e-5)
}

func TestSearchVector_TieBreakByChunkID(t *testing.T) {
	storage := setupTestDB(t)
	doc := insertTestDocument(t, storage, "acme", "doc", "text")
	first := insertTestChunk(t, storage, doc.ID, 0, "a", []float32{0, 1, 0}, nil)
	second := insertTestChunk(t, storage, doc.ID, 1, "b", []float32{0, 1, 0}, nil)

	matches, err := storage.SearchVector(context.Background(), FamilySmall, []float32{0, 1, 0}, 2, &SearchFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, first.ID, matches[0].ChunkID)
	assert.Equal(t, second.ID, matches[1].ChunkID)
}

func TestSearchVector_Isolation(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	acme := insertTestDocument(t, storage, "acme", "doc", "acme text")
	insertTestChunk(t, storage, acme.ID, 0, "acme", []float32{1, 0, 0}, nil)
	globex := insertTestDocument(t, storage, "globex", "doc", "globex text")
	g := insertTestChunk(t, storage, globex.ID, 0, "globex", []float32{1, 0, 0}, nil)

	matches, err := storage.SearchVector(ctx, FamilySmall, []float32{1, 0, 0}, 10, &SearchFilter{TenantID: "globex"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, g.ID, matches[0].ChunkID)

	none, err := storage.SearchVector(ctx, FamilySmall, []float32{1, 0, 0}, 10, &SearchFilter{TenantID: "initech"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchVector_SkipsSuperseded(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	v1 := insertTestDocument(t, storage, "acme", "doc", "old")
	insertTestChunk(t, storage, v1.ID, 0, "old", []float32{1, 0, 0}, nil)
	_, err := storage.SupersedeDocuments(ctx, "acme", "doc")
	require.NoError(t, err)
	v2 := insertTestDocument(t, storage, "acme", "doc", "new")
	fresh := insertTestChunk(t, storage, v2.ID, 0, "new", []float32{0, 1, 0}, nil)

	matches, err := storage.SearchVector(ctx, FamilySmall, []float32{1, 0, 0}, 10, &SearchFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, fresh.ID, matches[0].ChunkID)
}

func TestSearchVector_Filters(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	memo := &SearchFilter{TenantID: "acme", SourceTypes: []string{"memory"}}
	doc := insertTestDocument(t, storage, "acme", "doc", "doc text")
	insertTestChunk(t, storage, doc.ID, 0, "doc", []float32{1, 0, 0}, nil)

	matches, err := storage.SearchVector(ctx, FamilySmall, []float32{1, 0, 0}, 10, memo)
	require.NoError(t, err)
	assert.Empty(t, matches)

	byDoc, err := storage.SearchVector(ctx, FamilySmall, []float32{1, 0, 0}, 10,
		&SearchFilter{TenantID: "acme", DocumentIDs: []int64{doc.ID}})
	require.NoError(t, err)
	assert.Len(t, byDoc, 1)
}

func TestSearchVector_Errors(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	_, err := storage.SearchVector(ctx, FamilySmall, []float32{1, 0}, 10, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = storage.SearchVector(ctx, Family("sparse"), []float32{1, 0, 0}, 10, nil)
	assert.ErrorIs(t, err, ErrUnknownFamily)

	matches, err := storage.SearchVector(ctx, FamilySmall, []float32{1, 0, 0}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestApplySearchFilter_Placeholders(t *testing.T) {
	filter := &SearchFilter{SourceTypes: []string{"a", "b"}, DocumentIDs: []int64{7}}

	query, args := applySearchFilter("WHERE x = $1", []interface{}{1}, filter, "$")
	assert.Contains(t, query, "d.source_type IN ($2,$3)")
	assert.Contains(t, query, "c.document_id IN ($4)")
	assert.Len(t, args, 4)

	query, args = applySearchFilter("WHERE x = ?", []interface{}{1}, filter, "?")
	assert.Contains(t, query, "d.source_type IN (?,?)")
	assert.Len(t, args, 4)
}
