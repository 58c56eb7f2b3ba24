package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenglow/fusionrank/internal/chunker"
	"github.com/zenglow/fusionrank/internal/embedder"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

const testDim = 8

func setupStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:", storage.Dimensions{Small: testDim, Dense: testDim})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func localEmbedder(t *testing.T) embedder.Embedder {
	t.Helper()
	e, err := embedder.NewLocalProvider(testDim, nil)
	require.NoError(t, err)
	return e
}

// failingEmbedder fails every request
type failingEmbedder struct{ *embedder.LocalProvider }

func (f failingEmbedder) GenerateBatch(context.Context, embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	return nil, errors.New("embedding service down")
}

type recordingInvalidator struct{ tenants []string }

func (r *recordingInvalidator) InvalidateTenant(_ context.Context, tenantID string) (int, error) {
	r.tenants = append(r.tenants, tenantID)
	return 0, nil
}

func newIngester(t *testing.T, store storage.Storage, opts ...Option) *Ingester {
	t.Helper()
	opts = append([]Option{WithDense(localEmbedder(t))}, opts...)
	ing, err := New(store, localEmbedder(t), opts...)
	require.NoError(t, err)
	return ing
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, localEmbedder(t))
	assert.Error(t, err)

	_, err = New(setupStore(t), nil)
	assert.Error(t, err)
}

func TestIngest_Text(t *testing.T) {
	store := setupStore(t)
	invalidator := &recordingInvalidator{}
	ing := newIngester(t, store, WithResponseCache(invalidator))
	ctx := context.Background()

	result, err := ing.Ingest(ctx, Request{
		TenantID:   "acme",
		ExternalID: "handbook",
		Title:      "Handbook",
		Text:       "The Pricing Team at Acme reviews discounts every quarter.",
		Topics:     []string{"pricing"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Version)
	assert.Equal(t, 1, result.Chunks)
	assert.Equal(t, 0, result.Superseded)
	assert.False(t, result.Unchanged)
	assert.Equal(t, []string{"acme"}, invalidator.tenants)

	doc, err := store.GetDocument(ctx, result.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "document", doc.SourceType)
	assert.True(t, doc.Latest)

	chunks, err := store.ListChunksByDocument(ctx, result.DocumentID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].EmbeddingSmall, testDim)
	assert.Len(t, chunks[0].EmbeddingDense, testDim)
	assert.Equal(t, types.RoleStandalone, chunks[0].Role)

	feats, err := store.GetChunkFeatures(ctx, []int64{chunks[0].ID})
	require.NoError(t, err)
	require.Contains(t, feats, chunks[0].ID)
	assert.Equal(t, []string{"pricing"}, feats[chunks[0].ID].Topics)
	assert.Contains(t, feats[chunks[0].ID].Entities, "Pricing Team")
	assert.Equal(t, chunks[0].Checksum, feats[chunks[0].ID].Checksum)
}

func TestIngest_Versions(t *testing.T) {
	store := setupStore(t)
	ing := newIngester(t, store)
	ctx := context.Background()

	first, err := ing.Ingest(ctx, Request{TenantID: "acme", ExternalID: "doc", Text: "first version"})
	require.NoError(t, err)

	again, err := ing.Ingest(ctx, Request{TenantID: "acme", ExternalID: "doc", Text: "  first   version "})
	require.NoError(t, err)
	assert.True(t, again.Unchanged)
	assert.Equal(t, first.DocumentID, again.DocumentID)

	second, err := ing.Ingest(ctx, Request{TenantID: "acme", ExternalID: "doc", Text: "second version"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, 1, second.Superseded)

	old, err := store.ListChunksByDocument(ctx, first.DocumentID)
	require.NoError(t, err)
	for _, c := range old {
		assert.False(t, c.Active)
	}

	latest, err := store.GetLatestDocument(ctx, "acme", "doc")
	require.NoError(t, err)
	assert.Equal(t, second.DocumentID, latest.ID)
}

func TestIngest_DuplicateContent(t *testing.T) {
	store := setupStore(t)
	ing := newIngester(t, store)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, Request{TenantID: "acme", ExternalID: "a", Text: "shared text"})
	require.NoError(t, err)

	_, err = ing.Ingest(ctx, Request{TenantID: "acme", ExternalID: "b", Text: "shared text"})
	assert.ErrorIs(t, err, storage.ErrDuplicateContent)
	assert.Equal(t, types.CodeInvalidRequest, types.CodeOf(err))

	// Other tenants are independent
	_, err = ing.Ingest(ctx, Request{TenantID: "other", ExternalID: "b", Text: "shared text"})
	assert.NoError(t, err)
}

func TestIngest_Hierarchical(t *testing.T) {
	store := setupStore(t)
	ing := newIngester(t, store, WithChunker(chunker.New(chunker.Options{Size: 40, Overlap: 5, ParentGroup: 2})))
	ctx := context.Background()

	text := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta ", 6)
	result, err := ing.Ingest(ctx, Request{TenantID: "acme", ExternalID: "long", Text: text})
	require.NoError(t, err)

	chunks, err := store.ListChunksByDocument(ctx, result.DocumentID)
	require.NoError(t, err)
	require.Len(t, chunks, result.Chunks)

	parents := make(map[int64]bool)
	children := 0
	for _, c := range chunks {
		switch c.Role {
		case types.RoleParent:
			assert.Nil(t, c.ParentChunkID)
			parents[c.ID] = true
		case types.RoleChild:
			require.NotNil(t, c.ParentChunkID)
			assert.True(t, parents[*c.ParentChunkID], "child %d points at unknown parent", c.ID)
			children++
		default:
			t.Fatalf("unexpected role %s", c.Role)
		}
	}
	assert.NotEmpty(t, parents)
	assert.Greater(t, children, len(parents))
}

func TestIngest_Chunks(t *testing.T) {
	store := setupStore(t)
	ing := newIngester(t, store)
	ctx := context.Background()

	vec := make([]float32, testDim)
	vec[0] = 1
	result, err := ing.Ingest(ctx, Request{
		TenantID:   "acme",
		ExternalID: "pre",
		Chunks: []ChunkInput{
			{Text: "precomputed", EmbeddingSmall: vec},
			{Text: "embedded on demand"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Chunks)

	chunks, err := store.ListChunksByDocument(ctx, result.DocumentID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, vec, chunks[0].EmbeddingSmall)
	assert.Len(t, chunks[1].EmbeddingSmall, testDim)

	_, err = ing.Ingest(ctx, Request{
		TenantID:   "acme",
		ExternalID: "bad",
		Chunks:     []ChunkInput{{Text: "wrong size", EmbeddingSmall: []float32{1, 2}}},
	})
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
	assert.Equal(t, types.CodeInvalidRequest, types.CodeOf(err))

	// The failed document left nothing behind
	_, err = store.GetLatestDocument(ctx, "acme", "bad")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngest_Validation(t *testing.T) {
	ing := newIngester(t, setupStore(t))

	tests := []struct {
		name string
		req  Request
	}{
		{"empty", Request{ExternalID: "x"}},
		{"text and chunks", Request{ExternalID: "x", Text: "a", Chunks: []ChunkInput{{Text: "b"}}}},
		{"blank chunk", Request{ExternalID: "x", Chunks: []ChunkInput{{Text: " "}}}},
		{"bad hash", Request{ExternalID: "x", Text: "a", ContentHash: "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ing.Ingest(context.Background(), tt.req)
			assert.Equal(t, types.CodeInvalidRequest, types.CodeOf(err))
		})
	}
}

func TestIngest_Defaults(t *testing.T) {
	store := setupStore(t)
	ing := newIngester(t, store)
	ctx := context.Background()

	result, err := ing.Ingest(ctx, Request{Text: "anonymous note"})
	require.NoError(t, err)

	hash := types.HashContent("anonymous note")
	doc, err := store.FindLatestByHash(ctx, types.DefaultTenant, hash)
	require.NoError(t, err)
	assert.Equal(t, result.DocumentID, doc.ID)
	assert.Len(t, result.ExternalID, 64)
}

func TestIngest_DenseFailureDegrades(t *testing.T) {
	store := setupStore(t)
	local, err := embedder.NewLocalProvider(testDim, nil)
	require.NoError(t, err)
	ing, err := New(store, localEmbedder(t), WithDense(failingEmbedder{local}))
	require.NoError(t, err)
	ctx := context.Background()

	result, err := ing.Ingest(ctx, Request{TenantID: "acme", ExternalID: "doc", Text: "dense fails here"})
	require.NoError(t, err)
	assert.True(t, result.DenseSkip)

	chunks, err := store.ListChunksByDocument(ctx, result.DocumentID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Nil(t, chunks[0].EmbeddingDense)
	assert.False(t, chunks[0].HasConceptual())
}

func TestIngest_SmallFailureFails(t *testing.T) {
	local, err := embedder.NewLocalProvider(testDim, nil)
	require.NoError(t, err)
	ing, err := New(setupStore(t), failingEmbedder{local})
	require.NoError(t, err)

	_, err = ing.Ingest(context.Background(), Request{ExternalID: "doc", Text: "anything"})
	assert.Error(t, err)
	assert.Equal(t, types.CodeInternal, types.CodeOf(err))
}

func TestIngestFiles(t *testing.T) {
	store := setupStore(t)
	ing := newIngester(t, store, WithWorkers(2))
	ctx := context.Background()

	dir := t.TempDir()
	write := func(name, content string) {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	write("a.md", "alpha document about ranking")
	write("nested/b.txt", "beta document about fusion")
	write(".hidden/c.md", "hidden document")
	write("empty.md", "   ")

	stats, err := ing.IngestFiles(ctx, []string{dir}, FileOptions{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesIngested)
	assert.Equal(t, 1, stats.FilesFailed)
	assert.Len(t, stats.ErrorMessages, 1)
	assert.Contains(t, stats.ErrorMessages[0], "empty.md")

	again, err := ing.IngestFiles(ctx, []string{dir}, FileOptions{TenantID: "acme", Extensions: []string{"md"}})
	require.NoError(t, err)
	assert.Equal(t, 1, again.FilesUnchanged)
	assert.Equal(t, 0, again.FilesIngested)

	_, err = ing.IngestFiles(ctx, []string{filepath.Join(dir, "*.pdf")}, FileOptions{})
	assert.Error(t, err)
}

func TestDiscoverFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.md", "b.MD", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	files, err := discoverFiles([]string{dir, filepath.Join(dir, "a.md")}, []string{".md"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.md"), filepath.Join(dir, "b.MD")}, files)

	files, err = discoverFiles([]string{filepath.Join(dir, "*.txt")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "c.txt")}, files)
}
