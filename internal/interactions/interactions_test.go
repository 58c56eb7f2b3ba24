package interactions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

func setupStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:", storage.Dimensions{Small: 3, Dense: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertChunk(t *testing.T, store storage.Storage, tenant, text string) int64 {
	t.Helper()
	ctx := context.Background()
	doc := &types.Document{TenantID: tenant, ExternalID: text, ContentHash: types.HashContent(text), Latest: true}
	require.NoError(t, store.InsertDocument(ctx, doc))

	chunk := &types.Chunk{DocumentID: doc.ID, Role: types.RoleStandalone, Text: text, EmbeddingSmall: []float32{1, 0, 0}, Active: true}
	chunk.ComputeChecksum()
	chunk.ComputeTokenCount()
	require.NoError(t, store.InsertChunk(ctx, chunk))
	return chunk.ID
}

type fakeFeatures struct{ invalidated []int64 }

func (f *fakeFeatures) InvalidateChunk(chunkID int64) int {
	f.invalidated = append(f.invalidated, chunkID)
	return 1
}

func TestAuthority(t *testing.T) {
	tests := []struct {
		name string
		e    storage.Engagement
		want float64
	}{
		{"nothing", storage.Engagement{}, 0},
		{"impressions only", storage.Engagement{Impressions: 10}, 0},
		{"clicks", storage.Engagement{Impressions: 10, Clicks: 5}, 5.0 / 20},
		{"dwell", storage.Engagement{Impressions: 1, Clicks: 1, DwellMs: 60000}, 3.0 / 7},
		{"clamped", storage.Engagement{Clicks: 1, DwellMs: 3600000}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Authority(tt.e), 1e-12)
		})
	}
}

func TestLogAppend(t *testing.T) {
	store := setupStore(t)
	logger := logging.NewTestLogger()
	log := NewLog(store, logger.Logger)
	log.now = func() time.Time { return time.Date(2025, 3, 31, 23, 30, 0, 0, time.FixedZone("X", -2*3600)) }
	ctx := context.Background()

	event := &types.InteractionEvent{ChunkID: 1, Kind: types.KindClick}
	require.NoError(t, log.Append(ctx, event))
	assert.Equal(t, types.DefaultTenant, event.TenantID)
	assert.Equal(t, "202504", event.PartitionKey)
	assert.NotZero(t, event.ID)

	partitions, err := store.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"202504"}, partitions)

	err = log.Append(ctx, &types.InteractionEvent{TenantID: "acme", ChunkID: 1, Kind: "hover"})
	assert.Equal(t, types.CodeInvalidRequest, types.CodeOf(err))

	logger.AssertLogged(t, zapcore.DebugLevel, "interaction appended")
}

func TestMaintainer_Partitions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	log := NewLog(store, nil)
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

	for _, at := range []time.Time{
		time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC),
	} {
		require.NoError(t, log.Append(ctx, &types.InteractionEvent{TenantID: "acme", ChunkID: 1, Kind: types.KindImpression, OccurredAt: at}))
	}

	m := NewMaintainer(store, log, nil, WithRetentionMonths(6), WithClock(func() time.Time { return now }))
	report, err := m.RunOnce(ctx)
	require.NoError(t, err)

	// Retention keeps 202502 onwards
	assert.Equal(t, []string{"202501"}, report.PartitionsDropped)
	assert.Equal(t, 1, report.EventsDropped)
	assert.Equal(t, []string{"202508", "202509"}, report.PartitionsEnsured)

	partitions, err := store.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"202502", "202507", "202508", "202509"}, partitions)

	// A dropped partition is re-created on the next append
	require.NoError(t, log.Append(ctx, &types.InteractionEvent{TenantID: "acme", ChunkID: 1, Kind: types.KindClick,
		OccurredAt: time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)}))
}

func TestMaintainer_Authority(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	log := NewLog(store, nil)
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

	popular := insertChunk(t, store, "acme", "popular chunk")
	ignored := insertChunk(t, store, "acme", "ignored chunk")

	recent := now.Add(-time.Hour)
	for range 3 {
		require.NoError(t, log.Append(ctx, &types.InteractionEvent{TenantID: "acme", ChunkID: popular, Kind: types.KindClick, OccurredAt: recent}))
	}
	require.NoError(t, log.Append(ctx, &types.InteractionEvent{TenantID: "acme", ChunkID: popular, Kind: types.KindImpression, OccurredAt: recent}))
	require.NoError(t, log.Append(ctx, &types.InteractionEvent{TenantID: "acme", ChunkID: ignored, Kind: types.KindImpression, OccurredAt: recent}))
	// Outside the window
	require.NoError(t, log.Append(ctx, &types.InteractionEvent{TenantID: "acme", ChunkID: ignored, Kind: types.KindClick,
		OccurredAt: now.Add(-60 * 24 * time.Hour)}))

	features := &fakeFeatures{}
	m := NewMaintainer(store, log, nil,
		WithTenants([]string{"acme"}),
		WithFeatureCache(features),
		WithClock(func() time.Time { return now }))

	report, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.AuthorityUpdated)
	assert.ElementsMatch(t, []int64{popular, ignored}, features.invalidated)

	chunks, err := store.GetChunks(ctx, []int64{popular, ignored})
	require.NoError(t, err)
	assert.InDelta(t, 3.0/9, chunks[popular].AuthorityScore, 1e-9)
	assert.InDelta(t, 0.0, chunks[ignored].AuthorityScore, 1e-9)

	// Sixty days on the clicks have left the window
	now = now.Add(60 * 24 * time.Hour)
	features.invalidated = nil
	report, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AuthorityUpdated)
	assert.Equal(t, 1, report.AuthorityDecayed)
	assert.Equal(t, []int64{popular}, features.invalidated)

	chunks, err = store.GetChunks(ctx, []int64{popular})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, chunks[popular].AuthorityScore, 1e-9)

	// Nothing left to decay
	report, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.AuthorityUpdated)
}

func TestMaintainer_AuthorityCoversEveryTenant(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	log := NewLog(store, nil)
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

	acme := insertChunk(t, store, "acme", "acme chunk")
	globex := insertChunk(t, store, "globex", "globex chunk")
	for _, id := range []int64{acme, globex} {
		tenant := "acme"
		if id == globex {
			tenant = "globex"
		}
		for range 5 {
			require.NoError(t, log.Append(ctx, &types.InteractionEvent{TenantID: tenant, ChunkID: id, Kind: types.KindClick,
				OccurredAt: now.Add(-time.Hour)}))
		}
	}

	tests := []struct {
		name    string
		opts    []MaintainerOption
		updated int
		globex  float64
	}{
		{name: "derived from interactions", updated: 2, globex: 0.5},
		{name: "restricted", opts: []MaintainerOption{WithTenants([]string{"acme"})}, updated: 1, globex: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.UpdateAuthorityScores(ctx, map[int64]float64{acme: 0, globex: 0}))
			opts := append([]MaintainerOption{WithClock(func() time.Time { return now })}, tt.opts...)
			report, err := NewMaintainer(store, log, nil, opts...).RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.updated, report.AuthorityUpdated)

			chunks, err := store.GetChunks(ctx, []int64{acme, globex})
			require.NoError(t, err)
			assert.InDelta(t, 0.5, chunks[acme].AuthorityScore, 1e-9)
			assert.InDelta(t, tt.globex, chunks[globex].AuthorityScore, 1e-9)
		})
	}
}

func TestMaintainer_SweepsCache(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutQueryCache(ctx, &storage.QueryCacheEntry{
		CacheKey: "k", QueryHash: "h", TenantID: "acme", TopK: 5, ExperimentID: "e",
		Results: []byte("{}"), ExpiresAt: now.Add(-time.Minute),
	}))

	m := NewMaintainer(store, nil, nil, WithClock(func() time.Time { return now }))
	report, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CacheRowsSwept)
}

func TestMaintainer_RunStopsOnCancel(t *testing.T) {
	store := setupStore(t)
	m := NewMaintainer(store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, time.Hour) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}
