package experiment

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

type recordingInvalidator struct {
	mu      sync.Mutex
	tenants []string
}

func (r *recordingInvalidator) InvalidateTenant(_ context.Context, tenantID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = append(r.tenants, tenantID)
	return 1, nil
}

func setup(t *testing.T) (*Registry, storage.Storage, *recordingInvalidator, *logging.TestLogger) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:", storage.Dimensions{Small: 3, Dense: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	inv := &recordingInvalidator{}
	logger := logging.NewTestLogger()
	return NewRegistry(store, inv, "", logger.Logger), store, inv, logger
}

func TestActive_Default(t *testing.T) {
	r, _, _, _ := setup(t)

	exp, err := r.Active(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultExperimentID, exp.ID)
	assert.Equal(t, types.DefaultWeights(), exp.Weights)
	assert.Equal(t, "passthrough", exp.ModelVariant)
	assert.Equal(t, "acme", exp.TenantID)
}

func TestActivate(t *testing.T) {
	r, _, inv, logger := setup(t)
	ctx := context.Background()

	first, err := r.Activate(ctx, "acme", ActivateRequest{Name: "a", Weights: types.Weights{LTR: 0.7, Concept: 0.3}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)
	assert.True(t, first.Active)

	second, err := r.Activate(ctx, "acme", ActivateRequest{Name: "b", Weights: types.Weights{LTR: 0.2, Concept: 0.8}, ModelVariant: "Linear"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, "linear", second.ModelVariant)
	assert.NotEqual(t, first.ID, second.ID)

	active, err := r.Active(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, types.Weights{LTR: 0.2, Concept: 0.8}, active.Weights)

	list, err := r.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, list, 2)
	activeCount := 0
	for _, e := range list {
		if e.Active {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	assert.Equal(t, []string{"acme", "acme"}, inv.tenants)
	logger.AssertField(t, "experiment activated", "experiment_id", second.ID)

	// Other tenants are unaffected
	other, err := r.Active(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultExperimentID, other.ID)
}

func TestActivate_InvalidWeights(t *testing.T) {
	r, _, inv, _ := setup(t)
	ctx := context.Background()

	for _, w := range []types.Weights{{}, {LTR: -1, Concept: 0.5}} {
		_, err := r.Activate(ctx, "acme", ActivateRequest{Weights: w})
		assert.ErrorIs(t, err, types.ErrInvalidWeightConfig)
		assert.Equal(t, types.CodeInvalidWeightConfig, types.CodeOf(err))
	}

	list, err := r.List(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, inv.tenants)
}

func TestActivate_UnknownVariant(t *testing.T) {
	r, _, _, _ := setup(t)
	_, err := r.Activate(context.Background(), "acme", ActivateRequest{Weights: types.DefaultWeights(), ModelVariant: "neural"})
	assert.Equal(t, types.CodeInvalidRequest, types.CodeOf(err))
}

func TestResolve(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()

	a, err := r.Activate(ctx, "acme", ActivateRequest{Weights: types.Weights{LTR: 1}})
	require.NoError(t, err)
	b, err := r.Activate(ctx, "acme", ActivateRequest{Weights: types.Weights{Concept: 1}})
	require.NoError(t, err)

	got, err := r.Resolve(ctx, "acme", "")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	got, err = r.Resolve(ctx, "acme", a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Weights{LTR: 1}, got.Weights)

	got, err = r.Resolve(ctx, "acme", types.DefaultExperimentID)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultWeights(), got.Weights)

	_, err = r.Resolve(ctx, "globex", a.ID)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))

	_, err = r.Resolve(ctx, "acme", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestActive_PicksUpActivationFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	open := func() storage.Storage {
		store, err := storage.NewSQLiteStorage(path, storage.Dimensions{Small: 3, Dense: 3})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	}

	inv := &recordingInvalidator{}
	logger := logging.NewTestLogger()
	serving := NewRegistry(open(), inv, "", logger.Logger)
	cli := NewRegistry(open(), nil, "", nil)

	before, err := serving.Active(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultExperimentID, before.ID)

	activated, err := cli.Activate(ctx, "acme", ActivateRequest{Name: "cli", Weights: types.Weights{LTR: 0.1, Concept: 0.9}})
	require.NoError(t, err)

	after, err := serving.Active(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, activated.ID, after.ID)
	assert.Equal(t, types.Weights{LTR: 0.1, Concept: 0.9}, after.Weights)
	assert.Equal(t, []string{"acme"}, inv.tenants, "local cached responses are dropped")
	logger.AssertField(t, "picked up experiment activated elsewhere", "experiment_id", activated.ID)

	// Unchanged store: no further invalidation
	_, err = serving.Active(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, inv.tenants, 1)
}

func TestActive_RefreshInterval(t *testing.T) {
	store, err := storage.NewSQLiteStorage(":memory:", storage.Dimensions{Small: 3, Dense: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name    string
		refresh time.Duration
		advance time.Duration
		fresh   bool
	}{
		{name: "within interval", refresh: time.Minute, advance: 30 * time.Second, fresh: false},
		{name: "interval elapsed", refresh: time.Minute, advance: time.Minute, fresh: true},
		{name: "never refresh", refresh: -1, advance: 24 * time.Hour, fresh: false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant := fmt.Sprintf("tenant-%d", i)
			r := NewRegistry(store, nil, "", nil, WithRefreshInterval(tt.refresh), WithClock(clock))
			_, err := r.Active(ctx, tenant)
			require.NoError(t, err)

			require.NoError(t, store.InsertExperiment(ctx, &types.ScoringExperiment{
				ID: "external-" + tenant, TenantID: tenant, Name: "ext", Weights: types.Weights{LTR: 0.5, Concept: 0.5},
			}))
			_, err = store.ActivateExperiment(ctx, tenant, "external-"+tenant)
			require.NoError(t, err)

			now = now.Add(tt.advance)
			got, err := r.Active(ctx, tenant)
			require.NoError(t, err)
			if tt.fresh {
				assert.Equal(t, "external-"+tenant, got.ID)
			} else {
				assert.Equal(t, types.DefaultExperimentID, got.ID)
			}
		})
	}
}

func TestActive_ConcurrentWithActivation(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx := context.Background()

	allowed := map[types.Weights]bool{types.DefaultWeights(): true}
	weights := []types.Weights{{LTR: 1, Concept: 1}, {LTR: 2, Concept: 2}, {LTR: 3, Concept: 3}}
	for _, w := range weights {
		allowed[w] = true
	}

	_, err := r.Active(ctx, "acme")
	require.NoError(t, err)

	var wg sync.WaitGroup
	done := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				exp, err := r.Active(ctx, "acme")
				if assert.NoError(t, err) {
					assert.True(t, allowed[exp.Weights], "unexpected weights %+v", exp.Weights)
				}
			}
		}()
	}

	for _, w := range weights {
		_, err := r.Activate(ctx, "acme", ActivateRequest{Weights: w})
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()

	exp, err := r.Active(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, weights[2], exp.Weights)
}

func TestWithDefaultWeights(t *testing.T) {
	store, err := storage.NewSQLiteStorage(":memory:", storage.Dimensions{Small: 3, Dense: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := NewRegistry(store, nil, "", nil, WithDefaultWeights(types.Weights{LTR: 1, Concept: 0}))
	assert.Equal(t, types.Weights{LTR: 1, Concept: 0}, r.Default("acme").Weights)

	r = NewRegistry(store, nil, "", nil, WithDefaultWeights(types.Weights{}))
	assert.Equal(t, types.DefaultWeights(), r.Default("acme").Weights)
}
