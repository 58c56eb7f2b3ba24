package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenglow/fusionrank/internal/app"
	"github.com/zenglow/fusionrank/internal/config"
	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/metrics"
	"github.com/zenglow/fusionrank/pkg/types"
)

const testConfig = `
storage:
  path: ":memory:"
embedding:
  small:
    provider: local
    dimension: 16
  dense:
    provider: local
    dimension: 32
ranking:
  w_ltr: 0.6
  w_concept: 0.4
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg, err := config.LoadBytes([]byte(testConfig))
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	s, err := NewServer(a, nil)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code types.Code) {
	t.Helper()
	assert.Equal(t, status, rec.Code, rec.Body.String())
	body := decode[ErrorBody](t, rec)
	assert.Equal(t, code, body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
}

func ingestCorpus(t *testing.T, s *Server) {
	t.Helper()
	for _, doc := range []map[string]string{
		{"tenant_id": "acme", "external_id": "pricing", "text": "Pricing comes in three tiers: starter, growth and enterprise."},
		{"tenant_id": "acme", "external_id": "support", "text": "Support is available around the clock through chat and email."},
	} {
		rec := do(t, s, http.MethodPost, "/ingest", doc)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)

	s := newTestServer(t)
	assert.Equal(t, "127.0.0.1:8080", s.config.Addr)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = do(t, s, http.MethodGet, "/health/db", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	db := decode[DBHealthResponse](t, rec)
	assert.Equal(t, "ok", db.Status)
	require.NotNil(t, db.Store)
	assert.Equal(t, 16, db.Store.SmallDimension)
}

func TestHandleQuery(t *testing.T) {
	s := newTestServer(t)
	ingestCorpus(t, s)

	rec := do(t, s, http.MethodPost, "/rag/query", map[string]any{
		"query": "pricing tiers", "top_k": 1, "tenant_id": "acme",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[types.QueryResponse](t, rec)
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, 2, resp.CandidateCount)
	assert.Equal(t, types.Weights{LTR: 0.6, Concept: 0.4}, resp.FusionWeights)
	assert.Equal(t, types.FeatureSchemaVersion, resp.FeatureSchemaVersion)
	assert.Equal(t, types.CacheHitNone, resp.CacheHit)

	rec = do(t, s, http.MethodPost, "/rag/query", map[string]any{
		"query": "Pricing  TIERS", "top_k": 1, "tenant_id": "acme",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.CacheHitFull, decode[types.QueryResponse](t, rec).CacheHit)

	rec = do(t, s, http.MethodGet, "/metrics/json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[metrics.Snapshot](t, rec)
	assert.Equal(t, int64(2), snap.Total)
	assert.Equal(t, int64(1), snap.CacheHits[types.CacheHitFull])
}

func TestHandleQuery_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   types.Code
	}{
		{"malformed body", `{"query":`, http.StatusBadRequest, types.CodeInvalidRequest},
		{"empty query", map[string]any{"query": "  "}, http.StatusBadRequest, types.CodeInvalidRequest},
		{"negative top_k", map[string]any{"query": "x", "top_k": -1}, http.StatusBadRequest, types.CodeInvalidRequest},
		{"unknown experiment", map[string]any{"query": "x", "experiment_override": "nope"}, http.StatusNotFound, types.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, do(t, s, http.MethodPost, "/rag/query", tt.body), tt.status, tt.code)
		})
	}
}

func TestHandleAnswer_WithoutGenerator(t *testing.T) {
	s := newTestServer(t)
	ingestCorpus(t, s)

	rec := do(t, s, http.MethodPost, "/rag/answer", map[string]any{"query": "support hours", "tenant_id": "acme"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[AnswerResponse](t, rec)
	assert.Len(t, resp.Chunks, 2)
	assert.Empty(t, resp.Answer)
	assert.Equal(t, "generation is not configured", resp.AnswerError)
	assert.GreaterOrEqual(t, resp.Chunks[0].Score, resp.Chunks[1].Score)
	assert.NotEmpty(t, resp.Chunks[0].Chunk)
	assert.NotEmpty(t, resp.FeatureNames)
	assert.Equal(t, types.FeatureSchemaVersion, resp.FeatureSchemaVersion)
}

func TestHandleExperiments(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/experiments/active?tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.DefaultExperimentID, decode[types.ScoringExperiment](t, rec).ID)

	rec = do(t, s, http.MethodPost, "/experiments/activate", map[string]any{
		"tenant_id": "acme", "name": "all-zero", "weights": map[string]float64{"w_ltr": 0, "w_concept": 0},
	})
	assertError(t, rec, http.StatusBadRequest, types.CodeInvalidWeightConfig)

	rec = do(t, s, http.MethodPost, "/experiments/activate", map[string]any{
		"tenant_id": "acme", "name": "concept-heavy", "weights": map[string]float64{"w_ltr": 0.2, "w_concept": 0.8},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	activated := decode[types.ScoringExperiment](t, rec)
	assert.Equal(t, "concept-heavy", activated.Name)
	assert.True(t, activated.Active)

	rec = do(t, s, http.MethodGet, "/experiments/active?tenant_id=acme", nil)
	assert.Equal(t, activated.ID, decode[types.ScoringExperiment](t, rec).ID)

	rec = do(t, s, http.MethodGet, "/experiments?tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]types.ScoringExperiment](t, rec), 1)

	rec = do(t, s, http.MethodGet, "/experiments?tenant_id=other", nil)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestHandleInvalidate(t *testing.T) {
	s := newTestServer(t)
	ingestCorpus(t, s)

	q := map[string]any{"query": "pricing", "tenant_id": "acme"}
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/rag/query", q).Code)

	rec := do(t, s, http.MethodPost, "/cache/invalidate", map[string]any{"scope": "full", "tenant_id": "acme"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[InvalidateResponse](t, rec).Invalidated)

	rec = do(t, s, http.MethodPost, "/rag/query", q)
	assert.Equal(t, types.CacheHitFeature, decode[types.QueryResponse](t, rec).CacheHit)

	rec = do(t, s, http.MethodPost, "/cache/invalidate", map[string]any{"scope": "feature"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Positive(t, decode[InvalidateResponse](t, rec).Invalidated)

	assertError(t, do(t, s, http.MethodPost, "/cache/invalidate", map[string]any{"scope": "everything"}),
		http.StatusBadRequest, types.CodeInvalidRequest)
	assertError(t, do(t, s, http.MethodPost, "/cache/invalidate", map[string]any{"scope": "feature", "key": "abc"}),
		http.StatusBadRequest, types.CodeInvalidRequest)
}

func TestHandleInteraction(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/interactions", map[string]any{"tenant_id": "acme", "chunk_id": 7, "kind": "click"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	event := decode[types.InteractionEvent](t, rec)
	assert.Equal(t, types.PartitionKeyFor(event.OccurredAt), event.PartitionKey)
	assert.False(t, event.OccurredAt.IsZero())

	assertError(t, do(t, s, http.MethodPost, "/interactions", map[string]any{"chunk_id": 7, "kind": "like"}),
		http.StatusBadRequest, types.CodeInvalidRequest)
	assertError(t, do(t, s, http.MethodPost, "/interactions", map[string]any{"kind": "click"}),
		http.StatusBadRequest, types.CodeInvalidRequest)
}

func TestHandleIngest_Invalid(t *testing.T) {
	s := newTestServer(t)
	assertError(t, do(t, s, http.MethodPost, "/ingest", map[string]any{"external_id": "empty"}),
		http.StatusBadRequest, types.CodeInvalidRequest)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	assertError(t, do(t, s, http.MethodGet, "/nope", nil), http.StatusNotFound, types.CodeNotFound)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor(types.CodeInvalidWeightConfig))
	assert.Equal(t, http.StatusNotFound, StatusFor(types.CodeNotFound))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(types.CodeStorageUnavailable))
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(types.CodeDeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(types.CodeInternal))
}
