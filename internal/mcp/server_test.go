package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenglow/fusionrank/internal/app"
	"github.com/zenglow/fusionrank/internal/config"
	"github.com/zenglow/fusionrank/internal/ingest"
	"github.com/zenglow/fusionrank/internal/logging"
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
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg, err := config.LoadBytes([]byte(testConfig))
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	s, err := NewServer(a)
	require.NoError(t, err)
	return s
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultJSON(t *testing.T, result *mcp.CallToolResult, out interface{}) {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	require.NoError(t, json.Unmarshal([]byte(text.Text), out))
}

func requireMCPError(t *testing.T, err error, code int) *MCPError {
	t.Helper()
	require.Error(t, err)
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, code, mcpErr.Code)
	return mcpErr
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)

	s := newTestServer(t)
	assert.NotNil(t, s.mcp)
	assert.NotNil(t, s.app)
}

func TestRAGQuery(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleIngestDocument(ctx, callRequest("ingest_document", map[string]interface{}{
		"tenant_id":   "acme",
		"external_id": "pricing",
		"text":        "Pricing comes in three tiers: starter, growth and enterprise.",
		"topics":      []interface{}{"pricing"},
	}))
	require.NoError(t, err)

	result, err := s.handleRAGQuery(ctx, callRequest("rag_query", map[string]interface{}{
		"query":            "pricing tiers",
		"tenant_id":        "acme",
		"top_k":            float64(3),
		"include_features": true,
	}))
	require.NoError(t, err)

	var resp types.QueryResponse
	resultJSON(t, result, &resp)
	require.Len(t, resp.Results, 1)
	require.NotNil(t, resp.Results[0].Features)
	assert.Equal(t, types.FeatureSchemaVersion, resp.Results[0].Features.SchemaVersion)
	assert.Equal(t, types.CacheHitNone, resp.CacheHit)
	assert.Equal(t, int64(1), s.app.Stats.Snapshot().Total)
}

func TestRAGQuery_Errors(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	t.Run("invalid arguments", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = "not a map"
		_, err := s.handleRAGQuery(ctx, req)
		requireMCPError(t, err, ErrorCodeInvalidParams)
	})

	t.Run("empty query", func(t *testing.T) {
		_, err := s.handleRAGQuery(ctx, callRequest("rag_query", map[string]interface{}{"query": ""}))
		requireMCPError(t, err, ErrorCodeEmptyQuery)
	})

	t.Run("top_k out of range", func(t *testing.T) {
		_, err := s.handleRAGQuery(ctx, callRequest("rag_query", map[string]interface{}{
			"query": "x", "top_k": float64(500),
		}))
		mcpErr := requireMCPError(t, err, ErrorCodeInvalidParams)
		data, ok := mcpErr.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, types.CodeInvalidRequest, data["code"])
	})

	t.Run("unknown experiment", func(t *testing.T) {
		_, err := s.handleRAGQuery(ctx, callRequest("rag_query", map[string]interface{}{
			"query": "x", "experiment_override": "missing",
		}))
		requireMCPError(t, err, ErrorCodeNotFound)
	})
}

func TestIngestDocument_RequiresParams(t *testing.T) {
	s := newTestServer(t)

	_, err := s.handleIngestDocument(context.Background(), callRequest("ingest_document", map[string]interface{}{
		"external_id": "a",
	}))
	mcpErr := requireMCPError(t, err, ErrorCodeInvalidParams)
	assert.Equal(t, "text parameter is required", mcpErr.Message)
}

func TestIngestDocument_Unchanged(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	args := map[string]interface{}{"external_id": "faq", "text": "Refunds are processed within five days."}

	_, err := s.handleIngestDocument(ctx, callRequest("ingest_document", args))
	require.NoError(t, err)
	result, err := s.handleIngestDocument(ctx, callRequest("ingest_document", args))
	require.NoError(t, err)

	var res ingest.Result
	resultJSON(t, result, &res)
	assert.True(t, res.Unchanged)
	assert.Equal(t, 1, res.Version)
}

func TestActivateWeights(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleActivateWeights(ctx, callRequest("activate_weights", map[string]interface{}{"w_ltr": 0.5}))
	requireMCPError(t, err, ErrorCodeInvalidParams)

	_, err = s.handleActivateWeights(ctx, callRequest("activate_weights", map[string]interface{}{
		"w_ltr": 0.0, "w_concept": 0.0,
	}))
	requireMCPError(t, err, ErrorCodeInvalidWeights)

	result, err := s.handleActivateWeights(ctx, callRequest("activate_weights", map[string]interface{}{
		"tenant_id": "acme", "name": "balanced", "w_ltr": 0.5, "w_concept": 0.5,
	}))
	require.NoError(t, err)
	var exp types.ScoringExperiment
	resultJSON(t, result, &exp)
	assert.Equal(t, "balanced", exp.Name)

	result, err = s.handleGetActiveExperiment(ctx, callRequest("get_active_experiment", map[string]interface{}{
		"tenant_id": "acme",
	}))
	require.NoError(t, err)
	var active types.ScoringExperiment
	resultJSON(t, result, &active)
	assert.Equal(t, exp.ID, active.ID)
	assert.Equal(t, types.Weights{LTR: 0.5, Concept: 0.5}, active.Weights)
}

func TestInvalidateCache(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleInvalidateCache(ctx, callRequest("invalidate_cache", map[string]interface{}{"scope": "all"}))
	requireMCPError(t, err, ErrorCodeInvalidParams)

	_, err = s.handleInvalidateCache(ctx, callRequest("invalidate_cache", map[string]interface{}{
		"scope": "feature", "key": "not-a-chunk",
	}))
	requireMCPError(t, err, ErrorCodeInvalidParams)

	result, err := s.handleInvalidateCache(ctx, callRequest("invalidate_cache", map[string]interface{}{"scope": "full"}))
	require.NoError(t, err)
	var out map[string]interface{}
	resultJSON(t, result, &out)
	assert.Equal(t, "full", out["scope"])
	assert.Equal(t, float64(0), out["invalidated"])
}

func TestRecordInteraction(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleRecordInteraction(ctx, callRequest("record_interaction", map[string]interface{}{
		"chunk_id": float64(3), "kind": "dwell", "dwell_ms": float64(1500),
	}))
	require.NoError(t, err)
	var event types.InteractionEvent
	resultJSON(t, result, &event)
	assert.Equal(t, types.DefaultTenant, event.TenantID)
	assert.Equal(t, int64(1500), event.DwellMs)
	assert.NotEmpty(t, event.PartitionKey)

	_, err = s.handleRecordInteraction(ctx, callRequest("record_interaction", map[string]interface{}{
		"chunk_id": float64(3), "kind": "share",
	}))
	requireMCPError(t, err, ErrorCodeInvalidParams)
}

func TestGetStatus(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleIngestDocument(ctx, callRequest("ingest_document", map[string]interface{}{
		"tenant_id": "acme", "external_id": "a", "text": "Status reports count active chunks.",
	}))
	require.NoError(t, err)

	result, err := s.handleGetStatus(ctx, callRequest("get_status", map[string]interface{}{"tenant_id": "acme"}))
	require.NoError(t, err)

	var out struct {
		TenantID   string `json:"tenant_id"`
		Statistics struct {
			LatestDocuments int `json:"latest_documents"`
			ActiveChunks    int `json:"active_chunks"`
		} `json:"statistics"`
		Scoring struct {
			ExperimentID         string   `json:"experiment_id"`
			FeatureSchemaVersion int      `json:"feature_schema_version"`
			FeatureNames         []string `json:"feature_names"`
		} `json:"scoring"`
		Health map[string]bool `json:"health"`
	}
	resultJSON(t, result, &out)
	assert.Equal(t, "acme", out.TenantID)
	assert.Equal(t, 1, out.Statistics.LatestDocuments)
	assert.Equal(t, 1, out.Statistics.ActiveChunks)
	assert.Equal(t, types.DefaultExperimentID, out.Scoring.ExperimentID)
	assert.Equal(t, types.FeatureSchemaVersion, out.Scoring.FeatureSchemaVersion)
	assert.Len(t, out.Scoring.FeatureNames, 6)
	assert.True(t, out.Health["database_accessible"])
	assert.True(t, out.Health["dense_enabled"])
	assert.False(t, out.Health["generation_enabled"])
}

func TestArgumentHelpers(t *testing.T) {
	args := map[string]interface{}{
		"flag":   true,
		"count":  float64(7),
		"name":   "x",
		"empty":  "",
		"topics": []interface{}{"a", 1, "b"},
	}
	assert.True(t, getBoolDefault(args, "flag", false))
	assert.False(t, getBoolDefault(args, "missing", false))
	assert.Equal(t, 7, getIntDefault(args, "count", 0))
	assert.Equal(t, 3, getIntDefault(args, "missing", 3))
	assert.Equal(t, "x", getStringDefault(args, "name", "y"))
	assert.Equal(t, "y", getStringDefault(args, "empty", "y"))
	assert.Equal(t, []string{"a", "b"}, getStringSlice(args, "topics"))
	assert.Nil(t, getStringSlice(args, "missing"))
}
