package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/zenglow/fusionrank/internal/cache"
	"github.com/zenglow/fusionrank/internal/experiment"
	"github.com/zenglow/fusionrank/internal/ingest"
	"github.com/zenglow/fusionrank/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeNotFound           = -32001 // Experiment or record does not exist
	ErrorCodeStorageUnavailable = -32002 // Store could not be reached
	ErrorCodeDeadlineExceeded   = -32003 // Request deadline expired before any result
	ErrorCodeEmptyQuery         = -32004 // Query parameter is empty
	ErrorCodeInvalidWeights     = -32005 // Fusion weights rejected
)

// handleRAGQuery handles the rag_query tool invocation
func (s *Server) handleRAGQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	req := types.QueryRequest{
		QueryText:          query,
		TenantID:           getStringDefault(args, "tenant_id", ""),
		TopK:               getIntDefault(args, "top_k", 0),
		ExperimentOverride: getStringDefault(args, "experiment_override", ""),
		IncludeFeatures:    getBoolDefault(args, "include_features", false),
		Generate:           getBoolDefault(args, "generate", false),
	}

	start := time.Now()
	resp, err := s.app.Engine.Query(ctx, req)
	if err != nil {
		return nil, s.domainError(ctx, "query failed", err)
	}
	s.app.Stats.Record("mcp", time.Since(start), resp.CacheHit)

	return mcp.NewToolResultText(formatJSON(resp)), nil
}

// handleIngestDocument handles the ingest_document tool invocation
func (s *Server) handleIngestDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	for _, param := range []string{"external_id", "text"} {
		if v, ok := args[param].(string); !ok || v == "" {
			return nil, newMCPError(ErrorCodeInvalidParams, param+" parameter is required", map[string]interface{}{
				"param":  param,
				"reason": "missing or empty",
			})
		}
	}

	result, err := s.app.Ingester.Ingest(ctx, ingest.Request{
		TenantID:   getStringDefault(args, "tenant_id", ""),
		ExternalID: args["external_id"].(string),
		Text:       args["text"].(string),
		Title:      getStringDefault(args, "title", ""),
		URI:        getStringDefault(args, "uri", ""),
		SourceType: getStringDefault(args, "source_type", ""),
		Topics:     getStringSlice(args, "topics"),
	})
	if err != nil {
		return nil, s.domainError(ctx, "ingestion failed", err)
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleActivateWeights handles the activate_weights tool invocation
func (s *Server) handleActivateWeights(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	weights := types.Weights{}
	for param, dst := range map[string]*float64{"w_ltr": &weights.LTR, "w_concept": &weights.Concept} {
		v, ok := args[param].(float64)
		if !ok {
			return nil, newMCPError(ErrorCodeInvalidParams, param+" parameter is required", map[string]interface{}{
				"param":  param,
				"reason": "missing or not a number",
			})
		}
		*dst = v
	}

	exp, err := s.app.Experiments.Activate(ctx, getStringDefault(args, "tenant_id", ""), experiment.ActivateRequest{
		Name:         getStringDefault(args, "name", ""),
		Weights:      weights,
		ModelVariant: getStringDefault(args, "model_variant", ""),
	})
	if err != nil {
		return nil, s.domainError(ctx, "activation failed", err)
	}

	return mcp.NewToolResultText(formatJSON(exp)), nil
}

// handleGetActiveExperiment handles the get_active_experiment tool invocation
func (s *Server) handleGetActiveExperiment(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})

	exp, err := s.app.Experiments.Active(ctx, getStringDefault(args, "tenant_id", ""))
	if err != nil {
		return nil, s.domainError(ctx, "failed to load experiment", err)
	}
	return mcp.NewToolResultText(formatJSON(exp)), nil
}

// handleInvalidateCache handles the invalidate_cache tool invocation
func (s *Server) handleInvalidateCache(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	scope := cache.Scope(getStringDefault(args, "scope", ""))
	if scope != cache.ScopeFeature && scope != cache.ScopeFull {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid scope", map[string]interface{}{
			"param":   "scope",
			"value":   scope,
			"allowed": []cache.Scope{cache.ScopeFeature, cache.ScopeFull},
		})
	}
	key := getStringDefault(args, "key", "")
	tenantID := getStringDefault(args, "tenant_id", "")

	var (
		n   int
		err error
	)
	if scope == cache.ScopeFull && key == "" && tenantID != "" {
		n, err = s.app.Caches.InvalidateTenant(ctx, tenantID)
	} else {
		n, err = s.app.Caches.Invalidate(ctx, scope, key)
	}
	if err != nil {
		return nil, s.domainError(ctx, "invalidation failed", err)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"scope":       scope,
		"invalidated": n,
	})), nil
}

// handleRecordInteraction handles the record_interaction tool invocation
func (s *Server) handleRecordInteraction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	event := &types.InteractionEvent{
		TenantID:  getStringDefault(args, "tenant_id", ""),
		ChunkID:   int64(getIntDefault(args, "chunk_id", 0)),
		Kind:      types.InteractionKind(getStringDefault(args, "kind", "")),
		DwellMs:   int64(getIntDefault(args, "dwell_ms", 0)),
		QueryHash: getStringDefault(args, "query_hash", ""),
	}
	if err := s.app.Interactions.Append(ctx, event); err != nil {
		return nil, s.domainError(ctx, "failed to record interaction", err)
	}

	return mcp.NewToolResultText(formatJSON(event)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	tenantID := getStringDefault(args, "tenant_id", types.DefaultTenant)

	status, err := s.app.Store.GetStatus(ctx, tenantID)
	if err != nil {
		return nil, s.domainError(ctx, "failed to get status",
			types.NewError(types.CodeStorageUnavailable, "failed to read store status", err))
	}
	exp, err := s.app.Experiments.Active(ctx, tenantID)
	if err != nil {
		return nil, s.domainError(ctx, "failed to load experiment", err)
	}

	response := map[string]interface{}{
		"tenant_id":  tenantID,
		"statistics": status,
		"scoring": map[string]interface{}{
			"experiment_id":          exp.ID,
			"experiment_name":        exp.Name,
			"weights":                exp.Weights,
			"model_variant":          exp.ModelVariant,
			"feature_schema_version": types.FeatureSchemaVersion,
			"feature_names":          s.app.Engine.FeatureNames(),
		},
		"cache": map[string]interface{}{
			"feature_entries":  s.app.Caches.Features.Len(),
			"response_backend": s.app.Caches.Responses.Backend(),
		},
		"health": map[string]interface{}{
			"database_accessible": s.app.Health(ctx) == nil,
			"dense_enabled":       s.app.Dense != nil,
			"generation_enabled":  s.app.Generator != nil,
		},
		"queries": s.app.Stats.Snapshot(),
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// domainError maps a coded error onto an MCP error
func (s *Server) domainError(ctx context.Context, message string, err error) error {
	code := types.CodeOf(err)
	mcpCode := ErrorCodeInternalError
	switch code {
	case types.CodeInvalidRequest, types.CodeFeatureSchemaMismatch:
		mcpCode = ErrorCodeInvalidParams
	case types.CodeInvalidWeightConfig:
		mcpCode = ErrorCodeInvalidWeights
	case types.CodeNotFound:
		mcpCode = ErrorCodeNotFound
	case types.CodeStorageUnavailable:
		mcpCode = ErrorCodeStorageUnavailable
	case types.CodeDeadlineExceeded:
		mcpCode = ErrorCodeDeadlineExceeded
	default:
		s.logger.Error(ctx, message, zap.Error(err))
	}
	return newMCPError(mcpCode, message, map[string]interface{}{
		"code":  code,
		"error": err.Error(),
	})
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok && val != "" {
		return val
	}
	return defaultValue
}

func getStringSlice(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
