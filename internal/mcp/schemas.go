package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func tenantProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Tenant whose corpus and experiments are used (default: \"default\")",
	}
}

// ragQueryTool returns the tool definition for rag_query
func ragQueryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "rag_query",
		Description: "Retrieve and rank passages for a question using learned and conceptual scores",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural language question",
				},
				"tenant_id": tenantProperty(),
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Number of results to return",
					"default":     5,
					"minimum":     1,
					"maximum":     50,
				},
				"experiment_override": map[string]interface{}{
					"type":        "string",
					"description": "Score with this experiment instead of the tenant's active one",
				},
				"include_features": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, include each result's feature vector",
					"default":     false,
				},
				"generate": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, also generate an answer from the top passages",
					"default":     false,
				},
			},
			Required: []string{"query"},
		},
	}
}

// ingestDocumentTool returns the tool definition for ingest_document
func ingestDocumentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ingest_document",
		Description: "Chunk, embed and store a document, superseding older versions with the same external ID",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"external_id": map[string]interface{}{
					"type":        "string",
					"description": "Caller-chosen document identifier",
				},
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Full document text",
				},
				"tenant_id": tenantProperty(),
				"title": map[string]interface{}{
					"type": "string",
				},
				"uri": map[string]interface{}{
					"type": "string",
				},
				"source_type": map[string]interface{}{
					"type":    "string",
					"default": "document",
				},
				"topics": map[string]interface{}{
					"type":        "array",
					"description": "Topic labels added to each chunk's entities",
					"items": map[string]interface{}{
						"type": "string",
					},
				},
			},
			Required: []string{"external_id", "text"},
		},
	}
}

// activateWeightsTool returns the tool definition for activate_weights
func activateWeightsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "activate_weights",
		Description: "Activate new fusion weights for a tenant; cached responses for the tenant are dropped",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"w_ltr": map[string]interface{}{
					"type":        "number",
					"description": "Weight of the learned-to-rank score",
					"minimum":     0.0,
				},
				"w_concept": map[string]interface{}{
					"type":        "number",
					"description": "Weight of the conceptual similarity score",
					"minimum":     0.0,
				},
				"tenant_id": tenantProperty(),
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Experiment name",
				},
				"model_variant": map[string]interface{}{
					"type": "string",
					"enum": []string{"linear", "gbdt", "passthrough"},
				},
			},
			Required: []string{"w_ltr", "w_concept"},
		},
	}
}

// getActiveExperimentTool returns the tool definition for get_active_experiment
func getActiveExperimentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_active_experiment",
		Description: "Show the scoring experiment currently active for a tenant",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"tenant_id": tenantProperty(),
			},
		},
	}
}

// invalidateCacheTool returns the tool definition for invalidate_cache
func invalidateCacheTool() mcp.Tool {
	return mcp.Tool{
		Name:        "invalidate_cache",
		Description: "Drop cached feature vectors or full responses",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"scope": map[string]interface{}{
					"type":        "string",
					"description": "feature drops feature vectors, full drops ranked responses",
					"enum":        []string{"feature", "full"},
				},
				"key": map[string]interface{}{
					"type":        "string",
					"description": "Chunk ID (feature scope) or query hash (full scope); omit to purge the scope",
				},
				"tenant_id": map[string]interface{}{
					"type":        "string",
					"description": "With scope full and no key, drop only this tenant's responses",
				},
			},
			Required: []string{"scope"},
		},
	}
}

// recordInteractionTool returns the tool definition for record_interaction
func recordInteractionTool() mcp.Tool {
	return mcp.Tool{
		Name:        "record_interaction",
		Description: "Record user feedback against a chunk; feeds the authority feature",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"chunk_id": map[string]interface{}{
					"type":    "integer",
					"minimum": 1,
				},
				"kind": map[string]interface{}{
					"type": "string",
					"enum": []string{"impression", "click", "dwell"},
				},
				"tenant_id": tenantProperty(),
				"dwell_ms": map[string]interface{}{
					"type":    "integer",
					"minimum": 0,
				},
				"query_hash": map[string]interface{}{
					"type":        "string",
					"description": "Hash of the query the chunk was served for",
				},
			},
			Required: []string{"chunk_id", "kind"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report corpus, cache and scoring status for a tenant",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"tenant_id": tenantProperty(),
			},
		},
	}
}
