// Package mcp implements the Model Context Protocol (MCP) server for fusionrank.
//
// The server exposes seven tools to MCP clients:
//   - rag_query: Retrieve and rank passages, optionally generating an answer
//   - ingest_document: Chunk, embed and store a document
//   - activate_weights: Activate fusion weights for a tenant
//   - get_active_experiment: Show a tenant's active experiment
//   - invalidate_cache: Drop cached feature vectors or responses
//   - record_interaction: Record impressions, clicks and dwell time
//   - get_status: Report corpus, cache and scoring status
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// The server is started via the mcp command:
//
//	fusionrank mcp --config fusionrank.yaml
//
// # Tool: rag_query
//
//	Request:
//	{
//	  "name": "rag_query",
//	  "arguments": {
//	    "query": "what pricing tiers exist",
//	    "tenant_id": "acme",
//	    "top_k": 3
//	  }
//	}
//
//	Response:
//	{
//	  "results": [
//	    {
//	      "chunk_id": 42,
//	      "text_preview": "Pricing comes in three tiers...",
//	      "ltr_score": 0.81,
//	      "conceptual_score": 0.64,
//	      "fused_score": 0.93
//	    }
//	  ],
//	  "fusion_weights": {"w_ltr": 0.6, "w_concept": 0.4},
//	  "feature_schema_version": 2,
//	  "scoring_version": "linear/v2",
//	  "cache_hit": "none"
//	}
//
// # Tool: activate_weights
//
//	Request:
//	{
//	  "name": "activate_weights",
//	  "arguments": {"tenant_id": "acme", "w_ltr": 0.3, "w_concept": 0.7}
//	}
//
// Weights must be finite and sum to more than zero. Activation drops every
// cached response of the tenant, so no later query is served with the
// previous weights.
//
// # Error Handling
//
// Tool failures are returned as MCPError values:
//
//	-32602  Invalid parameters (bad top_k, unknown scope, bad interaction kind)
//	-32603  Internal error
//	-32001  Experiment not found
//	-32002  Storage unavailable
//	-32003  Deadline exceeded before any result
//	-32004  Empty query
//	-32005  Invalid fusion weights
//
// The error data carries the stable code (for example INVALID_WEIGHT_CONFIG)
// and the underlying message.
package mcp
