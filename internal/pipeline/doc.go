// Package pipeline implements the query orchestrator.
//
// A query moves through fixed states:
//
//	RECEIVED -> RETRIEVED -> FEATURES_ASSEMBLED -> SCORED -> FUSED -> (CACHED | RESPONDED)
//
// The experiment is resolved once per request, so a concurrent activation
// never mixes weights inside one response. Retrieval searches the small
// embedding family; feature assembly and scoring fan out over a bounded
// errgroup. When the request deadline expires during the fan-out, candidates
// that were not scored are dropped and the response is marked partial.
// Partial responses are never cached.
//
// Usage:
//
//	engine, err := pipeline.New(store, smallEmbedder, registry,
//		pipeline.WithDense(denseEmbedder),
//		pipeline.WithScorers(scorer),
//		pipeline.WithResponseCache(layer.Responses),
//	)
//	resp, err := engine.Query(ctx, types.QueryRequest{QueryText: "pricing tiers", TopK: 5})
package pipeline
