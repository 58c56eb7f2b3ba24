// Package types provides shared type definitions for the fusionrank engine.
//
// Documents and chunks are produced by ingestion and are never edited in
// place: re-ingesting a document creates a new version and supersedes the
// previous one. Chunks carry two embeddings, one per embedding family:
//
//	chunk := &types.Chunk{
//	    Role:           types.RoleStandalone,
//	    Text:           text,
//	    EmbeddingSmall: primary,   // L2 retrieval space
//	    EmbeddingDense: secondary, // cosine conceptual space, may be nil
//	}
//
// # Scoring
//
// FeatureVector is the schema-versioned input of the learned-to-rank scorer.
// Weights holds the fusion weights of a ScoringExperiment. QueryResponse is
// the ranked, fused result list together with per-stage timings and the
// partial/degraded flags.
//
// # Errors
//
// Failures that cross a transport boundary are *Error values carrying a
// stable Code:
//
//	if types.CodeOf(err) == types.CodeInvalidWeightConfig {
//	    // reject activation
//	}
//
// NoCandidates, PartialResult and DegradedScoring are never returned as
// errors; they are reported on QueryResponse.
package types
