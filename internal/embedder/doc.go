// Package embedder turns text into vectors for the two embedding families.
//
// Providers:
//   - http: any endpoint accepting {"texts": [...]} and returning
//     {"embeddings": [...]}
//   - openai / jina: the hosted embeddings APIs
//   - local: deterministic feature hashing, no network
//
// Every provider batches requests, retries transient failures with
// exponential backoff, checks the returned dimension and shares an LRU
// cache keyed by provider, model and text.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{
//	    Provider:  embedder.ProviderHTTP,
//	    Endpoint:  "http://127.0.0.1:8000/model/embed",
//	    Dimension: 384,
//	}, embedder.NewCache(1000))
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	result, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: "refund policy"})
//
// Batches larger than the configured batch size are split transparently:
//
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: chunks})
//	for i, e := range resp.Embeddings {
//	    chunk[i].EmbeddingSmall = e.Vector
//	}
package embedder
