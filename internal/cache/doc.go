// Package cache holds the two advisory caches of the query pipeline.
//
// The feature cache keeps per-(chunk, query) feature vectors and LTR scores
// for a short TTL. The response cache keeps whole query responses keyed by
// (tenant, query hash, top_k, experiment). Both are last-writer-wins: two
// concurrent misses compute independently and the later Put replaces the
// earlier one.
//
// Response caching has two backends: an in-memory expirable LRU, and the
// store's query_cache table for deployments running several replicas.
package cache
