// Package ingest turns documents into searchable chunks.
//
// Ingestion is versioned: a document is identified by (tenant, external id)
// and every change of content creates a new version. The previous latest
// version is superseded and its chunks deactivated in the same transaction
// that inserts the new one, so a query never sees two live copies.
//
// # Pipeline
//
//  1. Hash: content hash supplied by the caller or SHA-256 of normalised text
//  2. Skip: unchanged content under the same external id is a no-op
//  3. Chunk: fixed windows with overlap, optionally grouped under parents
//  4. Embed: both embedding families in batches; the dense family is optional
//  5. Extract: entities, keyphrases and topics per chunk
//  6. Store: supersede, insert document, chunks and features in one transaction
//
// # Batch Ingestion
//
//	stats, err := ing.IngestFiles(ctx, []string{"docs/*.md"}, ingest.FileOptions{
//	    TenantID: "acme",
//	})
//
// Files are processed with bounded concurrency. Per-file failures are
// collected in Stats.Errors and do not stop the batch.
//
// # Memory Bridge
//
// Bridge tails an append-only JSON Lines memory file and ingests every new
// line as a document with source type "memory". It reacts to file writes via
// fsnotify and falls back to polling when the watcher cannot be created.
package ingest
