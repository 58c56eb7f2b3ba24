// Package storage persists documents, chunks and the ranking state derived
// from them, and serves exact nearest-neighbour search.
//
// The storage layer manages:
//   - Versioned documents (one latest version per tenant and external ID)
//   - Chunks with two embedding families
//   - Extracted chunk features
//   - Scoring experiments (one active per tenant)
//   - The partitioned interaction log
//   - The persisted full-response cache
//
// Two backends implement Storage: SQLiteStorage (default) and
// PostgresStorage (pgvector).
//
// # Embedding Families
//
// Each chunk carries a primary vector searched by L2 distance and an
// optional conceptual vector searched by cosine distance. Dimensions are
// declared once, when the schema is created:
//
//	store, err := storage.NewSQLiteStorage("fusionrank.db", storage.Dimensions{Small: 384, Dense: 768})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	matches, err := store.SearchVector(ctx, storage.FamilySmall, queryVec, 20,
//	    &storage.SearchFilter{TenantID: "acme"})
//
// Matches are ordered by ascending distance, ties by ascending chunk ID. A
// tenant without documents yields an empty slice, not an error.
//
// # Versioning
//
// Documents are never edited in place. Re-ingestion supersedes the previous
// version inside a transaction:
//
//	tx, err := store.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	if _, err := tx.SupersedeDocuments(ctx, tenant, externalID); err != nil {
//	    return err
//	}
//	if err := tx.InsertDocument(ctx, doc); err != nil {
//	    return err // ErrDuplicateContent if another latest document holds the hash
//	}
//	return tx.Commit()
//
// # Build Modes
//
// The default build uses modernc.org/sqlite and computes distances in Go.
// Building with -tags sqlite_vec uses mattn/go-sqlite3 with the sqlite-vec
// extension and computes distances in SQL.
package storage
