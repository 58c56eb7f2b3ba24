package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zenglow/fusionrank/pkg/types"
)

// maxBindBatch bounds the IN clause size of batched lookups
const maxBindBatch = 500

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db   *sql.DB
	dims Dimensions
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance. A zero dimension
// adopts the value already declared in the database.
func NewSQLiteStorage(dbPath string, dims Dimensions) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx := context.Background()
	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	declared, err := declareDimensions(ctx, db, dims, "?")
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db, dims: declared}, nil
}

// declareDimensions records each family's dimension on first use and
// rejects a conflicting declaration afterwards
func declareDimensions(ctx context.Context, db *sql.DB, dims Dimensions, placeholder string) (Dimensions, error) {
	p1, p2, p3 := "?", "?", "?"
	if placeholder != "?" {
		p1, p2, p3 = "$1", "$2", "$3"
	}

	out := dims
	for _, f := range []struct {
		family Family
		metric string
		dim    *int
	}{
		{FamilySmall, "l2", &out.Small},
		{FamilyDense, "cosine", &out.Dense},
	} {
		var stored int
		err := db.QueryRowContext(ctx, "SELECT dimension FROM vector_families WHERE family = "+p1, string(f.family)).Scan(&stored)
		switch {
		case err == sql.ErrNoRows:
			if *f.dim <= 0 {
				return Dimensions{}, fmt.Errorf("%w: %s family dimension must be declared", ErrDimensionMismatch, f.family)
			}
			if _, err := db.ExecContext(ctx,
				"INSERT INTO vector_families (family, dimension, metric) VALUES ("+p1+", "+p2+", "+p3+")",
				string(f.family), *f.dim, f.metric); err != nil {
				return Dimensions{}, fmt.Errorf("failed to declare %s family: %w", f.family, err)
			}
		case err != nil:
			return Dimensions{}, fmt.Errorf("failed to read vector families: %w", err)
		case *f.dim == 0:
			*f.dim = stored
		case *f.dim != stored:
			return Dimensions{}, fmt.Errorf("%w: %s family declared as %d, requested %d", ErrDimensionMismatch, f.family, stored, *f.dim)
		}
	}
	return out, nil
}

// Dimensions returns the declared vector sizes
func (s *SQLiteStorage) Dimensions() Dimensions {
	return s.dims
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// withTx runs fn inside a transaction on the storage's own connection
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Document operations

func (s *SQLiteStorage) insertDocumentWithQuerier(ctx context.Context, q querier, doc *types.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	if doc.Version == 0 {
		err := q.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(version), 0) + 1 FROM documents WHERE tenant_id = ? AND external_id = ?",
			doc.TenantID, doc.ExternalID).Scan(&doc.Version)
		if err != nil {
			return fmt.Errorf("failed to compute document version: %w", err)
		}
	}
	if doc.SourceType == "" {
		doc.SourceType = "document"
	}

	meta, err := json.Marshal(doc.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode document meta: %w", err)
	}

	now := time.Now().UTC()
	result, err := q.ExecContext(ctx, `
		INSERT INTO documents (tenant_id, external_id, source_type, uri, content_hash, version, latest, title, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
	`, doc.TenantID, doc.ExternalID, doc.SourceType, doc.URI, doc.ContentHash[:], doc.Version,
		doc.Title, string(meta), toMillis(now))
	if err != nil {
		if isUniqueViolation(err) && strings.Contains(err.Error(), "content_hash") {
			return fmt.Errorf("%w: tenant %s", ErrDuplicateContent, doc.TenantID)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: document %s/%s", ErrAlreadyExists, doc.TenantID, doc.ExternalID)
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	doc.ID = id
	doc.Latest = true
	doc.CreatedAt = now.Truncate(time.Millisecond)
	return nil
}

func (s *SQLiteStorage) InsertDocument(ctx context.Context, doc *types.Document) error {
	return s.insertDocumentWithQuerier(ctx, s.querier(), doc)
}

// supersedeDocumentsWithQuerier marks the latest version of a document as
// history and deactivates its chunks
func (s *SQLiteStorage) supersedeDocumentsWithQuerier(ctx context.Context, q querier, tenantID, externalID string) (int, error) {
	_, err := q.ExecContext(ctx, `
		UPDATE chunks SET active = 0
		WHERE active = 1 AND document_id IN (
			SELECT id FROM documents WHERE tenant_id = ? AND external_id = ? AND latest = 1
		)
	`, tenantID, externalID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate superseded chunks: %w", err)
	}

	result, err := q.ExecContext(ctx,
		"UPDATE documents SET latest = 0 WHERE tenant_id = ? AND external_id = ? AND latest = 1",
		tenantID, externalID)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede document: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) SupersedeDocuments(ctx context.Context, tenantID, externalID string) (int, error) {
	var n int
	err := s.withTx(ctx, func(q querier) error {
		var err error
		n, err = s.supersedeDocumentsWithQuerier(ctx, q, tenantID, externalID)
		return err
	})
	return n, err
}

const documentColumns = `id, tenant_id, external_id, source_type, COALESCE(uri, ''), content_hash,
	version, latest, COALESCE(title, ''), COALESCE(meta, ''), created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*types.Document, error) {
	var doc types.Document
	var hash []byte
	var meta string
	var createdAt int64
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.ExternalID, &doc.SourceType, &doc.URI, &hash,
		&doc.Version, &doc.Latest, &doc.Title, &meta, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	copy(doc.ContentHash[:], hash)
	doc.CreatedAt = fromMillis(createdAt)
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &doc.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode document meta: %w", err)
		}
	}
	return &doc, nil
}

func (s *SQLiteStorage) getDocumentWithQuerier(ctx context.Context, q querier, id int64) (*types.Document, error) {
	row := q.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	return scanDocument(row)
}

func (s *SQLiteStorage) GetDocument(ctx context.Context, id int64) (*types.Document, error) {
	return s.getDocumentWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) getLatestDocumentWithQuerier(ctx context.Context, q querier, tenantID, externalID string) (*types.Document, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE tenant_id = ? AND external_id = ? AND latest = 1",
		tenantID, externalID)
	return scanDocument(row)
}

func (s *SQLiteStorage) GetLatestDocument(ctx context.Context, tenantID, externalID string) (*types.Document, error) {
	return s.getLatestDocumentWithQuerier(ctx, s.querier(), tenantID, externalID)
}

func (s *SQLiteStorage) findLatestByHashWithQuerier(ctx context.Context, q querier, tenantID string, contentHash [32]byte) (*types.Document, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE tenant_id = ? AND content_hash = ? AND latest = 1",
		tenantID, contentHash[:])
	return scanDocument(row)
}

func (s *SQLiteStorage) FindLatestByHash(ctx context.Context, tenantID string, contentHash [32]byte) (*types.Document, error) {
	return s.findLatestByHashWithQuerier(ctx, s.querier(), tenantID, contentHash)
}

// Chunk operations

func (s *SQLiteStorage) insertChunkWithQuerier(ctx context.Context, q querier, chunk *types.Chunk) error {
	if err := chunk.Validate(); err != nil {
		return err
	}
	if err := checkDimension(s.dims, FamilySmall, chunk.EmbeddingSmall, false); err != nil {
		return err
	}
	if err := checkDimension(s.dims, FamilyDense, chunk.EmbeddingDense, true); err != nil {
		return err
	}

	var parent interface{}
	if chunk.ParentChunkID != nil {
		parent = *chunk.ParentChunkID
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO chunks (document_id, parent_chunk_id, role, ordinal, text, token_count, checksum,
		                    embedding_small, embedding_dense, authority_score, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, chunk.DocumentID, parent, string(chunk.Role), chunk.Ordinal, chunk.Text, chunk.TokenCount,
		chunk.Checksum[:], serializeVector(chunk.EmbeddingSmall), nullableVector(chunk.EmbeddingDense),
		chunk.AuthorityScore, toMillis(time.Now()))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ordinal %d of document %d", ErrAlreadyExists, chunk.Ordinal, chunk.DocumentID)
		}
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	chunk.ID = id
	chunk.Active = true
	return nil
}

func (s *SQLiteStorage) InsertChunk(ctx context.Context, chunk *types.Chunk) error {
	return s.insertChunkWithQuerier(ctx, s.querier(), chunk)
}

const chunkColumns = `id, document_id, parent_chunk_id, role, ordinal, text, token_count, checksum,
	embedding_small, embedding_dense, authority_score, active`

func scanChunk(row rowScanner) (*types.Chunk, error) {
	var chunk types.Chunk
	var parent sql.NullInt64
	var role string
	var checksum, small, dense []byte
	err := row.Scan(&chunk.ID, &chunk.DocumentID, &parent, &role, &chunk.Ordinal, &chunk.Text,
		&chunk.TokenCount, &checksum, &small, &dense, &chunk.AuthorityScore, &chunk.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	chunk.Role = types.ChunkRole(role)
	copy(chunk.Checksum[:], checksum)
	chunk.EmbeddingSmall = deserializeVector(small)
	chunk.EmbeddingDense = deserializeVector(dense)
	if parent.Valid {
		id := parent.Int64
		chunk.ParentChunkID = &id
	}
	return &chunk, nil
}

func (s *SQLiteStorage) getChunkWithQuerier(ctx context.Context, q querier, chunkID int64) (*types.Chunk, error) {
	return scanChunk(q.QueryRowContext(ctx, "SELECT "+chunkColumns+" FROM chunks WHERE id = ?", chunkID))
}

func (s *SQLiteStorage) GetChunk(ctx context.Context, chunkID int64) (*types.Chunk, error) {
	return s.getChunkWithQuerier(ctx, s.querier(), chunkID)
}

// inClause builds "?,?,?" and the matching args for a batch of IDs
func inClause(ids []int64) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}

// batchIDs splits ids into slices of at most maxBindBatch
func batchIDs(ids []int64) [][]int64 {
	var batches [][]int64
	for len(ids) > 0 {
		n := min(len(ids), maxBindBatch)
		batches = append(batches, ids[:n])
		ids = ids[n:]
	}
	return batches
}

func (s *SQLiteStorage) getChunksWithQuerier(ctx context.Context, q querier, chunkIDs []int64) (map[int64]*types.Chunk, error) {
	out := make(map[int64]*types.Chunk, len(chunkIDs))
	for _, batch := range batchIDs(chunkIDs) {
		placeholders, args := inClause(batch)
		rows, err := q.QueryContext(ctx, "SELECT "+chunkColumns+" FROM chunks WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return nil, fmt.Errorf("failed to load chunks: %w", err)
		}
		for rows.Next() {
			chunk, err := scanChunk(rows)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			out[chunk.ID] = chunk
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStorage) GetChunks(ctx context.Context, chunkIDs []int64) (map[int64]*types.Chunk, error) {
	return s.getChunksWithQuerier(ctx, s.querier(), chunkIDs)
}

func (s *SQLiteStorage) listChunksByDocumentWithQuerier(ctx context.Context, q querier, documentID int64) ([]*types.Chunk, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks WHERE document_id = ? ORDER BY ordinal", documentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	chunks := make([]*types.Chunk, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStorage) ListChunksByDocument(ctx context.Context, documentID int64) ([]*types.Chunk, error) {
	return s.listChunksByDocumentWithQuerier(ctx, s.querier(), documentID)
}

func (s *SQLiteStorage) deactivateChunksWithQuerier(ctx context.Context, q querier, documentID int64) (int, error) {
	result, err := q.ExecContext(ctx, "UPDATE chunks SET active = 0 WHERE document_id = ? AND active = 1", documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate chunks: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) DeactivateChunks(ctx context.Context, documentID int64) (int, error) {
	return s.deactivateChunksWithQuerier(ctx, s.querier(), documentID)
}

func (s *SQLiteStorage) updateAuthorityScoresWithQuerier(ctx context.Context, q querier, scores map[int64]float64) error {
	for chunkID, score := range scores {
		if _, err := q.ExecContext(ctx, "UPDATE chunks SET authority_score = ? WHERE id = ?", score, chunkID); err != nil {
			return fmt.Errorf("failed to update authority of chunk %d: %w", chunkID, err)
		}
	}
	return nil
}

func (s *SQLiteStorage) UpdateAuthorityScores(ctx context.Context, scores map[int64]float64) error {
	if len(scores) == 0 {
		return nil
	}
	return s.withTx(ctx, func(q querier) error {
		return s.updateAuthorityScoresWithQuerier(ctx, q, scores)
	})
}

func (s *SQLiteStorage) scoredChunksWithQuerier(ctx context.Context, q querier, tenantID string) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.id FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE (? = '' OR d.tenant_id = ?) AND c.authority_score != 0
		ORDER BY c.id
	`, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scored chunks: %w", err)
	}
	return scanIDs(rows)
}

func (s *SQLiteStorage) ScoredChunks(ctx context.Context, tenantID string) ([]int64, error) {
	return s.scoredChunksWithQuerier(ctx, s.querier(), tenantID)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer func() { _ = rows.Close() }()
	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Chunk feature operations

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	return string(b), err
}

func decodeStrings(raw string) ([]string, error) {
	var values []string
	if raw == "" {
		return values, nil
	}
	err := json.Unmarshal([]byte(raw), &values)
	return values, err
}

func (s *SQLiteStorage) upsertChunkFeaturesWithQuerier(ctx context.Context, q querier, f *types.ChunkFeatures) error {
	entities, err := encodeStrings(f.Entities)
	if err != nil {
		return err
	}
	keyphrases, err := encodeStrings(f.Keyphrases)
	if err != nil {
		return err
	}
	topics, err := encodeStrings(f.Topics)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO chunk_features (chunk_id, entities, keyphrases, topics, schema_version, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			entities = excluded.entities,
			keyphrases = excluded.keyphrases,
			topics = excluded.topics,
			schema_version = excluded.schema_version,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at
	`, f.ChunkID, entities, keyphrases, topics, f.SchemaVersion, f.Checksum[:], toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert chunk features: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertChunkFeatures(ctx context.Context, features *types.ChunkFeatures) error {
	return s.upsertChunkFeaturesWithQuerier(ctx, s.querier(), features)
}

func scanChunkFeatures(row rowScanner) (*types.ChunkFeatures, error) {
	var f types.ChunkFeatures
	var entities, keyphrases, topics string
	var checksum []byte
	if err := row.Scan(&f.ChunkID, &entities, &keyphrases, &topics, &f.SchemaVersion, &checksum); err != nil {
		return nil, err
	}
	copy(f.Checksum[:], checksum)

	var err error
	if f.Entities, err = decodeStrings(entities); err != nil {
		return nil, err
	}
	if f.Keyphrases, err = decodeStrings(keyphrases); err != nil {
		return nil, err
	}
	if f.Topics, err = decodeStrings(topics); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *SQLiteStorage) getChunkFeaturesWithQuerier(ctx context.Context, q querier, chunkIDs []int64) (map[int64]*types.ChunkFeatures, error) {
	out := make(map[int64]*types.ChunkFeatures, len(chunkIDs))
	for _, batch := range batchIDs(chunkIDs) {
		placeholders, args := inClause(batch)
		rows, err := q.QueryContext(ctx, `
			SELECT chunk_id, entities, keyphrases, topics, schema_version, checksum
			FROM chunk_features WHERE chunk_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to load chunk features: %w", err)
		}
		for rows.Next() {
			f, err := scanChunkFeatures(rows)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			out[f.ChunkID] = f
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStorage) GetChunkFeatures(ctx context.Context, chunkIDs []int64) (map[int64]*types.ChunkFeatures, error) {
	return s.getChunkFeaturesWithQuerier(ctx, s.querier(), chunkIDs)
}

// Search operations

func (s *SQLiteStorage) SearchVector(ctx context.Context, family Family, vector []float32, k int, filter *SearchFilter) ([]VectorMatch, error) {
	return searchVector(ctx, s.querier(), s.dims, family, vector, k, filter)
}

// Experiment operations

func (s *SQLiteStorage) insertExperimentWithQuerier(ctx context.Context, q querier, exp *types.ScoringExperiment) error {
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO scoring_experiments (id, tenant_id, name, w_ltr, w_concept, model_variant, active, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
	`, exp.ID, exp.TenantID, exp.Name, exp.Weights.LTR, exp.Weights.Concept, exp.ModelVariant, toMillis(exp.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: experiment %s", ErrAlreadyExists, exp.ID)
		}
		return fmt.Errorf("failed to insert experiment: %w", err)
	}
	exp.Active = false
	return nil
}

func (s *SQLiteStorage) InsertExperiment(ctx context.Context, exp *types.ScoringExperiment) error {
	return s.insertExperimentWithQuerier(ctx, s.querier(), exp)
}

const experimentColumns = `id, tenant_id, name, w_ltr, w_concept, model_variant, active, version,
	created_at, COALESCE(activated_at, 0)`

func scanExperiment(row rowScanner) (*types.ScoringExperiment, error) {
	var exp types.ScoringExperiment
	var createdAt, activatedAt int64
	err := row.Scan(&exp.ID, &exp.TenantID, &exp.Name, &exp.Weights.LTR, &exp.Weights.Concept,
		&exp.ModelVariant, &exp.Active, &exp.Version, &createdAt, &activatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	exp.CreatedAt = fromMillis(createdAt)
	exp.ActivatedAt = fromMillis(activatedAt)
	return &exp, nil
}

func (s *SQLiteStorage) getExperimentWithQuerier(ctx context.Context, q querier, id string) (*types.ScoringExperiment, error) {
	return scanExperiment(q.QueryRowContext(ctx, "SELECT "+experimentColumns+" FROM scoring_experiments WHERE id = ?", id))
}

func (s *SQLiteStorage) GetExperiment(ctx context.Context, id string) (*types.ScoringExperiment, error) {
	return s.getExperimentWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) getActiveExperimentWithQuerier(ctx context.Context, q querier, tenantID string) (*types.ScoringExperiment, error) {
	return scanExperiment(q.QueryRowContext(ctx,
		"SELECT "+experimentColumns+" FROM scoring_experiments WHERE tenant_id = ? AND active = 1", tenantID))
}

func (s *SQLiteStorage) GetActiveExperiment(ctx context.Context, tenantID string) (*types.ScoringExperiment, error) {
	return s.getActiveExperimentWithQuerier(ctx, s.querier(), tenantID)
}

// activateExperimentWithQuerier deactivates the tenant's current experiment
// and activates id with the next version number
func (s *SQLiteStorage) activateExperimentWithQuerier(ctx context.Context, q querier, tenantID, id string) (*types.ScoringExperiment, error) {
	exp, err := s.getExperimentWithQuerier(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if exp.TenantID != tenantID {
		return nil, fmt.Errorf("%w: experiment %s for tenant %s", ErrNotFound, id, tenantID)
	}

	if _, err := q.ExecContext(ctx,
		"UPDATE scoring_experiments SET active = 0 WHERE tenant_id = ? AND active = 1", tenantID); err != nil {
		return nil, fmt.Errorf("failed to deactivate experiments: %w", err)
	}

	var version int64
	if err := q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM scoring_experiments WHERE tenant_id = ?", tenantID).Scan(&version); err != nil {
		return nil, fmt.Errorf("failed to compute experiment version: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := q.ExecContext(ctx,
		"UPDATE scoring_experiments SET active = 1, version = ?, activated_at = ? WHERE id = ?",
		version, toMillis(now), id); err != nil {
		return nil, fmt.Errorf("failed to activate experiment: %w", err)
	}

	exp.Active = true
	exp.Version = version
	exp.ActivatedAt = now
	return exp, nil
}

func (s *SQLiteStorage) ActivateExperiment(ctx context.Context, tenantID, id string) (*types.ScoringExperiment, error) {
	var exp *types.ScoringExperiment
	err := s.withTx(ctx, func(q querier) error {
		var err error
		exp, err = s.activateExperimentWithQuerier(ctx, q, tenantID, id)
		return err
	})
	return exp, err
}

func (s *SQLiteStorage) listExperimentsWithQuerier(ctx context.Context, q querier, tenantID string) ([]*types.ScoringExperiment, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+experimentColumns+" FROM scoring_experiments WHERE tenant_id = ? ORDER BY created_at, id", tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*types.ScoringExperiment, 0)
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ListExperiments(ctx context.Context, tenantID string) ([]*types.ScoringExperiment, error) {
	return s.listExperimentsWithQuerier(ctx, s.querier(), tenantID)
}

// Interaction log operations

func (s *SQLiteStorage) appendInteractionWithQuerier(ctx context.Context, q querier, e *types.InteractionEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	e.OccurredAt = e.OccurredAt.UTC().Truncate(time.Millisecond)
	e.PartitionKey = types.PartitionKeyFor(e.OccurredAt)

	result, err := q.ExecContext(ctx, `
		INSERT INTO interaction_events (tenant_id, chunk_id, kind, dwell_ms, query_hash, occurred_at, partition_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.TenantID, e.ChunkID, string(e.Kind), e.DwellMs, e.QueryHash, toMillis(e.OccurredAt), e.PartitionKey)
	if err != nil {
		return fmt.Errorf("failed to append interaction to partition %s: %w", e.PartitionKey, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

func (s *SQLiteStorage) AppendInteraction(ctx context.Context, event *types.InteractionEvent) error {
	return s.appendInteractionWithQuerier(ctx, s.querier(), event)
}

func (s *SQLiteStorage) aggregateEngagementWithQuerier(ctx context.Context, q querier, tenantID string, since time.Time) (map[int64]Engagement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT chunk_id,
		       SUM(CASE WHEN kind = 'impression' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN kind = 'click' THEN 1 ELSE 0 END),
		       SUM(dwell_ms)
		FROM interaction_events
		WHERE tenant_id = ? AND occurred_at >= ?
		GROUP BY chunk_id
	`, tenantID, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate engagement: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]Engagement)
	for rows.Next() {
		var chunkID int64
		var e Engagement
		if err := rows.Scan(&chunkID, &e.Impressions, &e.Clicks, &e.DwellMs); err != nil {
			return nil, err
		}
		out[chunkID] = e
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) AggregateEngagement(ctx context.Context, tenantID string, since time.Time) (map[int64]Engagement, error) {
	return s.aggregateEngagementWithQuerier(ctx, s.querier(), tenantID, since)
}

func (s *SQLiteStorage) interactionTenantsWithQuerier(ctx context.Context, q querier, since time.Time) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT DISTINCT tenant_id FROM interaction_events WHERE occurred_at >= ? ORDER BY tenant_id", toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list interaction tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tenants := make([]string, 0)
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

func (s *SQLiteStorage) InteractionTenants(ctx context.Context, since time.Time) ([]string, error) {
	return s.interactionTenantsWithQuerier(ctx, s.querier(), since)
}

func (s *SQLiteStorage) ensurePartitionWithQuerier(ctx context.Context, q querier, key string) error {
	_, err := q.ExecContext(ctx,
		"INSERT OR IGNORE INTO interaction_partitions (partition_key, created_at) VALUES (?, ?)",
		key, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to ensure partition %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStorage) EnsurePartition(ctx context.Context, key string) error {
	return s.ensurePartitionWithQuerier(ctx, s.querier(), key)
}

func (s *SQLiteStorage) listPartitionsWithQuerier(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT partition_key FROM interaction_partitions ORDER BY partition_key")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStorage) ListPartitions(ctx context.Context) ([]string, error) {
	return s.listPartitionsWithQuerier(ctx, s.querier())
}

func (s *SQLiteStorage) dropPartitionWithQuerier(ctx context.Context, q querier, key string) (int, error) {
	result, err := q.ExecContext(ctx, "DELETE FROM interaction_events WHERE partition_key = ?", key)
	if err != nil {
		return 0, fmt.Errorf("failed to drop events of partition %s: %w", key, err)
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM interaction_partitions WHERE partition_key = ?", key); err != nil {
		return 0, fmt.Errorf("failed to drop partition %s: %w", key, err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) DropPartition(ctx context.Context, key string) (int, error) {
	var n int
	err := s.withTx(ctx, func(q querier) error {
		var err error
		n, err = s.dropPartitionWithQuerier(ctx, q, key)
		return err
	})
	return n, err
}

// Query cache operations

func (s *SQLiteStorage) getQueryCacheWithQuerier(ctx context.Context, q querier, cacheKey string, now time.Time) (*QueryCacheEntry, error) {
	var entry QueryCacheEntry
	var embedding []byte
	var createdAt, expiresAt int64
	err := q.QueryRowContext(ctx, `
		SELECT cache_key, query_hash, tenant_id, top_k, experiment_id, query_embedding, results,
		       hit_count, created_at, expires_at
		FROM query_cache
		WHERE cache_key = ? AND expires_at > ?
	`, cacheKey, toMillis(now)).Scan(&entry.CacheKey, &entry.QueryHash, &entry.TenantID, &entry.TopK,
		&entry.ExperimentID, &embedding, &entry.Results, &entry.HitCount, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.QueryEmbedding = deserializeVector(embedding)
	entry.CreatedAt = fromMillis(createdAt)
	entry.ExpiresAt = fromMillis(expiresAt)

	if _, err := q.ExecContext(ctx, "UPDATE query_cache SET hit_count = hit_count + 1 WHERE cache_key = ?", cacheKey); err == nil {
		entry.HitCount++
	}
	return &entry, nil
}

func (s *SQLiteStorage) GetQueryCache(ctx context.Context, cacheKey string, now time.Time) (*QueryCacheEntry, error) {
	return s.getQueryCacheWithQuerier(ctx, s.querier(), cacheKey, now)
}

func (s *SQLiteStorage) putQueryCacheWithQuerier(ctx context.Context, q querier, entry *QueryCacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO query_cache (cache_key, query_hash, tenant_id, top_k, experiment_id, query_embedding,
		                         results, hit_count, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			query_embedding = excluded.query_embedding,
			results = excluded.results,
			hit_count = 0,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, entry.CacheKey, entry.QueryHash, entry.TenantID, entry.TopK, entry.ExperimentID,
		nullableVector(entry.QueryEmbedding), entry.Results, toMillis(entry.CreatedAt), toMillis(entry.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to store cached response: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) PutQueryCache(ctx context.Context, entry *QueryCacheEntry) error {
	return s.putQueryCacheWithQuerier(ctx, s.querier(), entry)
}

func (s *SQLiteStorage) deleteQueryCacheWithQuerier(ctx context.Context, q querier, filter QueryCacheFilter) (int, error) {
	query := "DELETE FROM query_cache WHERE 1 = 1"
	var args []interface{}
	if filter.QueryHash != "" {
		query += " AND query_hash = ?"
		args = append(args, filter.QueryHash)
	}
	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete cached responses: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) DeleteQueryCache(ctx context.Context, filter QueryCacheFilter) (int, error) {
	return s.deleteQueryCacheWithQuerier(ctx, s.querier(), filter)
}

func (s *SQLiteStorage) deleteExpiredQueryCacheWithQuerier(ctx context.Context, q querier, now time.Time) (int, error) {
	result, err := q.ExecContext(ctx, "DELETE FROM query_cache WHERE expires_at <= ?", toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired responses: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) DeleteExpiredQueryCache(ctx context.Context, now time.Time) (int, error) {
	return s.deleteExpiredQueryCacheWithQuerier(ctx, s.querier(), now)
}

// Status operations

func (s *SQLiteStorage) getStatusWithQuerier(ctx context.Context, q querier, tenantID string) (*Status, error) {
	status := &Status{
		TenantID:       tenantID,
		SmallDimension: s.dims.Small,
		DenseDimension: s.dims.Dense,
		Backend:        "sqlite/" + BuildMode,
	}

	counts := []struct {
		dest  *int
		query string
	}{
		{&status.Documents, "SELECT COUNT(*) FROM documents WHERE tenant_id = ?"},
		{&status.LatestDocuments, "SELECT COUNT(*) FROM documents WHERE tenant_id = ? AND latest = 1"},
		{&status.ActiveChunks, `SELECT COUNT(*) FROM chunks c JOIN documents d ON d.id = c.document_id
			WHERE d.tenant_id = ? AND d.latest = 1 AND c.active = 1`},
		{&status.DenseEmbeddings, `SELECT COUNT(*) FROM chunks c JOIN documents d ON d.id = c.document_id
			WHERE d.tenant_id = ? AND d.latest = 1 AND c.active = 1 AND c.embedding_dense IS NOT NULL`},
		{&status.Interactions, "SELECT COUNT(*) FROM interaction_events WHERE tenant_id = ?"},
		{&status.CachedResponses, "SELECT COUNT(*) FROM query_cache WHERE tenant_id = ?"},
	}
	for _, c := range counts {
		if err := q.QueryRowContext(ctx, c.query, tenantID).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	active, err := s.getActiveExperimentWithQuerier(ctx, q, tenantID)
	switch {
	case err == nil:
		status.ActiveExperiment = active.ID
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	// Calculate database size
	var pageCount, pageSize int
	if err := q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		status.IndexSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	return status, nil
}

func (s *SQLiteStorage) GetStatus(ctx context.Context, tenantID string) (*Status, error) {
	return s.getStatusWithQuerier(ctx, s.querier(), tenantID)
}
