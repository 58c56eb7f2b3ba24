package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/zenglow/fusionrank/pkg/types"
)

var partitionKeyPattern = regexp.MustCompile(`^[0-9]{6}$`)

// PostgresStorage implements the Storage interface on PostgreSQL with the
// pgvector extension. The same type serves transactions: q is either the
// pool or the open *sql.Tx.
type PostgresStorage struct {
	db   *sql.DB
	tx   *sql.Tx
	q    querier
	dims Dimensions
}

// NewPostgresStorage connects to dsn, applies migrations and declares the
// embedding dimensions. Both dimensions must be positive.
func NewPostgresStorage(ctx context.Context, dsn string, dims Dimensions) (*PostgresStorage, error) {
	if dims.Small <= 0 || dims.Dense <= 0 {
		return nil, fmt.Errorf("%w: both families need a positive dimension", ErrDimensionMismatch)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}

	if err := applyMigrations(ctx, db, postgresDialect, postgresMigrations(dims)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	declared, err := declareDimensions(ctx, db, dims, "$")
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresStorage{db: db, q: db, dims: declared}, nil
}

// RollbackPostgresMigration rolls back the most recent PostgreSQL migration
func RollbackPostgresMigration(ctx context.Context, db *sql.DB, dims Dimensions) error {
	return rollbackMigration(ctx, db, postgresDialect, postgresMigrations(dims))
}

// Dimensions returns the declared vector sizes
func (s *PostgresStorage) Dimensions() Dimensions {
	return s.dims
}

func (s *PostgresStorage) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStorage) Ping(ctx context.Context) error {
	var one int
	if err := s.q.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}

// postgresTx is a PostgresStorage bound to an open transaction
type postgresTx struct {
	*PostgresStorage
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit()
}

func (t *postgresTx) Rollback() error {
	return t.tx.Rollback()
}

func (s *PostgresStorage) BeginTx(ctx context.Context) (Tx, error) {
	if s.tx != nil {
		return nil, errors.New("nested transactions not supported")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &postgresTx{&PostgresStorage{db: s.db, tx: tx, q: tx, dims: s.dims}}, nil
}

// atomically runs fn in the current transaction, or in a new one
func (s *PostgresStorage) atomically(ctx context.Context, fn func(p *PostgresStorage) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx.(*postgresTx).PostgresStorage); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func pqConstraint(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint, true
	}
	return "", false
}

func vectorArg(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func vectorSlice(v *pgvector.Vector) []float32 {
	if v == nil {
		return nil
	}
	return v.Slice()
}

// Document operations

func (s *PostgresStorage) InsertDocument(ctx context.Context, doc *types.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if doc.SourceType == "" {
		doc.SourceType = "document"
	}
	if doc.Version == 0 {
		err := s.q.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(version), 0) + 1 FROM documents WHERE tenant_id = $1 AND external_id = $2",
			doc.TenantID, doc.ExternalID).Scan(&doc.Version)
		if err != nil {
			return fmt.Errorf("failed to compute document version: %w", err)
		}
	}

	meta, err := json.Marshal(doc.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode document meta: %w", err)
	}

	err = s.q.QueryRowContext(ctx, `
		INSERT INTO documents (tenant_id, external_id, source_type, uri, content_hash, version, latest, title, meta)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8)
		RETURNING id, created_at
	`, doc.TenantID, doc.ExternalID, doc.SourceType, doc.URI, doc.ContentHash[:], doc.Version,
		doc.Title, string(meta)).Scan(&doc.ID, &doc.CreatedAt)
	if constraint, ok := pqConstraint(err); ok {
		if constraint == "idx_documents_latest_hash" {
			return fmt.Errorf("%w: tenant %s", ErrDuplicateContent, doc.TenantID)
		}
		return fmt.Errorf("%w: document %s/%s", ErrAlreadyExists, doc.TenantID, doc.ExternalID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	doc.Latest = true
	return nil
}

func (s *PostgresStorage) SupersedeDocuments(ctx context.Context, tenantID, externalID string) (int, error) {
	var n int
	err := s.atomically(ctx, func(p *PostgresStorage) error {
		if _, err := p.q.ExecContext(ctx, `
			UPDATE chunks SET active = FALSE
			WHERE active AND document_id IN (
				SELECT id FROM documents WHERE tenant_id = $1 AND external_id = $2 AND latest
			)
		`, tenantID, externalID); err != nil {
			return fmt.Errorf("failed to deactivate superseded chunks: %w", err)
		}
		result, err := p.q.ExecContext(ctx,
			"UPDATE documents SET latest = FALSE WHERE tenant_id = $1 AND external_id = $2 AND latest",
			tenantID, externalID)
		if err != nil {
			return fmt.Errorf("failed to supersede document: %w", err)
		}
		affected, err := result.RowsAffected()
		n = int(affected)
		return err
	})
	return n, err
}

const pgDocumentColumns = `id, tenant_id, external_id, source_type, COALESCE(uri, ''), content_hash,
	version, latest, COALESCE(title, ''), COALESCE(meta::text, ''), created_at`

func scanPGDocument(row rowScanner) (*types.Document, error) {
	var doc types.Document
	var hash []byte
	var meta string
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.ExternalID, &doc.SourceType, &doc.URI, &hash,
		&doc.Version, &doc.Latest, &doc.Title, &meta, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	copy(doc.ContentHash[:], hash)
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &doc.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode document meta: %w", err)
		}
	}
	return &doc, nil
}

func (s *PostgresStorage) GetDocument(ctx context.Context, id int64) (*types.Document, error) {
	return scanPGDocument(s.q.QueryRowContext(ctx, "SELECT "+pgDocumentColumns+" FROM documents WHERE id = $1", id))
}

func (s *PostgresStorage) GetLatestDocument(ctx context.Context, tenantID, externalID string) (*types.Document, error) {
	return scanPGDocument(s.q.QueryRowContext(ctx,
		"SELECT "+pgDocumentColumns+" FROM documents WHERE tenant_id = $1 AND external_id = $2 AND latest",
		tenantID, externalID))
}

func (s *PostgresStorage) FindLatestByHash(ctx context.Context, tenantID string, contentHash [32]byte) (*types.Document, error) {
	return scanPGDocument(s.q.QueryRowContext(ctx,
		"SELECT "+pgDocumentColumns+" FROM documents WHERE tenant_id = $1 AND content_hash = $2 AND latest",
		tenantID, contentHash[:]))
}

// Chunk operations

func (s *PostgresStorage) InsertChunk(ctx context.Context, chunk *types.Chunk) error {
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

	err := s.q.QueryRowContext(ctx, `
		INSERT INTO chunks (document_id, parent_chunk_id, role, ordinal, text, token_count, checksum,
		                    embedding_small, embedding_dense, authority_score, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
		RETURNING id
	`, chunk.DocumentID, parent, string(chunk.Role), chunk.Ordinal, chunk.Text, chunk.TokenCount,
		chunk.Checksum[:], pgvector.NewVector(chunk.EmbeddingSmall), vectorArg(chunk.EmbeddingDense),
		chunk.AuthorityScore).Scan(&chunk.ID)
	if _, ok := pqConstraint(err); ok {
		return fmt.Errorf("%w: ordinal %d of document %d", ErrAlreadyExists, chunk.Ordinal, chunk.DocumentID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	chunk.Active = true
	return nil
}

func scanPGChunk(row rowScanner) (*types.Chunk, error) {
	var chunk types.Chunk
	var parent sql.NullInt64
	var role string
	var checksum []byte
	var small pgvector.Vector
	var dense *pgvector.Vector
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
	chunk.EmbeddingSmall = small.Slice()
	chunk.EmbeddingDense = vectorSlice(dense)
	if parent.Valid {
		id := parent.Int64
		chunk.ParentChunkID = &id
	}
	return &chunk, nil
}

func (s *PostgresStorage) GetChunk(ctx context.Context, chunkID int64) (*types.Chunk, error) {
	return scanPGChunk(s.q.QueryRowContext(ctx, "SELECT "+chunkColumns+" FROM chunks WHERE id = $1", chunkID))
}

func (s *PostgresStorage) GetChunks(ctx context.Context, chunkIDs []int64) (map[int64]*types.Chunk, error) {
	out := make(map[int64]*types.Chunk, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}
	rows, err := s.q.QueryContext(ctx, "SELECT "+chunkColumns+" FROM chunks WHERE id = ANY($1)", pq.Array(chunkIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		chunk, err := scanPGChunk(rows)
		if err != nil {
			return nil, err
		}
		out[chunk.ID] = chunk
	}
	return out, rows.Err()
}

func (s *PostgresStorage) ListChunksByDocument(ctx context.Context, documentID int64) ([]*types.Chunk, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks WHERE document_id = $1 ORDER BY ordinal", documentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	chunks := make([]*types.Chunk, 0)
	for rows.Next() {
		chunk, err := scanPGChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func (s *PostgresStorage) DeactivateChunks(ctx context.Context, documentID int64) (int, error) {
	result, err := s.q.ExecContext(ctx, "UPDATE chunks SET active = FALSE WHERE document_id = $1 AND active", documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate chunks: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *PostgresStorage) UpdateAuthorityScores(ctx context.Context, scores map[int64]float64) error {
	if len(scores) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(scores))
	values := make([]float64, 0, len(scores))
	for id, v := range scores {
		ids = append(ids, id)
		values = append(values, v)
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE chunks SET authority_score = u.score
		FROM unnest($1::bigint[], $2::double precision[]) AS u(id, score)
		WHERE chunks.id = u.id
	`, pq.Array(ids), pq.Array(values))
	if err != nil {
		return fmt.Errorf("failed to update authority scores: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ScoredChunks(ctx context.Context, tenantID string) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT c.id FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE ($1 = '' OR d.tenant_id = $1) AND c.authority_score <> 0
		ORDER BY c.id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scored chunks: %w", err)
	}
	return scanIDs(rows)
}

// Chunk feature operations

func (s *PostgresStorage) UpsertChunkFeatures(ctx context.Context, f *types.ChunkFeatures) error {
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
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO chunk_features (chunk_id, entities, keyphrases, topics, schema_version, checksum, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (chunk_id) DO UPDATE SET
			entities = EXCLUDED.entities,
			keyphrases = EXCLUDED.keyphrases,
			topics = EXCLUDED.topics,
			schema_version = EXCLUDED.schema_version,
			checksum = EXCLUDED.checksum,
			updated_at = EXCLUDED.updated_at
	`, f.ChunkID, entities, keyphrases, topics, f.SchemaVersion, f.Checksum[:])
	if err != nil {
		return fmt.Errorf("failed to upsert chunk features: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetChunkFeatures(ctx context.Context, chunkIDs []int64) (map[int64]*types.ChunkFeatures, error) {
	out := make(map[int64]*types.ChunkFeatures, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT chunk_id, entities::text, keyphrases::text, topics::text, schema_version, checksum
		FROM chunk_features WHERE chunk_id = ANY($1)
	`, pq.Array(chunkIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk features: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		f, err := scanChunkFeatures(rows)
		if err != nil {
			return nil, err
		}
		out[f.ChunkID] = f
	}
	return out, rows.Err()
}

// Search operations

// SearchVector uses pgvector's <-> (L2) on the primary family and <=>
// (cosine distance) on the conceptual family
func (s *PostgresStorage) SearchVector(ctx context.Context, family Family, vector []float32, k int, filter *SearchFilter) ([]VectorMatch, error) {
	if err := checkDimension(s.dims, family, vector, false); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []VectorMatch{}, nil
	}

	column, operator := "c.embedding_small", "<->"
	if family == FamilyDense {
		column, operator = "c.embedding_dense", "<=>"
	}

	query := `
		SELECT c.id, ` + column + ` ` + operator + ` $1 AS distance
		FROM chunks c
		INNER JOIN documents d ON d.id = c.document_id
		WHERE d.tenant_id = $2 AND d.latest AND c.active AND ` + column + ` IS NOT NULL
	`
	args := []interface{}{pgvector.NewVector(vector), tenantOf(filter)}
	query, args = applySearchFilter(query, args, filter, "$")
	args = append(args, k)
	query += fmt.Sprintf(" ORDER BY distance ASC, c.id ASC LIMIT $%d", len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]VectorMatch, 0, k)
	for rows.Next() {
		var m VectorMatch
		if err := rows.Scan(&m.ChunkID, &m.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// Experiment operations

func (s *PostgresStorage) InsertExperiment(ctx context.Context, exp *types.ScoringExperiment) error {
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO scoring_experiments (id, tenant_id, name, w_ltr, w_concept, model_variant, active, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, 0, $7)
	`, exp.ID, exp.TenantID, exp.Name, exp.Weights.LTR, exp.Weights.Concept, exp.ModelVariant, exp.CreatedAt)
	if _, ok := pqConstraint(err); ok {
		return fmt.Errorf("%w: experiment %s", ErrAlreadyExists, exp.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert experiment: %w", err)
	}
	exp.Active = false
	return nil
}

const pgExperimentColumns = `id, tenant_id, name, w_ltr, w_concept, model_variant, active, version,
	created_at, activated_at`

func scanPGExperiment(row rowScanner) (*types.ScoringExperiment, error) {
	var exp types.ScoringExperiment
	var activatedAt sql.NullTime
	err := row.Scan(&exp.ID, &exp.TenantID, &exp.Name, &exp.Weights.LTR, &exp.Weights.Concept,
		&exp.ModelVariant, &exp.Active, &exp.Version, &exp.CreatedAt, &activatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if activatedAt.Valid {
		exp.ActivatedAt = activatedAt.Time
	}
	return &exp, nil
}

func (s *PostgresStorage) GetExperiment(ctx context.Context, id string) (*types.ScoringExperiment, error) {
	return scanPGExperiment(s.q.QueryRowContext(ctx,
		"SELECT "+pgExperimentColumns+" FROM scoring_experiments WHERE id = $1", id))
}

func (s *PostgresStorage) GetActiveExperiment(ctx context.Context, tenantID string) (*types.ScoringExperiment, error) {
	return scanPGExperiment(s.q.QueryRowContext(ctx,
		"SELECT "+pgExperimentColumns+" FROM scoring_experiments WHERE tenant_id = $1 AND active", tenantID))
}

func (s *PostgresStorage) ActivateExperiment(ctx context.Context, tenantID, id string) (*types.ScoringExperiment, error) {
	var exp *types.ScoringExperiment
	err := s.atomically(ctx, func(p *PostgresStorage) error {
		// Serializes concurrent activations of the same tenant
		if _, err := p.q.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", tenantID); err != nil {
			return fmt.Errorf("failed to lock tenant experiments: %w", err)
		}

		var err error
		exp, err = p.GetExperiment(ctx, id)
		if err != nil {
			return err
		}
		if exp.TenantID != tenantID {
			return fmt.Errorf("%w: experiment %s for tenant %s", ErrNotFound, id, tenantID)
		}

		if _, err := p.q.ExecContext(ctx,
			"UPDATE scoring_experiments SET active = FALSE WHERE tenant_id = $1 AND active", tenantID); err != nil {
			return fmt.Errorf("failed to deactivate experiments: %w", err)
		}
		return p.q.QueryRowContext(ctx, `
			UPDATE scoring_experiments
			SET active = TRUE, activated_at = now(),
			    version = (SELECT COALESCE(MAX(version), 0) + 1 FROM scoring_experiments WHERE tenant_id = $1)
			WHERE id = $2
			RETURNING version, activated_at
		`, tenantID, id).Scan(&exp.Version, &exp.ActivatedAt)
	})
	if err != nil {
		return nil, err
	}
	exp.Active = true
	return exp, nil
}

func (s *PostgresStorage) ListExperiments(ctx context.Context, tenantID string) ([]*types.ScoringExperiment, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+pgExperimentColumns+" FROM scoring_experiments WHERE tenant_id = $1 ORDER BY created_at, id", tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*types.ScoringExperiment, 0)
	for rows.Next() {
		exp, err := scanPGExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// Interaction log operations

func (s *PostgresStorage) AppendInteraction(ctx context.Context, e *types.InteractionEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	e.PartitionKey = types.PartitionKeyFor(e.OccurredAt)

	err := s.q.QueryRowContext(ctx, `
		INSERT INTO interaction_events (tenant_id, chunk_id, kind, dwell_ms, query_hash, occurred_at, partition_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, e.TenantID, e.ChunkID, string(e.Kind), e.DwellMs, e.QueryHash, e.OccurredAt, e.PartitionKey).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to append interaction to partition %s: %w", e.PartitionKey, err)
	}
	return nil
}

func (s *PostgresStorage) InteractionTenants(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT DISTINCT tenant_id FROM interaction_events WHERE occurred_at >= $1 ORDER BY tenant_id", since)
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

func (s *PostgresStorage) AggregateEngagement(ctx context.Context, tenantID string, since time.Time) (map[int64]Engagement, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT chunk_id,
		       COUNT(*) FILTER (WHERE kind = 'impression'),
		       COUNT(*) FILTER (WHERE kind = 'click'),
		       COALESCE(SUM(dwell_ms), 0)
		FROM interaction_events
		WHERE tenant_id = $1 AND occurred_at >= $2
		GROUP BY chunk_id
	`, tenantID, since)
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

// EnsurePartition creates the month's child table of interaction_events
func (s *PostgresStorage) EnsurePartition(ctx context.Context, key string) error {
	if !partitionKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid partition key %q", key)
	}
	return s.atomically(ctx, func(p *PostgresStorage) error {
		ddl := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS interaction_events_%s PARTITION OF interaction_events FOR VALUES IN ('%s')",
			key, key)
		if _, err := p.q.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create partition %s: %w", key, err)
		}
		_, err := p.q.ExecContext(ctx,
			"INSERT INTO interaction_partitions (partition_key) VALUES ($1) ON CONFLICT DO NOTHING", key)
		return err
	})
}

func (s *PostgresStorage) ListPartitions(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT partition_key FROM interaction_partitions ORDER BY partition_key")
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

func (s *PostgresStorage) DropPartition(ctx context.Context, key string) (int, error) {
	if !partitionKeyPattern.MatchString(key) {
		return 0, fmt.Errorf("invalid partition key %q", key)
	}
	var n int
	err := s.atomically(ctx, func(p *PostgresStorage) error {
		if err := p.q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM interaction_events WHERE partition_key = $1", key).Scan(&n); err != nil {
			return err
		}
		if _, err := p.q.ExecContext(ctx, "DROP TABLE IF EXISTS interaction_events_"+key); err != nil {
			return fmt.Errorf("failed to drop partition %s: %w", key, err)
		}
		_, err := p.q.ExecContext(ctx, "DELETE FROM interaction_partitions WHERE partition_key = $1", key)
		return err
	})
	return n, err
}

// Query cache operations

func (s *PostgresStorage) GetQueryCache(ctx context.Context, cacheKey string, now time.Time) (*QueryCacheEntry, error) {
	var entry QueryCacheEntry
	var embedding *pgvector.Vector
	err := s.q.QueryRowContext(ctx, `
		UPDATE query_cache SET hit_count = hit_count + 1
		WHERE cache_key = $1 AND expires_at > $2
		RETURNING cache_key, query_hash, tenant_id, top_k, experiment_id, query_embedding, results,
		          hit_count, created_at, expires_at
	`, cacheKey, now).Scan(&entry.CacheKey, &entry.QueryHash, &entry.TenantID, &entry.TopK,
		&entry.ExperimentID, &embedding, &entry.Results, &entry.HitCount, &entry.CreatedAt, &entry.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.QueryEmbedding = vectorSlice(embedding)
	return &entry, nil
}

func (s *PostgresStorage) PutQueryCache(ctx context.Context, entry *QueryCacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO query_cache (cache_key, query_hash, tenant_id, top_k, experiment_id, query_embedding,
		                         results, hit_count, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
		ON CONFLICT (cache_key) DO UPDATE SET
			query_embedding = EXCLUDED.query_embedding,
			results = EXCLUDED.results,
			hit_count = 0,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, entry.CacheKey, entry.QueryHash, entry.TenantID, entry.TopK, entry.ExperimentID,
		vectorArg(entry.QueryEmbedding), entry.Results, entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to store cached response: %w", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteQueryCache(ctx context.Context, filter QueryCacheFilter) (int, error) {
	var conds []string
	var args []interface{}
	if filter.QueryHash != "" {
		args = append(args, filter.QueryHash)
		conds = append(conds, fmt.Sprintf("query_hash = $%d", len(args)))
	}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	query := "DELETE FROM query_cache"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete cached responses: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *PostgresStorage) DeleteExpiredQueryCache(ctx context.Context, now time.Time) (int, error) {
	result, err := s.q.ExecContext(ctx, "DELETE FROM query_cache WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired responses: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Status operations

func (s *PostgresStorage) GetStatus(ctx context.Context, tenantID string) (*Status, error) {
	status := &Status{
		TenantID:       tenantID,
		SmallDimension: s.dims.Small,
		DenseDimension: s.dims.Dense,
		Backend:        "postgres/pgvector",
	}

	counts := []struct {
		dest  *int
		query string
	}{
		{&status.Documents, "SELECT COUNT(*) FROM documents WHERE tenant_id = $1"},
		{&status.LatestDocuments, "SELECT COUNT(*) FROM documents WHERE tenant_id = $1 AND latest"},
		{&status.ActiveChunks, `SELECT COUNT(*) FROM chunks c JOIN documents d ON d.id = c.document_id
			WHERE d.tenant_id = $1 AND d.latest AND c.active`},
		{&status.DenseEmbeddings, `SELECT COUNT(*) FROM chunks c JOIN documents d ON d.id = c.document_id
			WHERE d.tenant_id = $1 AND d.latest AND c.active AND c.embedding_dense IS NOT NULL`},
		{&status.Interactions, "SELECT COUNT(*) FROM interaction_events WHERE tenant_id = $1"},
		{&status.CachedResponses, "SELECT COUNT(*) FROM query_cache WHERE tenant_id = $1"},
	}
	for _, c := range counts {
		if err := s.q.QueryRowContext(ctx, c.query, tenantID).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	active, err := s.GetActiveExperiment(ctx, tenantID)
	switch {
	case err == nil:
		status.ActiveExperiment = active.ID
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	var bytes int64
	if err := s.q.QueryRowContext(ctx, "SELECT pg_database_size(current_database())").Scan(&bytes); err == nil {
		status.IndexSizeMB = float64(bytes) / (1024 * 1024)
	}
	return status, nil
}
