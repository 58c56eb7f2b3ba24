package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.1.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations contains all SQLite migrations in order
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
	{
		Version: "1.1.0",
		Up:      migrationV11Up,
		Down:    migrationV11Down,
	},
}

// Timestamps are stored as unix milliseconds so range predicates behave the
// same under both SQLite drivers.
const migrationV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Embedding families, declared once
CREATE TABLE IF NOT EXISTS vector_families (
    family TEXT PRIMARY KEY,
    dimension INTEGER NOT NULL,
    metric TEXT NOT NULL
);

-- Documents table
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    external_id TEXT NOT NULL,
    source_type TEXT NOT NULL DEFAULT 'document',
    uri TEXT,
    content_hash BLOB NOT NULL,
    version INTEGER NOT NULL,
    latest BOOLEAN NOT NULL DEFAULT 1,
    title TEXT,
    meta TEXT,
    created_at INTEGER NOT NULL,
    UNIQUE(tenant_id, external_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_latest_hash ON documents(tenant_id, content_hash) WHERE latest = 1;
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_latest_external ON documents(tenant_id, external_id) WHERE latest = 1;
CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_type);

-- Chunks table
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id INTEGER NOT NULL,
    parent_chunk_id INTEGER,
    role TEXT NOT NULL CHECK (role IN ('child', 'parent', 'standalone')),
    ordinal INTEGER NOT NULL,
    text TEXT NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    checksum BLOB NOT NULL,
    embedding_small BLOB NOT NULL,
    embedding_dense BLOB,
    authority_score REAL NOT NULL DEFAULT 0,
    active BOOLEAN NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE,
    FOREIGN KEY (parent_chunk_id) REFERENCES chunks(id) ON DELETE SET NULL,
    UNIQUE(document_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_parent ON chunks(parent_chunk_id);
CREATE INDEX IF NOT EXISTS idx_chunks_active ON chunks(active);

-- Structured chunk signals
CREATE TABLE IF NOT EXISTS chunk_features (
    chunk_id INTEGER PRIMARY KEY,
    entities TEXT NOT NULL DEFAULT '[]',
    keyphrases TEXT NOT NULL DEFAULT '[]',
    topics TEXT NOT NULL DEFAULT '[]',
    schema_version INTEGER NOT NULL,
    checksum BLOB NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (chunk_id) REFERENCES chunks(id) ON DELETE CASCADE
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS chunk_features;
DROP TABLE IF EXISTS chunks;
DROP TABLE IF EXISTS documents;
DROP TABLE IF EXISTS vector_families;
DROP TABLE IF EXISTS schema_version;
`

const migrationV11Up = `
-- Scoring experiments, at most one active per tenant
CREATE TABLE IF NOT EXISTS scoring_experiments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    w_ltr REAL NOT NULL,
    w_concept REAL NOT NULL,
    model_variant TEXT NOT NULL DEFAULT '',
    active BOOLEAN NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    activated_at INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_experiments_active ON scoring_experiments(tenant_id) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_experiments_tenant ON scoring_experiments(tenant_id);

-- Interaction log partitions (monthly, YYYYMM)
CREATE TABLE IF NOT EXISTS interaction_partitions (
    partition_key TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);

-- Append-only interaction log
CREATE TABLE IF NOT EXISTS interaction_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    chunk_id INTEGER NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('impression', 'click', 'dwell')),
    dwell_ms INTEGER NOT NULL DEFAULT 0,
    query_hash TEXT,
    occurred_at INTEGER NOT NULL,
    partition_key TEXT NOT NULL,
    FOREIGN KEY (partition_key) REFERENCES interaction_partitions(partition_key)
);

CREATE INDEX IF NOT EXISTS idx_interactions_partition ON interaction_events(partition_key);
CREATE INDEX IF NOT EXISTS idx_interactions_tenant_time ON interaction_events(tenant_id, occurred_at);

-- Full-response cache
CREATE TABLE IF NOT EXISTS query_cache (
    cache_key TEXT PRIMARY KEY,
    query_hash TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    top_k INTEGER NOT NULL,
    experiment_id TEXT NOT NULL,
    query_embedding BLOB,
    results BLOB NOT NULL,
    hit_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_query_cache_hash ON query_cache(query_hash);
CREATE INDEX IF NOT EXISTS idx_query_cache_tenant ON query_cache(tenant_id);
CREATE INDEX IF NOT EXISTS idx_query_cache_expires ON query_cache(expires_at);
`

const migrationV11Down = `
DROP TABLE IF EXISTS query_cache;
DROP TABLE IF EXISTS interaction_events;
DROP TABLE IF EXISTS interaction_partitions;
DROP TABLE IF EXISTS scoring_experiments;
`

// dialect holds the statements that differ between SQL backends
type dialect struct {
	schemaTableExists string
	insertVersion     string
	deleteVersion     string
}

var sqliteDialect = dialect{
	schemaTableExists: "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'",
	insertVersion:     "INSERT INTO schema_version (version) VALUES (?)",
	deleteVersion:     "DELETE FROM schema_version WHERE version = ?",
}

// ApplyMigrations runs all pending SQLite migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	return applyMigrations(ctx, db, sqliteDialect, AllMigrations)
}

// RollbackMigration rolls back the most recent SQLite migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	return rollbackMigration(ctx, db, sqliteDialect, AllMigrations)
}

func applyMigrations(ctx context.Context, db *sql.DB, d dialect, migrations []Migration) error {
	currentVersion, err := currentSchemaVersion(ctx, db, d)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		if !currentVersion.LessThan(migrationVersion) {
			continue // Already applied
		}

		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		if _, err := db.ExecContext(ctx, d.insertVersion, migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}
		currentVersion = migrationVersion
	}

	return nil
}

// currentSchemaVersion returns the highest recorded version, 0.0.0 on a fresh database
func currentSchemaVersion(ctx context.Context, db *sql.DB, d dialect) (*semver.Version, error) {
	zero := semver.MustParse("0.0.0")

	var tableName string
	err := db.QueryRowContext(ctx, d.schemaTableExists).Scan(&tableName)
	if err == sql.ErrNoRows {
		return zero, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	current := zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %s: %w", raw, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	return current, rows.Err()
}

func rollbackMigration(ctx context.Context, db *sql.DB, d dialect, migrations []Migration) error {
	current, err := currentSchemaVersion(ctx, db, d)
	if err != nil {
		return err
	}
	if current.Equal(semver.MustParse("0.0.0")) {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		v, err := semver.NewVersion(migrations[i].Version)
		if err == nil && v.Equal(current) {
			migration = &migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %s not found", current)
	}

	if _, err := db.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
	}

	// The first migration's Down drops schema_version itself
	if _, err := db.ExecContext(ctx, d.deleteVersion, migration.Version); err != nil && migration != &migrations[0] {
		return fmt.Errorf("failed to remove migration record %s: %w", migration.Version, err)
	}

	return nil
}
