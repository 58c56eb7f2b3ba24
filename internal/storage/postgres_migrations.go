package storage

import "fmt"

var postgresDialect = dialect{
	schemaTableExists: "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = 'schema_version'",
	insertVersion:     "INSERT INTO schema_version (version) VALUES ($1)",
	deleteVersion:     "DELETE FROM schema_version WHERE version = $1",
}

// postgresMigrations renders the PostgreSQL schema. Vector column sizes are
// part of the DDL, so the declared dimensions are baked in at creation time.
func postgresMigrations(dims Dimensions) []Migration {
	return []Migration{
		{
			Version: "1.0.0",
			Up:      fmt.Sprintf(postgresV1Up, dims.Small, dims.Dense),
			Down:    postgresV1Down,
		},
		{
			Version: "1.1.0",
			Up:      postgresV11Up,
			Down:    postgresV11Down,
		},
	}
}

const postgresV1Up = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ DEFAULT now()
);

CREATE TABLE IF NOT EXISTS vector_families (
    family TEXT PRIMARY KEY,
    dimension INTEGER NOT NULL,
    metric TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
    id BIGSERIAL PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    external_id TEXT NOT NULL,
    source_type TEXT NOT NULL DEFAULT 'document',
    uri TEXT,
    content_hash BYTEA NOT NULL,
    version INTEGER NOT NULL,
    latest BOOLEAN NOT NULL DEFAULT TRUE,
    title TEXT,
    meta JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (tenant_id, external_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_latest_hash ON documents(tenant_id, content_hash) WHERE latest;
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_latest_external ON documents(tenant_id, external_id) WHERE latest;
CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_type);

CREATE TABLE IF NOT EXISTS chunks (
    id BIGSERIAL PRIMARY KEY,
    document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    parent_chunk_id BIGINT REFERENCES chunks(id) ON DELETE SET NULL,
    role TEXT NOT NULL CHECK (role IN ('child', 'parent', 'standalone')),
    ordinal INTEGER NOT NULL,
    text TEXT NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    checksum BYTEA NOT NULL,
    embedding_small vector(%d) NOT NULL,
    embedding_dense vector(%d),
    authority_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (document_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_parent ON chunks(parent_chunk_id);

CREATE TABLE IF NOT EXISTS chunk_features (
    chunk_id BIGINT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
    entities JSONB NOT NULL DEFAULT '[]',
    keyphrases JSONB NOT NULL DEFAULT '[]',
    topics JSONB NOT NULL DEFAULT '[]',
    schema_version INTEGER NOT NULL,
    checksum BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const postgresV1Down = `
DROP TABLE IF EXISTS chunk_features;
DROP TABLE IF EXISTS chunks;
DROP TABLE IF EXISTS documents;
DROP TABLE IF EXISTS vector_families;
DROP TABLE IF EXISTS schema_version;
`

const postgresV11Up = `
CREATE TABLE IF NOT EXISTS scoring_experiments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    w_ltr DOUBLE PRECISION NOT NULL,
    w_concept DOUBLE PRECISION NOT NULL,
    model_variant TEXT NOT NULL DEFAULT '',
    active BOOLEAN NOT NULL DEFAULT FALSE,
    version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    activated_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_experiments_active ON scoring_experiments(tenant_id) WHERE active;
CREATE INDEX IF NOT EXISTS idx_experiments_tenant ON scoring_experiments(tenant_id);

CREATE TABLE IF NOT EXISTS interaction_partitions (
    partition_key TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Partitions are created by EnsurePartition, one per month
CREATE TABLE IF NOT EXISTS interaction_events (
    id BIGSERIAL,
    tenant_id TEXT NOT NULL,
    chunk_id BIGINT NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('impression', 'click', 'dwell')),
    dwell_ms BIGINT NOT NULL DEFAULT 0,
    query_hash TEXT,
    occurred_at TIMESTAMPTZ NOT NULL,
    partition_key TEXT NOT NULL,
    PRIMARY KEY (id, partition_key)
) PARTITION BY LIST (partition_key);

CREATE INDEX IF NOT EXISTS idx_interactions_tenant_time ON interaction_events(tenant_id, occurred_at);

CREATE TABLE IF NOT EXISTS query_cache (
    cache_key TEXT PRIMARY KEY,
    query_hash TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    top_k INTEGER NOT NULL,
    experiment_id TEXT NOT NULL,
    query_embedding vector,
    results BYTEA NOT NULL,
    hit_count BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_query_cache_hash ON query_cache(query_hash);
CREATE INDEX IF NOT EXISTS idx_query_cache_tenant ON query_cache(tenant_id);
CREATE INDEX IF NOT EXISTS idx_query_cache_expires ON query_cache(expires_at);
`

const postgresV11Down = `
DROP TABLE IF EXISTS query_cache;
DROP TABLE IF EXISTS interaction_events;
DROP TABLE IF EXISTS interaction_partitions;
DROP TABLE IF EXISTS scoring_experiments;
`
