// Package config loads fusionrank configuration from YAML and environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/zenglow/fusionrank/internal/logging"
)

// Config is the complete runtime configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Storage      StorageConfig      `koanf:"storage"`
	Embedding    EmbeddingConfig    `koanf:"embedding"`
	Ingest       IngestConfig       `koanf:"ingest"`
	Ranking      RankingConfig      `koanf:"ranking"`
	Cache        CacheConfig        `koanf:"cache"`
	Interactions InteractionsConfig `koanf:"interactions"`
	Generation   GenerationConfig   `koanf:"generation"`
	Logging      logging.Config     `koanf:"logging"`
	MemoryBridge MemoryBridgeConfig `koanf:"memory_bridge"`
}

// ServerConfig configures the REST API.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig selects and configures the store.
type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite or postgres
	Path   string `koanf:"path"`   // sqlite database file
	DSN    string `koanf:"dsn"`    // postgres connection string
}

// ProviderConfig configures one embedding family.
type ProviderConfig struct {
	Provider  string        `koanf:"provider"` // http, openai, jina, local or none
	Endpoint  string        `koanf:"endpoint"`
	APIKey    string        `koanf:"api_key"`
	Model     string        `koanf:"model"`
	Dimension int           `koanf:"dimension"`
	BatchSize int           `koanf:"batch_size"`
	Timeout   time.Duration `koanf:"timeout"`
}

// EmbeddingConfig configures both embedding families.
type EmbeddingConfig struct {
	Small     ProviderConfig `koanf:"small"`
	Dense     ProviderConfig `koanf:"dense"`
	CacheSize int            `koanf:"cache_size"`
}

// IngestConfig configures chunking and batch ingestion.
type IngestConfig struct {
	ChunkSize       int  `koanf:"chunk_size"`
	ChunkOverlap    int  `koanf:"chunk_overlap"`
	Hierarchical    bool `koanf:"hierarchical"`
	ParentGroupSize int  `koanf:"parent_group_size"`
	Workers         int  `koanf:"workers"`
}

// RankingConfig configures the query pipeline.
type RankingConfig struct {
	DefaultTopK         int           `koanf:"default_top_k"`
	MaxTopK             int           `koanf:"max_top_k"`
	CandidateMultiplier int           `koanf:"candidate_multiplier"`
	MaxCandidates       int           `koanf:"max_candidates"`
	Workers             int           `koanf:"workers"`
	RequestTimeout      time.Duration `koanf:"request_timeout"`
	PreviewLength       int           `koanf:"preview_length"`
	ModelVariant        string        `koanf:"model_variant"` // linear, gbdt or passthrough
	ModelPath           string        `koanf:"model_path"`
	LTRWeight           float64       `koanf:"w_ltr"`
	ConceptWeight       float64       `koanf:"w_concept"`
	// ExperimentRefresh bounds how stale a cached active experiment may be.
	// Zero re-checks the store on every query; negative never does.
	ExperimentRefresh   time.Duration `koanf:"experiment_refresh"`
}

// CacheConfig configures the feature and response caches.
type CacheConfig struct {
	Backend      string        `koanf:"backend"` // memory or sql
	FeatureTTL   time.Duration `koanf:"feature_ttl"`
	FeatureSize  int           `koanf:"feature_size"`
	ResponseTTL  time.Duration `koanf:"response_ttl"`
	ResponseSize int           `koanf:"response_size"`
}

// InteractionsConfig configures the interaction log and maintenance.
type InteractionsConfig struct {
	RetentionMonths     int           `koanf:"retention_months"`
	AuthorityWindow     time.Duration `koanf:"authority_window"`
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`
	Tenants             []string      `koanf:"tenants"` // empty: every tenant with recent interactions
}

// GenerationConfig configures answer generation.
type GenerationConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OllamaURL     string        `koanf:"ollama_url"`
	Model         string        `koanf:"model"`
	Timeout       time.Duration `koanf:"timeout"`
	ContextChunks int           `koanf:"context_chunks"`
}

// MemoryBridgeConfig configures the JSONL memory-file bridge.
type MemoryBridgeConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Path         string        `koanf:"path"`
	TenantID     string        `koanf:"tenant_id"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "fusionrank.db"
	}

	if cfg.Embedding.Small.Provider == "" {
		cfg.Embedding.Small.Provider = "local"
	}
	if cfg.Embedding.Small.Dimension == 0 {
		cfg.Embedding.Small.Dimension = 384
	}
	if cfg.Embedding.Dense.Provider == "" {
		cfg.Embedding.Dense.Provider = "local"
	}
	if cfg.Embedding.Dense.Dimension == 0 {
		cfg.Embedding.Dense.Dimension = 768
	}
	for _, p := range []*ProviderConfig{&cfg.Embedding.Small, &cfg.Embedding.Dense} {
		if p.BatchSize == 0 {
			p.BatchSize = 32
		}
		if p.Timeout == 0 {
			p.Timeout = 30 * time.Second
		}
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}

	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 800
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = 80
	}
	if cfg.Ingest.ParentGroupSize == 0 {
		cfg.Ingest.ParentGroupSize = 4
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}

	if cfg.Ranking.DefaultTopK == 0 {
		cfg.Ranking.DefaultTopK = 5
	}
	if cfg.Ranking.MaxTopK == 0 {
		cfg.Ranking.MaxTopK = 50
	}
	if cfg.Ranking.CandidateMultiplier == 0 {
		cfg.Ranking.CandidateMultiplier = 4
	}
	if cfg.Ranking.MaxCandidates == 0 {
		cfg.Ranking.MaxCandidates = 200
	}
	if cfg.Ranking.Workers == 0 {
		cfg.Ranking.Workers = 8
	}
	if cfg.Ranking.RequestTimeout == 0 {
		cfg.Ranking.RequestTimeout = 2 * time.Second
	}
	if cfg.Ranking.PreviewLength == 0 {
		cfg.Ranking.PreviewLength = 240
	}
	if cfg.Ranking.ModelVariant == "" {
		cfg.Ranking.ModelVariant = "passthrough"
	}
	if cfg.Ranking.LTRWeight == 0 && cfg.Ranking.ConceptWeight == 0 {
		cfg.Ranking.LTRWeight = 0.6
		cfg.Ranking.ConceptWeight = 0.4
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.FeatureTTL == 0 {
		cfg.Cache.FeatureTTL = 2 * time.Minute
	}
	if cfg.Cache.FeatureSize == 0 {
		cfg.Cache.FeatureSize = 10000
	}
	if cfg.Cache.ResponseTTL == 0 {
		cfg.Cache.ResponseTTL = 10 * time.Minute
	}
	if cfg.Cache.ResponseSize == 0 {
		cfg.Cache.ResponseSize = 1000
	}

	if cfg.Interactions.RetentionMonths == 0 {
		cfg.Interactions.RetentionMonths = 6
	}
	if cfg.Interactions.AuthorityWindow == 0 {
		cfg.Interactions.AuthorityWindow = 30 * 24 * time.Hour
	}
	if cfg.Interactions.MaintenanceInterval == 0 {
		cfg.Interactions.MaintenanceInterval = time.Hour
	}

	if cfg.Generation.OllamaURL == "" {
		cfg.Generation.OllamaURL = "http://localhost:11434"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "llama3"
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = 60 * time.Second
	}
	if cfg.Generation.ContextChunks == 0 {
		cfg.Generation.ContextChunks = 5
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.MemoryBridge.TenantID == "" {
		cfg.MemoryBridge.TenantID = "default"
	}
	if cfg.MemoryBridge.PollInterval == 0 {
		cfg.MemoryBridge.PollInterval = 5 * time.Second
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	for name, p := range map[string]ProviderConfig{"small": c.Embedding.Small, "dense": c.Embedding.Dense} {
		switch p.Provider {
		case "local", "none":
		case "http", "openai", "jina":
			if p.Endpoint == "" && p.Provider == "http" {
				errs = append(errs, fmt.Errorf("embedding.%s.endpoint is required for the http provider", name))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown embedding.%s.provider %q", name, p.Provider))
		}
		if p.Dimension <= 0 {
			errs = append(errs, fmt.Errorf("embedding.%s.dimension must be positive", name))
		}
	}
	if c.Embedding.Small.Provider == "none" {
		errs = append(errs, errors.New("embedding.small.provider cannot be none"))
	}

	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		errs = append(errs, errors.New("ingest.chunk_overlap must be smaller than ingest.chunk_size"))
	}

	if c.Ranking.DefaultTopK < 1 || c.Ranking.DefaultTopK > c.Ranking.MaxTopK {
		errs = append(errs, fmt.Errorf("ranking.default_top_k must be in [1, %d]", c.Ranking.MaxTopK))
	}
	switch c.Ranking.ModelVariant {
	case "linear", "gbdt", "passthrough":
	default:
		errs = append(errs, fmt.Errorf("unknown ranking.model_variant %q", c.Ranking.ModelVariant))
	}
	if c.Ranking.LTRWeight+c.Ranking.ConceptWeight <= 0 {
		errs = append(errs, errors.New("ranking weights must sum to a positive value"))
	}

	switch c.Cache.Backend {
	case "memory", "sql":
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.MemoryBridge.Enabled && c.MemoryBridge.Path == "" {
		errs = append(errs, errors.New("memory_bridge.path is required when the bridge is enabled"))
	}

	return errors.Join(errs...)
}
