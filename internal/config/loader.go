package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FUSIONRANK_"

const maxConfigFileSize = 1024 * 1024

// sections are the config sections whose names contain underscores or nest,
// longest first so the env transformer matches the most specific one.
var sections = []string{
	"embedding_small",
	"embedding_dense",
	"memory_bridge",
	"interactions",
	"generation",
	"embedding",
	"storage",
	"ranking",
	"logging",
	"server",
	"ingest",
	"cache",
}

// Load reads configuration from the YAML file at path (optional), then
// applies FUSIONRANK_* environment overrides and the legacy variable names.
//
// Environment variables map onto sections by their longest matching prefix:
//
//	FUSIONRANK_SERVER_ADDR              -> server.addr
//	FUSIONRANK_EMBEDDING_SMALL_ENDPOINT -> embedding.small.endpoint
//	FUSIONRANK_RANKING_MAX_TOP_K        -> ranking.max_top_k
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return LoadBytes(content)
}

// LoadBytes is Load over an in-memory YAML document.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyLegacyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps FUSIONRANK_SECTION_FIELD to section.field. Unknown sections
// are skipped.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		if field, ok := strings.CutPrefix(lower, section+"_"); ok && field != "" {
			path := section
			switch section {
			case "embedding_small":
				path = "embedding.small"
			case "embedding_dense":
				path = "embedding.dense"
			}
			return path + "." + field
		}
	}
	return ""
}

// applyLegacyEnv honours the environment names of earlier deployments. They
// only fill fields that are still unset.
func applyLegacyEnv(cfg *Config) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = dsn
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if endpoint := os.Getenv("EMBED_ENDPOINT"); endpoint != "" && cfg.Embedding.Small.Endpoint == "" {
		cfg.Embedding.Small.Endpoint = endpoint
		if cfg.Embedding.Small.Provider == "" {
			cfg.Embedding.Small.Provider = "http"
		}
	}
	if topK := os.Getenv("RAG_TOP_K_DEFAULT"); topK != "" && cfg.Ranking.DefaultTopK == 0 {
		var n int
		if _, err := fmt.Sscanf(topK, "%d", &n); err == nil && n > 0 {
			cfg.Ranking.DefaultTopK = n
		}
	}
	if path := os.Getenv("MEMORY_FILE_PATH"); path != "" && cfg.MemoryBridge.Path == "" {
		cfg.MemoryBridge.Path = path
		cfg.MemoryBridge.Enabled = true
	}
	if url := os.Getenv("OLLAMA_URL"); url != "" && cfg.Generation.OllamaURL == "" {
		cfg.Generation.OllamaURL = url
		cfg.Generation.Enabled = true
	}
	if model := os.Getenv("OLLAMA_MODEL"); model != "" && cfg.Generation.Model == "" {
		cfg.Generation.Model = model
	}
}
