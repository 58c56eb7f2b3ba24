package embedder

import (
	"fmt"
	"strings"
	"time"
)

// Config selects and configures one embedding provider
type Config struct {
	Provider  string
	Endpoint  string
	APIKey    string
	Model     string
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

// New creates the embedder described by cfg. The "none" provider returns a
// nil Embedder and no error, which disables that family.
func New(cfg Config, cache *Cache) (Embedder, error) {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))

	switch cfg.Provider {
	case ProviderNone:
		return nil, nil
	case ProviderLocal, "":
		return NewLocalProvider(cfg.Dimension, cache)
	case ProviderHTTP, ProviderOpenAI, ProviderJina:
		return newRemoteProvider(cfg, cache)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnknownProvider, cfg.Provider)
	}
}
