// Package app wires the ranking engine and its collaborators from
// configuration. The REST server, the MCP server and the CLI all share one
// App.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zenglow/fusionrank/internal/cache"
	"github.com/zenglow/fusionrank/internal/chunker"
	"github.com/zenglow/fusionrank/internal/config"
	"github.com/zenglow/fusionrank/internal/embedder"
	"github.com/zenglow/fusionrank/internal/experiment"
	"github.com/zenglow/fusionrank/internal/generate"
	"github.com/zenglow/fusionrank/internal/ingest"
	"github.com/zenglow/fusionrank/internal/interactions"
	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/ltr"
	"github.com/zenglow/fusionrank/internal/metrics"
	"github.com/zenglow/fusionrank/internal/pipeline"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

// App holds the wired components
type App struct {
	Config       *config.Config
	Logger       *logging.Logger
	Store        storage.Storage
	Small        embedder.Embedder
	Dense        embedder.Embedder // nil when the dense family is disabled
	Caches       *cache.Layer
	Experiments  *experiment.Registry
	Engine       *pipeline.Engine
	Ingester     *ingest.Ingester
	Interactions *interactions.Log
	Maintainer   *interactions.Maintainer
	Generator    generate.Generator // nil when generation is disabled
	Stats        *metrics.QueryStats
}

// OpenStore opens the configured store
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	dims := storage.Dimensions{
		Small: cfg.Embedding.Small.Dimension,
		Dense: cfg.Embedding.Dense.Dimension,
	}
	switch cfg.Storage.Driver {
	case "", "sqlite":
		store, err := storage.NewSQLiteStorage(cfg.Storage.Path, dims)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := storage.NewPostgresStorage(ctx, cfg.Storage.DSN, dims)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func providerConfig(p config.ProviderConfig) embedder.Config {
	return embedder.Config{
		Provider:  p.Provider,
		Endpoint:  p.Endpoint,
		APIKey:    p.APIKey,
		Model:     p.Model,
		Dimension: p.Dimension,
		BatchSize: p.BatchSize,
		Timeout:   p.Timeout,
	}
}

// New wires every component. The caller owns the returned App and must
// Close it.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, Store: store, Stats: metrics.NewQueryStats()}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	small, err := embedder.New(providerConfig(cfg.Embedding.Small), embedder.NewCache(cfg.Embedding.CacheSize))
	if err != nil {
		return fmt.Errorf("failed to create small embedder: %w", err)
	}
	if small == nil {
		return errors.New("the small embedding family cannot be disabled")
	}
	a.Small = small

	dense, err := embedder.New(providerConfig(cfg.Embedding.Dense), embedder.NewCache(cfg.Embedding.CacheSize))
	if err != nil {
		return fmt.Errorf("failed to create dense embedder: %w", err)
	}
	a.Dense = dense

	a.Caches, err = cache.New(cache.Options{
		Backend:      cfg.Cache.Backend,
		FeatureSize:  cfg.Cache.FeatureSize,
		FeatureTTL:   cfg.Cache.FeatureTTL,
		ResponseSize: cfg.Cache.ResponseSize,
		ResponseTTL:  cfg.Cache.ResponseTTL,
	}, a.Store)
	if err != nil {
		return err
	}

	scorer, err := ltr.Load(cfg.Ranking.ModelVariant, cfg.Ranking.ModelPath)
	if err != nil {
		a.Logger.Warn(ctx, "ltr model unavailable, scoring with pass-through",
			zap.String("variant", cfg.Ranking.ModelVariant),
			zap.String("path", cfg.Ranking.ModelPath),
			zap.Error(err))
	}

	a.Experiments = experiment.NewRegistry(a.Store, a.Caches, cfg.Ranking.ModelVariant, a.Logger,
		experiment.WithDefaultWeights(types.Weights{LTR: cfg.Ranking.LTRWeight, Concept: cfg.Ranking.ConceptWeight}),
		experiment.WithRefreshInterval(cfg.Ranking.ExperimentRefresh))

	if cfg.Generation.Enabled {
		a.Generator = generate.NewOllama(generate.OllamaConfig{
			BaseURL: cfg.Generation.OllamaURL,
			Model:   cfg.Generation.Model,
			Timeout: cfg.Generation.Timeout,
		})
	}

	opts := []pipeline.Option{
		pipeline.WithScorers(scorer),
		pipeline.WithFeatureCache(a.Caches.Features),
		pipeline.WithResponseCache(a.Caches.Responses),
		pipeline.WithLogger(a.Logger),
		pipeline.WithConfig(pipeline.Config{
			DefaultTopK:         cfg.Ranking.DefaultTopK,
			MaxTopK:             cfg.Ranking.MaxTopK,
			CandidateMultiplier: cfg.Ranking.CandidateMultiplier,
			MaxCandidates:       cfg.Ranking.MaxCandidates,
			Workers:             cfg.Ranking.Workers,
			RequestTimeout:      cfg.Ranking.RequestTimeout,
			PreviewLength:       cfg.Ranking.PreviewLength,
			ContextChunks:       cfg.Generation.ContextChunks,
		}),
	}
	if a.Dense != nil {
		opts = append(opts, pipeline.WithDense(a.Dense))
	}
	if a.Generator != nil {
		opts = append(opts, pipeline.WithGenerator(a.Generator))
	}
	a.Engine, err = pipeline.New(a.Store, a.Small, a.Experiments, opts...)
	if err != nil {
		return err
	}

	parentGroup := 0
	if cfg.Ingest.Hierarchical {
		parentGroup = cfg.Ingest.ParentGroupSize
	}
	ingestOpts := []ingest.Option{
		ingest.WithChunker(chunker.New(chunker.Options{
			Size:        cfg.Ingest.ChunkSize,
			Overlap:     cfg.Ingest.ChunkOverlap,
			ParentGroup: parentGroup,
		})),
		ingest.WithResponseCache(a.Caches),
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithLogger(a.Logger),
	}
	if a.Dense != nil {
		ingestOpts = append(ingestOpts, ingest.WithDense(a.Dense))
	}
	a.Ingester, err = ingest.New(a.Store, a.Small, ingestOpts...)
	if err != nil {
		return err
	}

	a.Interactions = interactions.NewLog(a.Store, a.Logger)
	a.Maintainer = interactions.NewMaintainer(a.Store, a.Interactions, a.Logger,
		interactions.WithRetentionMonths(cfg.Interactions.RetentionMonths),
		interactions.WithAuthorityWindow(cfg.Interactions.AuthorityWindow),
		interactions.WithTenants(cfg.Interactions.Tenants),
		interactions.WithFeatureCache(a.Caches.Features))

	a.Logger.Info(ctx, "components wired",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("small_provider", a.Small.Provider()),
		zap.Bool("dense_enabled", a.Dense != nil),
		zap.String("scorer", scorer.Variant()),
		zap.String("cache_backend", a.Caches.Responses.Backend()),
		zap.Bool("generation", a.Generator != nil))
	return nil
}

// Bridge creates the memory-file bridge from the configuration
func (a *App) Bridge() (*ingest.Bridge, error) {
	mb := a.Config.MemoryBridge
	return ingest.NewBridge(a.Ingester, ingest.BridgeOptions{
		Path:         mb.Path,
		TenantID:     mb.TenantID,
		PollInterval: mb.PollInterval,
	}, a.Logger)
}

// Health reports whether the store answers
func (a *App) Health(ctx context.Context) error {
	return a.Store.Ping(ctx)
}

// Close releases the embedders and the store
func (a *App) Close() error {
	var errs []error
	for _, e := range []embedder.Embedder{a.Small, a.Dense} {
		if e != nil {
			errs = append(errs, e.Close())
		}
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
