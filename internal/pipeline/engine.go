package pipeline

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/zenglow/fusionrank/internal/cache"
	"github.com/zenglow/fusionrank/internal/conceptual"
	"github.com/zenglow/fusionrank/internal/embedder"
	"github.com/zenglow/fusionrank/internal/features"
	"github.com/zenglow/fusionrank/internal/generate"
	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/ltr"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

// Defaults for Config
const (
	DefaultTopK                = 5
	DefaultMaxTopK             = 50
	DefaultCandidateMultiplier = 4
	DefaultMaxCandidates       = 200
	DefaultRequestTimeout      = 2 * time.Second
	DefaultPreviewLength       = 240
	DefaultContextChunks       = 3
)

// Config bounds the work of one query
type Config struct {
	DefaultTopK         int
	MaxTopK             int
	CandidateMultiplier int
	MaxCandidates       int
	Workers             int
	RequestTimeout      time.Duration
	PreviewLength       int
	// ContextChunks is how many top results are handed to the generator
	ContextChunks int
}

func (c *Config) applyDefaults() {
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = DefaultTopK
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = DefaultMaxTopK
	}
	if c.DefaultTopK > c.MaxTopK {
		c.DefaultTopK = c.MaxTopK
	}
	if c.CandidateMultiplier <= 0 {
		c.CandidateMultiplier = DefaultCandidateMultiplier
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = DefaultMaxCandidates
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PreviewLength <= 0 {
		c.PreviewLength = DefaultPreviewLength
	}
	if c.ContextChunks <= 0 {
		c.ContextChunks = DefaultContextChunks
	}
}

// ExperimentResolver picks the scoring experiment of a query
type ExperimentResolver interface {
	Resolve(ctx context.Context, tenantID, overrideID string) (*types.ScoringExperiment, error)
}

// Option configures an Engine
type Option func(*Engine)

// WithConfig sets the query bounds
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithDense enables conceptual scoring with the dense-family embedder
func WithDense(d embedder.Embedder) Option {
	return func(e *Engine) {
		e.dense = d
	}
}

// WithScorers registers LTR scorers by their variant. Experiments naming a
// variant without a registered scorer fall back to pass-through.
func WithScorers(scorers ...ltr.Scorer) Option {
	return func(e *Engine) {
		for _, s := range scorers {
			if s != nil {
				e.scorers[s.Variant()] = s
			}
		}
	}
}

// WithAssembler replaces the current-schema feature assembler
func WithAssembler(a *features.Assembler) Option {
	return func(e *Engine) {
		if a != nil {
			e.assembler = a
		}
	}
}

// WithFeatureCache enables the per-(chunk, query) feature cache
func WithFeatureCache(c *cache.FeatureCache) Option {
	return func(e *Engine) {
		e.features = c
	}
}

// WithResponseCache enables the full-response cache
func WithResponseCache(c cache.ResponseCache) Option {
	return func(e *Engine) {
		e.responses = c
	}
}

// WithGenerator enables answer generation
func WithGenerator(g generate.Generator) Option {
	return func(e *Engine) {
		e.generator = g
	}
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine orchestrates the query pipeline:
// retrieve -> assemble features -> score -> fuse -> cache/respond
type Engine struct {
	store       storage.Storage
	small       embedder.Embedder
	dense       embedder.Embedder
	experiments ExperimentResolver
	assembler   *features.Assembler
	scorers     map[string]ltr.Scorer
	concept     *conceptual.Scorer
	features    *cache.FeatureCache
	responses   cache.ResponseCache
	generator   generate.Generator
	cfg         Config
	logger      *logging.Logger
}

// New creates an engine. The store, primary embedder and experiment
// resolver are required; everything else is optional.
func New(store storage.Storage, small embedder.Embedder, experiments ExperimentResolver, opts ...Option) (*Engine, error) {
	if store == nil || small == nil || experiments == nil {
		return nil, errors.New("pipeline: store, embedder and experiment resolver are required")
	}
	assembler, err := features.NewAssembler(types.FeatureSchemaVersion)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:       store,
		small:       small,
		experiments: experiments,
		assembler:   assembler,
		scorers:     map[string]ltr.Scorer{ltr.VariantPassthrough: ltr.NewPassthrough()},
		concept:     conceptual.New(),
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.applyDefaults()
	e.logger = e.logger.Named("pipeline")
	return e, nil
}

// Config returns the effective query bounds
func (e *Engine) Config() Config {
	return e.cfg
}

// FeatureNames returns the names of the current feature schema
func (e *Engine) FeatureNames() []string {
	return e.assembler.Names()
}

// scorerFor returns the scorer registered for variant, or pass-through
func (e *Engine) scorerFor(variant string) ltr.Scorer {
	if s, ok := e.scorers[variant]; ok {
		return s
	}
	return e.scorers[ltr.VariantPassthrough]
}
