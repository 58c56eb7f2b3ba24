// Package experiment manages scoring experiments: named fusion weight sets,
// at most one active per tenant.
//
// Reads go through an immutable snapshot behind an atomic pointer, so a
// query never observes a half-applied activation. Activation is a
// serialized writer path: persist, then publish a new snapshot, then
// invalidate the tenant's cached responses.
//
// Another process (the CLI, a second server) may activate against the same
// store. Snapshot entries older than the refresh interval are therefore
// checked against the store before use; a newer activation found there is
// published and the tenant's cached responses are dropped. The default
// interval of zero checks on every read.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenglow/fusionrank/internal/fusion"
	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/ltr"
	"github.com/zenglow/fusionrank/internal/metrics"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

// ActivateRequest describes a new experiment to activate
type ActivateRequest struct {
	Name         string        `json:"name"`
	Weights      types.Weights `json:"weights"`
	ModelVariant string        `json:"model_variant,omitempty"`
}

// TenantInvalidator drops a tenant's cached responses
type TenantInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) (int, error)
}

// entry is a published experiment and the last time it was confirmed
// against the store (unix nanos)
type entry struct {
	exp     *types.ScoringExperiment
	checked atomic.Int64
}

func newEntry(exp *types.ScoringExperiment, at time.Time) *entry {
	e := &entry{exp: clone(exp)}
	e.checked.Store(at.UnixNano())
	return e
}

// snapshot maps tenant to its active experiment. The map is never mutated
// once published.
type snapshot map[string]*entry

// Registry resolves and activates scoring experiments
type Registry struct {
	store          storage.Storage
	invalidator    TenantInvalidator
	logger         *logging.Logger
	defaultVariant string
	defaultWeights types.Weights
	refresh        time.Duration
	now            func() time.Time

	mu      sync.Mutex // serializes writers
	current atomic.Pointer[snapshot]
}

// Option configures a Registry
type Option func(*Registry)

// WithDefaultWeights sets the weights of the built-in default experiment.
// Invalid weights are ignored.
func WithDefaultWeights(w types.Weights) Option {
	return func(r *Registry) {
		if fusion.ValidateWeights(w) == nil {
			r.defaultWeights = w
		}
	}
}

// WithRefreshInterval sets how long a snapshot entry is trusted before it
// is checked against the store. Zero checks on every read; a negative value
// never checks, for stores no other process writes to.
func WithRefreshInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.refresh = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a registry. invalidator may be nil.
func NewRegistry(store storage.Storage, invalidator TenantInvalidator, defaultVariant string, logger *logging.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	if defaultVariant == "" {
		defaultVariant = ltr.VariantPassthrough
	}
	r := &Registry{
		store:          store,
		invalidator:    invalidator,
		logger:         logger.Named("experiment"),
		defaultVariant: defaultVariant,
		defaultWeights: types.DefaultWeights(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := snapshot{}
	r.current.Store(&empty)
	return r
}

// Default returns the built-in experiment used by tenants that never
// activated one
func (r *Registry) Default(tenantID string) *types.ScoringExperiment {
	return &types.ScoringExperiment{
		ID:           types.DefaultExperimentID,
		TenantID:     tenantID,
		Name:         "default",
		Weights:      r.defaultWeights,
		ModelVariant: r.defaultVariant,
		Active:       true,
	}
}

func clone(exp *types.ScoringExperiment) *types.ScoringExperiment {
	out := *exp
	return &out
}

// Active returns the tenant's active experiment, or the default
func (r *Registry) Active(ctx context.Context, tenantID string) (*types.ScoringExperiment, error) {
	if tenantID == "" {
		tenantID = types.DefaultTenant
	}
	if e, ok := (*r.current.Load())[tenantID]; ok {
		if !r.stale(e) {
			return clone(e.exp), nil
		}
		return r.revalidate(ctx, tenantID, e)
	}

	// First read for this tenant: load from the store and publish
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := (*r.current.Load())[tenantID]; ok {
		return clone(e.exp), nil
	}

	exp, err := r.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	r.publish(tenantID, exp)
	return clone(exp), nil
}

func (r *Registry) stale(e *entry) bool {
	if r.refresh < 0 {
		return false
	}
	return r.now().Sub(time.Unix(0, e.checked.Load())) >= r.refresh
}

// load reads the tenant's active experiment, falling back to the default
func (r *Registry) load(ctx context.Context, tenantID string) (*types.ScoringExperiment, error) {
	exp, err := r.store.GetActiveExperiment(ctx, tenantID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return r.Default(tenantID), nil
	case err != nil:
		return nil, types.NewError(types.CodeStorageUnavailable, "failed to load active experiment", err)
	}
	return exp, nil
}

// revalidate confirms a published entry against the store. A newer
// activation replaces it and drops the tenant's cached responses.
func (r *Registry) revalidate(ctx context.Context, tenantID string, seen *entry) (*types.ScoringExperiment, error) {
	checkedAt := r.now()
	stored, err := r.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if stored.ID == seen.exp.ID {
		seen.checked.Store(checkedAt.UnixNano())
		return clone(seen.exp), nil
	}

	r.mu.Lock()
	cur, ok := (*r.current.Load())[tenantID]
	if ok && cur.exp.Version > stored.Version {
		// A local activation landed after our read
		r.mu.Unlock()
		return clone(cur.exp), nil
	}
	changed := !ok || cur.exp.ID != stored.ID
	if changed {
		r.publish(tenantID, stored)
	}
	r.mu.Unlock()

	if changed {
		r.logger.Info(ctx, "picked up experiment activated elsewhere",
			zap.String("tenant_id", tenantID),
			zap.String("previous_id", seen.exp.ID),
			zap.String("experiment_id", stored.ID))
		r.invalidate(ctx, tenantID)
	}
	return clone(stored), nil
}

func (r *Registry) invalidate(ctx context.Context, tenantID string) {
	if r.invalidator == nil {
		return
	}
	if n, err := r.invalidator.InvalidateTenant(ctx, tenantID); err != nil {
		r.logger.Warn(ctx, "failed to invalidate cached responses", zap.String("tenant_id", tenantID), zap.Error(err))
	} else {
		r.logger.Debug(ctx, "invalidated cached responses", zap.Int("count", n))
	}
}

// Resolve returns the experiment a query should use: the override when
// given, else the tenant's active one. An override must belong to the tenant.
func (r *Registry) Resolve(ctx context.Context, tenantID, overrideID string) (*types.ScoringExperiment, error) {
	if overrideID == "" {
		return r.Active(ctx, tenantID)
	}
	if tenantID == "" {
		tenantID = types.DefaultTenant
	}
	if overrideID == types.DefaultExperimentID {
		return r.Default(tenantID), nil
	}

	exp, err := r.store.GetExperiment(ctx, overrideID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && exp.TenantID != tenantID) {
		return nil, types.NewError(types.CodeNotFound,
			fmt.Sprintf("experiment %s not found for tenant %s", overrideID, tenantID), types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewError(types.CodeStorageUnavailable, "failed to load experiment", err)
	}
	return exp, nil
}

// Activate validates, persists and activates a new experiment for the
// tenant. Responses cached under the previous experiment are dropped.
func (r *Registry) Activate(ctx context.Context, tenantID string, req ActivateRequest) (*types.ScoringExperiment, error) {
	if tenantID == "" {
		tenantID = types.DefaultTenant
	}
	if err := fusion.ValidateWeights(req.Weights); err != nil {
		return nil, err
	}
	variant := strings.ToLower(strings.TrimSpace(req.ModelVariant))
	switch variant {
	case "":
		variant = r.defaultVariant
	case ltr.VariantLinear, ltr.VariantGBDT, ltr.VariantPassthrough:
	default:
		return nil, types.NewError(types.CodeInvalidRequest,
			fmt.Sprintf("unknown model variant %q", req.ModelVariant), types.ErrInvalidRequest)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "weights-" + time.Now().UTC().Format("20060102T150405")
	}

	exp := &types.ScoringExperiment{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Name:         name,
		Weights:      req.Weights,
		ModelVariant: variant,
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	activated, err := r.persist(ctx, exp)
	if err != nil {
		return nil, types.NewError(types.CodeStorageUnavailable, "failed to activate experiment", err)
	}
	r.publish(tenantID, activated)
	metrics.ExperimentActivations.Inc()
	r.invalidate(ctx, tenantID)

	r.logger.Info(ctx, "experiment activated",
		zap.String("experiment_id", activated.ID),
		zap.String("tenant_id", tenantID),
		zap.Float64("w_ltr", activated.Weights.LTR),
		zap.Float64("w_concept", activated.Weights.Concept),
		zap.Int64("version", activated.Version))
	return clone(activated), nil
}

// persist inserts and activates exp in one transaction
func (r *Registry) persist(ctx context.Context, exp *types.ScoringExperiment) (*types.ScoringExperiment, error) {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.InsertExperiment(ctx, exp); err != nil {
		return nil, err
	}
	activated, err := tx.ActivateExperiment(ctx, exp.TenantID, exp.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return activated, nil
}

// publish swaps in a snapshot with tenantID mapped to exp. Callers hold mu.
func (r *Registry) publish(tenantID string, exp *types.ScoringExperiment) {
	next := maps.Clone(*r.current.Load())
	next[tenantID] = newEntry(exp, r.now())
	r.current.Store(&next)
}

// List returns the tenant's experiments in creation order
func (r *Registry) List(ctx context.Context, tenantID string) ([]*types.ScoringExperiment, error) {
	if tenantID == "" {
		tenantID = types.DefaultTenant
	}
	exps, err := r.store.ListExperiments(ctx, tenantID)
	if err != nil {
		return nil, types.NewError(types.CodeStorageUnavailable, "failed to list experiments", err)
	}
	return exps, nil
}
