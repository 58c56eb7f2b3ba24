package interactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/metrics"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

// Maintenance defaults
const (
	DefaultRetentionMonths = 6
	DefaultAuthorityWindow = 30 * 24 * time.Hour
	DefaultInterval        = time.Hour

	// dwellUnit converts dwell time into click-equivalents
	dwellUnit = 30 * time.Second
	// authorityPrior damps chunks with little engagement
	authorityPrior = 5
)

// ChunkInvalidator drops cached features of chunks whose authority changed
type ChunkInvalidator interface {
	InvalidateChunk(chunkID int64) int
}

// Report summarises one maintenance run
type Report struct {
	PartitionsEnsured []string `json:"partitions_ensured"`
	PartitionsDropped []string `json:"partitions_dropped"`
	EventsDropped     int      `json:"events_dropped"`
	AuthorityUpdated  int      `json:"authority_updated"`
	AuthorityDecayed  int      `json:"authority_decayed"`
	CacheRowsSwept    int      `json:"cache_rows_swept"`
}

// MaintainerOption configures a Maintainer
type MaintainerOption func(*Maintainer)

// WithRetentionMonths sets how many whole months of events are kept
func WithRetentionMonths(months int) MaintainerOption {
	return func(m *Maintainer) {
		if months > 0 {
			m.retentionMonths = months
		}
	}
}

// WithAuthorityWindow sets the engagement window used for authority
func WithAuthorityWindow(window time.Duration) MaintainerOption {
	return func(m *Maintainer) {
		if window > 0 {
			m.authorityWindow = window
		}
	}
}

// WithTenants restricts authority recomputation to these tenants. By
// default every tenant with interactions in the window or a non-zero
// authority is covered.
func WithTenants(tenants []string) MaintainerOption {
	return func(m *Maintainer) {
		if len(tenants) > 0 {
			m.tenants = tenants
		}
	}
}

// WithFeatureCache invalidates cached features of re-scored chunks
func WithFeatureCache(c ChunkInvalidator) MaintainerOption {
	return func(m *Maintainer) {
		m.features = c
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) MaintainerOption {
	return func(m *Maintainer) {
		m.now = now
	}
}

// Maintainer runs the periodic interaction-log tasks
type Maintainer struct {
	store           storage.Storage
	log             *Log
	logger          *logging.Logger
	features        ChunkInvalidator
	retentionMonths int
	authorityWindow time.Duration
	tenants         []string
	now             func() time.Time
}

// NewMaintainer creates a maintainer. log may be nil; when set, dropped
// partitions are forgotten by it so they are re-created on the next append.
func NewMaintainer(store storage.Storage, log *Log, logger *logging.Logger, opts ...MaintainerOption) *Maintainer {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Maintainer{
		store:           store,
		log:             log,
		logger:          logger.Named("maintenance"),
		retentionMonths: DefaultRetentionMonths,
		authorityWindow: DefaultAuthorityWindow,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Authority scores a chunk's engagement in [0, 1]
func Authority(e storage.Engagement) float64 {
	dwell := float64(e.DwellMs) / float64(dwellUnit.Milliseconds())
	score := (float64(e.Clicks) + dwell) / (float64(e.Impressions) + float64(e.Clicks) + authorityPrior)
	return max(0, min(1, score))
}

// monthStart returns the first instant of the UTC month offset months from t
func monthStart(t time.Time, offset int) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+time.Month(offset), 1, 0, 0, 0, 0, time.UTC)
}

// RunOnce executes every task once. Tasks run independently; the returned
// error joins the failures.
func (m *Maintainer) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{}
	now := m.now()

	errs := []error{
		m.task(ctx, "ensure_partitions", func() error { return m.ensurePartitions(ctx, now, report) }),
		m.task(ctx, "drop_partitions", func() error { return m.dropPartitions(ctx, now, report) }),
		m.task(ctx, "authority", func() error { return m.recomputeAuthority(ctx, now, report) }),
		m.task(ctx, "sweep_cache", func() error { return m.sweepCache(ctx, now, report) }),
	}

	m.logger.Info(ctx, "maintenance finished",
		zap.Strings("partitions_dropped", report.PartitionsDropped),
		zap.Int("events_dropped", report.EventsDropped),
		zap.Int("authority_updated", report.AuthorityUpdated),
		zap.Int("authority_decayed", report.AuthorityDecayed),
		zap.Int("cache_rows_swept", report.CacheRowsSwept))
	return report, errors.Join(errs...)
}

func (m *Maintainer) task(ctx context.Context, name string, fn func() error) error {
	if err := fn(); err != nil {
		metrics.MaintenanceRuns.WithLabelValues(name, "error").Inc()
		m.logger.Error(ctx, "maintenance task failed", zap.String("task", name), zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	metrics.MaintenanceRuns.WithLabelValues(name, "success").Inc()
	return nil
}

// ensurePartitions creates the current and next month's partitions
func (m *Maintainer) ensurePartitions(ctx context.Context, now time.Time, report *Report) error {
	for _, offset := range []int{0, 1} {
		key := types.PartitionKeyFor(monthStart(now, offset))
		if err := m.store.EnsurePartition(ctx, key); err != nil {
			return err
		}
		report.PartitionsEnsured = append(report.PartitionsEnsured, key)
	}
	return nil
}

// dropPartitions removes partitions older than the retention period
func (m *Maintainer) dropPartitions(ctx context.Context, now time.Time, report *Report) error {
	cutoff := types.PartitionKeyFor(monthStart(now, -m.retentionMonths))
	keys, err := m.store.ListPartitions(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		// YYYYMM keys order lexically
		if key >= cutoff {
			continue
		}
		n, err := m.store.DropPartition(ctx, key)
		if err != nil {
			return err
		}
		if m.log != nil {
			m.log.forget(key)
		}
		report.PartitionsDropped = append(report.PartitionsDropped, key)
		report.EventsDropped += n
	}
	return nil
}

// recomputeAuthority rescores chunks from the engagement window. Chunks
// still carrying authority but without engagement in the window decay to 0.
func (m *Maintainer) recomputeAuthority(ctx context.Context, now time.Time, report *Report) error {
	since := now.Add(-m.authorityWindow)
	tenants := m.tenants
	if len(tenants) == 0 {
		var err error
		if tenants, err = m.store.InteractionTenants(ctx, since); err != nil {
			return err
		}
	}

	scores := make(map[int64]float64)
	for _, tenant := range tenants {
		engagement, err := m.store.AggregateEngagement(ctx, tenant, since)
		if err != nil {
			return err
		}
		for chunkID, e := range engagement {
			scores[chunkID] = Authority(e)
		}
	}

	scored, err := m.scoredChunks(ctx)
	if err != nil {
		return err
	}
	for _, chunkID := range scored {
		if _, ok := scores[chunkID]; !ok {
			scores[chunkID] = 0
			report.AuthorityDecayed++
		}
	}
	if len(scores) == 0 {
		return nil
	}

	if err := m.store.UpdateAuthorityScores(ctx, scores); err != nil {
		return err
	}
	if m.features != nil {
		for chunkID := range scores {
			m.features.InvalidateChunk(chunkID)
		}
	}
	report.AuthorityUpdated += len(scores)
	return nil
}

// scoredChunks lists chunks with authority in the tenants this maintainer
// covers
func (m *Maintainer) scoredChunks(ctx context.Context) ([]int64, error) {
	if len(m.tenants) == 0 {
		return m.store.ScoredChunks(ctx, "")
	}
	var out []int64
	for _, tenant := range m.tenants {
		ids, err := m.store.ScoredChunks(ctx, tenant)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

func (m *Maintainer) sweepCache(ctx context.Context, now time.Time, report *Report) error {
	n, err := m.store.DeleteExpiredQueryCache(ctx, now)
	if err != nil {
		return err
	}
	report.CacheRowsSwept = n
	return nil
}

// Run calls RunOnce immediately and then every interval until ctx is done
func (m *Maintainer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m.logger.Info(ctx, "maintenance loop started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn(ctx, "maintenance run had failures", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "maintenance loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
