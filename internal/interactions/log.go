// Package interactions records user feedback against chunks and keeps the
// log healthy: monthly partitions are created ahead of time and dropped
// after the retention period, and chunk authority is recomputed from recent
// engagement.
package interactions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zenglow/fusionrank/internal/logging"
	"github.com/zenglow/fusionrank/internal/metrics"
	"github.com/zenglow/fusionrank/internal/storage"
	"github.com/zenglow/fusionrank/pkg/types"
)

// Log is the append-only interaction log
type Log struct {
	store  storage.Storage
	logger *logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	known map[string]bool // partitions known to exist
}

// NewLog creates an interaction log over store
func NewLog(store storage.Storage, logger *logging.Logger) *Log {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Log{
		store:  store,
		logger: logger.Named("interactions"),
		now:    time.Now,
		known:  make(map[string]bool),
	}
}

// Append validates and writes one event. OccurredAt defaults to now and the
// partition is derived from it.
func (l *Log) Append(ctx context.Context, event *types.InteractionEvent) error {
	if event.TenantID == "" {
		event.TenantID = types.DefaultTenant
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.now()
	}
	event.OccurredAt = event.OccurredAt.UTC()
	event.PartitionKey = types.PartitionKeyFor(event.OccurredAt)

	if err := l.ensure(ctx, event.PartitionKey); err != nil {
		return err
	}
	if err := l.store.AppendInteraction(ctx, event); err != nil {
		return types.NewError(types.CodeStorageUnavailable, "failed to append interaction", err)
	}

	metrics.InteractionsAppended.WithLabelValues(string(event.Kind)).Inc()
	l.logger.Debug(ctx, "interaction appended",
		zap.Int64("chunk_id", event.ChunkID),
		zap.String("kind", string(event.Kind)),
		zap.String("partition", event.PartitionKey))
	return nil
}

func (l *Log) ensure(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.known[key] {
		return nil
	}
	if err := l.store.EnsurePartition(ctx, key); err != nil {
		return types.NewError(types.CodeStorageUnavailable, fmt.Sprintf("failed to ensure partition %s", key), err)
	}
	l.known[key] = true
	return nil
}

// forget drops a partition from the known set after it was dropped
func (l *Log) forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.known, key)
}
