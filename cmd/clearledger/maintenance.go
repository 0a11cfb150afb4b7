package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ClearLedger/internal/core"
	"ClearLedger/internal/observability"
	"ClearLedger/internal/persistence"
	"ClearLedger/internal/projection"
)

// maintenance takes snapshots and rebuilds projections. It serves the
// admin API and the periodic snapshot loop.
type maintenance struct {
	svc     *core.Service
	db      *sql.DB
	snaps   *persistence.SnapshotStore
	keep    int
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex // one snapshot or rebuild at a time
	lastSeq atomic.Int64
}

// run takes a snapshot once every outputs were emitted since the last one,
// checking every interval.
func (m *maintenance) run(ctx context.Context, every int64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.svc.Sequence()-m.lastSeq.Load() < every {
				continue
			}
			if _, _, err := m.TakeSnapshot(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// TakeSnapshot saves a consistent cut of the core and prunes old snapshots.
func (m *maintenance) TakeSnapshot(ctx context.Context) (int64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	snap := m.svc.Snapshot()

	size, err := m.snaps.Save(ctx, snap)
	if err != nil {
		return 0, 0, fmt.Errorf("save snapshot: %w", err)
	}
	m.lastSeq.Store(snap.Sequence)

	if pruned, err := m.snaps.Prune(ctx, m.keep); err != nil {
		m.logger.Warn().Err(err).Msg("prune snapshots")
	} else if pruned > 0 {
		m.logger.Debug().Int64("pruned", pruned).Msg("old snapshots removed")
	}

	m.metrics.SnapshotTaken.Inc()
	m.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	m.metrics.SnapshotSizeBytes.Set(float64(size))

	m.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("bytes", size).
		Dur("took", time.Since(start)).
		Msg("snapshot saved")
	return snap.Sequence, size, nil
}

// RebuildProjections rewrites the entity projections from live state.
func (m *maintenance) RebuildProjections(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.svc.Sequence()
	if err := projection.Rebuild(ctx, m.db, m.svc, m.logger); err != nil {
		return 0, err
	}
	return seq, nil
}
