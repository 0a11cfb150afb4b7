package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"ClearLedger/internal/core"
	"ClearLedger/internal/dedup"
	"ClearLedger/internal/observability"
)

// ReferenceStore is the durable dedup tier backed by
// ledger.settlement_records. Records added by the core are held in a pending
// map until the persistence worker commits them, so a reference id blocks
// reuse from the moment it is applied, not from the moment it is flushed.
type ReferenceStore struct {
	db      *sql.DB
	timeout time.Duration
	metrics *observability.Metrics

	mu      sync.RWMutex
	pending map[pendingKey]struct{}
}

type pendingKey struct {
	scope string
	ref   string
}

var _ dedup.Store = (*ReferenceStore)(nil)

func NewReferenceStore(db *sql.DB, metrics *observability.Metrics) *ReferenceStore {
	return &ReferenceStore{
		db:      db,
		timeout: 500 * time.Millisecond,
		metrics: metrics,
		pending: make(map[pendingKey]struct{}),
	}
}

// Contains checks the pending set, then Postgres. A query error is returned
// so callers fail closed.
func (s *ReferenceStore) Contains(ctx context.Context, scope, referenceID string) (bool, error) {
	s.mu.RLock()
	_, ok := s.pending[pendingKey{scope, referenceID}]
	s.mu.RUnlock()
	if ok {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM ledger.settlement_records
		WHERE scope = $1 AND reference_id = $2
		LIMIT 1
	`, scope, referenceID).Scan(&exists)
	if s.metrics != nil {
		s.metrics.DedupStoreDuration.Observe(time.Since(start).Seconds())
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		if s.metrics != nil {
			s.metrics.DedupStoreErrors.Inc()
		}
		return false, err
	}
	return true, nil
}

// Add marks a record pending until Release.
func (s *ReferenceStore) Add(rec dedup.Record) {
	s.mu.Lock()
	s.pending[pendingKey{rec.Scope, rec.ReferenceID}] = struct{}{}
	s.mu.Unlock()
}

// Release drops committed records from the pending set.
func (s *ReferenceStore) Release(rows []SettlementRow) {
	if len(rows) == 0 {
		return
	}
	s.mu.Lock()
	for _, r := range rows {
		delete(s.pending, pendingKey{r.Scope, r.ReferenceID})
	}
	s.mu.Unlock()
}

// Pending returns the number of records not yet committed.
func (s *ReferenceStore) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// LoadRecent returns up to limit of the most recently applied reference ids
// per scope, for warming the hot tier on boot.
func (s *ReferenceStore) LoadRecent(ctx context.Context, limit int) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, reference_id FROM (
			SELECT scope, reference_id,
			       ROW_NUMBER() OVER (PARTITION BY scope ORDER BY output_sequence DESC) AS rn
			FROM ledger.settlement_records
		) recent
		WHERE rn <= $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var scope, ref string
		if err := rows.Scan(&scope, &ref); err != nil {
			return nil, err
		}
		out[scope] = append(out[scope], ref)
	}
	return out, rows.Err()
}

func settlementOf(out core.Output) *dedup.Record {
	switch {
	case out.Ledger != nil:
		return out.Ledger.Settlement
	case out.Clearing != nil:
		return out.Clearing.Settlement
	}
	return nil
}
