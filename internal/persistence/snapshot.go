package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"ClearLedger/internal/clearing"
	"ClearLedger/internal/core"
)

// snapshotFormatVersion 1: JSON-encoded core.Snapshot.
const snapshotFormatVersion = 1

// ErrStaleSnapshot means the audit log holds records newer than the snapshot
// being restored. Those operations would be lost on restore.
var ErrStaleSnapshot = errors.New("snapshot is older than the persisted audit log")

// SnapshotStore saves and loads core snapshots in ledger.snapshots.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save persists snap and returns its encoded size.
func (s *SnapshotStore) Save(ctx context.Context, snap core.Snapshot) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger.snapshots
			(snapshot_id, sequence, data, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $5, created_at = $6
	`, uuid.New(), snap.Sequence, data, snapshotFormatVersion, len(data), snap.TakenAt)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return len(data), nil
}

// LoadLatest returns the newest snapshot, or nil on a cold start.
func (s *SnapshotStore) LoadLatest(ctx context.Context) (*core.Snapshot, error) {
	var data []byte
	var version int
	err := s.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM ledger.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format version %d not supported", version)
	}

	var snap core.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Prune keeps the newest keep snapshots.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ledger.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM ledger.snapshots ORDER BY sequence DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// AuditTips returns the highest persisted audit sequence per source.
func (s *SnapshotStore) AuditTips(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, MAX(sequence) FROM ledger.audit_log GROUP BY source
	`)
	if err != nil {
		return nil, fmt.Errorf("audit tips: %w", err)
	}
	defer rows.Close()

	tips := make(map[string]int64)
	for rows.Next() {
		var source string
		var seq int64
		if err := rows.Scan(&source, &seq); err != nil {
			return nil, err
		}
		tips[source] = seq
	}
	return tips, rows.Err()
}

// CheckFresh compares a snapshot (nil for a cold start) with the persisted
// audit tips. Any source whose log is ahead of the snapshot makes the
// snapshot stale.
func CheckFresh(snap *core.Snapshot, tips map[string]int64) error {
	have := make(map[string]int64)
	if snap != nil {
		for _, v := range snap.Venues {
			have[v.Venue] = v.AuditSequence
		}
		have[clearing.AuditSource] = snap.Clearing.AuditSequence
	}

	var ahead []string
	for source, tip := range tips {
		if tip > have[source] {
			ahead = append(ahead, fmt.Sprintf("%s (log %d, snapshot %d)", source, tip, have[source]))
		}
	}
	if len(ahead) == 0 {
		return nil
	}
	sort.Strings(ahead)
	return fmt.Errorf("%w: %s", ErrStaleSnapshot, strings.Join(ahead, ", "))
}

// SnapshotAge reports how old snap is at now; zero for nil.
func SnapshotAge(snap *core.Snapshot, now time.Time) time.Duration {
	if snap == nil {
		return 0
	}
	return now.Sub(snap.TakenAt)
}
