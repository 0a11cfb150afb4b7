// Package dedup tracks applied reference ids (settlement records). Once a
// reference id is applied it blocks reapplication permanently.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ClearLedger/internal/observability"
)

// Record is a settlement record: a reference id that has been applied.
type Record struct {
	Scope       string    `json:"scope"`
	ReferenceID string    `json:"reference_id"`
	Kind        string    `json:"kind"`
	AppliedAt   time.Time `json:"applied_at"`
}

// Store is the authoritative tier. Add must make the record visible to
// Contains immediately, even if durable writes happen later.
type Store interface {
	Contains(ctx context.Context, scope, referenceID string) (bool, error)
	Add(rec Record)
}

// Registry implements two-tier deduplication: an in-memory LRU of hot keys
// in front of an authoritative store.
type Registry struct {
	scope   string
	lru     *LRU
	store   Store
	metrics *observability.Metrics
}

// NewRegistry creates a registry for one dedup scope. A nil store keeps every
// record in memory; nil metrics are not reported.
func NewRegistry(scope string, capacity int, store Store, metrics *observability.Metrics) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if capacity <= 0 {
		capacity = 100_000
	}
	return &Registry{
		scope:   scope,
		lru:     NewLRU(capacity),
		store:   store,
		metrics: metrics,
	}
}

// ValidateReference rejects empty or oversized reference ids.
func ValidateReference(referenceID string) bool {
	trimmed := strings.TrimSpace(referenceID)
	return trimmed != "" && trimmed == referenceID && len(referenceID) <= 128
}

// IsApplied checks whether referenceID was already applied (two-tier lookup).
// A store error is returned rather than treated as "not applied".
func (r *Registry) IsApplied(ctx context.Context, referenceID string) (bool, error) {
	if r.lru.Contains(referenceID) {
		r.duplicate("lru")
		return true, nil
	}

	found, err := r.store.Contains(ctx, r.scope, referenceID)
	if err != nil {
		return false, fmt.Errorf("dedup lookup %s/%s: %w", r.scope, referenceID, err)
	}
	if found {
		r.duplicate("store")
		r.lru.Add(referenceID)
		r.reportSize()
		return true, nil
	}
	return false, nil
}

// MarkApplied records referenceID as applied in both tiers.
func (r *Registry) MarkApplied(referenceID, kind string, at time.Time) Record {
	rec := Record{
		Scope:       r.scope,
		ReferenceID: referenceID,
		Kind:        kind,
		AppliedAt:   at.UTC(),
	}
	r.store.Add(rec)
	r.lru.Add(referenceID)
	r.reportSize()
	return rec
}

// Warm loads recently applied ids into the LRU after a restart.
func (r *Registry) Warm(referenceIDs []string) {
	r.lru.WarmFromKeys(referenceIDs)
	r.reportSize()
}

func (r *Registry) duplicate(tier string) {
	if r.metrics != nil {
		r.metrics.DedupDuplicates.WithLabelValues(r.scope, tier).Inc()
	}
}

func (r *Registry) reportSize() {
	if r.metrics != nil {
		r.metrics.DedupLRUSize.WithLabelValues(r.scope).Set(float64(r.lru.Size()))
	}
}

// Scope returns the dedup scope name.
func (r *Registry) Scope() string {
	return r.scope
}

// MemoryStore keeps every record in memory. It is the authoritative tier when
// no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Contains(_ context.Context, scope, referenceID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[scope+"\x00"+referenceID]
	return ok, nil
}

func (m *MemoryStore) Add(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Scope+"\x00"+rec.ReferenceID] = rec
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
