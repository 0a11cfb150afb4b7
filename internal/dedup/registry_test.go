package dedup_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ClearLedger/internal/dedup"
	"ClearLedger/internal/observability"
)

// ============================================================================
// Test: LRU
// ============================================================================

func TestLRU_AddAndContains(t *testing.T) {
	lru := dedup.NewLRU(3)
	lru.Add("a")
	lru.Add("b")

	if !lru.Contains("a") || !lru.Contains("b") {
		t.Error("added keys should be present")
	}
	if lru.Contains("c") {
		t.Error("c was never added")
	}
}

func TestLRU_EvictsOldest(t *testing.T) {
	lru := dedup.NewLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote a
	lru.Add("c")      // evicts b

	if !lru.Contains("a") || !lru.Contains("c") {
		t.Error("a and c should survive")
	}
	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if lru.Size() != 2 || lru.Evictions() != 1 {
		t.Errorf("size=%d evictions=%d", lru.Size(), lru.Evictions())
	}
}

func TestLRU_WarmFromKeys(t *testing.T) {
	lru := dedup.NewLRU(10)
	lru.WarmFromKeys([]string{"x", "y", "x"})
	if lru.Size() != 2 {
		t.Errorf("size: got %d, want 2", lru.Size())
	}
}

// ============================================================================
// Test: Registry
// ============================================================================

func TestRegistry_MarkApplied(t *testing.T) {
	m := observability.NewMetrics(nil)
	r := dedup.NewRegistry("ledger:v1", 10, nil, m)
	ctx := context.Background()

	applied, err := r.IsApplied(ctx, "ref-1")
	if err != nil || applied {
		t.Fatalf("fresh id: applied=%v err=%v", applied, err)
	}

	rec := r.MarkApplied("ref-1", "credit_pnl", time.Unix(100, 0))
	if rec.Scope != "ledger:v1" || rec.Kind != "credit_pnl" {
		t.Errorf("unexpected record %+v", rec)
	}

	applied, err = r.IsApplied(ctx, "ref-1")
	if err != nil || !applied {
		t.Fatalf("applied id: applied=%v err=%v", applied, err)
	}
	if got := testutil.ToFloat64(m.DedupDuplicates.WithLabelValues("ledger:v1", "lru")); got != 1 {
		t.Errorf("lru duplicates: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DedupLRUSize.WithLabelValues("ledger:v1")); got != 1 {
		t.Errorf("lru size: got %v, want 1", got)
	}
}

func TestRegistry_EvictionDoesNotReallow(t *testing.T) {
	store := dedup.NewMemoryStore()
	m := observability.NewMetrics(nil)
	r := dedup.NewRegistry("s", 1, store, m)
	ctx := context.Background()

	r.MarkApplied("ref-1", "k", time.Now())
	r.MarkApplied("ref-2", "k", time.Now()) // evicts ref-1 from the hot tier

	applied, err := r.IsApplied(ctx, "ref-1")
	if err != nil || !applied {
		t.Fatalf("store tier must still block ref-1: applied=%v err=%v", applied, err)
	}
	if got := testutil.ToFloat64(m.DedupDuplicates.WithLabelValues("s", "store")); got != 1 {
		t.Errorf("store duplicates: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DedupLRUSize.WithLabelValues("s")); got != 1 {
		t.Errorf("lru size stays at capacity: got %v", got)
	}
	if store.Len() != 2 {
		t.Errorf("store len: got %d, want 2", store.Len())
	}
}

type failingStore struct{}

func (failingStore) Contains(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingStore) Add(dedup.Record) {}

func TestRegistry_StoreErrorFailsClosed(t *testing.T) {
	r := dedup.NewRegistry("s", 10, failingStore{}, nil)

	applied, err := r.IsApplied(context.Background(), "ref-1")
	if err == nil {
		t.Fatal("store error must be surfaced")
	}
	if applied {
		t.Error("applied should be false alongside the error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("store cause lost: %v", err)
	}
}

func TestRegistry_WarmReportsSize(t *testing.T) {
	m := observability.NewMetrics(nil)
	r := dedup.NewRegistry("clearing", 10, nil, m)

	r.Warm([]string{"a", "b", "c"})
	if got := testutil.ToFloat64(m.DedupLRUSize.WithLabelValues("clearing")); got != 3 {
		t.Errorf("lru size after warm: got %v, want 3", got)
	}
}

func TestValidateReference(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"trade-1", true},
		{"", false},
		{" trade-1", false},
		{"trade-1\n", false},
		{strings.Repeat("x", 128), true},
		{strings.Repeat("x", 129), false},
	}
	for _, tc := range tests {
		if got := dedup.ValidateReference(tc.id); got != tc.want {
			t.Errorf("ValidateReference(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}
