package clearing

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"ClearLedger/internal/ledger"
)

// State is the serializable state of a ClearingEngine. Adapters are not part
// of it: parties are re-registered on boot before Restore.
type State struct {
	Parties       []string              `json:"parties"`
	Balances      []ledger.BalanceEntry `json:"balances"`
	Minimums      map[string]int64      `json:"minimums,omitempty"`
	Pending       []Obligation          `json:"pending,omitempty"`
	LastNetting   time.Time             `json:"last_netting"`
	Round         int64                 `json:"round"`
	Resolutions   []ManualResolution    `json:"resolutions,omitempty"`
	AuditSequence int64                 `json:"audit_sequence"`
	AuditTip      string                `json:"audit_tip"`
}

func (e *ClearingEngine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	tip := e.audit.Tip()
	return State{
		Parties:       append([]string(nil), e.parties...),
		Balances:      ledger.BalanceEntries(e.tracker.Snapshot()),
		Minimums:      e.guarantee.snapshotMinimums(),
		Pending:       append([]Obligation(nil), e.pending...),
		LastNetting:   e.lastNetting,
		Round:         e.round,
		Resolutions:   append([]ManualResolution(nil), e.resolutions...),
		AuditSequence: e.audit.Sequence(),
		AuditTip:      hex.EncodeToString(tip[:]),
	}
}

// Restore loads st. Every party in st must already be registered; the
// snapshot's party order is restored and parties registered since are kept
// after it.
func (e *ClearingEngine) Restore(st State) error {
	tipBytes, err := hex.DecodeString(st.AuditTip)
	if err != nil || len(tipBytes) != 32 {
		return fmt.Errorf("snapshot audit tip %q: invalid", st.AuditTip)
	}
	var tip [32]byte
	copy(tip[:], tipBytes)

	balances := ledger.BalanceMap(st.Balances)
	for key, bal := range balances {
		if key.IsInternal() && bal < 0 {
			return fmt.Errorf("snapshot state invalid: %s has negative balance %d", key.AccountPath(), bal)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var gross int64
	for _, ob := range st.Pending {
		if ob.Amount <= 0 || ob.Amount > math.MaxInt64-gross {
			return fmt.Errorf("snapshot obligation %s amount %d out of range", ob.ReferenceID, ob.Amount)
		}
		gross += ob.Amount
	}

	order := make([]string, 0, len(e.parties))
	seen := make(map[string]bool, len(st.Parties))
	for _, p := range st.Parties {
		if _, ok := e.adapters[p]; !ok {
			return fmt.Errorf("snapshot party %s has no registered adapter", p)
		}
		order = append(order, p)
		seen[p] = true
	}
	for _, p := range e.parties {
		if !seen[p] {
			order = append(order, p)
		}
	}
	e.parties = order
	for i, p := range order {
		e.index[p] = i
	}

	e.tracker.Restore(balances)
	e.guarantee.restoreMinimums(st.Minimums)
	e.pending = append([]Obligation(nil), st.Pending...)
	e.gross = gross
	e.lastNetting = st.LastNetting
	e.round = st.Round
	e.resolutions = append([]ManualResolution(nil), st.Resolutions...)
	e.audit.Resume(st.AuditSequence, tip)
	return nil
}

// WarmReferences loads recently applied reference ids into the hot tier.
func (e *ClearingEngine) WarmReferences(referenceIDs []string) {
	e.refs.Warm(referenceIDs)
}
