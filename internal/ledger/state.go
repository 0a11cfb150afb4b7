package ledger

import (
	"encoding/hex"
	"fmt"
	"sort"
)

// BalanceEntry is one account balance in a State.
type BalanceEntry struct {
	Scope   AccountScope   `json:"scope"`
	Owner   string         `json:"owner,omitempty"`
	SubType AccountSubType `json:"sub_type"`
	Balance int64          `json:"balance"`
}

// CapUsage is one account's withdrawal usage for a day.
type CapUsage struct {
	Account string `json:"account"`
	Day     int64  `json:"day"`
	Used    int64  `json:"used"`
}

// State is the serializable state of an AccountLedger, used by snapshots.
type State struct {
	Venue          string           `json:"venue"`
	Balances       []BalanceEntry   `json:"balances"`
	SocializedLoss int64            `json:"socialized_loss"`
	Suspended      bool             `json:"suspended"`
	Caps           CapLimits        `json:"caps"`
	CapOverrides   map[string]int64 `json:"cap_overrides,omitempty"`
	CapUsage       []CapUsage       `json:"cap_usage,omitempty"`
	GlobalUsage    CapUsage         `json:"global_usage"`
	AuditSequence  int64            `json:"audit_sequence"`
	AuditTip       string           `json:"audit_tip"` // hex
}

// Snapshot captures the ledger state.
func (l *AccountLedger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := State{
		Venue:          l.venue,
		Balances:       BalanceEntries(l.tracker.Snapshot()),
		SocializedLoss: l.insurance.SocializedLoss(),
		Suspended:      l.suspended,
		Caps:           l.caps.Limits(),
		CapOverrides:   make(map[string]int64, len(l.caps.overrides)),
		GlobalUsage:    CapUsage{Day: l.caps.global.day, Used: l.caps.global.used},
		AuditSequence:  l.audit.Sequence(),
	}
	for id, limit := range l.caps.overrides {
		st.CapOverrides[id] = limit
	}
	for id, u := range l.caps.accounts {
		st.CapUsage = append(st.CapUsage, CapUsage{Account: id, Day: u.day, Used: u.used})
	}
	sort.Slice(st.CapUsage, func(i, j int) bool { return st.CapUsage[i].Account < st.CapUsage[j].Account })

	tip := l.audit.Tip()
	st.AuditTip = hex.EncodeToString(tip[:])
	return st
}

// Restore replaces the ledger state with st and validates invariants.
func (l *AccountLedger) Restore(st State) error {
	if st.Venue != l.venue {
		return fmt.Errorf("snapshot venue %q does not match ledger %q", st.Venue, l.venue)
	}
	tipBytes, err := hex.DecodeString(st.AuditTip)
	if err != nil || len(tipBytes) != 32 {
		return fmt.Errorf("snapshot audit tip %q: invalid", st.AuditTip)
	}
	var tip [32]byte
	copy(tip[:], tipBytes)

	balances := BalanceMap(st.Balances)
	staged := NewBalanceTracker()
	staged.Restore(balances)
	if err := NewInvariantValidator(staged).ValidateAll(); err != nil {
		return fmt.Errorf("snapshot state invalid: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.tracker.Restore(balances)

	l.insurance.restore(st.SocializedLoss)
	l.suspended = st.Suspended
	l.caps = NewCapTracker(st.Caps)
	for id, limit := range st.CapOverrides {
		l.caps.overrides[id] = limit
	}
	for _, u := range st.CapUsage {
		l.caps.accounts[u.Account] = &dayUsage{day: u.Day, used: u.Used}
	}
	l.caps.global = dayUsage{day: st.GlobalUsage.Day, used: st.GlobalUsage.Used}
	l.audit.Resume(st.AuditSequence, tip)
	return nil
}

// WarmReferences loads recently applied reference ids into the hot tier.
func (l *AccountLedger) WarmReferences(referenceIDs []string) {
	l.refs.Warm(referenceIDs)
}

// Key returns the entry's account key.
func (e BalanceEntry) Key() AccountKey {
	return AccountKey{Scope: e.Scope, Owner: e.Owner, SubType: e.SubType}
}

// BalanceEntries flattens balances into entries sorted by account path, so
// equal states serialize identically.
func BalanceEntries(balances map[AccountKey]int64) []BalanceEntry {
	entries := make([]BalanceEntry, 0, len(balances))
	for key, bal := range balances {
		entries = append(entries, BalanceEntry{Scope: key.Scope, Owner: key.Owner, SubType: key.SubType, Balance: bal})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key().AccountPath() < entries[j].Key().AccountPath()
	})
	return entries
}

// BalanceMap is the inverse of BalanceEntries.
func BalanceMap(entries []BalanceEntry) map[AccountKey]int64 {
	balances := make(map[AccountKey]int64, len(entries))
	for _, e := range entries {
		balances[e.Key()] = e.Balance
	}
	return balances
}
