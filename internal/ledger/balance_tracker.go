package ledger

import (
	"errors"
	"fmt"
	"maps"
	"sort"

	"ClearLedger/internal/errs"
)

// BalanceTracker holds every balance of one venue ledger, keyed by account.
// A debit raises the debited balance and a credit lowers the credited
// one, so all balances together always sum to zero. It does no locking;
// the owning Ledger serialises access.
type BalanceTracker struct {
	balances map[AccountKey]int64
	held     int64 // sum of internal balances
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{balances: map[AccountKey]int64{}}
}

// ApplyJournal posts one entry unconditionally.
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
	if j.DebitAccount.IsInternal() {
		bt.held += j.Amount
	}
	if j.CreditAccount.IsInternal() {
		bt.held -= j.Amount
	}
}

// StageBatch dry-runs batch. It fails when the batch is malformed, would
// leave any internal balance below zero, or would push any balance or the
// internal total past int64. It never mutates the tracker.
func (bt *BalanceTracker) StageBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	delta := make(map[AccountKey]int64, 2*len(batch.Journals))
	var heldDelta int64
	for _, j := range batch.Journals {
		var ok bool
		if delta[j.DebitAccount], ok = addInt64(delta[j.DebitAccount], j.Amount); !ok {
			return overflow(j.DebitAccount)
		}
		if delta[j.CreditAccount], ok = addInt64(delta[j.CreditAccount], -j.Amount); !ok {
			return overflow(j.CreditAccount)
		}
	}
	for key, d := range delta {
		after, ok := addInt64(bt.balances[key], d)
		if !ok {
			return overflow(key)
		}
		if !key.IsInternal() {
			continue
		}
		if after < 0 {
			return fmt.Errorf("account %s would go negative: %d", key.AccountPath(), after)
		}
		if heldDelta, ok = addInt64(heldDelta, d); !ok {
			return overflow(key)
		}
	}
	if _, ok := addInt64(bt.held, heldDelta); !ok {
		return fmt.Errorf("%w: venue total %d%+d", errs.ErrAmountOverflow, bt.held, heldDelta)
	}
	return nil
}

// StageError maps a failed stage to the caller-facing error. Overflow keeps
// its validation kind; anything else reads as insufficient balance.
func StageError(err error) error {
	if errors.Is(err, errs.ErrAmountOverflow) {
		return err
	}
	return fmt.Errorf("%w: %v", errs.ErrInsufficientBalance, err)
}

func overflow(key AccountKey) error {
	return fmt.Errorf("%w: account %s", errs.ErrAmountOverflow, key.AccountPath())
}

// addInt64 reports false instead of wrapping.
func addInt64(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}

// ApplyBatch posts every entry of batch, or none of them when staging fails.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := bt.StageBatch(batch); err != nil {
		return err
	}
	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}
	return nil
}

// GetBalance is zero for accounts never posted to.
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// GetUserFreeCollateral is the collateral not reserved as margin. Withdrawals,
// seizures and margin locks draw on it.
func (bt *BalanceTracker) GetUserFreeCollateral(accountID string) int64 {
	return bt.balances[NewUserAccountKey(accountID, SubTypeCollateral)]
}

func (bt *BalanceTracker) GetUserReservedBalance(accountID string) int64 {
	return bt.balances[NewUserAccountKey(accountID, SubTypeReserved)]
}

func (bt *BalanceTracker) GetUserPnL(accountID string) int64 {
	return bt.balances[NewUserAccountKey(accountID, SubTypePnL)]
}

// GetAccount reports total collateral as free plus reserved.
func (bt *BalanceTracker) GetAccount(accountID string) Account {
	reserved := bt.GetUserReservedBalance(accountID)
	return Account{
		ID:          accountID,
		Collateral:  bt.GetUserFreeCollateral(accountID) + reserved,
		PnL:         bt.GetUserPnL(accountID),
		MarginInUse: reserved,
	}
}

// ComputeGlobalBalance sums every balance. Anything but zero means a
// one-sided posting slipped through.
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	return bt.sum(func(AccountKey) bool { return true })
}

// ComputeInternalBalance is the total the venue holds: user plus system
// balances.
func (bt *BalanceTracker) ComputeInternalBalance() int64 {
	return bt.held
}

func (bt *BalanceTracker) sum(include func(AccountKey) bool) int64 {
	var total int64
	for key, bal := range bt.balances {
		if include(key) {
			total += bal
		}
	}
	return total
}

func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if bal := bt.balances[key]; bal < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), bal)
	}
	return nil
}

// UserAccounts lists, sorted, every user account that has been posted to.
func (bt *BalanceTracker) UserAccounts() []string {
	var ids []string
	seen := map[string]bool{}
	for key := range bt.balances {
		if key.Scope == AccountScopeUser && !seen[key.Owner] {
			seen[key.Owner] = true
			ids = append(ids, key.Owner)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies the balance map for a state snapshot.
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	return maps.Clone(bt.balances)
}

// Restore discards current balances in favour of a snapshot copy.
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = maps.Clone(balances)
	if bt.balances == nil {
		bt.balances = map[AccountKey]int64{}
	}
	bt.held = bt.sum(AccountKey.IsInternal)
}
