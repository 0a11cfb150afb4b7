package clearing

import (
	"fmt"

	"ClearLedger/internal/errs"
	"ClearLedger/internal/ledger"
)

var (
	defaultFundKey      = ledger.NewSystemAccountKey("", ledger.SubTypeSystemDefaultFund)
	suspenseKey         = ledger.NewSystemAccountKey("", ledger.SubTypeSystemSuspense)
	externalDepositsKey = ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits)
	externalWithdrawKey = ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals)
	externalClearingKey = ledger.NewExternalAccountKey(ledger.SubTypeExternalClearing)
)

func guaranteeKey(party string) ledger.AccountKey {
	return ledger.NewSystemAccountKey(party, ledger.SubTypeSystemGuarantee)
}

// GuaranteeRegistry tracks per-party guarantee deposits and their minimums.
// Balances live in the engine's BalanceTracker; the engine's lock serializes
// every call.
type GuaranteeRegistry struct {
	tracker  *ledger.BalanceTracker
	minimums map[string]int64
}

func NewGuaranteeRegistry(tracker *ledger.BalanceTracker) *GuaranteeRegistry {
	return &GuaranteeRegistry{
		tracker:  tracker,
		minimums: make(map[string]int64),
	}
}

// Deposit stages amount into party's guarantee deposit.
func (g *GuaranteeRegistry) Deposit(batch *ledger.Batch, party string, amount int64) error {
	if amount <= 0 {
		return errs.ErrZeroAmount
	}
	batch.Add(guaranteeKey(party), externalDepositsKey, amount, ledger.JournalTypeGuaranteeDeposit)
	return nil
}

// Withdraw stages a withdrawal. It fails with ErrBelowMinimum if the remaining
// balance would drop under the party's minimum.
func (g *GuaranteeRegistry) Withdraw(batch *ledger.Batch, party string, amount int64) error {
	if amount <= 0 {
		return errs.ErrZeroAmount
	}
	balance := g.Balance(party)
	if balance < amount {
		return fmt.Errorf("%w: guarantee %s have=%d need=%d", errs.ErrInsufficientBalance, party, balance, amount)
	}
	if minimum := g.Minimum(party); balance-amount < minimum {
		return fmt.Errorf("%w: guarantee %s remaining=%d minimum=%d", errs.ErrBelowMinimum, party, balance-amount, minimum)
	}
	batch.Add(externalWithdrawKey, guaranteeKey(party), amount, ledger.JournalTypeGuaranteeWithdraw)
	return nil
}

// SetMinimum sets the minimum balance withdrawals must leave in place.
func (g *GuaranteeRegistry) SetMinimum(party string, minimum int64) error {
	if minimum < 0 {
		return fmt.Errorf("%w: minimum %d", errs.ErrZeroAmount, minimum)
	}
	g.minimums[party] = minimum
	return nil
}

// Consume stages up to upTo from party's deposit into suspense and returns
// the amount taken. The minimum does not protect against consumption.
func (g *GuaranteeRegistry) Consume(batch *ledger.Batch, party string, upTo int64) int64 {
	consumed := min(upTo, g.Balance(party))
	if consumed <= 0 {
		return 0
	}
	batch.Add(suspenseKey, guaranteeKey(party), consumed, ledger.JournalTypeGuaranteeConsume)
	return consumed
}

func (g *GuaranteeRegistry) Balance(party string) int64 {
	return g.tracker.GetBalance(guaranteeKey(party))
}

func (g *GuaranteeRegistry) Minimum(party string) int64 {
	return g.minimums[party]
}

// GuaranteeState is one party's guarantee deposit.
type GuaranteeState struct {
	Party   string `json:"party"`
	Balance int64  `json:"balance"`
	Minimum int64  `json:"minimum"`
}

// States returns the deposit of every party in parties, in that order.
func (g *GuaranteeRegistry) States(parties []string) []GuaranteeState {
	out := make([]GuaranteeState, 0, len(parties))
	for _, p := range parties {
		out = append(out, GuaranteeState{Party: p, Balance: g.Balance(p), Minimum: g.Minimum(p)})
	}
	return out
}

func (g *GuaranteeRegistry) snapshotMinimums() map[string]int64 {
	out := make(map[string]int64, len(g.minimums))
	for p, m := range g.minimums {
		out[p] = m
	}
	return out
}

func (g *GuaranteeRegistry) restoreMinimums(minimums map[string]int64) {
	g.minimums = make(map[string]int64, len(minimums))
	for p, m := range minimums {
		g.minimums[p] = m
	}
}
