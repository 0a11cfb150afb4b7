package clearing

import (
	"context"
	"errors"

	"ClearLedger/internal/errs"
	"ClearLedger/internal/ledger"
)

// PayOutcome is the result of an adapter call.
type PayOutcome int

const (
	PaySucceeded PayOutcome = iota
	PayInsufficientFunds
	PayFailed
)

func (o PayOutcome) String() string {
	switch o {
	case PaySucceeded:
		return "succeeded"
	case PayInsufficientFunds:
		return "insufficient_funds"
	default:
		return "failed"
	}
}

// LedgerAdapter moves funds between a party's ledger and the clearing engine.
// Failures are outcomes, not errors: the default waterfall branches on them.
type LedgerAdapter interface {
	PayOut(ctx context.Context, amount int64, reference string) PayOutcome
	PayIn(ctx context.Context, amount int64, reference string) PayOutcome
}

// AccountLedgerAdapter backs a party with an AccountLedger's funding pool.
type AccountLedgerAdapter struct {
	ledger *ledger.AccountLedger
}

func NewLedgerAdapter(l *ledger.AccountLedger) *AccountLedgerAdapter {
	return &AccountLedgerAdapter{ledger: l}
}

func (a *AccountLedgerAdapter) PayOut(ctx context.Context, amount int64, reference string) PayOutcome {
	return outcome(a.ledger.PayOutToClearing(ctx, amount, reference))
}

func (a *AccountLedgerAdapter) PayIn(ctx context.Context, amount int64, reference string) PayOutcome {
	return outcome(a.ledger.PayInFromClearing(ctx, amount, reference))
}

func outcome(err error) PayOutcome {
	switch {
	case err == nil:
		return PaySucceeded
	case errors.Is(err, errs.ErrInsufficientBalance):
		return PayInsufficientFunds
	default:
		return PayFailed
	}
}
