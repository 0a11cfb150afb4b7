package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawCollateral
	JournalTypeWithdrawPnL
	JournalTypeCreditPnL
	JournalTypeSeize
	JournalTypeMarginLock
	JournalTypeMarginUnlock
	JournalTypePoolFunding
	JournalTypeInsuranceDeposit
	JournalTypeInsuranceWithdraw
	JournalTypeInsuranceDraw
	JournalTypeClearingPayOut
	JournalTypeClearingPayIn
	JournalTypeGuaranteeDeposit
	JournalTypeGuaranteeWithdraw
	JournalTypeGuaranteeConsume
	JournalTypeDefaultFundContribution
	JournalTypeDefaultFundConsume
	JournalTypeClearingDelivery
	JournalTypeSuspense
)

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string      // reference id or generated op id
	DebitAccount  AccountKey  // balance increases
	CreditAccount AccountKey  // balance decreases
	Amount        int64       // always positive
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch represents a balanced set of journal entries applied atomically
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Timestamp int64
	Journals  []Journal
}

// NewBatch starts an empty batch.
func NewBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Timestamp: timestamp,
	}
}

// Add appends a transfer of amount from credit to debit. Zero amounts are skipped.
func (b *Batch) Add(debit, credit AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed.
// Each entry moves a single positive amount between two distinct accounts, so
// Σ debits == Σ credits holds per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawCollateral:
		return "withdraw_collateral"
	case JournalTypeWithdrawPnL:
		return "withdraw_pnl"
	case JournalTypeCreditPnL:
		return "credit_pnl"
	case JournalTypeSeize:
		return "seize"
	case JournalTypeMarginLock:
		return "margin_lock"
	case JournalTypeMarginUnlock:
		return "margin_unlock"
	case JournalTypePoolFunding:
		return "pool_funding"
	case JournalTypeInsuranceDeposit:
		return "insurance_deposit"
	case JournalTypeInsuranceWithdraw:
		return "insurance_withdraw"
	case JournalTypeInsuranceDraw:
		return "insurance_draw"
	case JournalTypeClearingPayOut:
		return "clearing_pay_out"
	case JournalTypeClearingPayIn:
		return "clearing_pay_in"
	case JournalTypeGuaranteeDeposit:
		return "guarantee_deposit"
	case JournalTypeGuaranteeWithdraw:
		return "guarantee_withdraw"
	case JournalTypeGuaranteeConsume:
		return "guarantee_consume"
	case JournalTypeDefaultFundContribution:
		return "default_fund_contribution"
	case JournalTypeDefaultFundConsume:
		return "default_fund_consume"
	case JournalTypeClearingDelivery:
		return "clearing_delivery"
	case JournalTypeSuspense:
		return "suspense"
	default:
		return "unknown"
	}
}
