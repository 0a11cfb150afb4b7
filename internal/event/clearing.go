package event

import (
	"time"

	"github.com/google/uuid"
)

// RecordObligation queues an amount owed between two parties for the next
// netting round.
type RecordObligation struct {
	Meta
	From        string
	To          string
	Amount      int64
	ReferenceID string
}

func (*RecordObligation) CommandType() CommandType { return CommandRecordObligation }

// SettleImmediate runs one gross transfer through the default waterfall
// without waiting for netting.
type SettleImmediate struct {
	Meta
	From        string
	To          string
	Amount      int64
	ReferenceID string
}

func (*SettleImmediate) CommandType() CommandType { return CommandSettleImmediate }

type ExecuteNetting struct {
	Meta
}

func (*ExecuteNetting) CommandType() CommandType { return CommandExecuteNetting }

type DepositGuarantee struct {
	Meta
	Party  string
	Amount int64
}

func (*DepositGuarantee) CommandType() CommandType { return CommandDepositGuarantee }

type WithdrawGuarantee struct {
	Meta
	Party  string
	Amount int64
}

func (*WithdrawGuarantee) CommandType() CommandType { return CommandWithdrawGuarantee }

type SetGuaranteeMinimum struct {
	Meta
	Party   string
	Minimum int64
}

func (*SetGuaranteeMinimum) CommandType() CommandType { return CommandSetGuaranteeMinimum }

type ContributeDefaultFund struct {
	Meta
	Amount int64
}

func (*ContributeDefaultFund) CommandType() CommandType { return CommandContributeDefaultFund }

// ResolveManual closes a manual-resolution entry.
type ResolveManual struct {
	Meta
	ID uuid.UUID
}

func (*ResolveManual) CommandType() CommandType { return CommandResolveManual }

// PriceUpdate feeds the price guard.
type PriceUpdate struct {
	Meta
	Symbol    string
	Price     int64
	Timestamp time.Time
}

func (*PriceUpdate) CommandType() CommandType { return CommandPriceUpdate }

type HaltMarket struct {
	Meta
	Symbol string
}

func (*HaltMarket) CommandType() CommandType { return CommandHaltMarket }

type ResumeMarket struct {
	Meta
	Symbol string
}

func (*ResumeMarket) CommandType() CommandType { return CommandResumeMarket }
