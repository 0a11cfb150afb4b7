package event

import "ClearLedger/internal/ledger"

// Deposit credits collateral. Allowed for the account owner or a caller
// with the deposit role.
type Deposit struct {
	Meta
	Account string
	Amount  int64
}

func (*Deposit) CommandType() CommandType { return CommandDeposit }

// WithdrawCollateral withdraws free collateral, subject to daily caps.
type WithdrawCollateral struct {
	Meta
	Account string
	Amount  int64
}

func (*WithdrawCollateral) CommandType() CommandType { return CommandWithdrawCollateral }

// WithdrawPnL withdraws realized pnl, subject to daily caps.
type WithdrawPnL struct {
	Meta
	Account string
	Amount  int64
}

func (*WithdrawPnL) CommandType() CommandType { return CommandWithdrawPnL }

// CreditPnl moves funds from the funding pool to an account's pnl. A
// non-empty Symbol routes through the price and trading-window guards.
type CreditPnl struct {
	Meta
	Account     string
	Amount      int64
	ReferenceID string
	Symbol      string
}

func (*CreditPnl) CommandType() CommandType { return CommandCreditPnl }

// SeizeCollateral moves collateral into the funding pool, with any shortfall
// routed through the insurance waterfall.
type SeizeCollateral struct {
	Meta
	Account     string
	Amount      int64
	ReferenceID string
	Symbol      string
}

func (*SeizeCollateral) CommandType() CommandType { return CommandSeizeCollateral }

type LockMargin struct {
	Meta
	Account    string
	Amount     int64
	PositionID string
}

func (*LockMargin) CommandType() CommandType { return CommandLockMargin }

type UnlockMargin struct {
	Meta
	Account    string
	Amount     int64
	PositionID string
}

func (*UnlockMargin) CommandType() CommandType { return CommandUnlockMargin }

type FundPool struct {
	Meta
	Amount int64
}

func (*FundPool) CommandType() CommandType { return CommandFundPool }

type DepositInsurance struct {
	Meta
	Amount int64
}

func (*DepositInsurance) CommandType() CommandType { return CommandDepositInsurance }

type WithdrawInsurance struct {
	Meta
	Amount int64
}

func (*WithdrawInsurance) CommandType() CommandType { return CommandWithdrawInsurance }

type SetCaps struct {
	Meta
	Caps ledger.CapLimits
}

func (*SetCaps) CommandType() CommandType { return CommandSetCaps }

// SetAccountCap overrides one account's daily cap. A negative Limit removes
// the override.
type SetAccountCap struct {
	Meta
	Account string
	Limit   int64
}

func (*SetAccountCap) CommandType() CommandType { return CommandSetAccountCap }

type SuspendSettlement struct {
	Meta
}

func (*SuspendSettlement) CommandType() CommandType { return CommandSuspendSettlement }

type ResumeSettlement struct {
	Meta
}

func (*ResumeSettlement) CommandType() CommandType { return CommandResumeSettlement }
