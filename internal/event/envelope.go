package event

import (
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandUnknown CommandType = iota
	CommandDeposit
	CommandWithdrawCollateral
	CommandWithdrawPnL
	CommandCreditPnl
	CommandSeizeCollateral
	CommandLockMargin
	CommandUnlockMargin
	CommandFundPool
	CommandDepositInsurance
	CommandWithdrawInsurance
	CommandSetCaps
	CommandSetAccountCap
	CommandSuspendSettlement
	CommandResumeSettlement
	CommandRecordObligation
	CommandSettleImmediate
	CommandExecuteNetting
	CommandDepositGuarantee
	CommandWithdrawGuarantee
	CommandSetGuaranteeMinimum
	CommandContributeDefaultFund
	CommandResolveManual
	CommandPriceUpdate
	CommandHaltMarket
	CommandResumeMarket
)

var commandNames = map[CommandType]string{
	CommandDeposit:               "deposit",
	CommandWithdrawCollateral:    "withdraw_collateral",
	CommandWithdrawPnL:           "withdraw_pnl",
	CommandCreditPnl:             "credit_pnl",
	CommandSeizeCollateral:       "seize_collateral",
	CommandLockMargin:            "lock_margin",
	CommandUnlockMargin:          "unlock_margin",
	CommandFundPool:              "fund_pool",
	CommandDepositInsurance:      "deposit_insurance",
	CommandWithdrawInsurance:     "withdraw_insurance",
	CommandSetCaps:               "set_caps",
	CommandSetAccountCap:         "set_account_cap",
	CommandSuspendSettlement:     "suspend_settlement",
	CommandResumeSettlement:      "resume_settlement",
	CommandRecordObligation:      "record_obligation",
	CommandSettleImmediate:       "settle_immediate",
	CommandExecuteNetting:        "execute_netting",
	CommandDepositGuarantee:      "deposit_guarantee",
	CommandWithdrawGuarantee:     "withdraw_guarantee",
	CommandSetGuaranteeMinimum:   "set_guarantee_minimum",
	CommandContributeDefaultFund: "contribute_default_fund",
	CommandResolveManual:         "resolve_manual",
	CommandPriceUpdate:           "price_update",
	CommandHaltMarket:            "halt_market",
	CommandResumeMarket:          "resume_market",
}

var commandsByName = func() map[string]CommandType {
	m := make(map[string]CommandType, len(commandNames))
	for t, name := range commandNames {
		m[name] = t
	}
	return m
}()

// String returns the wire name, also used as the metrics label and the
// NATS subject token.
func (ct CommandType) String() string {
	if name, ok := commandNames[ct]; ok {
		return name
	}
	return "unknown"
}

// ParseCommandType resolves a wire name.
func ParseCommandType(name string) (CommandType, bool) {
	ct, ok := commandsByName[name]
	return ct, ok
}

// IsVenueCommand reports whether the command targets one venue's ledger.
func (ct CommandType) IsVenueCommand() bool {
	return ct >= CommandDeposit && ct <= CommandResumeSettlement
}

// Command is the interface all command payloads implement.
type Command interface {
	// CommandType returns the discriminator
	CommandType() CommandType

	// CallerID returns the opaque caller identity the command runs as
	CallerID() string

	// VenueID returns the target venue (empty for clearing and market commands)
	VenueID() string
}

// Meta carries the fields every command shares.
type Meta struct {
	Caller string
	Venue  string

	// Ingestion time, informational only; ledgers use their own clock.
	ReceivedAt time.Time
}

func (m Meta) CallerID() string { return m.Caller }

func (m Meta) VenueID() string { return m.Venue }
