package ledger

import "fmt"

// AccountScope partitions balances by who owns them.
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType says what a balance is for.
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota // free collateral
	SubTypeReserved                         // margin in use
	SubTypePnL

	// System sub-types
	SubTypeSystemFundingPool
	SubTypeSystemInsuranceFund
	SubTypeSystemGuarantee
	SubTypeSystemDefaultFund
	SubTypeSystemSuspense

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalOperator
	SubTypeExternalClearing
)

// subTypeNames is indexed by AccountSubType and must follow its order.
var subTypeNames = [...]string{
	SubTypeCollateral:          "collateral",
	SubTypeReserved:            "reserved",
	SubTypePnL:                 "pnl",
	SubTypeSystemFundingPool:   "funding_pool",
	SubTypeSystemInsuranceFund: "insurance_fund",
	SubTypeSystemGuarantee:     "guarantee",
	SubTypeSystemDefaultFund:   "default_fund",
	SubTypeSystemSuspense:      "suspense",
	SubTypeExternalDeposits:    "deposits",
	SubTypeExternalWithdrawals: "withdrawals",
	SubTypeExternalOperator:    "operator",
	SubTypeExternalClearing:    "clearing",
}

func (t AccountSubType) String() string {
	if int(t) < len(subTypeNames) {
		return subTypeNames[t]
	}
	return "unknown"
}

// AccountKey identifies one balance inside a venue ledger. Owner is the
// account id in the user scope and the party id for per-party system
// balances such as guarantee deposits. Shared system and external
// balances leave it empty.
type AccountKey struct {
	Scope   AccountScope
	Owner   string
	SubType AccountSubType
}

func NewUserAccountKey(accountID string, subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: accountID, SubType: subType}
}

func NewSystemAccountKey(owner string, subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, Owner: owner, SubType: subType}
}

// NewExternalAccountKey names the counter side of money entering or
// leaving the ledger.
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType}
}

// Shared venue pools.
var (
	fundingPoolKey   = NewSystemAccountKey("", SubTypeSystemFundingPool)
	insuranceFundKey = NewSystemAccountKey("", SubTypeSystemInsuranceFund)
)

// AccountPath renders the key as it appears in journals and logs, e.g.
// user:alice:collateral, system:guarantee:bank-1 or external:deposits.
func (k AccountKey) AccountPath() string {
	sub := k.SubType.String()
	switch k.Scope {
	case AccountScopeUser:
		return "user:" + k.Owner + ":" + sub
	case AccountScopeSystem:
		if k.Owner == "" {
			return "system:" + sub
		}
		return "system:" + sub + ":" + k.Owner
	case AccountScopeExternal:
		return "external:" + sub
	}
	return fmt.Sprintf("unknown(%d):%s", k.Scope, sub)
}

// IsInternal is true for balances the ledger holds (user and system).
// External balances only mirror flows across the boundary and may go
// negative.
func (k AccountKey) IsInternal() bool {
	return k.Scope != AccountScopeExternal
}

// Account is the derived view of one account's balances.
type Account struct {
	ID          string `json:"id"`
	Collateral  int64  `json:"collateral"`
	PnL         int64  `json:"pnl"`
	MarginInUse int64  `json:"margin_in_use"`
}

// Available returns collateral not locked as margin.
func (a Account) Available() int64 {
	return a.Collateral - a.MarginInUse
}
