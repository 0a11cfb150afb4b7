package ledger

import "fmt"

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateAccount checks marginInUse <= collateral and every component >= 0.
func (v *InvariantValidator) ValidateAccount(accountID string) error {
	for _, st := range []AccountSubType{SubTypeCollateral, SubTypeReserved, SubTypePnL} {
		if err := v.tracker.ValidateNonNegative(NewUserAccountKey(accountID, st)); err != nil {
			return err
		}
	}
	acct := v.tracker.GetAccount(accountID)
	if acct.MarginInUse > acct.Collateral {
		return fmt.Errorf("account %s margin %d exceeds collateral %d",
			accountID, acct.MarginInUse, acct.Collateral)
	}
	return nil
}

// ValidatePools checks the funding pool and insurance fund are non-negative.
func (v *InvariantValidator) ValidatePools() error {
	if err := v.tracker.ValidateNonNegative(fundingPoolKey); err != nil {
		return err
	}
	return v.tracker.ValidateNonNegative(insuranceFundKey)
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

// ValidateAll runs every check over all known accounts.
func (v *InvariantValidator) ValidateAll() error {
	for _, id := range v.tracker.UserAccounts() {
		if err := v.ValidateAccount(id); err != nil {
			return err
		}
	}
	if err := v.ValidatePools(); err != nil {
		return err
	}
	return v.ValidateGlobalBalance()
}
