package query

// AccountView is the projected balance of one venue account. Projections
// trail the core; AsOfSequence says how far.
type AccountView struct {
	Venue        string `json:"venue"`
	AccountID    string `json:"account_id"`
	Collateral   int64  `json:"collateral"`
	PnL          int64  `json:"pnl"`
	MarginInUse  int64  `json:"margin_in_use"`
	Available    int64  `json:"available"` // collateral - margin_in_use
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PoolsView is the projected pool state of one venue.
type PoolsView struct {
	Venue          string `json:"venue"`
	FundingPool    int64  `json:"funding_pool"`
	InsuranceFund  int64  `json:"insurance_fund"`
	SocializedLoss int64  `json:"socialized_loss"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}
