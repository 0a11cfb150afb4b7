package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ClearLedger/internal/audit"
	"ClearLedger/internal/auth"
	"ClearLedger/internal/dedup"
	"ClearLedger/internal/errs"
	"ClearLedger/internal/guard"
	"ClearLedger/internal/observability"
)

// Audit kinds emitted by AccountLedger.
const (
	KindDeposit            = "deposit"
	KindWithdrawCollateral = "withdraw_collateral"
	KindWithdrawPnL        = "withdraw_pnl"
	KindCreditPnL          = "credit_pnl"
	KindSeizeCollateral    = "seize_collateral"
	KindInsuranceDraw      = "insurance_draw"
	KindSocializedLoss     = "socialized_loss"
	KindLockMargin         = "lock_margin"
	KindUnlockMargin       = "unlock_margin"
	KindFundPool           = "fund_pool"
	KindInsuranceDeposit   = "insurance_deposit"
	KindInsuranceWithdraw  = "insurance_withdraw"
	KindClearingPayOut     = "clearing_pay_out"
	KindClearingPayIn      = "clearing_pay_in"
	KindCapsUpdated        = "caps_updated"
	KindSuspended          = "settlement_suspended"
	KindResumed            = "settlement_resumed"
)

const maxAccountIDLen = 128

// PoolState is the snapshot of a ledger's shared pools.
type PoolState struct {
	FundingPool    int64 `json:"funding_pool"`
	InsuranceFund  int64 `json:"insurance_fund"`
	SocializedLoss int64 `json:"socialized_loss"`
}

// SeizeResult reports how a seizure was funded. Shortfall is a normal result,
// not an error: it is routed through the insurance waterfall.
type SeizeResult struct {
	Requested        int64 `json:"requested"`
	Seized           int64 `json:"seized"`
	Shortfall        int64 `json:"shortfall"`
	InsuranceCovered int64 `json:"insurance_covered"`
	Socialized       int64 `json:"socialized"`
}

// Commit describes one applied operation. Hooks receive it under the ledger
// lock, in commit order.
type Commit struct {
	Venue      string
	Batch      *Batch
	Records    []audit.Record
	Accounts   []Account
	Pools      PoolState
	Settlement *dedup.Record
}

// Config holds AccountLedger settings.
type Config struct {
	VenueID       string
	Caps          CapLimits
	DedupCapacity int
	AuditRetain   int
}

// Option customizes an AccountLedger.
type Option func(*AccountLedger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *AccountLedger) { l.now = now }
}

// WithAuthorizer sets the role table.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(l *AccountLedger) { l.authz = a }
}

// WithReferenceStore sets the authoritative settlement-record tier.
func WithReferenceStore(s dedup.Store) Option {
	return func(l *AccountLedger) { l.refStore = s }
}

// WithGuards sets the price and trading-window guards for guarded operations.
func WithGuards(prices guard.PriceGuard, window guard.TradingWindowGuard) Option {
	return func(l *AccountLedger) {
		l.prices = prices
		l.window = window
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *AccountLedger) { l.logger = logger }
}

// WithMetrics reports reference-id dedup to m.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *AccountLedger) { l.metrics = m }
}

// AccountLedger owns the accounts of one venue: collateral, pnl, margin in
// use, plus the venue's funding pool and insurance fund. All operations are
// serialized by one mutex and are all-or-nothing.
type AccountLedger struct {
	mu sync.Mutex

	venue     string
	tracker   *BalanceTracker
	validator *InvariantValidator
	caps      *CapTracker
	insurance *InsuranceWaterfall
	refs      *dedup.Registry
	refStore  dedup.Store
	metrics   *observability.Metrics
	audit     *audit.Log
	authz     auth.Authorizer
	prices    guard.PriceGuard
	window    guard.TradingWindowGuard
	now       func() time.Time
	logger    zerolog.Logger
	suspended bool
	hooks     []func(Commit)
}

// New creates an AccountLedger for one venue.
func New(cfg Config, opts ...Option) *AccountLedger {
	tracker := NewBalanceTracker()
	l := &AccountLedger{
		venue:     cfg.VenueID,
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
		caps:      NewCapTracker(cfg.Caps),
		insurance: NewInsuranceWaterfall(),
		audit:     audit.NewLog(cfg.VenueID, cfg.AuditRetain),
		authz:     auth.NewTable(nil),
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.refs = dedup.NewRegistry("ledger:"+cfg.VenueID, cfg.DedupCapacity, l.refStore, l.metrics)
	return l
}

// Venue returns the venue id.
func (l *AccountLedger) Venue() string {
	return l.venue
}

// OnCommit registers a hook called after every applied operation.
func (l *AccountLedger) OnCommit(fn func(Commit)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// ============================================================================
// Deposits and withdrawals (never gated by settlement suspension)
// ============================================================================

// Deposit increases an account's collateral. Creates the account on first use.
func (l *AccountLedger) Deposit(ctx context.Context, accountID string, amount int64) (Account, error) {
	if err := validateAccountID(accountID); err != nil {
		return Account{}, err
	}
	if amount <= 0 {
		return Account{}, errs.ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	batch := NewBatch("", now.UnixMicro())
	batch.Add(NewUserAccountKey(accountID, SubTypeCollateral), NewExternalAccountKey(SubTypeExternalDeposits), amount, JournalTypeDeposit)
	if err := l.tracker.StageBatch(batch); err != nil {
		return Account{}, StageError(err)
	}

	l.commit(batch, now, nil, []string{accountID}, auditEntry{kind: KindDeposit, account: accountID, amount: amount})
	return l.tracker.GetAccount(accountID), nil
}

// WithdrawCollateral withdraws from available collateral subject to daily caps.
func (l *AccountLedger) WithdrawCollateral(ctx context.Context, accountID string, amount int64) (Account, error) {
	return l.withdraw(accountID, amount, SubTypeCollateral, JournalTypeWithdrawCollateral, KindWithdrawCollateral)
}

// WithdrawPnL withdraws from realized pnl subject to daily caps.
func (l *AccountLedger) WithdrawPnL(ctx context.Context, accountID string, amount int64) (Account, error) {
	return l.withdraw(accountID, amount, SubTypePnL, JournalTypeWithdrawPnL, KindWithdrawPnL)
}

func (l *AccountLedger) withdraw(accountID string, amount int64, sub AccountSubType, jt JournalType, kind string) (Account, error) {
	if err := validateAccountID(accountID); err != nil {
		return Account{}, err
	}
	if amount <= 0 {
		return Account{}, errs.ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := NewUserAccountKey(accountID, sub)
	if have := l.tracker.GetBalance(key); have < amount {
		return Account{}, fmt.Errorf("%w: %s have=%d need=%d", errs.ErrInsufficientBalance, key.AccountPath(), have, amount)
	}

	now := l.now()
	if err := l.caps.Check(accountID, amount, now); err != nil {
		return Account{}, err
	}

	batch := NewBatch("", now.UnixMicro())
	batch.Add(NewExternalAccountKey(SubTypeExternalWithdrawals), key, amount, jt)

	if err := l.tracker.StageBatch(batch); err != nil {
		return Account{}, StageError(err)
	}
	l.caps.Record(accountID, amount, now)
	l.commit(batch, now, nil, []string{accountID}, auditEntry{kind: kind, account: accountID, amount: amount})
	return l.tracker.GetAccount(accountID), nil
}

// ============================================================================
// Settlement operations (settlement role, idempotent by reference id)
// ============================================================================

// CreditPnl moves amount from the funding pool to the account's pnl.
func (l *AccountLedger) CreditPnl(ctx context.Context, caller, accountID string, amount int64, referenceID string) (Account, error) {
	if err := l.authz.Require(caller, auth.RoleSettlement); err != nil {
		return Account{}, err
	}
	if err := validateSettlementArgs(accountID, amount, referenceID); err != nil {
		return Account{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.settlementPreconditions(ctx, referenceID); err != nil {
		return Account{}, err
	}

	if pool := l.tracker.GetBalance(fundingPoolKey); pool < amount {
		return Account{}, fmt.Errorf("%w: funding pool have=%d need=%d", errs.ErrInsufficientBalance, pool, amount)
	}

	now := l.now()
	batch := NewBatch(referenceID, now.UnixMicro())
	batch.Add(NewUserAccountKey(accountID, SubTypePnL), fundingPoolKey, amount, JournalTypeCreditPnL)
	if err := l.tracker.StageBatch(batch); err != nil {
		return Account{}, StageError(err)
	}

	l.commit(batch, now, &settlementRef{id: referenceID, kind: KindCreditPnL}, []string{accountID},
		auditEntry{kind: KindCreditPnL, account: accountID, amount: amount, ref: referenceID, caller: caller})
	return l.tracker.GetAccount(accountID), nil
}

// SeizeCollateral seizes min(amount, available) into the funding pool. The
// shortfall is drawn from the insurance fund; any remainder is socialized.
func (l *AccountLedger) SeizeCollateral(ctx context.Context, caller, accountID string, amount int64, referenceID string) (SeizeResult, error) {
	if err := l.authz.Require(caller, auth.RoleSettlement); err != nil {
		return SeizeResult{}, err
	}
	if err := validateSettlementArgs(accountID, amount, referenceID); err != nil {
		return SeizeResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.settlementPreconditions(ctx, referenceID); err != nil {
		return SeizeResult{}, err
	}

	now := l.now()
	free := l.tracker.GetUserFreeCollateral(accountID)
	seized := min(amount, max(free, 0))
	result := SeizeResult{Requested: amount, Seized: seized, Shortfall: amount - seized}

	batch := NewBatch(referenceID, now.UnixMicro())
	batch.Add(fundingPoolKey, NewUserAccountKey(accountID, SubTypeCollateral), seized, JournalTypeSeize)
	result.InsuranceCovered, result.Socialized = l.insurance.Absorb(batch, l.tracker.GetBalance(insuranceFundKey), result.Shortfall)
	if !l.insurance.CanAccumulate(result.Socialized) {
		return SeizeResult{}, fmt.Errorf("%w: socialized loss %d%+d", errs.ErrAmountOverflow, l.insurance.SocializedLoss(), result.Socialized)
	}

	if len(batch.Journals) > 0 {
		if err := l.tracker.StageBatch(batch); err != nil {
			return SeizeResult{}, StageError(err)
		}
	} else {
		batch = nil
	}

	entries := []auditEntry{{kind: KindSeizeCollateral, account: accountID, amount: seized, ref: referenceID, caller: caller}}
	if result.InsuranceCovered > 0 {
		entries = append(entries, auditEntry{kind: KindInsuranceDraw, account: accountID, amount: result.InsuranceCovered, ref: referenceID, caller: caller})
	}
	if result.Socialized > 0 {
		entries = append(entries, auditEntry{kind: KindSocializedLoss, account: accountID, amount: result.Socialized, ref: referenceID, caller: caller})
		l.logger.Warn().
			Str("venue", l.venue).
			Str("account", accountID).
			Str("reference_id", referenceID).
			Int64("socialized", result.Socialized).
			Msg("seizure shortfall exceeds insurance fund, recorded as socialized loss")
	}

	l.insurance.Commit(result.Socialized)
	l.commit(batch, now, &settlementRef{id: referenceID, kind: KindSeizeCollateral}, []string{accountID}, entries...)
	return result, nil
}

// LockMargin moves amount from free collateral into margin in use.
func (l *AccountLedger) LockMargin(ctx context.Context, caller, accountID string, amount int64, positionID string) (Account, error) {
	if err := l.authz.Require(caller, auth.RoleSettlement); err != nil {
		return Account{}, err
	}
	if err := validateAccountID(accountID); err != nil {
		return Account{}, err
	}
	if amount <= 0 {
		return Account{}, errs.ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.suspended {
		return Account{}, errs.ErrSettlementSuspended
	}

	acct := l.tracker.GetAccount(accountID)
	if amount > acct.Collateral-acct.MarginInUse {
		return Account{}, fmt.Errorf("%w: collateral=%d margin_in_use=%d lock=%d",
			errs.ErrInsufficientBalance, acct.Collateral, acct.MarginInUse, amount)
	}

	now := l.now()
	batch := NewBatch(positionID, now.UnixMicro())
	batch.Add(NewUserAccountKey(accountID, SubTypeReserved), NewUserAccountKey(accountID, SubTypeCollateral), amount, JournalTypeMarginLock)
	if err := l.tracker.StageBatch(batch); err != nil {
		return Account{}, StageError(err)
	}

	l.commit(batch, now, nil, []string{accountID},
		auditEntry{kind: KindLockMargin, account: accountID, amount: amount, ref: positionID, caller: caller})
	return l.tracker.GetAccount(accountID), nil
}

// UnlockMargin releases min(amount, marginInUse); margin never goes below zero.
func (l *AccountLedger) UnlockMargin(ctx context.Context, caller, accountID string, amount int64, positionID string) (Account, error) {
	if err := l.authz.Require(caller, auth.RoleSettlement); err != nil {
		return Account{}, err
	}
	if err := validateAccountID(accountID); err != nil {
		return Account{}, err
	}
	if amount <= 0 {
		return Account{}, errs.ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.suspended {
		return Account{}, errs.ErrSettlementSuspended
	}

	release := min(amount, l.tracker.GetUserReservedBalance(accountID))
	now := l.now()
	batch := NewBatch(positionID, now.UnixMicro())
	batch.Add(NewUserAccountKey(accountID, SubTypeCollateral), NewUserAccountKey(accountID, SubTypeReserved), release, JournalTypeMarginUnlock)
	if len(batch.Journals) == 0 {
		batch = nil
	}

	l.commit(batch, now, nil, []string{accountID},
		auditEntry{kind: KindUnlockMargin, account: accountID, amount: release, ref: positionID, caller: caller})
	return l.tracker.GetAccount(accountID), nil
}

// GuardedCreditPnl validates the symbol's price and trading window before
// crediting.
func (l *AccountLedger) GuardedCreditPnl(ctx context.Context, caller, symbol, accountID string, amount int64, referenceID string) (Account, error) {
	if err := l.authz.Require(caller, auth.RoleSettlement); err != nil {
		return Account{}, err
	}
	if err := l.checkGuards(symbol); err != nil {
		return Account{}, err
	}
	return l.CreditPnl(ctx, caller, accountID, amount, referenceID)
}

// GuardedSeizeCollateral validates the symbol's price and trading window
// before seizing.
func (l *AccountLedger) GuardedSeizeCollateral(ctx context.Context, caller, symbol, accountID string, amount int64, referenceID string) (SeizeResult, error) {
	if err := l.authz.Require(caller, auth.RoleSettlement); err != nil {
		return SeizeResult{}, err
	}
	if err := l.checkGuards(symbol); err != nil {
		return SeizeResult{}, err
	}
	return l.SeizeCollateral(ctx, caller, accountID, amount, referenceID)
}

func (l *AccountLedger) checkGuards(symbol string) error {
	if l.prices == nil || l.window == nil {
		return fmt.Errorf("%w: guards not configured for venue %s", errs.ErrMarketClosed, l.venue)
	}
	if _, _, err := l.prices.ValidatedPrice(symbol); err != nil {
		return err
	}
	return l.window.RequireCanTrade(symbol)
}

// settlementPreconditions checks suspension and reference-id reuse. Caller holds l.mu.
func (l *AccountLedger) settlementPreconditions(ctx context.Context, referenceID string) error {
	if l.suspended {
		return errs.ErrSettlementSuspended
	}
	applied, err := l.refs.IsApplied(ctx, referenceID)
	if err != nil {
		return err
	}
	if applied {
		return fmt.Errorf("%w: %s", errs.ErrDuplicateOperation, referenceID)
	}
	return nil
}

// ============================================================================
// Governance: pools, caps, suspension
// ============================================================================

// FundPool adds operator capital to the funding pool.
func (l *AccountLedger) FundPool(ctx context.Context, caller string, amount int64) (PoolState, error) {
	return l.operatorTransfer(caller, amount, fundingPoolKey, NewExternalAccountKey(SubTypeExternalOperator), JournalTypePoolFunding, KindFundPool)
}

// DepositInsurance adds operator capital to the insurance fund.
func (l *AccountLedger) DepositInsurance(ctx context.Context, caller string, amount int64) (PoolState, error) {
	return l.operatorTransfer(caller, amount, insuranceFundKey, NewExternalAccountKey(SubTypeExternalOperator), JournalTypeInsuranceDeposit, KindInsuranceDeposit)
}

// WithdrawInsurance returns operator capital from the insurance fund. Not
// capped: the fund is operator capital, not user funds.
func (l *AccountLedger) WithdrawInsurance(ctx context.Context, caller string, amount int64) (PoolState, error) {
	return l.operatorTransfer(caller, amount, NewExternalAccountKey(SubTypeExternalOperator), insuranceFundKey, JournalTypeInsuranceWithdraw, KindInsuranceWithdraw)
}

func (l *AccountLedger) operatorTransfer(caller string, amount int64, debit, credit AccountKey, jt JournalType, kind string) (PoolState, error) {
	if err := l.authz.Require(caller, auth.RoleGovernance); err != nil {
		return PoolState{}, err
	}
	if amount <= 0 {
		return PoolState{}, errs.ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	batch := NewBatch("", now.UnixMicro())
	batch.Add(debit, credit, amount, jt)
	if err := l.tracker.StageBatch(batch); err != nil {
		return PoolState{}, StageError(err)
	}

	l.commit(batch, now, nil, nil, auditEntry{kind: kind, amount: amount, caller: caller})
	return l.poolsLocked(), nil
}

// SetCaps replaces the default daily withdrawal caps.
func (l *AccountLedger) SetCaps(ctx context.Context, caller string, limits CapLimits) error {
	if err := l.authz.Require(caller, auth.RoleGovernance); err != nil {
		return err
	}
	if limits.PerAccount < 0 || limits.Global < 0 {
		return fmt.Errorf("%w: caps must be >= 0", errs.ErrZeroAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.caps.SetLimits(limits)
	l.commit(nil, l.now(), nil, nil, auditEntry{kind: KindCapsUpdated, amount: limits.PerAccount, ref: fmt.Sprintf("global=%d", limits.Global), caller: caller})
	return nil
}

// SetAccountCap overrides one account's daily cap (negative removes it).
func (l *AccountLedger) SetAccountCap(ctx context.Context, caller, accountID string, limit int64) error {
	if err := l.authz.Require(caller, auth.RoleGovernance); err != nil {
		return err
	}
	if err := validateAccountID(accountID); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.caps.SetAccountCap(accountID, limit)
	l.commit(nil, l.now(), nil, nil, auditEntry{kind: KindCapsUpdated, account: accountID, amount: limit, caller: caller})
	return nil
}

// SuspendSettlement blocks credit/seize/margin operations. Deposits and
// withdrawals keep working.
func (l *AccountLedger) SuspendSettlement(ctx context.Context, caller string) error {
	return l.setSuspended(caller, true)
}

// ResumeSettlement lifts a suspension.
func (l *AccountLedger) ResumeSettlement(ctx context.Context, caller string) error {
	return l.setSuspended(caller, false)
}

func (l *AccountLedger) setSuspended(caller string, suspended bool) error {
	if err := l.authz.Require(caller, auth.RoleGovernance); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.suspended == suspended {
		return nil
	}
	l.suspended = suspended
	kind := KindResumed
	if suspended {
		kind = KindSuspended
	}
	l.commit(nil, l.now(), nil, nil, auditEntry{kind: kind, caller: caller})
	l.logger.Info().Str("venue", l.venue).Bool("suspended", suspended).Str("caller", caller).Msg("settlement suspension changed")
	return nil
}

// ============================================================================
// Clearing seam: funding pool pay-out / pay-in
// ============================================================================

// PayOutToClearing moves amount from the funding pool to the clearing engine.
// All-or-nothing: fails with ErrInsufficientBalance if the pool is short.
func (l *AccountLedger) PayOutToClearing(ctx context.Context, amount int64, reference string) error {
	if amount <= 0 {
		return errs.ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if pool := l.tracker.GetBalance(fundingPoolKey); pool < amount {
		return fmt.Errorf("%w: funding pool have=%d need=%d", errs.ErrInsufficientBalance, pool, amount)
	}

	now := l.now()
	batch := NewBatch(reference, now.UnixMicro())
	batch.Add(NewExternalAccountKey(SubTypeExternalClearing), fundingPoolKey, amount, JournalTypeClearingPayOut)
	if err := l.tracker.StageBatch(batch); err != nil {
		return StageError(err)
	}
	l.commit(batch, now, nil, nil, auditEntry{kind: KindClearingPayOut, amount: amount, ref: reference})
	return nil
}

// PayInFromClearing credits amount delivered by the clearing engine to the
// funding pool.
func (l *AccountLedger) PayInFromClearing(ctx context.Context, amount int64, reference string) error {
	if amount <= 0 {
		return errs.ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	batch := NewBatch(reference, now.UnixMicro())
	batch.Add(fundingPoolKey, NewExternalAccountKey(SubTypeExternalClearing), amount, JournalTypeClearingPayIn)
	if err := l.tracker.StageBatch(batch); err != nil {
		return StageError(err)
	}
	l.commit(batch, now, nil, nil, auditEntry{kind: KindClearingPayIn, amount: amount, ref: reference})
	return nil
}

// ============================================================================
// Reads
// ============================================================================

// Account returns the account view; ok is false if the account was never used.
func (l *AccountLedger) Account(accountID string) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetAccount(accountID), l.knownLocked(accountID)
}

func (l *AccountLedger) knownLocked(accountID string) bool {
	for _, st := range []AccountSubType{SubTypeCollateral, SubTypeReserved, SubTypePnL} {
		if _, ok := l.tracker.balances[NewUserAccountKey(accountID, st)]; ok {
			return true
		}
	}
	return false
}

// Accounts returns every account, sorted by id.
func (l *AccountLedger) Accounts() []Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.tracker.UserAccounts()
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.tracker.GetAccount(id))
	}
	return out
}

// Pools returns the funding pool, insurance fund and socialized loss.
func (l *AccountLedger) Pools() PoolState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.poolsLocked()
}

func (l *AccountLedger) poolsLocked() PoolState {
	return PoolState{
		FundingPool:    l.tracker.GetBalance(fundingPoolKey),
		InsuranceFund:  l.tracker.GetBalance(insuranceFundKey),
		SocializedLoss: l.insurance.SocializedLoss(),
	}
}

// TotalHeld returns Σ(collateral+pnl) + funding pool + insurance fund.
func (l *AccountLedger) TotalHeld() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.ComputeInternalBalance()
}

// CapUsage returns today's withdrawal usage for an account and globally.
func (l *AccountLedger) CapUsage(accountID string) (account, global int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.caps.Used(accountID, l.now())
}

// Suspended reports whether settlement operations are suspended.
func (l *AccountLedger) Suspended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suspended
}

// AuditTrail returns retained audit records, oldest first.
func (l *AccountLedger) AuditTrail() []audit.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audit.Records()
}

// IsApplied reports whether a reference id was already applied.
func (l *AccountLedger) IsApplied(ctx context.Context, referenceID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs.IsApplied(ctx, referenceID)
}

// Validate runs all invariant checks.
func (l *AccountLedger) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.validator.ValidateAll()
}

// ============================================================================
// Commit
// ============================================================================

type auditEntry struct {
	kind    string
	account string
	amount  int64
	ref     string
	caller  string
}

type settlementRef struct {
	id   string
	kind string
}

// commit applies a staged batch, checks invariants, marks the reference id,
// appends audit records and notifies hooks. Caller holds l.mu and has already
// run every check that can fail.
func (l *AccountLedger) commit(batch *Batch, now time.Time, ref *settlementRef, touched []string, entries ...auditEntry) {
	if batch != nil && len(batch.Journals) > 0 {
		if err := l.tracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: staged batch failed to apply: %v", err))
		}
	}

	for _, id := range touched {
		if err := l.validator.ValidateAccount(id); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}
	if err := l.validator.ValidatePools(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	c := Commit{Venue: l.venue, Batch: batch}
	if ref != nil {
		rec := l.refs.MarkApplied(ref.id, ref.kind, now)
		c.Settlement = &rec
	}
	for _, e := range entries {
		c.Records = append(c.Records, l.audit.Append(e.kind, e.account, e.amount, e.ref, e.caller, now))
	}
	for _, id := range touched {
		c.Accounts = append(c.Accounts, l.tracker.GetAccount(id))
	}
	c.Pools = l.poolsLocked()

	for _, h := range l.hooks {
		h(c)
	}
}

func validateAccountID(accountID string) error {
	if accountID == "" || len(accountID) > maxAccountIDLen {
		return fmt.Errorf("%w: %q", errs.ErrInvalidAccount, accountID)
	}
	for _, r := range accountID {
		if !(r == '-' || r == '_' || r == '.' || r == '@' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("%w: %q", errs.ErrInvalidAccount, accountID)
		}
	}
	return nil
}

func validateSettlementArgs(accountID string, amount int64, referenceID string) error {
	if err := validateAccountID(accountID); err != nil {
		return err
	}
	if amount <= 0 {
		return errs.ErrZeroAmount
	}
	if !dedup.ValidateReference(referenceID) {
		return fmt.Errorf("%w: %q", errs.ErrInvalidReference, referenceID)
	}
	return nil
}
