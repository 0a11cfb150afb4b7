// Package clearing nets obligations between registered parties and settles
// the net transfers through a default waterfall: direct pay, the payer's
// guarantee deposit, the shared default fund, then partial delivery.
package clearing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ClearLedger/internal/audit"
	"ClearLedger/internal/auth"
	"ClearLedger/internal/dedup"
	"ClearLedger/internal/errs"
	"ClearLedger/internal/ledger"
	"ClearLedger/internal/observability"
)

// AuditSource is the audit log source name of the clearing engine.
const AuditSource = "clearing"

// Audit kinds emitted by the engine.
const (
	KindPartyRegistered      = "party_registered"
	KindObligationRecorded   = "obligation_recorded"
	KindNettingExecuted      = "netting_executed"
	KindTransfer             = "clearing_transfer"
	KindImmediateSettlement  = "immediate_settlement"
	KindGuaranteeDeposit     = "guarantee_deposit"
	KindGuaranteeWithdraw    = "guarantee_withdraw"
	KindGuaranteeMinimum     = "guarantee_minimum"
	KindDefaultFundContrib   = "default_fund_contribution"
	KindManualResolution     = "manual_resolution_flagged"
	KindManualResolutionDone = "manual_resolution_closed"
)

// Obligation is a pending amount owed by From to To.
type Obligation struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      int64     `json:"amount"`
	ReferenceID string    `json:"reference_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// ManualResolution is a clearing gap left for operators: an unfunded
// remainder, or collected funds that could not be delivered.
type ManualResolution struct {
	ID          uuid.UUID `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason"`
	ReferenceID string    `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Manual-resolution reasons.
const (
	ReasonUnfunded    = "unfunded"
	ReasonPayInFailed = "pay_in_failed"
)

// Output describes one committed engine operation.
type Output struct {
	Batches     []*ledger.Batch
	Records     []audit.Record
	Settlement  *dedup.Record
	Obligation  *Obligation
	Netting     *NettingSummary
	Transfer    *TransferResult
	Guarantees  []GuaranteeState
	DefaultFund int64
	Resolutions []ManualResolution // newly flagged
	Resolved    []uuid.UUID
}

// Config holds ClearingEngine settings.
type Config struct {
	Window              time.Duration
	IncludeZeroNetPairs bool
	DedupCapacity       int
	AuditRetain         int
}

// Option customizes a ClearingEngine.
type Option func(*ClearingEngine)

func WithClock(now func() time.Time) Option {
	return func(e *ClearingEngine) { e.now = now }
}

func WithAuthorizer(a auth.Authorizer) Option {
	return func(e *ClearingEngine) { e.authz = a }
}

// WithReferenceStore sets the authoritative settlement-record tier.
func WithReferenceStore(s dedup.Store) Option {
	return func(e *ClearingEngine) { e.refStore = s }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *ClearingEngine) { e.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *ClearingEngine) { e.metrics = m }
}

// ClearingEngine owns the registered parties, the pending obligation set,
// guarantee deposits and the default fund. One mutex serializes all of it;
// adapters are called with the mutex held (lock order: engine, then ledger).
type ClearingEngine struct {
	mu sync.Mutex

	parties  []string
	index    map[string]int
	adapters map[string]LedgerAdapter
	pending  []Obligation
	gross    int64 // sum of pending amounts; bounds every pair net

	tracker   *ledger.BalanceTracker
	guarantee *GuaranteeRegistry
	refs      *dedup.Registry
	refStore  dedup.Store
	metrics   *observability.Metrics
	audit     *audit.Log
	authz     auth.Authorizer

	window      time.Duration
	includeZero bool
	lastNetting time.Time
	round       int64

	resolutions []ManualResolution

	now    func() time.Time
	logger zerolog.Logger
	hooks  []func(Output)
}

// New creates a ClearingEngine. The netting window starts at construction time.
func New(cfg Config, opts ...Option) *ClearingEngine {
	tracker := ledger.NewBalanceTracker()
	e := &ClearingEngine{
		index:       make(map[string]int),
		adapters:    make(map[string]LedgerAdapter),
		tracker:     tracker,
		guarantee:   NewGuaranteeRegistry(tracker),
		audit:       audit.NewLog(AuditSource, cfg.AuditRetain),
		authz:       auth.NewTable(nil),
		window:      cfg.Window,
		includeZero: cfg.IncludeZeroNetPairs,
		now:         time.Now,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.refs = dedup.NewRegistry(AuditSource, cfg.DedupCapacity, e.refStore, e.metrics)
	e.lastNetting = e.now()
	return e
}

// OnCommit registers a hook called after every committed operation.
func (e *ClearingEngine) OnCommit(fn func(Output)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// RegisterParty adds a party. Registration order fixes the pair enumeration
// order used by netting.
func (e *ClearingEngine) RegisterParty(ctx context.Context, caller, party string, adapter LedgerAdapter) error {
	if err := e.authz.Require(caller, auth.RoleGovernance); err != nil {
		return err
	}
	if party == "" || len(party) > 128 {
		return fmt.Errorf("%w: party %q", errs.ErrInvalidAccount, party)
	}
	if adapter == nil {
		return fmt.Errorf("%w: nil adapter for %s", errs.ErrInvalidAccount, party)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.index[party]; ok {
		return fmt.Errorf("%w: %s", errs.ErrPartyAlreadyRegistered, party)
	}
	e.index[party] = len(e.parties)
	e.parties = append(e.parties, party)
	e.adapters[party] = adapter

	e.emit(Output{Records: []audit.Record{e.appendAudit(KindPartyRegistered, party, 0, "", caller)}})
	e.logger.Info().Str("party", party).Int("position", e.index[party]).Msg("party registered")
	return nil
}

// RecordObligation appends an obligation to the pending set. The reference id
// is consumed immediately and shares its space with SettleImmediate.
func (e *ClearingEngine) RecordObligation(ctx context.Context, caller, from, to string, amount int64, referenceID string) (Obligation, error) {
	if err := e.authz.Require(caller, auth.RoleSubmitObligation); err != nil {
		return Obligation{}, err
	}
	if err := validateTransferArgs(from, to, amount, referenceID); err != nil {
		return Obligation{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.transferPreconditions(ctx, from, to, referenceID); err != nil {
		return Obligation{}, err
	}
	if amount > math.MaxInt64-e.gross {
		return Obligation{}, fmt.Errorf("%w: pending gross %d plus %d", errs.ErrPendingOverflow, e.gross, amount)
	}

	now := e.now()
	ob := Obligation{From: from, To: to, Amount: amount, ReferenceID: referenceID, Timestamp: now.UTC()}
	e.pending = append(e.pending, ob)
	e.gross += amount
	rec := e.refs.MarkApplied(referenceID, KindObligationRecorded, now)

	e.emit(Output{
		Records:    []audit.Record{e.appendAudit(KindObligationRecorded, pairLabel(from, to), amount, referenceID, caller)},
		Settlement: &rec,
		Obligation: &ob,
	})
	return ob, nil
}

// SettleImmediate runs one waterfall transfer outside the netting cycle.
func (e *ClearingEngine) SettleImmediate(ctx context.Context, caller, from, to string, amount int64, referenceID string) (TransferResult, error) {
	if err := e.authz.Require(caller, auth.RoleSubmitObligation); err != nil {
		return TransferResult{}, err
	}
	if err := validateTransferArgs(from, to, amount, referenceID); err != nil {
		return TransferResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.transferPreconditions(ctx, from, to, referenceID); err != nil {
		return TransferResult{}, err
	}
	if err := e.admitSuspense(amount); err != nil {
		return TransferResult{}, err
	}

	now := e.now()
	out := Output{}
	res := e.transfer(ctx, &out, from, to, amount, referenceID, now)
	rec := e.refs.MarkApplied(referenceID, KindImmediateSettlement, now)
	out.Settlement = &rec
	out.Transfer = &res
	out.Records = append(out.Records, e.appendAudit(KindImmediateSettlement, pairLabel(from, to), res.Delivered, referenceID, caller))
	out.Guarantees = e.guarantee.States([]string{from})
	out.DefaultFund = e.tracker.GetBalance(defaultFundKey)
	e.emit(out)
	return res, nil
}

// admitSuspense fails when amount could not be parked in suspense, the worst
// case of a transfer whose delivery fails. Checked before any adapter call.
func (e *ClearingEngine) admitSuspense(amount int64) error {
	if amount == 0 {
		return nil
	}
	batch := ledger.NewBatch("", 0)
	batch.Add(suspenseKey, externalClearingKey, amount, ledger.JournalTypeClearingPayOut)
	return e.tracker.StageBatch(batch)
}

func (e *ClearingEngine) transferPreconditions(ctx context.Context, from, to, referenceID string) error {
	for _, p := range []string{from, to} {
		if _, ok := e.index[p]; !ok {
			return fmt.Errorf("%w: %s", errs.ErrPartyNotRegistered, p)
		}
	}
	applied, err := e.refs.IsApplied(ctx, referenceID)
	if err != nil {
		return err
	}
	if applied {
		return fmt.Errorf("%w: %s", errs.ErrDuplicateOperation, referenceID)
	}
	return nil
}

// ============================================================================
// Guarantee deposits and default fund
// ============================================================================

// DepositGuarantee adds to a registered party's guarantee deposit; settlement
// or governance only.
func (e *ClearingEngine) DepositGuarantee(ctx context.Context, caller, party string, amount int64) (GuaranteeState, error) {
	if err := auth.RequireAny(e.authz, caller, auth.RoleSettlement, auth.RoleGovernance); err != nil {
		return GuaranteeState{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.index[party]; !ok {
		return GuaranteeState{}, fmt.Errorf("%w: %s", errs.ErrPartyNotRegistered, party)
	}
	now := e.now()
	batch := ledger.NewBatch("", now.UnixMicro())
	if err := e.guarantee.Deposit(batch, party, amount); err != nil {
		return GuaranteeState{}, err
	}
	return e.commitGuarantee(batch, KindGuaranteeDeposit, party, amount, caller)
}

// WithdrawGuarantee returns guarantee funds to a party; governance only.
func (e *ClearingEngine) WithdrawGuarantee(ctx context.Context, caller, party string, amount int64) (GuaranteeState, error) {
	if err := e.authz.Require(caller, auth.RoleGovernance); err != nil {
		return GuaranteeState{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.index[party]; !ok {
		return GuaranteeState{}, fmt.Errorf("%w: %s", errs.ErrPartyNotRegistered, party)
	}
	now := e.now()
	batch := ledger.NewBatch("", now.UnixMicro())
	if err := e.guarantee.Withdraw(batch, party, amount); err != nil {
		return GuaranteeState{}, err
	}
	return e.commitGuarantee(batch, KindGuaranteeWithdraw, party, amount, caller)
}

func (e *ClearingEngine) commitGuarantee(batch *ledger.Batch, kind, party string, amount int64, caller string) (GuaranteeState, error) {
	if err := e.tracker.ApplyBatch(batch); err != nil {
		return GuaranteeState{}, ledger.StageError(err)
	}
	states := e.guarantee.States([]string{party})
	e.emit(Output{
		Batches:    []*ledger.Batch{batch},
		Records:    []audit.Record{e.appendAudit(kind, party, amount, "", caller)},
		Guarantees: states,
	})
	return states[0], nil
}

// SetGuaranteeMinimum sets the balance a party must keep on deposit.
func (e *ClearingEngine) SetGuaranteeMinimum(ctx context.Context, caller, party string, minimum int64) error {
	if err := e.authz.Require(caller, auth.RoleGovernance); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.index[party]; !ok {
		return fmt.Errorf("%w: %s", errs.ErrPartyNotRegistered, party)
	}
	if err := e.guarantee.SetMinimum(party, minimum); err != nil {
		return err
	}
	e.emit(Output{
		Records:    []audit.Record{e.appendAudit(KindGuaranteeMinimum, party, minimum, "", caller)},
		Guarantees: e.guarantee.States([]string{party}),
	})
	return nil
}

// ContributeDefaultFund adds to the shared default fund. Open to any caller.
func (e *ClearingEngine) ContributeDefaultFund(ctx context.Context, caller string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errs.ErrZeroAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	batch := ledger.NewBatch("", now.UnixMicro())
	batch.Add(defaultFundKey, externalDepositsKey, amount, ledger.JournalTypeDefaultFundContribution)
	if err := e.tracker.ApplyBatch(batch); err != nil {
		return 0, err
	}
	balance := e.tracker.GetBalance(defaultFundKey)
	e.emit(Output{
		Batches:     []*ledger.Batch{batch},
		Records:     []audit.Record{e.appendAudit(KindDefaultFundContrib, caller, amount, "", caller)},
		DefaultFund: balance,
	})
	return balance, nil
}

// ResolveManual closes a flagged gap after operators settled it out of band.
func (e *ClearingEngine) ResolveManual(ctx context.Context, caller string, id uuid.UUID) error {
	if err := e.authz.Require(caller, auth.RoleGovernance); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.resolutions {
		if r.ID != id {
			continue
		}
		e.resolutions = append(e.resolutions[:i], e.resolutions[i+1:]...)
		e.emit(Output{
			Records:  []audit.Record{e.appendAudit(KindManualResolutionDone, pairLabel(r.From, r.To), r.Amount, r.ReferenceID, caller)},
			Resolved: []uuid.UUID{id},
		})
		return nil
	}
	return fmt.Errorf("%w: %s", errs.ErrUnknownResolution, id)
}

// ============================================================================
// Reads
// ============================================================================

// Parties returns registered parties in registration order.
func (e *ClearingEngine) Parties() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.parties...)
}

// Pending returns a copy of the pending obligation set.
func (e *ClearingEngine) Pending() []Obligation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Obligation(nil), e.pending...)
}

// LastNetting returns the last netting timestamp.
func (e *ClearingEngine) LastNetting() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastNetting
}

// NextNetting returns the earliest time ExecuteNetting may run.
func (e *ClearingEngine) NextNetting() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastNetting.Add(e.window)
}

func (e *ClearingEngine) DefaultFund() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.GetBalance(defaultFundKey)
}

func (e *ClearingEngine) Guarantee(party string) GuaranteeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guarantee.States([]string{party})[0]
}

// Guarantees returns every registered party's deposit.
func (e *ClearingEngine) Guarantees() []GuaranteeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guarantee.States(e.parties)
}

// ManualResolutions returns the open gaps.
func (e *ClearingEngine) ManualResolutions() []ManualResolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ManualResolution(nil), e.resolutions...)
}

// TotalHeld returns guarantee deposits + default fund + suspense.
func (e *ClearingEngine) TotalHeld() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.ComputeInternalBalance()
}

// AuditTrail returns retained audit records, oldest first.
func (e *ClearingEngine) AuditTrail() []audit.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audit.Records()
}

// ============================================================================
// Internals
// ============================================================================

func (e *ClearingEngine) appendAudit(kind, account string, amount int64, ref, caller string) audit.Record {
	return e.audit.Append(kind, account, amount, ref, caller, e.now())
}

func (e *ClearingEngine) emit(out Output) {
	for _, h := range e.hooks {
		h(out)
	}
}

func validateTransferArgs(from, to string, amount int64, referenceID string) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: empty party", errs.ErrInvalidAccount)
	}
	if from == to {
		return fmt.Errorf("%w: %s", errs.ErrSelfTransfer, from)
	}
	if amount <= 0 {
		return errs.ErrZeroAmount
	}
	if !dedup.ValidateReference(referenceID) {
		return fmt.Errorf("%w: %q", errs.ErrInvalidReference, referenceID)
	}
	return nil
}

func pairLabel(from, to string) string {
	return from + "->" + to
}
