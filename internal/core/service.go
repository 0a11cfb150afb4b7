package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ClearLedger/internal/audit"
	"ClearLedger/internal/auth"
	"ClearLedger/internal/clearing"
	"ClearLedger/internal/dedup"
	"ClearLedger/internal/errs"
	"ClearLedger/internal/event"
	"ClearLedger/internal/guard"
	"ClearLedger/internal/ledger"
	"ClearLedger/internal/observability"
)

// Output is one committed change, emitted in sequence order. Exactly one of
// Ledger and Clearing is set.
type Output struct {
	Sequence    int64
	Source      string // venue id or clearing.AuditSource
	CommittedAt time.Time
	Ledger      *ledger.Commit
	Clearing    *clearing.Output
}

// Records returns the audit records carried by the output.
func (o Output) Records() []audit.Record {
	switch {
	case o.Ledger != nil:
		return o.Ledger.Records
	case o.Clearing != nil:
		return o.Clearing.Records
	}
	return nil
}

// Batches returns the balance batches carried by the output.
func (o Output) Batches() []*ledger.Batch {
	switch {
	case o.Ledger != nil && o.Ledger.Batch != nil:
		return []*ledger.Batch{o.Ledger.Batch}
	case o.Clearing != nil:
		return o.Clearing.Batches
	}
	return nil
}

// Result is what a command returns to its caller. Fields not produced by the
// command stay nil.
type Result struct {
	Account     *ledger.Account          `json:"account,omitempty"`
	Seizure     *ledger.SeizeResult      `json:"seizure,omitempty"`
	Pools       *ledger.PoolState        `json:"pools,omitempty"`
	Obligation  *clearing.Obligation     `json:"obligation,omitempty"`
	Transfer    *clearing.TransferResult `json:"transfer,omitempty"`
	Netting     *clearing.NettingSummary `json:"netting,omitempty"`
	Guarantee   *clearing.GuaranteeState `json:"guarantee,omitempty"`
	DefaultFund *int64                   `json:"default_fund,omitempty"`
}

// VenueConfig describes one venue ledger.
type VenueConfig struct {
	ID   string
	Caps ledger.CapLimits

	// Clearing registers the venue as a clearing party, in config order.
	Clearing bool
}

// Config holds core settings.
type Config struct {
	Venues        []VenueConfig
	Clearing      clearing.Config
	DedupCapacity int
	AuditRetain   int
	PriceMaxAge   time.Duration
	PriceBandBps  int64
	Session       guard.Session
}

// Option customizes a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithReferenceStore sets the durable reference-id tier shared by every
// ledger and the clearing engine.
func WithReferenceStore(store dedup.Store) Option {
	return func(s *Service) { s.store = store }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the single entry point for every operation. It owns the venue
// ledgers, the clearing engine and the guards, and forwards every commit to
// the persist channel (blocking) and the publish channel (non-blocking).
type Service struct {
	// Commands hold gate shared; Snapshot and Restore hold it exclusively so
	// a snapshot never observes a half-applied netting round.
	gate sync.RWMutex

	venues   map[string]*ledger.AccountLedger
	venueIDs []string
	clearing *clearing.ClearingEngine
	authz    auth.Authorizer
	prices   *guard.PriceBook
	calendar *guard.Calendar

	store   dedup.Store
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	emitMu      sync.Mutex
	booting     bool
	boot        []Output
	started     atomic.Bool
	sequence    atomic.Int64
	persistChan chan<- Output
	publishChan chan<- Output
}

// NewService builds the venue ledgers and the clearing engine and registers
// clearing venues as parties. authz is consulted by every role-gated
// operation; auth.SystemCaller always passes. The service accepts commands
// only after Start.
func NewService(cfg Config, authz auth.Authorizer, persistChan, publishChan chan<- Output, opts ...Option) (*Service, error) {
	if len(cfg.Venues) == 0 {
		return nil, errors.New("core: at least one venue is required")
	}
	if authz == nil {
		authz = auth.NewTable(nil)
	}

	s := &Service{
		venues:      make(map[string]*ledger.AccountLedger, len(cfg.Venues)),
		authz:       auth.WithSystem(authz),
		logger:      zerolog.Nop(),
		now:         time.Now,
		booting:     true,
		persistChan: persistChan,
		publishChan: publishChan,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.prices = guard.NewPriceBook(cfg.PriceMaxAge, cfg.PriceBandBps, s.now)
	s.calendar = guard.NewCalendar(cfg.Session, s.now)

	s.clearing = clearing.New(cfg.Clearing,
		clearing.WithClock(s.now),
		clearing.WithAuthorizer(s.authz),
		clearing.WithReferenceStore(s.store),
		clearing.WithMetrics(s.metrics),
		clearing.WithLogger(s.logger.With().Str("source", clearing.AuditSource).Logger()),
	)
	s.clearing.OnCommit(s.onClearingCommit)

	for _, vc := range cfg.Venues {
		if vc.ID == "" || vc.ID == clearing.AuditSource {
			return nil, fmt.Errorf("core: invalid venue id %q", vc.ID)
		}
		if _, dup := s.venues[vc.ID]; dup {
			return nil, fmt.Errorf("core: duplicate venue %q", vc.ID)
		}

		l := ledger.New(ledger.Config{
			VenueID:       vc.ID,
			Caps:          vc.Caps,
			DedupCapacity: cfg.DedupCapacity,
			AuditRetain:   cfg.AuditRetain,
		},
			ledger.WithClock(s.now),
			ledger.WithAuthorizer(s.authz),
			ledger.WithReferenceStore(s.store),
			ledger.WithMetrics(s.metrics),
			ledger.WithGuards(s.prices, s.calendar),
			ledger.WithLogger(s.logger.With().Str("venue", vc.ID).Logger()),
		)
		l.OnCommit(s.onLedgerCommit)
		s.venues[vc.ID] = l
		s.venueIDs = append(s.venueIDs, vc.ID)

		if vc.Clearing {
			err := s.clearing.RegisterParty(context.Background(), auth.SystemCaller, vc.ID, clearing.NewLedgerAdapter(l))
			if err != nil {
				return nil, fmt.Errorf("core: register party %s: %w", vc.ID, err)
			}
		}
	}

	s.logger.Info().
		Strs("venues", s.venueIDs).
		Strs("parties", s.clearing.Parties()).
		Msg("core service initialized")
	return s, nil
}

// Start finishes boot. With a snapshot, state is restored and the outputs of
// boot-time party registration are discarded, since an earlier run already
// persisted them. Without one, those outputs are emitted as sequence 1..n.
func (s *Service) Start(snap *Snapshot) error {
	if s.started.Load() {
		return errors.New("core: already started")
	}
	if snap != nil {
		if err := s.Restore(*snap); err != nil {
			return err
		}
	}

	s.emitMu.Lock()
	boot := s.boot
	s.boot = nil
	s.booting = false
	s.emitMu.Unlock()

	if snap == nil {
		for _, out := range boot {
			s.emit(out)
		}
	}
	s.started.Store(true)
	return nil
}

// Apply is the processing pipeline: dispatch, record metrics, return the
// result. Outputs are emitted from the commit hooks as a side effect.
func (s *Service) Apply(ctx context.Context, cmd event.Command) (Result, error) {
	if !s.started.Load() {
		return Result{}, errors.New("core: service not started")
	}
	start := time.Now()
	op := cmd.CommandType().String()

	s.gate.RLock()
	res, err := s.dispatch(ctx, cmd)
	s.gate.RUnlock()

	if !cmd.CommandType().IsVenueCommand() {
		s.refreshClearingGauges()
	}

	if err != nil {
		if s.metrics != nil {
			s.metrics.OpsRejected.WithLabelValues(op, errs.CodeOf(err)).Inc()
		}
		s.logger.Debug().
			Err(err).
			Str("op", op).
			Str("caller", cmd.CallerID()).
			Str("venue", cmd.VenueID()).
			Msg("command rejected")
		return Result{}, err
	}

	if s.metrics != nil {
		s.metrics.OpsApplied.WithLabelValues(op).Inc()
		s.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return res, nil
}

func (s *Service) dispatch(ctx context.Context, cmd event.Command) (Result, error) {
	if cmd.CommandType().IsVenueCommand() {
		l, err := s.Venue(cmd.VenueID())
		if err != nil {
			return Result{}, err
		}
		return s.dispatchVenue(ctx, l, cmd)
	}

	switch c := cmd.(type) {
	case *event.RecordObligation:
		ob, err := s.clearing.RecordObligation(ctx, c.Caller, c.From, c.To, c.Amount, c.ReferenceID)
		if err != nil {
			return Result{}, err
		}
		return Result{Obligation: &ob}, nil

	case *event.SettleImmediate:
		tr, err := s.clearing.SettleImmediate(ctx, c.Caller, c.From, c.To, c.Amount, c.ReferenceID)
		if err != nil {
			return Result{}, err
		}
		return Result{Transfer: &tr}, nil

	case *event.ExecuteNetting:
		if err := s.authz.Require(c.Caller, auth.RoleTriggerNetting); err != nil {
			return Result{}, err
		}
		start := time.Now()
		summary, err := s.clearing.ExecuteNetting(ctx, c.Caller)
		if err != nil {
			return Result{}, err
		}
		if s.metrics != nil {
			s.metrics.NettingDuration.Observe(time.Since(start).Seconds())
		}
		return Result{Netting: &summary}, nil

	case *event.DepositGuarantee:
		g, err := s.clearing.DepositGuarantee(ctx, c.Caller, c.Party, c.Amount)
		if err != nil {
			return Result{}, err
		}
		return Result{Guarantee: &g}, nil

	case *event.WithdrawGuarantee:
		g, err := s.clearing.WithdrawGuarantee(ctx, c.Caller, c.Party, c.Amount)
		if err != nil {
			return Result{}, err
		}
		return Result{Guarantee: &g}, nil

	case *event.SetGuaranteeMinimum:
		if err := s.clearing.SetGuaranteeMinimum(ctx, c.Caller, c.Party, c.Minimum); err != nil {
			return Result{}, err
		}
		g := s.clearing.Guarantee(c.Party)
		return Result{Guarantee: &g}, nil

	case *event.ContributeDefaultFund:
		fund, err := s.clearing.ContributeDefaultFund(ctx, c.Caller, c.Amount)
		if err != nil {
			return Result{}, err
		}
		return Result{DefaultFund: &fund}, nil

	case *event.ResolveManual:
		return Result{}, s.clearing.ResolveManual(ctx, c.Caller, c.ID)

	case *event.PriceUpdate:
		if err := s.authz.Require(c.Caller, auth.RolePriceFeed); err != nil {
			return Result{}, err
		}
		return Result{}, s.prices.UpdatePrice(c.Symbol, c.Price, c.Timestamp)

	case *event.HaltMarket:
		if err := s.authz.Require(c.Caller, auth.RoleGovernance); err != nil {
			return Result{}, err
		}
		s.calendar.Halt(c.Symbol)
		s.logger.Warn().Str("symbol", c.Symbol).Str("caller", c.Caller).Msg("market halted")
		return Result{}, nil

	case *event.ResumeMarket:
		if err := s.authz.Require(c.Caller, auth.RoleGovernance); err != nil {
			return Result{}, err
		}
		s.calendar.Resume(c.Symbol)
		s.logger.Info().Str("symbol", c.Symbol).Str("caller", c.Caller).Msg("market resumed")
		return Result{}, nil
	}
	return Result{}, fmt.Errorf("%w: %T", errs.ErrUnknownCommand, cmd)
}

func (s *Service) dispatchVenue(ctx context.Context, l *ledger.AccountLedger, cmd event.Command) (Result, error) {
	var (
		acct ledger.Account
		err  error
	)

	switch c := cmd.(type) {
	case *event.Deposit:
		if err := s.requireOwnerOr(c.Caller, c.Account, auth.RoleDeposit); err != nil {
			return Result{}, err
		}
		acct, err = l.Deposit(ctx, c.Account, c.Amount)

	case *event.WithdrawCollateral:
		if err := s.requireOwnerOr(c.Caller, c.Account, auth.RoleWithdraw); err != nil {
			return Result{}, err
		}
		acct, err = l.WithdrawCollateral(ctx, c.Account, c.Amount)

	case *event.WithdrawPnL:
		if err := s.requireOwnerOr(c.Caller, c.Account, auth.RoleWithdraw); err != nil {
			return Result{}, err
		}
		acct, err = l.WithdrawPnL(ctx, c.Account, c.Amount)

	case *event.CreditPnl:
		if c.Symbol != "" {
			acct, err = l.GuardedCreditPnl(ctx, c.Caller, c.Symbol, c.Account, c.Amount, c.ReferenceID)
		} else {
			acct, err = l.CreditPnl(ctx, c.Caller, c.Account, c.Amount, c.ReferenceID)
		}

	case *event.SeizeCollateral:
		var res ledger.SeizeResult
		if c.Symbol != "" {
			res, err = l.GuardedSeizeCollateral(ctx, c.Caller, c.Symbol, c.Account, c.Amount, c.ReferenceID)
		} else {
			res, err = l.SeizeCollateral(ctx, c.Caller, c.Account, c.Amount, c.ReferenceID)
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Seizure: &res}, nil

	case *event.LockMargin:
		acct, err = l.LockMargin(ctx, c.Caller, c.Account, c.Amount, c.PositionID)

	case *event.UnlockMargin:
		acct, err = l.UnlockMargin(ctx, c.Caller, c.Account, c.Amount, c.PositionID)

	case *event.FundPool:
		return poolResult(l.FundPool(ctx, c.Caller, c.Amount))

	case *event.DepositInsurance:
		return poolResult(l.DepositInsurance(ctx, c.Caller, c.Amount))

	case *event.WithdrawInsurance:
		return poolResult(l.WithdrawInsurance(ctx, c.Caller, c.Amount))

	case *event.SetCaps:
		return Result{}, l.SetCaps(ctx, c.Caller, c.Caps)

	case *event.SetAccountCap:
		return Result{}, l.SetAccountCap(ctx, c.Caller, c.Account, c.Limit)

	case *event.SuspendSettlement:
		return Result{}, l.SuspendSettlement(ctx, c.Caller)

	case *event.ResumeSettlement:
		return Result{}, l.ResumeSettlement(ctx, c.Caller)

	default:
		return Result{}, fmt.Errorf("%w: %T", errs.ErrUnknownCommand, cmd)
	}

	if err != nil {
		return Result{}, err
	}
	return Result{Account: &acct}, nil
}

func poolResult(p ledger.PoolState, err error) (Result, error) {
	if err != nil {
		return Result{}, err
	}
	return Result{Pools: &p}, nil
}

// requireOwnerOr lets account owners act on their own account and everyone
// else only with role.
func (s *Service) requireOwnerOr(caller, accountID string, role auth.Role) error {
	if caller != "" && caller == accountID {
		return nil
	}
	return s.authz.Require(caller, role)
}

// ============================================================================
// Output emission
// ============================================================================

func (s *Service) onLedgerCommit(c ledger.Commit) {
	if s.metrics != nil {
		s.metrics.FundingPoolBalance.WithLabelValues(c.Venue).Set(float64(c.Pools.FundingPool))
		s.metrics.InsuranceFundBalance.WithLabelValues(c.Venue).Set(float64(c.Pools.InsuranceFund))
		s.metrics.SocializedLossTotal.WithLabelValues(c.Venue).Set(float64(c.Pools.SocializedLoss))
		for _, rec := range c.Records {
			switch rec.Kind {
			case ledger.KindInsuranceDraw:
				s.metrics.SeizureShortfall.WithLabelValues(c.Venue, "insurance").Add(float64(rec.Amount))
			case ledger.KindSocializedLoss:
				s.metrics.SeizureShortfall.WithLabelValues(c.Venue, "socialized").Add(float64(rec.Amount))
			}
		}
	}
	s.emit(Output{Source: c.Venue, Ledger: &c})
}

func (s *Service) onClearingCommit(o clearing.Output) {
	if s.metrics != nil {
		if o.Netting != nil {
			s.metrics.NettingRuns.Inc()
			s.metrics.NettingGrossVolume.Add(float64(o.Netting.GrossVolume))
			s.metrics.NettingNetVolume.Add(float64(o.Netting.NetVolume))
			s.metrics.NettingPairs.Add(float64(len(o.Netting.Pairs)))
			for _, tr := range o.Netting.Transfers {
				s.observeTransfer(tr)
			}
		}
		if o.Transfer != nil {
			s.observeTransfer(*o.Transfer)
		}
	}
	s.emit(Output{Source: clearing.AuditSource, Clearing: &o})
}

func (s *Service) observeTransfer(tr clearing.TransferResult) {
	s.metrics.WaterfallLayer.WithLabelValues("direct").Add(float64(tr.DirectPaid))
	s.metrics.WaterfallLayer.WithLabelValues("guarantee").Add(float64(tr.FromGuarantee))
	s.metrics.WaterfallLayer.WithLabelValues("default_fund").Add(float64(tr.FromDefaultFund))
	s.metrics.WaterfallLayer.WithLabelValues("unfunded").Add(float64(tr.Unfunded))
}

// refreshClearingGauges runs outside the clearing lock; commit hooks cannot
// read engine state.
func (s *Service) refreshClearingGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.DefaultFundBalance.Set(float64(s.clearing.DefaultFund()))
	s.metrics.PendingObligations.Set(float64(len(s.clearing.Pending())))
	s.metrics.ManualResolutions.Set(float64(len(s.clearing.ManualResolutions())))
}

// emit runs under the committing ledger's or engine's lock. emitMu makes
// channel order match sequence order across sources.
func (s *Service) emit(out Output) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.booting {
		s.boot = append(s.boot, out)
		return
	}

	out.Sequence = s.sequence.Add(1)
	out.CommittedAt = s.now()

	if s.persistChan != nil {
		// Blocking send: the core stalls until the persistence worker drains,
		// so no committed change is lost.
		select {
		case s.persistChan <- out:
		default:
			if s.metrics != nil {
				s.metrics.PersistBackpressure.Inc()
			}
			s.persistChan <- out
		}
	}

	if s.publishChan != nil {
		// Non-blocking: projections and the audit stream can rebuild from
		// the persisted audit log.
		select {
		case s.publishChan <- out:
		default:
			if s.metrics != nil {
				s.metrics.PublishDrops.Inc()
			}
		}
	}

	if s.metrics != nil {
		s.metrics.CoreSequence.Set(float64(out.Sequence))
	}
}

// ============================================================================
// Netting scheduler
// ============================================================================

// RunNettingScheduler polls every tick and triggers netting as SystemCaller
// once the window has elapsed. It returns when ctx is done.
func (s *Service) RunNettingScheduler(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.now().Before(s.clearing.NextNetting()) {
				continue
			}
			_, err := s.Apply(ctx, &event.ExecuteNetting{Meta: event.Meta{Caller: auth.SystemCaller}})
			if err != nil && !errors.Is(err, errs.ErrWindowNotElapsed) {
				s.logger.Error().Err(err).Msg("scheduled netting failed")
			}
		}
	}
}

// ============================================================================
// Reads
// ============================================================================

// Venue returns the ledger for a venue id.
func (s *Service) Venue(id string) (*ledger.AccountLedger, error) {
	l, ok := s.venues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownVenue, id)
	}
	return l, nil
}

// Venues lists venue ids in config order.
func (s *Service) Venues() []string {
	out := make([]string, len(s.venueIDs))
	copy(out, s.venueIDs)
	return out
}

func (s *Service) Clearing() *clearing.ClearingEngine {
	return s.clearing
}

func (s *Service) Prices() *guard.PriceBook {
	return s.prices
}

func (s *Service) Calendar() *guard.Calendar {
	return s.calendar
}

// Sequence returns the last emitted output sequence.
func (s *Service) Sequence() int64 {
	return s.sequence.Load()
}

// Validate checks every ledger's invariants.
func (s *Service) Validate() error {
	for _, id := range s.venueIDs {
		if err := s.venues[id].Validate(); err != nil {
			return fmt.Errorf("venue %s: %w", id, err)
		}
	}
	return nil
}

// ============================================================================
// Snapshot / restore
// ============================================================================

// Snapshot is the serializable state of the whole service.
type Snapshot struct {
	Sequence int64          `json:"sequence"`
	TakenAt  time.Time      `json:"taken_at"`
	Venues   []ledger.State `json:"venues"`
	Clearing clearing.State `json:"clearing"`
}

// Snapshot captures a consistent cut across all venues and the clearing
// engine.
func (s *Service) Snapshot() Snapshot {
	s.gate.Lock()
	defer s.gate.Unlock()

	snap := Snapshot{
		Sequence: s.sequence.Load(),
		TakenAt:  s.now().UTC(),
		Clearing: s.clearing.Snapshot(),
	}
	for _, id := range s.venueIDs {
		snap.Venues = append(snap.Venues, s.venues[id].Snapshot())
	}
	return snap
}

// Restore loads a snapshot taken by Snapshot. Venues absent from the
// snapshot keep their fresh state; a snapshot venue that is no longer
// configured is an error.
func (s *Service) Restore(snap Snapshot) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	for _, st := range snap.Venues {
		if _, ok := s.venues[st.Venue]; !ok {
			return fmt.Errorf("%w: snapshot venue %q is not configured", errs.ErrUnknownVenue, st.Venue)
		}
	}
	for _, st := range snap.Venues {
		if err := s.venues[st.Venue].Restore(st); err != nil {
			return fmt.Errorf("restore venue %s: %w", st.Venue, err)
		}
	}
	if err := s.clearing.Restore(snap.Clearing); err != nil {
		return fmt.Errorf("restore clearing: %w", err)
	}
	s.sequence.Store(snap.Sequence)

	s.logger.Info().
		Int64("sequence", snap.Sequence).
		Time("taken_at", snap.TakenAt).
		Int("venues", len(snap.Venues)).
		Msg("state restored from snapshot")
	return nil
}

// WarmReferences preloads recently applied reference ids into the hot tiers,
// keyed by dedup scope ("ledger:<venue>" or "clearing").
func (s *Service) WarmReferences(byScope map[string][]string) {
	scopes := make([]string, 0, len(byScope))
	for scope := range byScope {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)

	for _, scope := range scopes {
		ids := byScope[scope]
		if scope == clearing.AuditSource {
			s.clearing.WarmReferences(ids)
			continue
		}
		if l, ok := s.venues[LedgerScopeVenue(scope)]; ok {
			l.WarmReferences(ids)
		}
	}
}

// LedgerScopeVenue extracts the venue id from a ledger dedup scope.
func LedgerScopeVenue(scope string) string {
	const prefix = "ledger:"
	if len(scope) > len(prefix) && scope[:len(prefix)] == prefix {
		return scope[len(prefix):]
	}
	return ""
}
