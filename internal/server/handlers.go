package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ClearLedger/internal/auth"
	"ClearLedger/internal/clearing"
	"ClearLedger/internal/errs"
	"ClearLedger/internal/event"
	"ClearLedger/internal/guard"
	"ClearLedger/internal/ingestion"
	"ClearLedger/internal/ledger"
	"ClearLedger/internal/query"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Core is the live state behind the API. *core.Service implements it.
type Core interface {
	ingestion.Applier
	Venue(id string) (*ledger.AccountLedger, error)
	Clearing() *clearing.ClearingEngine
	Prices() *guard.PriceBook
	Calendar() *guard.Calendar
	Sequence() int64
}

// History answers queries over the persisted log. *query.QueryService
// implements it.
type History interface {
	GetAuditTrail(ctx context.Context, source, account string, limit int, beforeSequence *int64) ([]query.AuditEntry, error)
	GetByReference(ctx context.Context, referenceID string) ([]query.AuditEntry, error)
	GetJournalHistory(ctx context.Context, source, accountID string, limit int, beforeOutput *int64) ([]query.JournalEntry, error)
	ListObligations(ctx context.Context, status string, limit int) ([]query.ObligationEntry, error)
	ListNettingRounds(ctx context.Context, limit int) ([]query.NettingRound, error)
	ListResolutions(ctx context.Context, openOnly bool) ([]query.ResolutionEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Admin runs operator maintenance tasks.
type Admin interface {
	TakeSnapshot(ctx context.Context) (sequence int64, size int, err error)
	RebuildProjections(ctx context.Context) (sequence int64, err error)
}

// ledgerService implements LedgerServer.
type ledgerService struct {
	core    Core
	history History
	admin   Admin
	authz   auth.Authorizer
	decoder *ingestion.Decoder
	r       renderer
	logger  zerolog.Logger
}

func newLedgerService(deps *ServerDeps) *ledgerService {
	authz := deps.Authorizer
	if authz == nil {
		authz = auth.NewTable(nil)
	}
	return &ledgerService{
		core:    deps.Core,
		history: deps.History,
		admin:   deps.Admin,
		authz:   authz,
		decoder: deps.Decoder,
		r:       renderer{dec: deps.Decoder},
		logger:  deps.Logger,
	}
}

func (s *ledgerService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	op, ok := event.ParseCommandType(req.Op)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownCommand, req.Op)
	}

	meta := event.Meta{Caller: CallerFrom(ctx), ReceivedAt: time.Now().UTC()}
	if op.IsVenueCommand() {
		if req.Venue == "" {
			return nil, fmt.Errorf("%w: venue is required for %s", errs.ErrInvalidPayload, op)
		}
		meta.Venue = req.Venue
	}

	cmd, err := s.decoder.Decode(op, meta, req.Payload)
	if err != nil {
		return nil, err
	}
	if err := fillSymbol(cmd, req.Symbol); err != nil {
		return nil, err
	}

	res, err := s.core.Apply(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{
		Op:       op.String(),
		Sequence: s.core.Sequence(),
		Result:   s.r.result(req.Venue, res),
	}, nil
}

func (s *ledgerService) GetAccount(ctx context.Context, req *AccountRequest) (*AccountView, error) {
	if req.Venue == "" || req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "venue and account are required")
	}
	if err := s.requireOwnerOrOperator(CallerFrom(ctx), req.Account); err != nil {
		return nil, err
	}

	l, err := s.core.Venue(req.Venue)
	if err != nil {
		return nil, err
	}
	acct, known := l.Account(req.Account)
	if !known {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownAccount, req.Account)
	}

	v := s.r.account(req.Venue, acct)
	used, global := l.CapUsage(req.Account)
	v.WithdrawnToday = s.r.m(used)
	v.VenueWithdrawnToday = s.r.m(global)
	v.SettlementSuspended = l.Suspended()
	v.AsOfSequence = s.core.Sequence()
	return v, nil
}

func (s *ledgerService) GetPools(ctx context.Context, req *VenueRequest) (*PoolsView, error) {
	l, err := s.core.Venue(req.Venue)
	if err != nil {
		return nil, err
	}
	v := s.r.pools(req.Venue, l.Pools())
	v.AsOfSequence = s.core.Sequence()
	return v, nil
}

func (s *ledgerService) GetClearing(ctx context.Context, _ *ClearingRequest) (*ClearingView, error) {
	e := s.core.Clearing()

	v := &ClearingView{
		Parties:     e.Parties(),
		DefaultFund: s.r.m(e.DefaultFund()),
		LastNetting: e.LastNetting(),
		NextNetting: e.NextNetting(),
	}
	for _, g := range e.Guarantees() {
		v.Guarantees = append(v.Guarantees, s.r.guarantee(g))
	}
	for _, ob := range e.Pending() {
		v.Pending = append(v.Pending, s.r.obligation(ob))
	}
	for _, mr := range e.ManualResolutions() {
		v.Resolutions = append(v.Resolutions, s.r.resolution(mr))
	}
	v.AsOfSequence = s.core.Sequence()
	return v, nil
}

func (s *ledgerService) GetMarket(ctx context.Context, req *MarketRequest) (*MarketView, error) {
	if req.Symbol == "" {
		return nil, status.Error(codes.InvalidArgument, "symbol is required")
	}

	v := &MarketView{Symbol: req.Symbol}
	price, ts, err := s.core.Prices().ValidatedPrice(req.Symbol)
	if err != nil {
		v.PriceErr = errs.CodeOf(err)
	} else {
		p := s.r.m(price)
		v.Price = &p
		v.PriceTime = &ts
	}
	if err := s.core.Calendar().RequireCanTrade(req.Symbol); err != nil {
		v.TradeErr = errs.CodeOf(err)
	} else {
		v.CanTrade = true
	}
	return v, nil
}

func (s *ledgerService) ListAudit(ctx context.Context, req *AuditRequest) (*AuditResponse, error) {
	if err := s.requireOperator(CallerFrom(ctx)); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, errHistoryUnavailable
	}

	var (
		entries []query.AuditEntry
		err     error
	)
	switch {
	case req.Reference != "":
		entries, err = s.history.GetByReference(ctx, req.Reference)
	case req.Source != "":
		entries, err = s.history.GetAuditTrail(ctx, req.Source, req.Account, pageSize(req.Limit), cursor(req.BeforeSequence))
	default:
		return nil, status.Error(codes.InvalidArgument, "source or reference is required")
	}
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}

	resp := &AuditResponse{Entries: make([]AuditView, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, s.r.audit(e))
	}
	return resp, nil
}

func (s *ledgerService) ListJournals(ctx context.Context, req *JournalRequest) (*JournalResponse, error) {
	if req.Source == "" {
		return nil, status.Error(codes.InvalidArgument, "source is required")
	}
	if err := s.requireOperator(CallerFrom(ctx)); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, errHistoryUnavailable
	}

	entries, err := s.history.GetJournalHistory(ctx, req.Source, req.Account, pageSize(req.Limit), cursor(req.BeforeOutput))
	if err != nil {
		return nil, fmt.Errorf("journals: %w", err)
	}
	resp := &JournalResponse{Entries: make([]JournalView, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, s.r.journal(e))
	}
	return resp, nil
}

func (s *ledgerService) ListObligations(ctx context.Context, req *ObligationsRequest) (*ObligationsResponse, error) {
	if s.history == nil {
		return nil, errHistoryUnavailable
	}
	switch req.Status {
	case "", "pending", "netted":
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown obligation status %q", req.Status)
	}

	entries, err := s.history.ListObligations(ctx, req.Status, pageSize(req.Limit))
	if err != nil {
		return nil, fmt.Errorf("obligations: %w", err)
	}
	resp := &ObligationsResponse{Obligations: make([]ObligationHistoryView, 0, len(entries))}
	for _, e := range entries {
		resp.Obligations = append(resp.Obligations, s.r.obligationHistory(e))
	}
	return resp, nil
}

func (s *ledgerService) ListNettingRounds(ctx context.Context, req *RoundsRequest) (*RoundsResponse, error) {
	if s.history == nil {
		return nil, errHistoryUnavailable
	}
	rounds, err := s.history.ListNettingRounds(ctx, pageSize(req.Limit))
	if err != nil {
		return nil, fmt.Errorf("netting rounds: %w", err)
	}
	resp := &RoundsResponse{Rounds: make([]NettingRoundView, 0, len(rounds))}
	for _, r := range rounds {
		resp.Rounds = append(resp.Rounds, s.r.round(r))
	}
	return resp, nil
}

func (s *ledgerService) ListResolutions(ctx context.Context, req *ResolutionsRequest) (*ResolutionsResponse, error) {
	if s.history == nil {
		return nil, errHistoryUnavailable
	}
	entries, err := s.history.ListResolutions(ctx, req.OpenOnly)
	if err != nil {
		return nil, fmt.Errorf("resolutions: %w", err)
	}
	resp := &ResolutionsResponse{Resolutions: make([]ResolutionView, 0, len(entries))}
	for _, e := range entries {
		resp.Resolutions = append(resp.Resolutions, s.r.resolutionEntry(e))
	}
	return resp, nil
}

// ============================================================================
// Admin
// ============================================================================

func (s *ledgerService) VerifyIntegrity(ctx context.Context, _ *AdminRequest) (*IntegrityView, error) {
	if err := s.requireOperator(CallerFrom(ctx)); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, errHistoryUnavailable
	}
	report, err := s.history.VerifyIntegrity(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify integrity: %w", err)
	}
	if !report.IsHealthy {
		s.logger.Error().Interface("sources", report.Sources).Msg("audit chain verification failed")
	}
	return report, nil
}

func (s *ledgerService) TakeSnapshot(ctx context.Context, _ *AdminRequest) (*SnapshotResponse, error) {
	if err := s.requireOperator(CallerFrom(ctx)); err != nil {
		return nil, err
	}
	if s.admin == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not configured")
	}
	seq, size, err := s.admin.TakeSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return &SnapshotResponse{Sequence: seq, Bytes: size}, nil
}

func (s *ledgerService) RebuildProjections(ctx context.Context, _ *AdminRequest) (*RebuildResponse, error) {
	if err := s.requireOperator(CallerFrom(ctx)); err != nil {
		return nil, err
	}
	if s.admin == nil {
		return nil, status.Error(codes.Unimplemented, "projections are not configured")
	}
	seq, err := s.admin.RebuildProjections(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild projections: %w", err)
	}
	return &RebuildResponse{Sequence: seq}, nil
}

// ============================================================================
// Helpers
// ============================================================================

var errHistoryUnavailable = status.Error(codes.Unavailable, "history store not configured")

// requireOperator admits governance callers.
func (s *ledgerService) requireOperator(caller string) error {
	return s.authz.Require(caller, auth.RoleGovernance)
}

// requireOwnerOrOperator admits the account owner, settlement callers and
// governance callers.
func (s *ledgerService) requireOwnerOrOperator(caller, accountID string) error {
	if caller == accountID {
		return nil
	}
	if err := s.authz.Require(caller, auth.RoleSettlement); err == nil {
		return nil
	}
	return s.authz.Require(caller, auth.RoleGovernance)
}

// fillSymbol sets the market of a market command from the request when the
// payload left it out.
func fillSymbol(cmd event.Command, symbol string) error {
	var target *string
	switch c := cmd.(type) {
	case *event.PriceUpdate:
		target = &c.Symbol
	case *event.HaltMarket:
		target = &c.Symbol
	case *event.ResumeMarket:
		target = &c.Symbol
	default:
		return nil
	}
	if *target == "" {
		*target = symbol
	}
	if *target == "" {
		return fmt.Errorf("%w: symbol is required for %s", errs.ErrInvalidPayload, cmd.CommandType())
	}
	return nil
}

func pageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

func cursor(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}
