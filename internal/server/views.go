package server

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ClearLedger/internal/clearing"
	"ClearLedger/internal/core"
	"ClearLedger/internal/ingestion"
	"ClearLedger/internal/ledger"
	"ClearLedger/internal/query"
)

// API views render every amount as a decimal string in major units, the
// same scale commands are submitted in.

type AccountView struct {
	Venue               string          `json:"venue"`
	AccountID           string          `json:"account_id"`
	Collateral          decimal.Decimal `json:"collateral"`
	PnL                 decimal.Decimal `json:"pnl"`
	MarginInUse         decimal.Decimal `json:"margin_in_use"`
	Available           decimal.Decimal `json:"available"`
	WithdrawnToday      decimal.Decimal `json:"withdrawn_today"`
	VenueWithdrawnToday decimal.Decimal `json:"venue_withdrawn_today"`
	SettlementSuspended bool            `json:"settlement_suspended"`
	AsOfSequence        int64           `json:"as_of_sequence"`
}

type PoolsView struct {
	Venue          string          `json:"venue"`
	FundingPool    decimal.Decimal `json:"funding_pool"`
	InsuranceFund  decimal.Decimal `json:"insurance_fund"`
	SocializedLoss decimal.Decimal `json:"socialized_loss"`
	AsOfSequence   int64           `json:"as_of_sequence"`
}

type SeizeView struct {
	Requested        decimal.Decimal `json:"requested"`
	Seized           decimal.Decimal `json:"seized"`
	Shortfall        decimal.Decimal `json:"shortfall"`
	InsuranceCovered decimal.Decimal `json:"insurance_covered"`
	Socialized       decimal.Decimal `json:"socialized"`
}

type ObligationView struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id"`
	Timestamp   time.Time       `json:"timestamp"`
}

type TransferView struct {
	From            string          `json:"from"`
	To              string          `json:"to"`
	ReferenceID     string          `json:"reference_id"`
	Status          string          `json:"status"`
	Requested       decimal.Decimal `json:"requested"`
	DirectPaid      decimal.Decimal `json:"direct_paid"`
	FromGuarantee   decimal.Decimal `json:"from_guarantee"`
	FromDefaultFund decimal.Decimal `json:"from_default_fund"`
	Delivered       decimal.Decimal `json:"delivered"`
	Unfunded        decimal.Decimal `json:"unfunded"`
	DeliveryFailed  bool            `json:"delivery_failed,omitempty"`
}

type PairView struct {
	A           string          `json:"a"`
	B           string          `json:"b"`
	Net         decimal.Decimal `json:"net"`
	Obligations int             `json:"obligations"`
}

type NettingView struct {
	Round           int64           `json:"round"`
	ExecutedAt      time.Time       `json:"executed_at"`
	ObligationCount int             `json:"obligation_count"`
	GrossVolume     decimal.Decimal `json:"gross_volume"`
	NetVolume       decimal.Decimal `json:"net_volume"`
	Savings         decimal.Decimal `json:"savings"`
	Pairs           []PairView      `json:"pairs,omitempty"`
	Transfers       []TransferView  `json:"transfers,omitempty"`
}

type GuaranteeView struct {
	Party   string          `json:"party"`
	Balance decimal.Decimal `json:"balance"`
	Minimum decimal.Decimal `json:"minimum"`
}

type ResolutionView struct {
	ID          uuid.UUID       `json:"id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	ReferenceID string          `json:"reference_id"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// ResultView is what a command produced. Fields the command did not touch
// are omitted.
type ResultView struct {
	Account     *AccountView     `json:"account,omitempty"`
	Seizure     *SeizeView       `json:"seizure,omitempty"`
	Pools       *PoolsView       `json:"pools,omitempty"`
	Obligation  *ObligationView  `json:"obligation,omitempty"`
	Transfer    *TransferView    `json:"transfer,omitempty"`
	Netting     *NettingView     `json:"netting,omitempty"`
	Guarantee   *GuaranteeView   `json:"guarantee,omitempty"`
	DefaultFund *decimal.Decimal `json:"default_fund,omitempty"`
}

type ClearingView struct {
	Parties      []string         `json:"parties"`
	Guarantees   []GuaranteeView  `json:"guarantees"`
	DefaultFund  decimal.Decimal  `json:"default_fund"`
	Pending      []ObligationView `json:"pending"`
	Resolutions  []ResolutionView `json:"resolutions"`
	LastNetting  time.Time        `json:"last_netting"`
	NextNetting  time.Time        `json:"next_netting"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

type MarketView struct {
	Symbol    string           `json:"symbol"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	PriceTime *time.Time       `json:"price_time,omitempty"`
	PriceErr  string           `json:"price_error,omitempty"`
	CanTrade  bool             `json:"can_trade"`
	TradeErr  string           `json:"trade_error,omitempty"`
}

type AuditView struct {
	ID             uuid.UUID       `json:"id"`
	Source         string          `json:"source"`
	Sequence       int64           `json:"sequence"`
	Kind           string          `json:"kind"`
	Account        string          `json:"account,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	Caller         string          `json:"caller,omitempty"`
	RecordedAt     time.Time       `json:"recorded_at"`
	Hash           string          `json:"hash"`
	OutputSequence int64           `json:"output_sequence"`
}

type JournalView struct {
	JournalID      string          `json:"journal_id"`
	BatchID        string          `json:"batch_id"`
	EventRef       string          `json:"event_ref"`
	Source         string          `json:"source"`
	OutputSequence int64           `json:"output_sequence"`
	DebitAccount   string          `json:"debit_account"`
	CreditAccount  string          `json:"credit_account"`
	Amount         decimal.Decimal `json:"amount"`
	JournalType    string          `json:"journal_type"`
	Timestamp      time.Time       `json:"timestamp"`
}

type ObligationHistoryView struct {
	ObligationView
	Status       string `json:"status"`
	NettingRound *int64 `json:"netting_round,omitempty"`
}

type NettingRoundView struct {
	Round           int64           `json:"round"`
	ExecutedAt      time.Time       `json:"executed_at"`
	ObligationCount int             `json:"obligation_count"`
	GrossVolume     decimal.Decimal `json:"gross_volume"`
	NetVolume       decimal.Decimal `json:"net_volume"`
	Savings         decimal.Decimal `json:"savings"`
	Delivered       decimal.Decimal `json:"delivered"`
}

type IntegrityView = query.IntegrityReport

// renderer converts ledger units into API views.
type renderer struct {
	dec *ingestion.Decoder
}

func (r renderer) m(units int64) decimal.Decimal {
	return r.dec.Major(units)
}

func (r renderer) account(venue string, a ledger.Account) *AccountView {
	return &AccountView{
		Venue:       venue,
		AccountID:   a.ID,
		Collateral:  r.m(a.Collateral),
		PnL:         r.m(a.PnL),
		MarginInUse: r.m(a.MarginInUse),
		Available:   r.m(a.Available()),
	}
}

func (r renderer) pools(venue string, p ledger.PoolState) *PoolsView {
	return &PoolsView{
		Venue:          venue,
		FundingPool:    r.m(p.FundingPool),
		InsuranceFund:  r.m(p.InsuranceFund),
		SocializedLoss: r.m(p.SocializedLoss),
	}
}

func (r renderer) obligation(o clearing.Obligation) ObligationView {
	return ObligationView{From: o.From, To: o.To, Amount: r.m(o.Amount), ReferenceID: o.ReferenceID, Timestamp: o.Timestamp}
}

func (r renderer) transfer(t clearing.TransferResult) TransferView {
	return TransferView{
		From:            t.From,
		To:              t.To,
		ReferenceID:     t.ReferenceID,
		Status:          t.Status.String(),
		Requested:       r.m(t.Requested),
		DirectPaid:      r.m(t.DirectPaid),
		FromGuarantee:   r.m(t.FromGuarantee),
		FromDefaultFund: r.m(t.FromDefaultFund),
		Delivered:       r.m(t.Delivered),
		Unfunded:        r.m(t.Unfunded),
		DeliveryFailed:  t.DeliveryFailed,
	}
}

func (r renderer) netting(n clearing.NettingSummary) *NettingView {
	v := &NettingView{
		Round:           n.Round,
		ExecutedAt:      n.ExecutedAt,
		ObligationCount: n.ObligationCount,
		GrossVolume:     r.m(n.GrossVolume),
		NetVolume:       r.m(n.NetVolume),
		Savings:         r.m(n.Savings),
	}
	for _, p := range n.Pairs {
		v.Pairs = append(v.Pairs, PairView{A: p.A, B: p.B, Net: r.m(p.Net), Obligations: p.Obligations})
	}
	for _, t := range n.Transfers {
		v.Transfers = append(v.Transfers, r.transfer(t))
	}
	return v
}

func (r renderer) guarantee(g clearing.GuaranteeState) GuaranteeView {
	return GuaranteeView{Party: g.Party, Balance: r.m(g.Balance), Minimum: r.m(g.Minimum)}
}

func (r renderer) resolution(mr clearing.ManualResolution) ResolutionView {
	return ResolutionView{
		ID:          mr.ID,
		From:        mr.From,
		To:          mr.To,
		Amount:      r.m(mr.Amount),
		Reason:      mr.Reason,
		ReferenceID: mr.ReferenceID,
		CreatedAt:   mr.CreatedAt,
	}
}

func (r renderer) result(venue string, res core.Result) ResultView {
	var v ResultView
	if res.Account != nil {
		v.Account = r.account(venue, *res.Account)
	}
	if s := res.Seizure; s != nil {
		v.Seizure = &SeizeView{
			Requested:        r.m(s.Requested),
			Seized:           r.m(s.Seized),
			Shortfall:        r.m(s.Shortfall),
			InsuranceCovered: r.m(s.InsuranceCovered),
			Socialized:       r.m(s.Socialized),
		}
	}
	if res.Pools != nil {
		v.Pools = r.pools(venue, *res.Pools)
	}
	if res.Obligation != nil {
		ob := r.obligation(*res.Obligation)
		v.Obligation = &ob
	}
	if res.Transfer != nil {
		tr := r.transfer(*res.Transfer)
		v.Transfer = &tr
	}
	if res.Netting != nil {
		v.Netting = r.netting(*res.Netting)
	}
	if res.Guarantee != nil {
		g := r.guarantee(*res.Guarantee)
		v.Guarantee = &g
	}
	if res.DefaultFund != nil {
		fund := r.m(*res.DefaultFund)
		v.DefaultFund = &fund
	}
	return v
}

func (r renderer) audit(e query.AuditEntry) AuditView {
	return AuditView{
		ID:             e.ID,
		Source:         e.Source,
		Sequence:       e.Sequence,
		Kind:           e.Kind,
		Account:        e.Account,
		Amount:         r.m(e.Amount),
		ReferenceID:    e.ReferenceID,
		Caller:         e.Caller,
		RecordedAt:     e.RecordedAt,
		Hash:           e.Hash,
		OutputSequence: e.OutputSequence,
	}
}

func (r renderer) journal(e query.JournalEntry) JournalView {
	return JournalView{
		JournalID:      e.JournalID,
		BatchID:        e.BatchID,
		EventRef:       e.EventRef,
		Source:         e.Source,
		OutputSequence: e.OutputSequence,
		DebitAccount:   e.DebitAccount,
		CreditAccount:  e.CreditAccount,
		Amount:         r.m(e.Amount),
		JournalType:    ledger.JournalType(e.JournalType).String(),
		Timestamp:      time.UnixMicro(e.Timestamp).UTC(),
	}
}

func (r renderer) obligationHistory(e query.ObligationEntry) ObligationHistoryView {
	return ObligationHistoryView{
		ObligationView: ObligationView{From: e.From, To: e.To, Amount: r.m(e.Amount), ReferenceID: e.ReferenceID, Timestamp: e.RecordedAt},
		Status:         e.Status,
		NettingRound:   e.NettingRound,
	}
}

func (r renderer) round(e query.NettingRound) NettingRoundView {
	return NettingRoundView{
		Round:           e.Round,
		ExecutedAt:      e.ExecutedAt,
		ObligationCount: e.ObligationCount,
		GrossVolume:     r.m(e.GrossVolume),
		NetVolume:       r.m(e.NetVolume),
		Savings:         r.m(e.Savings),
		Delivered:       r.m(e.Delivered),
	}
}

func (r renderer) resolutionEntry(e query.ResolutionEntry) ResolutionView {
	return ResolutionView{
		ID:          e.ID,
		From:        e.From,
		To:          e.To,
		Amount:      r.m(e.Amount),
		Reason:      e.Reason,
		ReferenceID: e.ReferenceID,
		CreatedAt:   e.CreatedAt,
		ResolvedAt:  e.ResolvedAt,
	}
}
