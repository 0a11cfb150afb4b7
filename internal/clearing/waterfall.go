package clearing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ClearLedger/internal/ledger"
)

// TransferStatus says which waterfall layers funded a transfer.
type TransferStatus int

const (
	StatusSettled TransferStatus = iota
	StatusCoveredByGuarantee
	StatusCoveredByDefaultFund
	StatusPartial
	StatusUnfunded
)

func (s TransferStatus) String() string {
	switch s {
	case StatusSettled:
		return "settled"
	case StatusCoveredByGuarantee:
		return "covered_by_guarantee"
	case StatusCoveredByDefaultFund:
		return "covered_by_default_fund"
	case StatusPartial:
		return "partial"
	default:
		return "unfunded"
	}
}

func (s TransferStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TransferResult is the outcome of one waterfall transfer. A partial outcome
// is a value, not an error: Unfunded > 0 always comes with a ManualResolution.
type TransferResult struct {
	From            string         `json:"from"`
	To              string         `json:"to"`
	ReferenceID     string         `json:"reference_id"`
	Requested       int64          `json:"requested"`
	DirectPaid      int64          `json:"direct_paid"`
	FromGuarantee   int64          `json:"from_guarantee"`
	FromDefaultFund int64          `json:"from_default_fund"`
	Delivered       int64          `json:"delivered"`
	Unfunded        int64          `json:"unfunded"`
	DeliveryFailed  bool           `json:"delivery_failed,omitempty"`
	Status          TransferStatus `json:"status"`
}

// Collected is what the waterfall gathered from the payer side.
func (r TransferResult) Collected() int64 {
	return r.DirectPaid + r.FromGuarantee + r.FromDefaultFund
}

// transfer moves amount from -> to through the default waterfall. It never
// fails: whatever was collected is delivered and any gap is flagged.
// Caller holds e.mu.
//
// Funds collected in the engine's book pass through system:suspense. A
// delivered amount leaves to external:clearing; an undeliverable one stays in
// suspense until resolved.
func (e *ClearingEngine) transfer(ctx context.Context, out *Output, from, to string, amount int64, ref string, now time.Time) TransferResult {
	res := TransferResult{From: from, To: to, ReferenceID: ref, Requested: amount}
	batch := ledger.NewBatch(ref, now.UnixMicro())

	payOut := e.adapters[from].PayOut(ctx, amount, ref)
	if payOut == PaySucceeded {
		res.DirectPaid = amount
		batch.Add(suspenseKey, externalClearingKey, amount, ledger.JournalTypeClearingPayOut)
	} else {
		res.FromGuarantee = e.guarantee.Consume(batch, from, amount)
		remaining := amount - res.FromGuarantee
		res.FromDefaultFund = min(remaining, e.tracker.GetBalance(defaultFundKey))
		batch.Add(suspenseKey, defaultFundKey, res.FromDefaultFund, ledger.JournalTypeDefaultFundConsume)
	}

	collected := res.Collected()
	res.Unfunded = amount - collected

	if collected > 0 {
		if e.adapters[to].PayIn(ctx, collected, ref) == PaySucceeded {
			res.Delivered = collected
			batch.Add(externalClearingKey, suspenseKey, collected, ledger.JournalTypeClearingDelivery)
		} else {
			res.DeliveryFailed = true
			e.flag(out, from, to, collected, ReasonPayInFailed, ref, now)
		}
	}
	if res.Unfunded > 0 {
		e.flag(out, from, to, res.Unfunded, ReasonUnfunded, ref, now)
	}

	if len(batch.Journals) > 0 {
		if err := e.tracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: clearing batch failed to apply: %v", err))
		}
		out.Batches = append(out.Batches, batch)
	}

	switch {
	case res.DirectPaid == amount:
		res.Status = StatusSettled
	case res.Unfunded == 0 && res.FromDefaultFund == 0:
		res.Status = StatusCoveredByGuarantee
	case res.Unfunded == 0:
		res.Status = StatusCoveredByDefaultFund
	case collected > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusUnfunded
	}

	out.Records = append(out.Records, e.appendAudit(KindTransfer, pairLabel(from, to), res.Delivered, ref, ""))

	ev := e.logger.Debug()
	if res.Status != StatusSettled {
		ev = e.logger.Warn().Str("pay_out", payOut.String())
	}
	ev.Str("from", from).
		Str("to", to).
		Str("reference_id", ref).
		Int64("requested", amount).
		Int64("from_guarantee", res.FromGuarantee).
		Int64("from_default_fund", res.FromDefaultFund).
		Int64("delivered", res.Delivered).
		Int64("unfunded", res.Unfunded).
		Str("status", res.Status.String()).
		Msg("clearing transfer")
	return res
}

func (e *ClearingEngine) flag(out *Output, from, to string, amount int64, reason, ref string, now time.Time) {
	r := ManualResolution{
		ID:          uuid.New(),
		From:        from,
		To:          to,
		Amount:      amount,
		Reason:      reason,
		ReferenceID: ref,
		CreatedAt:   now.UTC(),
	}
	e.resolutions = append(e.resolutions, r)
	out.Resolutions = append(out.Resolutions, r)
	out.Records = append(out.Records, e.appendAudit(KindManualResolution, pairLabel(from, to), amount, ref, ""))
}
