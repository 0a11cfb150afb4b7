package clearing

import (
	"context"
	"fmt"
	"time"

	"ClearLedger/internal/errs"
)

// PairResult is the net position of one party pair. Net > 0 means A owes B.
type PairResult struct {
	A           string `json:"a"`
	B           string `json:"b"`
	Net         int64  `json:"net"`
	Obligations int    `json:"obligations"`
}

// NettingSummary reports one netting round.
type NettingSummary struct {
	Round           int64            `json:"round"`
	ExecutedAt      time.Time        `json:"executed_at"`
	ObligationCount int              `json:"obligation_count"`
	GrossVolume     int64            `json:"gross_volume"`
	NetVolume       int64            `json:"net_volume"`
	Savings         int64            `json:"savings"`
	Pairs           []PairResult     `json:"pairs,omitempty"`
	Transfers       []TransferResult `json:"transfers,omitempty"`
}

// Delivered sums what the round actually delivered.
func (s NettingSummary) Delivered() int64 {
	var total int64
	for _, t := range s.Transfers {
		total += t.Delivered
	}
	return total
}

// Unfunded sums the gaps flagged during the round.
func (s NettingSummary) Unfunded() int64 {
	var total int64
	for _, t := range s.Transfers {
		total += t.Unfunded
	}
	return total
}

type pairKey struct{ i, j int } // i < j

type pairNet struct {
	net   int64
	count int
}

// ExecuteNetting nets the pending set and runs one waterfall transfer per
// non-zero pair. Open to any caller once the window has elapsed. An empty
// pending set only advances the window.
func (e *ClearingEngine) ExecuteNetting(ctx context.Context, caller string) (NettingSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if next := e.lastNetting.Add(e.window); now.Before(next) {
		return NettingSummary{}, fmt.Errorf("%w: next netting at %s", errs.ErrWindowNotElapsed, next.UTC().Format(time.RFC3339))
	}

	nets, gross := e.indexPending()
	var netVolume int64
	for _, pn := range nets {
		netVolume += max(pn.net, -pn.net)
	}
	if err := e.admitSuspense(netVolume); err != nil {
		return NettingSummary{}, err
	}

	e.round++
	summary := NettingSummary{
		Round:           e.round,
		ExecutedAt:      now.UTC(),
		ObligationCount: len(e.pending),
		GrossVolume:     gross,
	}

	out := Output{}
	n := len(e.parties)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pn, ok := nets[pairKey{i, j}]
			if !ok {
				continue
			}
			a, b := e.parties[i], e.parties[j]
			if pn.net != 0 || e.includeZero {
				summary.Pairs = append(summary.Pairs, PairResult{A: a, B: b, Net: pn.net, Obligations: pn.count})
			}

			ref := fmt.Sprintf("netting:%d:%s:%s", e.round, a, b)
			switch {
			case pn.net > 0:
				summary.Transfers = append(summary.Transfers, e.transfer(ctx, &out, a, b, pn.net, ref, now))
				summary.NetVolume += pn.net
			case pn.net < 0:
				summary.Transfers = append(summary.Transfers, e.transfer(ctx, &out, b, a, -pn.net, ref, now))
				summary.NetVolume -= pn.net
			}
		}
	}
	summary.Savings = summary.GrossVolume - summary.NetVolume

	e.pending = nil
	e.gross = 0
	e.lastNetting = now

	out.Netting = &summary
	out.Records = append(out.Records, e.appendAudit(KindNettingExecuted, "", summary.NetVolume, fmt.Sprintf("netting:%d", e.round), caller))
	out.Guarantees = e.guarantee.States(e.parties)
	out.DefaultFund = e.tracker.GetBalance(defaultFundKey)
	e.emit(out)

	e.logger.Info().
		Int64("round", summary.Round).
		Int("obligations", summary.ObligationCount).
		Int64("gross", summary.GrossVolume).
		Int64("net", summary.NetVolume).
		Int64("savings", summary.Savings).
		Int("transfers", len(summary.Transfers)).
		Msg("netting executed")
	return summary, nil
}

// indexPending sums obligations per pair in O(O). The signed net is from the
// lower-indexed party's side. RecordObligation keeps the gross within int64,
// and every pair net is bounded by it.
func (e *ClearingEngine) indexPending() (map[pairKey]pairNet, int64) {
	nets := make(map[pairKey]pairNet)
	var gross int64
	for _, ob := range e.pending {
		i, j := e.index[ob.From], e.index[ob.To]
		amount := ob.Amount
		if i > j {
			i, j = j, i
			amount = -amount
		}
		pn := nets[pairKey{i, j}]
		pn.net += amount
		pn.count++
		nets[pairKey{i, j}] = pn
		gross += ob.Amount
	}
	return nets, gross
}
