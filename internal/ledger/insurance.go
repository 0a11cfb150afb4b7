package ledger

import "math"

// InsuranceWaterfall absorbs seizure shortfalls. The insurance fund covers
// what it can; the remainder is added to the socialized-loss accumulator for
// governance resolution and is never spread across other accounts.
//
// The fund balance lives in the BalanceTracker (system:insurance_fund); this
// type only owns the accumulator. Not thread-safe; AccountLedger holds its lock.
type InsuranceWaterfall struct {
	socializedLoss int64
}

func NewInsuranceWaterfall() *InsuranceWaterfall {
	return &InsuranceWaterfall{}
}

// ComputeCoverage returns how much the fund can cover and what remains.
func (w *InsuranceWaterfall) ComputeCoverage(fundBalance, shortfall int64) (covered, remaining int64) {
	if shortfall <= 0 {
		return 0, 0
	}
	if fundBalance >= shortfall {
		return shortfall, 0
	}
	if fundBalance < 0 {
		fundBalance = 0
	}
	return fundBalance, shortfall - fundBalance
}

// Absorb stages the insurance draw into batch and returns the split. The
// socialized remainder is only accumulated by Commit, after the batch applies.
func (w *InsuranceWaterfall) Absorb(batch *Batch, fundBalance, shortfall int64) (covered, socialized int64) {
	covered, socialized = w.ComputeCoverage(fundBalance, shortfall)
	batch.Add(fundingPoolKey, insuranceFundKey, covered, JournalTypeInsuranceDraw)
	return covered, socialized
}

// CanAccumulate reports whether socialized fits in the accumulator.
func (w *InsuranceWaterfall) CanAccumulate(socialized int64) bool {
	return socialized <= math.MaxInt64-w.socializedLoss
}

// Commit adds an unrecoverable remainder to the accumulator.
func (w *InsuranceWaterfall) Commit(socialized int64) {
	if socialized > 0 {
		w.socializedLoss += socialized
	}
}

// SocializedLoss returns the monotonically non-decreasing accumulated total.
func (w *InsuranceWaterfall) SocializedLoss() int64 {
	return w.socializedLoss
}

// restore sets the accumulator from persisted state.
func (w *InsuranceWaterfall) restore(total int64) {
	w.socializedLoss = total
}
