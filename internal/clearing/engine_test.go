package clearing_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ClearLedger/internal/auth"
	"ClearLedger/internal/clearing"
	"ClearLedger/internal/errs"
	"ClearLedger/internal/ledger"
)

const (
	gov     = "governor"
	ops     = "clearing-desk"
	settler = "settlement-desk"
)

type clock struct{ t time.Time }

func newClock() *clock { return &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeAdapter is a party with a plain balance.
type fakeAdapter struct {
	balance   int64
	failPayIn bool
}

func (f *fakeAdapter) PayOut(_ context.Context, amount int64, _ string) clearing.PayOutcome {
	if f.balance < amount {
		return clearing.PayInsufficientFunds
	}
	f.balance -= amount
	return clearing.PaySucceeded
}

func (f *fakeAdapter) PayIn(_ context.Context, amount int64, _ string) clearing.PayOutcome {
	if f.failPayIn {
		return clearing.PayFailed
	}
	f.balance += amount
	return clearing.PaySucceeded
}

func roles() *auth.Table {
	return auth.NewTable(map[string][]auth.Role{
		gov:     {auth.RoleGovernance},
		ops:     {auth.RoleSubmitObligation},
		settler: {auth.RoleSettlement},
	})
}

func newEngine(t *testing.T, clk *clock, cfg clearing.Config, parties map[string]*fakeAdapter, order ...string) *clearing.ClearingEngine {
	t.Helper()
	e := clearing.New(cfg, clearing.WithClock(clk.Now), clearing.WithAuthorizer(roles()))
	for _, p := range order {
		require.NoError(t, e.RegisterParty(context.Background(), gov, p, parties[p]))
	}
	return e
}

// ============================================================================
// Netting
// ============================================================================

func TestBilateralNetting(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {balance: 10_000}, "B": {balance: 10_000}}
	e := newEngine(t, clk, clearing.Config{Window: time.Minute}, parties, "A", "B")

	_, err := e.RecordObligation(ctx, ops, "A", "B", 1000, "ob-1")
	require.NoError(t, err)
	_, err = e.RecordObligation(ctx, ops, "B", "A", 600, "ob-2")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	summary, err := e.ExecuteNetting(ctx, "anyone")
	require.NoError(t, err)

	require.Len(t, summary.Transfers, 1)
	tr := summary.Transfers[0]
	assert.Equal(t, "A", tr.From)
	assert.Equal(t, "B", tr.To)
	assert.Equal(t, int64(400), tr.Delivered)
	assert.Equal(t, clearing.StatusSettled, tr.Status)

	assert.Equal(t, 2, summary.ObligationCount)
	assert.Equal(t, int64(1600), summary.GrossVolume)
	assert.Equal(t, int64(400), summary.NetVolume)
	assert.Equal(t, int64(1200), summary.Savings)

	assert.Equal(t, int64(9_600), parties["A"].balance)
	assert.Equal(t, int64(10_400), parties["B"].balance)
	assert.Empty(t, e.Pending())
}

func TestBilateralPerfectOffset(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {balance: 5000}, "B": {balance: 5000}}
	e := newEngine(t, clk, clearing.Config{Window: time.Minute}, parties, "A", "B")

	_, err := e.RecordObligation(ctx, ops, "A", "B", 1000, "ob-1")
	require.NoError(t, err)
	_, err = e.RecordObligation(ctx, ops, "B", "A", 1000, "ob-2")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	summary, err := e.ExecuteNetting(ctx, "anyone")
	require.NoError(t, err)

	assert.Empty(t, summary.Transfers)
	assert.Empty(t, summary.Pairs, "zero-net pairs are omitted by default")
	assert.Equal(t, int64(0), summary.NetVolume)
	assert.Equal(t, int64(2000), summary.Savings)
	assert.Equal(t, int64(5000), parties["A"].balance)
	assert.Equal(t, int64(5000), parties["B"].balance)
}

func TestZeroNetPairsReportedWhenConfigured(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {}, "B": {}}
	e := newEngine(t, clk, clearing.Config{Window: time.Minute, IncludeZeroNetPairs: true}, parties, "A", "B")

	_, err := e.RecordObligation(ctx, ops, "A", "B", 700, "ob-1")
	require.NoError(t, err)
	_, err = e.RecordObligation(ctx, ops, "B", "A", 700, "ob-2")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	summary, err := e.ExecuteNetting(ctx, "anyone")
	require.NoError(t, err)

	require.Len(t, summary.Pairs, 1)
	assert.Equal(t, clearing.PairResult{A: "A", B: "B", Net: 0, Obligations: 2}, summary.Pairs[0])
	assert.Empty(t, summary.Transfers)
}

func TestTrilateralNetting(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {balance: 5000}, "B": {balance: 5000}, "C": {balance: 5000}}
	e := newEngine(t, clk, clearing.Config{Window: time.Minute}, parties, "A", "B", "C")

	for _, ob := range []struct {
		from, to string
		amount   int64
		ref      string
	}{
		{"A", "B", 1000, "t-1"},
		{"B", "C", 800, "t-2"},
		{"C", "A", 500, "t-3"},
	} {
		_, err := e.RecordObligation(ctx, ops, ob.from, ob.to, ob.amount, ob.ref)
		require.NoError(t, err)
	}

	clk.Advance(time.Minute)
	summary, err := e.ExecuteNetting(ctx, "anyone")
	require.NoError(t, err)

	assert.Equal(t, int64(4500), parties["A"].balance)
	assert.Equal(t, int64(5200), parties["B"].balance)
	assert.Equal(t, int64(5300), parties["C"].balance)

	total := parties["A"].balance + parties["B"].balance + parties["C"].balance
	assert.Equal(t, int64(15_000), total, "netting conserves funds")
	assert.LessOrEqual(t, summary.NetVolume, summary.GrossVolume)
}

func TestNettingDeterministicPairOrder(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"X": {balance: 1000}, "Y": {balance: 1000}, "Z": {balance: 1000}}
	e := newEngine(t, clk, clearing.Config{Window: time.Second}, parties, "Z", "X", "Y")

	_, err := e.RecordObligation(ctx, ops, "Y", "X", 10, "d-1")
	require.NoError(t, err)
	_, err = e.RecordObligation(ctx, ops, "X", "Z", 20, "d-2")
	require.NoError(t, err)
	_, err = e.RecordObligation(ctx, ops, "Y", "Z", 30, "d-3")
	require.NoError(t, err)

	clk.Advance(time.Second)
	summary, err := e.ExecuteNetting(ctx, "anyone")
	require.NoError(t, err)

	require.Len(t, summary.Pairs, 3)
	assert.Equal(t, [2]string{"Z", "X"}, [2]string{summary.Pairs[0].A, summary.Pairs[0].B})
	assert.Equal(t, int64(-20), summary.Pairs[0].Net)
	assert.Equal(t, [2]string{"Z", "Y"}, [2]string{summary.Pairs[1].A, summary.Pairs[1].B})
	assert.Equal(t, [2]string{"X", "Y"}, [2]string{summary.Pairs[2].A, summary.Pairs[2].B})
	assert.Equal(t, int64(-10), summary.Pairs[2].Net)
}

// ============================================================================
// Window gating
// ============================================================================

func TestNettingWindowGating(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	e := newEngine(t, clk, clearing.Config{Window: 10 * time.Minute}, map[string]*fakeAdapter{"A": {}}, "A")

	clk.Advance(9 * time.Minute)
	_, err := e.ExecuteNetting(ctx, "anyone")
	require.ErrorIs(t, err, errs.ErrWindowNotElapsed)
	assert.Equal(t, errs.KindState, errs.KindOf(err))

	clk.Advance(time.Minute)
	summary, err := e.ExecuteNetting(ctx, "anyone")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ObligationCount)
	assert.Equal(t, clk.Now(), e.LastNetting())

	_, err = e.ExecuteNetting(ctx, "anyone")
	require.ErrorIs(t, err, errs.ErrWindowNotElapsed, "idle round still advances the window")
}

// ============================================================================
// Default waterfall
// ============================================================================

func TestWaterfallGuaranteeThenDefaultFund(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {balance: 0}, "B": {}}
	e := newEngine(t, clk, clearing.Config{}, parties, "A", "B")

	_, err := e.DepositGuarantee(ctx, gov, "A", 200)
	require.NoError(t, err)
	_, err = e.ContributeDefaultFund(ctx, "anyone", 1000)
	require.NoError(t, err)

	res, err := e.SettleImmediate(ctx, ops, "A", "B", 300, "urgent-1")
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.DirectPaid)
	assert.Equal(t, int64(200), res.FromGuarantee)
	assert.Equal(t, int64(100), res.FromDefaultFund)
	assert.Equal(t, int64(300), res.Delivered)
	assert.Equal(t, int64(0), res.Unfunded)
	assert.Equal(t, clearing.StatusCoveredByDefaultFund, res.Status)

	assert.Equal(t, int64(300), parties["B"].balance)
	assert.Equal(t, int64(0), e.Guarantee("A").Balance)
	assert.Equal(t, int64(900), e.DefaultFund())
	assert.Empty(t, e.ManualResolutions())
}

func TestWaterfallGuaranteeOnly(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {balance: 10}, "B": {}}
	e := newEngine(t, clk, clearing.Config{}, parties, "A", "B")

	_, err := e.DepositGuarantee(ctx, gov, "A", 500)
	require.NoError(t, err)

	res, err := e.SettleImmediate(ctx, ops, "A", "B", 300, "urgent-1")
	require.NoError(t, err)
	assert.Equal(t, clearing.StatusCoveredByGuarantee, res.Status)
	assert.Equal(t, int64(10), parties["A"].balance, "failed pay-out leaves payer untouched")
	assert.Equal(t, int64(200), e.Guarantee("A").Balance)
}

func TestWaterfallPartialDeliveryDoesNotAbortRound(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {}, "B": {}, "C": {balance: 1000}, "D": {}}
	e := newEngine(t, clk, clearing.Config{Window: time.Second}, parties, "A", "B", "C", "D")

	_, err := e.DepositGuarantee(ctx, gov, "A", 50)
	require.NoError(t, err)
	_, err = e.ContributeDefaultFund(ctx, "anyone", 100)
	require.NoError(t, err)

	_, err = e.RecordObligation(ctx, ops, "A", "B", 300, "p-1")
	require.NoError(t, err)
	_, err = e.RecordObligation(ctx, ops, "C", "D", 400, "p-2")
	require.NoError(t, err)

	clk.Advance(time.Second)
	summary, err := e.ExecuteNetting(ctx, "anyone")
	require.NoError(t, err)
	require.Len(t, summary.Transfers, 2)

	partial := summary.Transfers[0]
	assert.Equal(t, clearing.StatusPartial, partial.Status)
	assert.Equal(t, int64(150), partial.Delivered)
	assert.Equal(t, int64(150), partial.Unfunded)

	assert.Equal(t, clearing.StatusSettled, summary.Transfers[1].Status)
	assert.Equal(t, int64(400), parties["D"].balance)

	resolutions := e.ManualResolutions()
	require.Len(t, resolutions, 1)
	assert.Equal(t, clearing.ReasonUnfunded, resolutions[0].Reason)
	assert.Equal(t, int64(150), resolutions[0].Amount)
	assert.Equal(t, int64(150), summary.Unfunded())
}

func TestWaterfallNothingCollected(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {}, "B": {}}
	e := newEngine(t, clk, clearing.Config{}, parties, "A", "B")

	res, err := e.SettleImmediate(ctx, ops, "A", "B", 100, "u-1")
	require.NoError(t, err)
	assert.Equal(t, clearing.StatusUnfunded, res.Status)
	assert.Equal(t, int64(100), res.Unfunded)
	assert.Len(t, e.ManualResolutions(), 1)
}

func TestPayInFailureKeepsFundsInSuspense(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {balance: 500}, "B": {failPayIn: true}}
	e := newEngine(t, clk, clearing.Config{}, parties, "A", "B")

	res, err := e.SettleImmediate(ctx, ops, "A", "B", 200, "u-1")
	require.NoError(t, err)
	assert.True(t, res.DeliveryFailed)
	assert.Equal(t, int64(0), res.Delivered)
	assert.Equal(t, int64(200), e.TotalHeld(), "collected funds stay in the engine's book")

	resolutions := e.ManualResolutions()
	require.Len(t, resolutions, 1)
	assert.Equal(t, clearing.ReasonPayInFailed, resolutions[0].Reason)

	require.ErrorIs(t, e.ResolveManual(ctx, ops, resolutions[0].ID), errs.ErrUnauthorized)
	require.NoError(t, e.ResolveManual(ctx, gov, resolutions[0].ID))
	assert.Empty(t, e.ManualResolutions())
	require.ErrorIs(t, e.ResolveManual(ctx, gov, resolutions[0].ID), errs.ErrUnknownResolution)
}

// ============================================================================
// Validation, idempotency, authorization
// ============================================================================

func TestReferenceSharedAcrossEntryPoints(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {balance: 1000}, "B": {}}
	e := newEngine(t, clk, clearing.Config{}, parties, "A", "B")

	_, err := e.RecordObligation(ctx, ops, "A", "B", 100, "shared-1")
	require.NoError(t, err)

	_, err = e.SettleImmediate(ctx, ops, "A", "B", 100, "shared-1")
	require.ErrorIs(t, err, errs.ErrDuplicateOperation)

	_, err = e.RecordObligation(ctx, ops, "A", "B", 100, "shared-1")
	require.ErrorIs(t, err, errs.ErrDuplicateOperation)
	assert.Len(t, e.Pending(), 1)
}

func TestRecordObligationValidation(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	e := newEngine(t, clk, clearing.Config{}, map[string]*fakeAdapter{"A": {}, "B": {}}, "A", "B")

	_, err := e.RecordObligation(ctx, ops, "A", "Q", 100, "v-1")
	require.ErrorIs(t, err, errs.ErrPartyNotRegistered)

	_, err = e.RecordObligation(ctx, ops, "A", "A", 100, "v-2")
	require.ErrorIs(t, err, errs.ErrSelfTransfer)

	_, err = e.RecordObligation(ctx, ops, "A", "B", 0, "v-3")
	require.ErrorIs(t, err, errs.ErrZeroAmount)

	_, err = e.RecordObligation(ctx, ops, "A", "B", 10, "")
	require.ErrorIs(t, err, errs.ErrInvalidReference)

	_, err = e.RecordObligation(ctx, "stranger", "A", "B", 10, "v-4")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))

	// rejected calls never consume the reference id
	_, err = e.RecordObligation(ctx, ops, "A", "B", 10, "v-1")
	require.NoError(t, err)
}

func TestRecordObligationRejectsGrossOverflow(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {balance: math.MaxInt64}, "B": {}}
	e := newEngine(t, clk, clearing.Config{Window: time.Minute}, parties, "A", "B")

	_, err := e.RecordObligation(ctx, ops, "A", "B", math.MaxInt64, "big-1")
	require.NoError(t, err)

	_, err = e.RecordObligation(ctx, ops, "A", "B", 2, "big-2")
	require.ErrorIs(t, err, errs.ErrPendingOverflow)
	assert.Equal(t, errs.KindState, errs.KindOf(err))
	_, err = e.RecordObligation(ctx, ops, "B", "A", 1, "big-3")
	require.ErrorIs(t, err, errs.ErrPendingOverflow, "offsetting obligations still count toward gross")
	assert.Len(t, e.Pending(), 1)

	clk.Advance(time.Minute)
	summary, err := e.ExecuteNetting(ctx, "anyone")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), summary.GrossVolume)
	assert.Equal(t, int64(math.MaxInt64), summary.NetVolume)
	require.Len(t, summary.Transfers, 1)
	assert.Equal(t, "A", summary.Transfers[0].From)
	assert.Equal(t, int64(math.MaxInt64), parties["B"].balance)

	// a fresh round has room again
	_, err = e.RecordObligation(ctx, ops, "A", "B", 2, "big-2")
	require.NoError(t, err)
}

func TestSettleImmediateRejectsSuspenseOverflow(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {balance: math.MaxInt64}, "B": {failPayIn: true}}
	e := newEngine(t, clk, clearing.Config{}, parties, "A", "B")

	res, err := e.SettleImmediate(ctx, ops, "A", "B", math.MaxInt64, "park-1")
	require.NoError(t, err)
	require.True(t, res.DeliveryFailed)
	assert.Equal(t, int64(math.MaxInt64), e.TotalHeld())

	parties["A"].balance = 10
	_, err = e.SettleImmediate(ctx, ops, "A", "B", 1, "park-2")
	require.ErrorIs(t, err, errs.ErrAmountOverflow)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Equal(t, int64(10), parties["A"].balance, "no adapter call once rejected")
	assert.Len(t, e.ManualResolutions(), 1)
}

func TestDepositGuaranteeAuthorization(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	e := newEngine(t, clk, clearing.Config{}, map[string]*fakeAdapter{"A": {}}, "A")

	_, err := e.DepositGuarantee(ctx, ops, "A", 100)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
	_, err = e.DepositGuarantee(ctx, "A", "A", 100)
	require.ErrorIs(t, err, errs.ErrUnauthorized, "a party cannot top up its own guarantee")
	assert.Equal(t, int64(0), e.Guarantee("A").Balance)

	_, err = e.DepositGuarantee(ctx, settler, "A", 100)
	require.NoError(t, err)
	st, err := e.DepositGuarantee(ctx, gov, "A", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(150), st.Balance)

	_, err = e.WithdrawGuarantee(ctx, settler, "A", 10)
	require.ErrorIs(t, err, errs.ErrUnauthorized, "withdrawal stays governance only")
}

func TestConcurrentSameReference(t *testing.T) {
	ctx := context.Background()

	t.Run("record obligation", func(t *testing.T) {
		e := newEngine(t, newClock(), clearing.Config{}, map[string]*fakeAdapter{"A": {}, "B": {}}, "A", "B")

		results := submitConcurrently(16, func() error {
			_, err := e.RecordObligation(ctx, ops, "A", "B", 100, "dup-1")
			return err
		})
		requireSingleSuccess(t, results)
		require.Len(t, e.Pending(), 1)
		assert.Equal(t, int64(100), e.Pending()[0].Amount)
	})

	t.Run("settle immediate", func(t *testing.T) {
		parties := map[string]*fakeAdapter{"A": {balance: 1000}, "B": {}}
		e := newEngine(t, newClock(), clearing.Config{}, parties, "A", "B")

		results := submitConcurrently(16, func() error {
			_, err := e.SettleImmediate(ctx, ops, "A", "B", 100, "dup-2")
			return err
		})
		requireSingleSuccess(t, results)
		assert.Equal(t, int64(900), parties["A"].balance)
		assert.Equal(t, int64(100), parties["B"].balance)
	})
}

// submitConcurrently releases n calls of fn at once and returns their errors.
func submitConcurrently(n int, fn func() error) []error {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		out   = make([]error, n)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out[i] = fn()
		}()
	}
	close(start)
	wg.Wait()
	return out
}

func requireSingleSuccess(t *testing.T, results []error) {
	t.Helper()
	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, errs.ErrDuplicateOperation)
	}
	require.Equal(t, 1, ok, "exactly one submission applies")
}

func TestRegisterParty(t *testing.T) {
	ctx := context.Background()
	e := clearing.New(clearing.Config{}, clearing.WithAuthorizer(roles()))

	require.ErrorIs(t, e.RegisterParty(ctx, ops, "A", &fakeAdapter{}), errs.ErrUnauthorized)
	require.NoError(t, e.RegisterParty(ctx, gov, "A", &fakeAdapter{}))
	require.ErrorIs(t, e.RegisterParty(ctx, gov, "A", &fakeAdapter{}), errs.ErrPartyAlreadyRegistered)
	require.ErrorIs(t, e.RegisterParty(ctx, gov, "B", nil), errs.ErrInvalidAccount)
	assert.Equal(t, []string{"A"}, e.Parties())
}

func TestGuaranteeMinimum(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	e := newEngine(t, clk, clearing.Config{}, map[string]*fakeAdapter{"A": {}}, "A")

	_, err := e.DepositGuarantee(ctx, gov, "A", 1000)
	require.NoError(t, err)
	require.NoError(t, e.SetGuaranteeMinimum(ctx, gov, "A", 600))

	_, err = e.WithdrawGuarantee(ctx, gov, "A", 500)
	require.ErrorIs(t, err, errs.ErrBelowMinimum)

	st, err := e.WithdrawGuarantee(ctx, gov, "A", 400)
	require.NoError(t, err)
	assert.Equal(t, clearing.GuaranteeState{Party: "A", Balance: 600, Minimum: 600}, st)

	_, err = e.DepositGuarantee(ctx, gov, "nobody", 10)
	require.ErrorIs(t, err, errs.ErrPartyNotRegistered)
}

// ============================================================================
// Ledger-backed parties
// ============================================================================

func TestNettingThroughAccountLedgers(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	authz := auth.NewTable(map[string][]auth.Role{
		gov: {auth.RoleGovernance},
		ops: {auth.RoleSubmitObligation},
	})

	venues := map[string]*ledger.AccountLedger{}
	e := clearing.New(clearing.Config{Window: time.Minute}, clearing.WithClock(clk.Now), clearing.WithAuthorizer(authz))
	for _, v := range []string{"alpha", "beta"} {
		l := ledger.New(ledger.Config{VenueID: v}, ledger.WithClock(clk.Now), ledger.WithAuthorizer(authz))
		venues[v] = l
		require.NoError(t, e.RegisterParty(ctx, gov, v, clearing.NewLedgerAdapter(l)))
	}
	_, err := venues["alpha"].FundPool(ctx, gov, 100)
	require.NoError(t, err)
	_, err = venues["beta"].FundPool(ctx, gov, 1000)
	require.NoError(t, err)
	_, err = e.DepositGuarantee(ctx, gov, "alpha", 250)
	require.NoError(t, err)

	heldBefore := venues["alpha"].TotalHeld() + venues["beta"].TotalHeld() + e.TotalHeld()

	_, err = e.RecordObligation(ctx, ops, "alpha", "beta", 500, "x-1")
	require.NoError(t, err)
	_, err = e.RecordObligation(ctx, ops, "beta", "alpha", 200, "x-2")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	summary, err := e.ExecuteNetting(ctx, "anyone")
	require.NoError(t, err)
	require.Len(t, summary.Transfers, 1)

	tr := summary.Transfers[0]
	assert.Equal(t, int64(300), tr.Requested)
	assert.Equal(t, int64(250), tr.FromGuarantee, "alpha's pool of 100 cannot pay 300 in full")
	assert.Equal(t, int64(250), tr.Delivered)
	assert.Equal(t, clearing.StatusPartial, tr.Status)

	assert.Equal(t, int64(100), venues["alpha"].Pools().FundingPool)
	assert.Equal(t, int64(1250), venues["beta"].Pools().FundingPool)

	heldAfter := venues["alpha"].TotalHeld() + venues["beta"].TotalHeld() + e.TotalHeld()
	assert.Equal(t, heldBefore, heldAfter, "waterfall only moves funds between books")
	require.NoError(t, venues["alpha"].Validate())
	require.NoError(t, venues["beta"].Validate())
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	parties := map[string]*fakeAdapter{"A": {}, "B": {}}
	e := newEngine(t, clk, clearing.Config{Window: time.Minute}, parties, "A", "B")

	_, err := e.DepositGuarantee(ctx, gov, "A", 400)
	require.NoError(t, err)
	require.NoError(t, e.SetGuaranteeMinimum(ctx, gov, "A", 100))
	_, err = e.RecordObligation(ctx, ops, "A", "B", 50, "s-1")
	require.NoError(t, err)

	st := e.Snapshot()

	restored := newEngine(t, clk, clearing.Config{Window: time.Minute}, parties, "B", "A")
	require.NoError(t, restored.Restore(st))

	assert.Equal(t, []string{"A", "B"}, restored.Parties())
	assert.Equal(t, e.Guarantee("A"), restored.Guarantee("A"))
	assert.Equal(t, e.Pending(), restored.Pending())
	assert.Equal(t, e.Snapshot(), restored.Snapshot())
}
