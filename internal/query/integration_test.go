package query_test

import (
	"context"
	"testing"
	"time"

	"ClearLedger/internal/audit"
	"ClearLedger/internal/core"
	"ClearLedger/internal/ledger"
	"ClearLedger/internal/persistence"
	"ClearLedger/internal/query"
	"ClearLedger/internal/testutil"
)

func writeRecords(t *testing.T, ctx context.Context, w *persistence.Writer, seq int64, recs ...audit.Record) {
	t.Helper()
	var rows persistence.Rows
	rows.Add(core.Output{
		Sequence: seq,
		Source:   recs[0].Source,
		Ledger:   &ledger.Commit{Venue: recs[0].Source, Records: recs},
	})
	if err := w.WriteRows(ctx, &rows); err != nil {
		t.Fatalf("write rows: %v", err)
	}
}

func TestQueryService_AuditTrailAndIntegrity(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2024, 5, 10, 9, 30, 0, 123000, time.UTC)
	log := audit.NewLog("venue-a", 0)
	w := persistence.NewWriter(db)
	writeRecords(t, ctx, w, 1, log.Append(ledger.KindDeposit, "alice", 1000, "", "alice", at))
	writeRecords(t, ctx, w, 2,
		log.Append(ledger.KindSeizeCollateral, "bob", 300, "liq-1", "settler", at),
		log.Append(ledger.KindInsuranceDraw, "bob", 200, "liq-1", "settler", at),
	)

	qs := query.NewQueryService(db)

	trail, err := qs.GetAuditTrail(ctx, "venue-a", "bob", 10, nil)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 2 || trail[0].Sequence != 3 || trail[1].Kind != ledger.KindSeizeCollateral {
		t.Errorf("unexpected trail %+v", trail)
	}

	before := int64(3)
	page, err := qs.GetAuditTrail(ctx, "venue-a", "", 1, &before)
	if err != nil || len(page) != 1 || page[0].Sequence != 2 {
		t.Errorf("paged trail: %+v err=%v", page, err)
	}

	byRef, err := qs.GetByReference(ctx, "liq-1")
	if err != nil || len(byRef) != 2 {
		t.Errorf("by reference: %+v err=%v", byRef, err)
	}

	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.IsHealthy || len(report.Sources) != 1 || report.Sources[0].Records != 3 {
		t.Errorf("expected healthy chain of 3, got %+v", report)
	}

	forged := log.Append(ledger.KindWithdrawCollateral, "alice", 900, "", "alice", at)
	forged.Amount = 1
	writeRecords(t, ctx, w, 3, forged)

	report, err = qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.IsHealthy || report.Sources[0].FirstBreak != 4 {
		t.Errorf("tampered record must break the chain at 4, got %+v", report)
	}
}

func TestQueryService_UnknownAccount(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	_, err := query.NewQueryService(db).GetAccount(context.Background(), "venue-a", "nobody")
	if err == nil {
		t.Fatal("expected an error for a missing account")
	}
}
