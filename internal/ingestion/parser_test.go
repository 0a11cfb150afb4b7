package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ClearLedger/internal/errs"
	"ClearLedger/internal/event"
	"ClearLedger/internal/ingestion"
)

func payloadJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

var testMeta = event.Meta{Caller: "settlement-svc", Venue: "venue-a", ReceivedAt: time.Unix(1700000000, 0).UTC()}

func TestDecodeCreditPnl(t *testing.T) {
	d := ingestion.NewDecoder(2)
	data := payloadJSON(t, map[string]interface{}{
		"account":      "alice",
		"amount":       "12.34",
		"reference_id": "trade-42",
		"symbol":       "BTC-USD",
	})

	cmd, err := d.Decode(event.CommandCreditPnl, testMeta, data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	c, ok := cmd.(*event.CreditPnl)
	if !ok {
		t.Fatalf("expected *event.CreditPnl, got %T", cmd)
	}
	if c.Amount != 1234 {
		t.Errorf("amount: got %d, want 1234", c.Amount)
	}
	if c.ReferenceID != "trade-42" || c.Symbol != "BTC-USD" {
		t.Errorf("reference/symbol: got %q/%q", c.ReferenceID, c.Symbol)
	}
	if c.CallerID() != "settlement-svc" || c.VenueID() != "venue-a" {
		t.Errorf("meta: caller=%q venue=%q", c.CallerID(), c.VenueID())
	}
}

func TestDecodeNumericAmount(t *testing.T) {
	d := ingestion.NewDecoder(2)
	cmd, err := d.Decode(event.CommandDeposit, testMeta, []byte(`{"account":"alice","amount":5}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if dep := cmd.(*event.Deposit); dep.Amount != 500 {
		t.Errorf("amount: got %d, want 500", dep.Amount)
	}
}

func TestDecodeRejectsExcessPrecision(t *testing.T) {
	d := ingestion.NewDecoder(2)
	_, err := d.Decode(event.CommandDeposit, testMeta, []byte(`{"account":"alice","amount":"1.005"}`))
	if !errors.Is(err, errs.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if errs.KindOf(err) != errs.KindValidation {
		t.Errorf("kind: got %v, want Validation", errs.KindOf(err))
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	d := ingestion.NewDecoder(0)
	_, err := d.Decode(event.CommandFundPool, testMeta, []byte(`{"amount":"10","asset":"USD"}`))
	if !errors.Is(err, errs.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDecodeRecordObligation(t *testing.T) {
	d := ingestion.NewDecoder(0)
	data := payloadJSON(t, map[string]interface{}{
		"from":         "venue-a",
		"to":           "venue-b",
		"amount":       "1000",
		"reference_id": "ob-1",
	})

	cmd, err := d.Decode(event.CommandRecordObligation, event.Meta{Caller: "broker"}, data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	ob := cmd.(*event.RecordObligation)
	if ob.From != "venue-a" || ob.To != "venue-b" || ob.Amount != 1000 || ob.ReferenceID != "ob-1" {
		t.Errorf("unexpected obligation %+v", ob)
	}
}

func TestDecodeSetAccountCapNegativeRemovesOverride(t *testing.T) {
	d := ingestion.NewDecoder(2)
	cmd, err := d.Decode(event.CommandSetAccountCap, testMeta, []byte(`{"account":"alice","limit":"-0.01"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if c := cmd.(*event.SetAccountCap); c.Limit != -1 {
		t.Errorf("limit: got %d, want -1", c.Limit)
	}
}

func TestDecodePriceUpdate(t *testing.T) {
	d := ingestion.NewDecoder(2)

	cmd, err := d.Decode(event.CommandPriceUpdate, testMeta, []byte(`{"symbol":"ETH","price":"3000.5","timestamp_us":1700000000000000}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	pu := cmd.(*event.PriceUpdate)
	if pu.Price != 300050 {
		t.Errorf("price: got %d, want 300050", pu.Price)
	}
	if !pu.Timestamp.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp: got %v", pu.Timestamp)
	}

	cmd, err = d.Decode(event.CommandPriceUpdate, testMeta, []byte(`{"symbol":"ETH","price":"1"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if pu := cmd.(*event.PriceUpdate); !pu.Timestamp.Equal(testMeta.ReceivedAt) {
		t.Errorf("missing timestamp should default to receive time, got %v", pu.Timestamp)
	}
}

func TestDecodeResolveManual(t *testing.T) {
	d := ingestion.NewDecoder(0)
	cmd, err := d.Decode(event.CommandResolveManual, testMeta, []byte(`{"id":"550e8400-e29b-41d4-a716-446655440000"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if r := cmd.(*event.ResolveManual); r.ID.String() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("id: got %s", r.ID)
	}

	_, err = d.Decode(event.CommandResolveManual, testMeta, []byte(`{"id":"nope"}`))
	if !errors.Is(err, errs.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDecodeEmptyPayloadCommands(t *testing.T) {
	d := ingestion.NewDecoder(0)
	for _, op := range []event.CommandType{event.CommandExecuteNetting, event.CommandSuspendSettlement, event.CommandResumeSettlement} {
		cmd, err := d.Decode(op, testMeta, nil)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", op, err)
		}
		if cmd.CommandType() != op {
			t.Errorf("%s: got %s", op, cmd.CommandType())
		}
	}
}

func TestDecodeUnknownCommand(t *testing.T) {
	d := ingestion.NewDecoder(0)
	_, err := d.Decode(event.CommandUnknown, testMeta, nil)
	if !errors.Is(err, errs.ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestUnitsRoundTrip(t *testing.T) {
	d := ingestion.NewDecoder(6)
	units, err := d.Units(decimal.RequireFromString("1.000001"))
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	if units != 1_000_001 {
		t.Errorf("units: got %d, want 1000001", units)
	}
	if got := d.Major(units).String(); got != "1.000001" {
		t.Errorf("major: got %s, want 1.000001", got)
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		subject string
		op      event.CommandType
		target  string
		ok      bool
	}{
		{"clear.ledger.credit_pnl.venue-a", event.CommandCreditPnl, "venue-a", true},
		{"clear.ledger.deposit.venue-b.shard1", event.CommandDeposit, "venue-b", true},
		{"clear.ledger.credit_pnl", event.CommandUnknown, "", false},
		{"clear.ledger.record_obligation.venue-a", event.CommandUnknown, "", false},
		{"clear.obligations.record_obligation", event.CommandRecordObligation, "", true},
		{"clear.obligations.settle_immediate.desk1", event.CommandSettleImmediate, "", true},
		{"clear.obligations.deposit", event.CommandUnknown, "", false},
		{"clear.prices.BTC-USD", event.CommandPriceUpdate, "BTC-USD", true},
		{"market.trades.x", event.CommandUnknown, "", false},
	}
	for _, tc := range tests {
		op, target, err := ingestion.Route(tc.subject)
		if (err == nil) != tc.ok {
			t.Errorf("Route(%q): err=%v, want ok=%v", tc.subject, err, tc.ok)
			continue
		}
		if op != tc.op || target != tc.target {
			t.Errorf("Route(%q) = %s/%q, want %s/%q", tc.subject, op, target, tc.op, tc.target)
		}
	}
}
