package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"ClearLedger/internal/auth"
	"ClearLedger/internal/clearing"
	"ClearLedger/internal/core"
	"ClearLedger/internal/ingestion"
	"ClearLedger/internal/observability"
	"ClearLedger/internal/query"
	"ClearLedger/internal/server"
)

const venue = "venue-a"

func roles() *auth.Table {
	return auth.NewTable(map[string][]auth.Role{
		"settler": {auth.RoleSettlement},
		"ops":     {auth.RoleGovernance},
	})
}

// fakeHistory serves canned rows.
type fakeHistory struct {
	audit []query.AuditEntry
	refs  map[string][]query.AuditEntry
}

func (f *fakeHistory) GetAuditTrail(_ context.Context, source, _ string, limit int, _ *int64) ([]query.AuditEntry, error) {
	var out []query.AuditEntry
	for _, e := range f.audit {
		if e.Source == source && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeHistory) GetByReference(_ context.Context, ref string) ([]query.AuditEntry, error) {
	return f.refs[ref], nil
}

func (f *fakeHistory) GetJournalHistory(context.Context, string, string, int, *int64) ([]query.JournalEntry, error) {
	return nil, nil
}

func (f *fakeHistory) ListObligations(context.Context, string, int) ([]query.ObligationEntry, error) {
	return nil, nil
}

func (f *fakeHistory) ListNettingRounds(context.Context, int) ([]query.NettingRound, error) {
	return []query.NettingRound{{Round: 1, ObligationCount: 2, GrossVolume: 300, NetVolume: 100, Savings: 200, Delivered: 100}}, nil
}

func (f *fakeHistory) ListResolutions(context.Context, bool) ([]query.ResolutionEntry, error) {
	return nil, nil
}

func (f *fakeHistory) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true}, nil
}

type harness struct {
	client *server.LedgerClient
	conn   *grpc.ClientConn
	svc    *core.Service
}

func newHarness(t *testing.T, history server.History, limiter *server.CallerLimiter) *harness {
	t.Helper()

	authz := roles()
	persist := make(chan core.Output, 1024)
	publish := make(chan core.Output, 1024)
	svc, err := core.NewService(core.Config{
		Venues:      []core.VenueConfig{{ID: venue, Clearing: true}},
		Clearing:    clearing.Config{Window: time.Hour},
		PriceMaxAge: time.Minute,
	}, authz, persist, publish, core.WithMetrics(observability.NewMetrics(nil)))
	require.NoError(t, err)
	require.NoError(t, svc.Start(nil))

	srv := server.NewServer(&server.ServerDeps{
		Core:       svc,
		History:    history,
		Authorizer: authz,
		Decoder:    ingestion.NewDecoder(2),
		Limiter:    limiter,
		Metrics:    observability.NewMetrics(nil),
		Logger:     zerolog.Nop(),
	})

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &harness{client: server.NewLedgerClient(conn), conn: conn, svc: svc}
}

func as(caller string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), server.CallerMetadataKey, caller)
}

func (h *harness) submit(t *testing.T, caller, op, payload string) (*server.SubmitResponse, error) {
	t.Helper()
	return h.client.Submit(as(caller), &server.SubmitRequest{Op: op, Venue: venue, Payload: json.RawMessage(payload)})
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSubmitRendersMajorUnits(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, err := h.submit(t, "alice", "deposit", `{"account":"alice","amount":"12.5"}`)
	require.NoError(t, err)

	assert.Equal(t, "deposit", resp.Op)
	assert.Positive(t, resp.Sequence)
	require.NotNil(t, resp.Result.Account)
	assert.True(t, dec("12.5").Equal(resp.Result.Account.Collateral), "collateral %s", resp.Result.Account.Collateral)
	assert.True(t, dec("12.5").Equal(resp.Result.Account.Available))

	acct, err := h.client.GetAccount(as("alice"), &server.AccountRequest{Venue: venue, Account: "alice"})
	require.NoError(t, err)
	assert.True(t, dec("12.5").Equal(acct.Collateral))
	assert.Equal(t, h.svc.Sequence(), acct.AsOfSequence)
}

func TestDuplicateReferenceIsAlreadyExists(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.submit(t, "ops", "fund_pool", `{"amount":"100"}`)
	require.NoError(t, err)

	credit := `{"account":"alice","amount":"5","reference_id":"trade-1"}`
	_, err = h.submit(t, "settler", "credit_pnl", credit)
	require.NoError(t, err)

	var trailer metadata.MD
	_, err = h.client.Submit(as("settler"), &server.SubmitRequest{Op: "credit_pnl", Venue: venue, Payload: json.RawMessage(credit)}, grpc.Trailer(&trailer))
	require.Error(t, err)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
	assert.Equal(t, []string{"DuplicateOperation"}, trailer.Get(server.ErrorCodeTrailer))
}

func TestSubmitErrorCodes(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.submit(t, "alice", "deposit", `{"account":"alice","amount":"1"}`)
	require.NoError(t, err)

	tests := []struct {
		name    string
		caller  string
		op      string
		payload string
		want    codes.Code
	}{
		{"unknown command", "alice", "open_position", `{}`, codes.InvalidArgument},
		{"too many decimals", "alice", "deposit", `{"account":"alice","amount":"1.005"}`, codes.InvalidArgument},
		{"insufficient collateral", "alice", "withdraw_collateral", `{"account":"alice","amount":"2"}`, codes.FailedPrecondition},
		{"missing role", "alice", "fund_pool", `{"amount":"1"}`, codes.PermissionDenied},
		{"deposit for someone else", "bob", "deposit", `{"account":"alice","amount":"1"}`, codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.submit(t, tt.caller, tt.op, tt.payload)
			assert.Equal(t, tt.want, status.Code(err), "err: %v", err)
		})
	}
}

func TestSubmitVenueCommandWithoutVenue(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.client.Submit(as("alice"), &server.SubmitRequest{Op: "deposit", Payload: json.RawMessage(`{"account":"alice","amount":"1"}`)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCallerIsRequired(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.client.GetClearing(context.Background(), &server.ClearingRequest{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = h.client.GetClearing(as(auth.SystemCaller), &server.ClearingRequest{})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestAccountReadAccess(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.submit(t, "alice", "deposit", `{"account":"alice","amount":"3"}`)
	require.NoError(t, err)

	for _, caller := range []string{"alice", "settler", "ops"} {
		_, err := h.client.GetAccount(as(caller), &server.AccountRequest{Venue: venue, Account: "alice"})
		assert.NoError(t, err, caller)
	}

	_, err = h.client.GetAccount(as("bob"), &server.AccountRequest{Venue: venue, Account: "alice"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = h.client.GetAccount(as("ops"), &server.AccountRequest{Venue: venue, Account: "nobody"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.GetAccount(as("ops"), &server.AccountRequest{Venue: "venue-z", Account: "alice"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestRateLimitPerCaller(t *testing.T) {
	h := newHarness(t, nil, server.NewCallerLimiter(0.001, 2))

	for i := 0; i < 2; i++ {
		_, err := h.client.GetClearing(as("alice"), &server.ClearingRequest{})
		require.NoError(t, err)
	}
	_, err := h.client.GetClearing(as("alice"), &server.ClearingRequest{})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	_, err = h.client.GetClearing(as("bob"), &server.ClearingRequest{})
	assert.NoError(t, err)
}

func TestHistoryEndpoints(t *testing.T) {
	t.Run("unavailable without store", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		var out server.RoundsResponse
		err := h.client.Invoke(as("ops"), "ListNettingRounds", &server.RoundsRequest{}, &out)
		assert.Equal(t, codes.Unavailable, status.Code(err))
	})

	t.Run("rounds in major units", func(t *testing.T) {
		h := newHarness(t, &fakeHistory{}, nil)
		var out server.RoundsResponse
		require.NoError(t, h.client.Invoke(as("alice"), "ListNettingRounds", &server.RoundsRequest{}, &out))
		require.Len(t, out.Rounds, 1)
		assert.True(t, dec("2").Equal(out.Rounds[0].Savings))
	})

	t.Run("audit by reference needs governance", func(t *testing.T) {
		hist := &fakeHistory{refs: map[string][]query.AuditEntry{
			"trade-9": {{Source: venue, Sequence: 4, Kind: "credit_pnl", Amount: 250, ReferenceID: "trade-9"}},
		}}
		h := newHarness(t, hist, nil)

		var out server.AuditResponse
		err := h.client.Invoke(as("alice"), "ListAudit", &server.AuditRequest{Reference: "trade-9"}, &out)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))

		require.NoError(t, h.client.Invoke(as("ops"), "ListAudit", &server.AuditRequest{Reference: "trade-9"}, &out))
		require.Len(t, out.Entries, 1)
		assert.True(t, dec("2.5").Equal(out.Entries[0].Amount))
	})

	t.Run("audit needs source or reference", func(t *testing.T) {
		h := newHarness(t, &fakeHistory{}, nil)
		var out server.AuditResponse
		err := h.client.Invoke(as("ops"), "ListAudit", &server.AuditRequest{}, &out)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func TestHealthService(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, err := healthpb.NewHealthClient(h.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

// --- HTTP gateway ---

func newGateway(t *testing.T, h *harness) *httptest.Server {
	t.Helper()
	mux, err := server.NewGatewayMux(h.client, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func doHTTP(t *testing.T, method, url, caller, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if caller != "" {
		req.Header.Set(server.CallerHeader, caller)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestGatewayCommandAndRead(t *testing.T) {
	h := newHarness(t, nil, nil)
	ts := newGateway(t, h)

	resp, body := doHTTP(t, http.MethodPost, ts.URL+"/v1/venues/venue-a/commands/deposit", "alice", `{"account":"alice","amount":"7.25"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	result := body["result"].(map[string]any)
	assert.Equal(t, "7.25", result["account"].(map[string]any)["collateral"])

	resp, body = doHTTP(t, http.MethodGet, ts.URL+"/v1/venues/venue-a/accounts/alice", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "7.25", body["available"])
}

func TestGatewayStatusMapping(t *testing.T) {
	h := newHarness(t, nil, nil)
	ts := newGateway(t, h)

	resp, _ := doHTTP(t, http.MethodPost, ts.URL+"/v1/venues/venue-a/commands/deposit", "alice", `{"account":"alice","amount":"1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tests := []struct {
		name       string
		method     string
		path       string
		caller     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"state conflict", http.MethodPost, "/v1/venues/venue-a/commands/withdraw_collateral", "alice", `{"account":"alice","amount":"5"}`, http.StatusConflict, "InsufficientBalance"},
		{"validation", http.MethodPost, "/v1/venues/venue-a/commands/deposit", "alice", `{"account":"alice","amount":"0.001"}`, http.StatusBadRequest, "InvalidAmount"},
		{"unknown command", http.MethodPost, "/v1/clearing/commands/nope", "alice", `{}`, http.StatusBadRequest, "UnknownCommand"},
		{"missing caller", http.MethodGet, "/v1/clearing", "", "", http.StatusUnauthorized, "Unauthenticated"},
		{"forbidden", http.MethodPost, "/v1/venues/venue-a/commands/fund_pool", "alice", `{"amount":"1"}`, http.StatusForbidden, "Unauthorized"},
		{"unknown account", http.MethodGet, "/v1/venues/venue-a/accounts/nobody", "ops", "", http.StatusNotFound, "UnknownAccount"},
		{"bad limit", http.MethodGet, "/v1/clearing/rounds?limit=x", "ops", "", http.StatusBadRequest, "InvalidArgument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doHTTP(t, tt.method, ts.URL+tt.path, tt.caller, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, body)
			assert.Equal(t, tt.wantCode, body["code"])
		})
	}
}

func TestGatewayMarketCommandTakesSymbolFromPath(t *testing.T) {
	h := newHarness(t, nil, nil)
	ts := newGateway(t, h)

	resp, body := doHTTP(t, http.MethodPost, ts.URL+"/v1/markets/BTC-USD/commands/halt_market", "ops", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = doHTTP(t, http.MethodGet, ts.URL+"/v1/markets/BTC-USD", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, false, body["can_trade"])
	assert.Equal(t, "MarketClosed", body["trade_error"])
}

func TestMarketCommandNeedsSymbol(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.client.Submit(as("ops"), &server.SubmitRequest{Op: "halt_market"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Submit(as("ops"), &server.SubmitRequest{Op: "halt_market", Symbol: "ETH-USD"})
	require.NoError(t, err)
	assert.Error(t, h.svc.Calendar().RequireCanTrade("ETH-USD"))
}

func TestHTTPStatusFromCode(t *testing.T) {
	assert.Equal(t, http.StatusConflict, server.HTTPStatusFromCode(codes.FailedPrecondition))
	assert.Equal(t, http.StatusConflict, server.HTTPStatusFromCode(codes.AlreadyExists))
	assert.Equal(t, http.StatusTooManyRequests, server.HTTPStatusFromCode(codes.ResourceExhausted))
	assert.Equal(t, http.StatusServiceUnavailable, server.HTTPStatusFromCode(codes.Unavailable))
}
