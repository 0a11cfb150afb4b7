package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// maxBodyBytes bounds command payloads read by the gateway.
const maxBodyBytes = 1 << 20

// ErrorBody is the JSON document returned for failed HTTP calls.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// callError carries the stable error code read from the call trailer.
type callError struct {
	err  error
	code string
}

func (e *callError) Error() string { return e.err.Error() }

func (e *callError) Unwrap() error { return e.err }

func (e *callError) GRPCStatus() *status.Status { return status.Convert(e.err) }

type gateway struct {
	mux    *runtime.ServeMux
	client *LedgerClient
	logger zerolog.Logger
}

// NewGatewayMux builds the HTTP/JSON mux. Every route proxies to the gRPC
// service through client, so HTTP and gRPC callers pass the same
// interceptors.
func NewGatewayMux(client *LedgerClient, logger zerolog.Logger) (*runtime.ServeMux, error) {
	g := &gateway{client: client, logger: logger}
	g.mux = runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
		runtime.WithErrorHandler(g.writeError),
	)

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"POST", "/v1/venues/{venue}/commands/{op}", handle[SubmitResponse](g, "Submit", bindSubmit)},
		{"POST", "/v1/clearing/commands/{op}", handle[SubmitResponse](g, "Submit", bindSubmit)},
		{"POST", "/v1/markets/{symbol}/commands/{op}", handle[SubmitResponse](g, "Submit", bindSubmit)},

		{"GET", "/v1/venues/{venue}/accounts/{account}", handle[AccountView](g, "GetAccount", func(r *http.Request, p map[string]string, req *AccountRequest) error {
			req.Venue, req.Account = p["venue"], p["account"]
			return nil
		})},
		{"GET", "/v1/venues/{venue}/pools", handle[PoolsView](g, "GetPools", func(r *http.Request, p map[string]string, req *VenueRequest) error {
			req.Venue = p["venue"]
			return nil
		})},
		{"GET", "/v1/venues/{venue}/journals", handle[JournalResponse](g, "ListJournals", func(r *http.Request, p map[string]string, req *JournalRequest) error {
			req.Source = p["venue"]
			req.Account = r.URL.Query().Get("account")
			return queryInts(r, map[string]*int64{"before_output": &req.BeforeOutput}, &req.Limit)
		})},

		{"GET", "/v1/clearing", handle[ClearingView](g, "GetClearing", func(*http.Request, map[string]string, *ClearingRequest) error {
			return nil
		})},
		{"GET", "/v1/clearing/obligations", handle[ObligationsResponse](g, "ListObligations", func(r *http.Request, _ map[string]string, req *ObligationsRequest) error {
			req.Status = r.URL.Query().Get("status")
			return queryInts(r, nil, &req.Limit)
		})},
		{"GET", "/v1/clearing/rounds", handle[RoundsResponse](g, "ListNettingRounds", func(r *http.Request, _ map[string]string, req *RoundsRequest) error {
			return queryInts(r, nil, &req.Limit)
		})},
		{"GET", "/v1/clearing/resolutions", handle[ResolutionsResponse](g, "ListResolutions", func(r *http.Request, _ map[string]string, req *ResolutionsRequest) error {
			if v := r.URL.Query().Get("open_only"); v != "" {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return fmt.Errorf("open_only: %w", err)
				}
				req.OpenOnly = b
			}
			return nil
		})},

		{"GET", "/v1/markets/{symbol}", handle[MarketView](g, "GetMarket", func(r *http.Request, p map[string]string, req *MarketRequest) error {
			req.Symbol = p["symbol"]
			return nil
		})},

		{"GET", "/v1/audit/{source}", handle[AuditResponse](g, "ListAudit", func(r *http.Request, p map[string]string, req *AuditRequest) error {
			req.Source = p["source"]
			req.Account = r.URL.Query().Get("account")
			return queryInts(r, map[string]*int64{"before_sequence": &req.BeforeSequence}, &req.Limit)
		})},
		{"GET", "/v1/references/{reference}/audit", handle[AuditResponse](g, "ListAudit", func(r *http.Request, p map[string]string, req *AuditRequest) error {
			req.Reference = p["reference"]
			return nil
		})},

		{"GET", "/v1/admin/integrity", handle[IntegrityView](g, "VerifyIntegrity", noParams)},
		{"POST", "/v1/admin/snapshot", handle[SnapshotResponse](g, "TakeSnapshot", noParams)},
		{"POST", "/v1/admin/rebuild-projections", handle[RebuildResponse](g, "RebuildProjections", noParams)},
	}

	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return g.mux, nil
}

// handle binds an HTTP request onto Req, invokes rpc and writes the Resp
// it returns.
func handle[Resp, Req any](g *gateway, rpc string, bind func(*http.Request, map[string]string, *Req) error) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		ctx := r.Context()
		_, outbound := runtime.MarshalerForRequest(g.mux, r)

		req := new(Req)
		if err := bind(r, params, req); err != nil {
			runtime.HTTPError(ctx, g.mux, outbound, w, r, status.Error(codes.InvalidArgument, err.Error()))
			return
		}

		if caller := r.Header.Get(CallerHeader); caller != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, CallerMetadataKey, caller)
		}

		var trailer metadata.MD
		resp := new(Resp)
		if err := g.client.Invoke(ctx, rpc, req, resp, grpc.Trailer(&trailer)); err != nil {
			ce := &callError{err: err}
			if vals := trailer.Get(ErrorCodeTrailer); len(vals) > 0 {
				ce.code = vals[0]
			}
			runtime.HTTPError(ctx, g.mux, outbound, w, r, ce)
			return
		}

		buf, err := outbound.Marshal(resp)
		if err != nil {
			g.logger.Error().Err(err).Str("rpc", rpc).Msg("marshal response")
			runtime.HTTPError(ctx, g.mux, outbound, w, r, status.Error(codes.Internal, "internal error"))
			return
		}
		w.Header().Set("Content-Type", outbound.ContentType(resp))
		if _, err := w.Write(buf); err != nil {
			g.logger.Debug().Err(err).Str("rpc", rpc).Msg("write response")
		}
	}
}

// writeError renders err as an ErrorBody. The stable error code from the
// trailer wins over the gRPC code name.
func (g *gateway) writeError(ctx context.Context, _ *runtime.ServeMux, m runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	st := status.Convert(err)
	body := ErrorBody{Code: st.Code().String(), Message: st.Message()}

	var ce *callError
	if errors.As(err, &ce) && ce.code != "" {
		body.Code = ce.code
	}

	buf, merr := m.Marshal(body)
	if merr != nil {
		g.logger.Error().Err(merr).Msg("marshal error body")
		buf = []byte(`{"code":"Internal","message":"internal error"}`)
	}
	w.Header().Set("Content-Type", m.ContentType(body))
	w.WriteHeader(HTTPStatusFromCode(st.Code()))
	if _, err := w.Write(buf); err != nil {
		g.logger.Debug().Err(err).Msg("write error body")
	}
}

// HTTPStatusFromCode maps a gRPC code onto the HTTP status the gateway
// returns. State conflicts answer 409 rather than the gateway default 400.
func HTTPStatusFromCode(code codes.Code) int {
	if code == codes.FailedPrecondition {
		return http.StatusConflict
	}
	return runtime.HTTPStatusFromCode(code)
}

// bindSubmit takes the command from the path and the payload from the body.
func bindSubmit(r *http.Request, p map[string]string, req *SubmitRequest) error {
	req.Op, req.Venue, req.Symbol = p["op"], p["venue"], p["symbol"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if len(body) > 0 {
		if !json.Valid(body) {
			return errors.New("body is not valid JSON")
		}
		req.Payload = body
	}
	return nil
}

func noParams(*http.Request, map[string]string, *AdminRequest) error { return nil }

// queryInts reads the limit parameter and any int64 cursors.
func queryInts(r *http.Request, cursors map[string]*int64, limit *int) error {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("limit: %w", err)
		}
		*limit = n
	}
	for name, dst := range cursors {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}
	return nil
}
