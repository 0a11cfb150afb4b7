package server

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "clearledger.v1.Ledger"

// ============================================================================
// Requests
// ============================================================================

// SubmitRequest runs one command. Venue addresses ledger commands, Symbol
// market commands; clearing commands need neither. Payload is the same JSON
// document accepted on NATS.
type SubmitRequest struct {
	Op      string          `json:"op"`
	Venue   string          `json:"venue,omitempty"`
	Symbol  string          `json:"symbol,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AccountRequest struct {
	Venue   string `json:"venue"`
	Account string `json:"account"`
}

type VenueRequest struct {
	Venue string `json:"venue"`
}

type ClearingRequest struct{}

type MarketRequest struct {
	Symbol string `json:"symbol"`
}

// AuditRequest pages through one source's audit log. Reference, if set,
// searches every source instead.
type AuditRequest struct {
	Source         string `json:"source,omitempty"`
	Account        string `json:"account,omitempty"`
	Reference      string `json:"reference,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type JournalRequest struct {
	Source       string `json:"source"`
	Account      string `json:"account,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	BeforeOutput int64  `json:"before_output,omitempty"`
}

type ObligationsRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type RoundsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ResolutionsRequest struct {
	OpenOnly bool `json:"open_only,omitempty"`
}

type AdminRequest struct{}

// ============================================================================
// Responses
// ============================================================================

type SubmitResponse struct {
	Op       string     `json:"op"`
	Sequence int64      `json:"sequence"`
	Result   ResultView `json:"result"`
}

type AuditResponse struct {
	Entries []AuditView `json:"entries"`
}

type JournalResponse struct {
	Entries []JournalView `json:"entries"`
}

type ObligationsResponse struct {
	Obligations []ObligationHistoryView `json:"obligations"`
}

type RoundsResponse struct {
	Rounds []NettingRoundView `json:"rounds"`
}

type ResolutionsResponse struct {
	Resolutions []ResolutionView `json:"resolutions"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
	Bytes    int   `json:"bytes"`
}

type RebuildResponse struct {
	Sequence int64 `json:"sequence"`
}

// ============================================================================
// Service descriptor
// ============================================================================

// LedgerServer is the server API for clearledger.v1.Ledger.
type LedgerServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	GetAccount(context.Context, *AccountRequest) (*AccountView, error)
	GetPools(context.Context, *VenueRequest) (*PoolsView, error)
	GetClearing(context.Context, *ClearingRequest) (*ClearingView, error)
	GetMarket(context.Context, *MarketRequest) (*MarketView, error)
	ListAudit(context.Context, *AuditRequest) (*AuditResponse, error)
	ListJournals(context.Context, *JournalRequest) (*JournalResponse, error)
	ListObligations(context.Context, *ObligationsRequest) (*ObligationsResponse, error)
	ListNettingRounds(context.Context, *RoundsRequest) (*RoundsResponse, error)
	ListResolutions(context.Context, *ResolutionsRequest) (*ResolutionsResponse, error)
	VerifyIntegrity(context.Context, *AdminRequest) (*IntegrityView, error)
	TakeSnapshot(context.Context, *AdminRequest) (*SnapshotResponse, error)
	RebuildProjections(context.Context, *AdminRequest) (*RebuildResponse, error)
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unary("Submit", LedgerServer.Submit)},
		{MethodName: "GetAccount", Handler: unary("GetAccount", LedgerServer.GetAccount)},
		{MethodName: "GetPools", Handler: unary("GetPools", LedgerServer.GetPools)},
		{MethodName: "GetClearing", Handler: unary("GetClearing", LedgerServer.GetClearing)},
		{MethodName: "GetMarket", Handler: unary("GetMarket", LedgerServer.GetMarket)},
		{MethodName: "ListAudit", Handler: unary("ListAudit", LedgerServer.ListAudit)},
		{MethodName: "ListJournals", Handler: unary("ListJournals", LedgerServer.ListJournals)},
		{MethodName: "ListObligations", Handler: unary("ListObligations", LedgerServer.ListObligations)},
		{MethodName: "ListNettingRounds", Handler: unary("ListNettingRounds", LedgerServer.ListNettingRounds)},
		{MethodName: "ListResolutions", Handler: unary("ListResolutions", LedgerServer.ListResolutions)},
		{MethodName: "VerifyIntegrity", Handler: unary("VerifyIntegrity", LedgerServer.VerifyIntegrity)},
		{MethodName: "TakeSnapshot", Handler: unary("TakeSnapshot", LedgerServer.TakeSnapshot)},
		{MethodName: "RebuildProjections", Handler: unary("RebuildProjections", LedgerServer.RebuildProjections)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clearledger/v1/ledger.proto",
}

// unary adapts a typed method into a grpc.MethodHandler, running the
// server's interceptor chain.
func unary[Req, Resp any](method string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*Req))
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

// ============================================================================
// Client
// ============================================================================

// LedgerClient calls clearledger.v1.Ledger over a client connection using
// the JSON codec. The HTTP gateway proxies through it.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

// Invoke calls method with in and decodes the reply into out.
func (c *LedgerClient) Invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *LedgerClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	if err := c.Invoke(ctx, "Submit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetAccount(ctx context.Context, in *AccountRequest, opts ...grpc.CallOption) (*AccountView, error) {
	out := new(AccountView)
	if err := c.Invoke(ctx, "GetAccount", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetClearing(ctx context.Context, in *ClearingRequest, opts ...grpc.CallOption) (*ClearingView, error) {
	out := new(ClearingView)
	if err := c.Invoke(ctx, "GetClearing", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
