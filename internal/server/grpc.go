package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ClearLedger/internal/auth"
	"ClearLedger/internal/ingestion"
	"ClearLedger/internal/observability"
)

// GRPCServer owns the ledger's two listeners: native gRPC and the HTTP/JSON
// gateway that proxies into it.
type GRPCServer struct {
	rpc      *grpc.Server
	health   *health.Server
	gateway  *http.Server
	grpcAddr string
	httpAddr string
	checker  *observability.HealthChecker
	logger   zerolog.Logger
}

// ServerDeps holds everything the ledger service needs.
type ServerDeps struct {
	Core          Core
	History       History // nil disables the history endpoints
	Admin         Admin   // nil disables the admin endpoints
	Authorizer    auth.Authorizer
	Decoder       *ingestion.Decoder
	Limiter       *CallerLimiter
	Metrics       *observability.Metrics
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewServer builds a gRPC server with the ledger service and the standard
// health service registered. It is exported separately so tests can serve
// it on an in-memory listener.
func NewServer(deps *ServerDeps) *grpc.Server {
	srv, _ := newServer(deps)
	return srv
}

// newServer also returns the health server so shutdown can flip it.
func newServer(deps *ServerDeps) (*grpc.Server, *health.Server) {
	// Ledger calls use the registered json codec; health stays protobuf.
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		observe(deps.Metrics, deps.Logger.With().Str("component", "grpc").Logger()),
		authenticate(),
		limit(deps.Limiter, deps.Metrics),
	))
	RegisterLedgerServer(srv, newLedgerService(deps))

	hs := health.NewServer()
	for _, name := range []string{"", ServiceName} {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// NewGRPCServer creates the gRPC server listening on grpcAddr and a gateway
// on httpAddr that proxies to it.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	rpc, hs := newServer(deps)
	return &GRPCServer{
		rpc:      rpc,
		health:   hs,
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		checker:  deps.HealthChecker,
		logger:   deps.Logger.With().Str("component", "server").Logger(),
	}
}

// StartGRPC blocks serving gRPC. On ctx cancellation health checks report
// NOT_SERVING and in-flight calls drain before it returns.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.grpcAddr, err)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.health.Shutdown()
		s.rpc.GracefulStop()
		s.logger.Info().Msg("grpc drained")
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("grpc serving")
	if err := s.rpc.Serve(lis); err != nil {
		return err
	}
	<-stopped
	return nil
}

// StartHTTPGateway serves the HTTP/JSON gateway and the health endpoints until
// ctx is cancelled (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	conn, err := grpc.NewClient(s.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("gateway client for %s: %w", s.grpcAddr, err)
	}
	defer conn.Close()

	api, err := NewGatewayMux(NewLedgerClient(conn), s.logger)
	if err != nil {
		return err
	}

	root := http.NewServeMux()
	root.Handle("/", api)
	if s.checker != nil {
		root.HandleFunc("/healthz", s.checker.LivenessHandler)
		root.HandleFunc("/readyz", s.checker.ReadinessHandler)
	}
	s.gateway = &http.Server{Addr: s.httpAddr, Handler: root, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.gateway.Shutdown(drainCtx); err != nil {
			s.logger.Warn().Err(err).Msg("gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Str("upstream", s.grpcAddr).Msg("gateway serving")
	err = s.gateway.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
