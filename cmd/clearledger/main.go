package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ClearLedger/internal/config"
	"ClearLedger/internal/core"
	"ClearLedger/internal/ingestion"
	"ClearLedger/internal/observability"
	"ClearLedger/internal/persistence"
	"ClearLedger/internal/projection"
	"ClearLedger/internal/query"
	"ClearLedger/internal/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("CLEAR_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Log.File != "" {
		sink := observability.SetupFileSink(observability.FileSink{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		defer sink.Close()
	}
	logger := observability.NewLoggerWithLevel("clearledger", observability.ParseLogLevel(cfg.Log.Level))

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("clearledger stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Strs("venues", venueIDs(cfg)).Msg("ClearLedger starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")
	healthChecker.Register("postgres", db.PingContext)

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Channels ---
	// persist blocks the core when full; publish drops.
	persistChan := make(chan core.Output, cfg.Channels.Persist)
	publishChan := make(chan core.Output, cfg.Channels.Publish)
	projectionChan := make(chan core.Output, cfg.Channels.Publish)
	outboundChan := make(chan core.Output, cfg.Channels.Publish)

	// --- Core ---
	refStore := persistence.NewReferenceStore(db, metrics)
	svc, err := core.NewService(cfg.CoreConfig(), cfg.RoleTable(), persistChan, publishChan,
		core.WithReferenceStore(refStore),
		core.WithLogger(logger.With().Str("component", "core").Logger()),
		core.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	// --- Recovery: latest snapshot, checked against the persisted log ---
	snapStore := persistence.NewSnapshotStore(db)
	snap, err := snapStore.LoadLatest(ctx)
	if err != nil {
		return err
	}
	tips, err := snapStore.AuditTips(ctx)
	if err != nil {
		return err
	}
	if err := persistence.CheckFresh(snap, tips); err != nil {
		if !cfg.Snapshot.AllowStale {
			return err
		}
		logger.Warn().Err(err).Msg("starting from a stale snapshot")
	}
	if snap != nil {
		logger.Info().
			Int64("sequence", snap.Sequence).
			Dur("age", persistence.SnapshotAge(snap, time.Now())).
			Msg("restoring snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	if err := svc.Start(snap); err != nil {
		return fmt.Errorf("start core: %w", err)
	}

	recent, err := refStore.LoadRecent(ctx, cfg.Dedup.WarmLimit)
	if err != nil {
		return fmt.Errorf("load recent references: %w", err)
	}
	svc.WarmReferences(recent)

	if err := projection.Rebuild(ctx, db, svc, logger); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	healthChecker.Register("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return err
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan, ingestion.PullOptions{
		Batch: cfg.Ingestion.FetchBatch,
		Wait:  cfg.Ingestion.FetchWait.Duration,
	}, logger.With().Str("component", "nats").Logger())
	decoder := ingestion.NewDecoder(cfg.AmountScale)
	processor := ingestion.NewProcessor(decoder, svc, rawEventChan, metrics, logger.With().Str("component", "ingestion").Logger())

	// --- Workers ---
	persistWorker := persistence.NewWorker(persistence.NewWriter(db), refStore, persistChan, persistence.WorkerConfig{
		BatchSize:    cfg.Persistence.BatchSize,
		FlushTimeout: cfg.Persistence.FlushTimeout.Duration,
		MaxRetries:   cfg.Persistence.MaxRetries,
	}, metrics, logger.With().Str("component", "persistence").Logger())
	healthChecker.Register("persistence", persistWorker.Healthy)

	projWorker := projection.NewWorker(db, projectionChan, metrics, logger.With().Str("component", "projection").Logger())
	publisher := ingestion.NewOutboundPublisher(js, outboundChan, metrics, logger.With().Str("component", "publisher").Logger())

	maint := &maintenance{
		svc:     svc,
		db:      db,
		snaps:   snapStore,
		keep:    cfg.Snapshot.Keep,
		metrics: metrics,
		logger:  logger.With().Str("component", "snapshot").Logger(),
	}
	maint.lastSeq.Store(svc.Sequence())

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Core:          svc,
		History:       query.NewQueryService(db),
		Admin:         maint,
		Authorizer:    cfg.RoleTable(),
		Decoder:       decoder,
		Limiter:       server.NewCallerLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Logger:        logger,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	workersDone := make(chan struct{})

	// 1. Persistence worker. It runs on its own context so it can drain
	// after everything else stopped.
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	go func() {
		defer close(workersDone)
		if err := persistWorker.Run(persistCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 2. Fan-out of published outputs to projections and the audit stream.
	go fanOut(ctx, publishChan, projectionChan, outboundChan, metrics)

	// 3. Projection worker
	go func() {
		if err := projWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	// 4. Outbound publisher
	go func() {
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()

	// 5. NATS ingestion
	go func() {
		if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("ingestion: %w", err)
		}
	}()
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects(cfg.Ingestion.Consumer)); err != nil {
		return err
	}

	// 6. Netting scheduler
	go svc.RunNettingScheduler(ctx, cfg.Clearing.SchedulerTick.Duration)

	// 7. Periodic snapshots
	go maint.run(ctx, cfg.Snapshot.EveryOutputs, cfg.Snapshot.CheckInterval.Duration)

	// 8. Channel gauges
	go reportChannels(ctx, metrics, map[string]chan core.Output{
		"persist":    persistChan,
		"publish":    publishChan,
		"projection": projectionChan,
		"outbound":   outboundChan,
	})

	// 9. gRPC server
	go func() {
		if err := grpcServer.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc: %w", err)
		}
	}()

	// 10. HTTP/JSON gateway (proxies to gRPC)
	go func() {
		if err := grpcServer.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	// 11. Prometheus metrics server
	go func() {
		if err := serveMetrics(ctx, cfg.MetricsAddr, logger); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", svc.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("ClearLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the persistence worker drain, then snapshot.
	healthChecker.SetReady(false)
	subscriber.Stop()
	cancel()

	if !waitDrained(persistChan, 30*time.Second) {
		logger.Warn().Int("pending", len(persistChan)).Msg("persist channel not drained")
	}
	persistCancel()
	<-workersDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if seq, _, err := maint.TakeSnapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	logger.Info().Msg("ClearLedger shutdown complete")
	return runErr
}

// waitDrained polls until ch is empty or timeout passes.
func waitDrained(ch chan core.Output, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for len(ch) > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

// fanOut copies every published output to the projection and outbound
// channels without blocking; a full channel drops the output for that
// consumer only.
func fanOut(ctx context.Context, in <-chan core.Output, projectionOut, outboundOut chan<- core.Output, metrics *observability.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-in:
			select {
			case projectionOut <- out:
			default:
				metrics.ProjectionDrops.WithLabelValues("entities").Inc()
			}
			select {
			case outboundOut <- out:
			default:
				metrics.ProjectionDrops.WithLabelValues("outbound").Inc()
			}
		}
	}
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]chan core.Output) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range chans {
				metrics.SetChannelMetrics(name, len(ch), cap(ch))
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func venueIDs(cfg config.Config) []string {
	ids := make([]string, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		ids = append(ids, v.ID)
	}
	return ids
}
