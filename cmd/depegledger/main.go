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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"DepegLedger/internal/config"
	"DepegLedger/internal/core"
	"DepegLedger/internal/ingestion"
	"DepegLedger/internal/ledger"
	"DepegLedger/internal/observability"
	"DepegLedger/internal/oracle"
	"DepegLedger/internal/persistence"
	"DepegLedger/internal/projection"
	"DepegLedger/internal/query"
	"DepegLedger/internal/server"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(issueToken(os.Args[2:]))
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "depegledger: %v\n", err)
		os.Exit(1)
	}
}

// issueToken prints a bearer token for the given caller address, signed
// with the configured secret.
func issueToken(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: depegledger token <0x-address>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	caller, err := ledger.ParseAddress(args[0])
	if err != nil || caller.IsZero() {
		fmt.Fprintf(os.Stderr, "invalid caller address %q\n", args[0])
		return 1
	}
	if len(cfg.Auth.JWTSecret) < 16 {
		fmt.Fprintln(os.Stderr, "auth.jwt_secret must be at least 16 bytes")
		return 1
	}
	tok, err := server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).IssueToken(caller, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		return 1
	}
	fmt.Println(tok)
	return 0
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	params, err := cfg.Insurance.Params()
	if err != nil {
		return err
	}

	level := observability.ParseLogLevel(cfg.Log.Level)
	logger := observability.NewLoggerWithLevel("main", level)
	logger.Info().
		Str("owner", params.Owner.Hex()).
		Str("contract", params.Contract.Hex()).
		Str("insured_asset", string(params.InsuredAsset)).
		Str("treasury_asset", string(params.TreasuryAsset)).
		Bool("commingled", params.Commingled()).
		Msg("DepegLedger starting")
	if params.Commingled() {
		logger.Warn().Msg("insured and treasury assets are the same: fee collection drains the pool")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	healthChecker.AddCheck("postgres", func() error {
		pingCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		return db.PingContext(pingCtx)
	})
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, observability.NewLoggerWithLevel("migrator", level)).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Oracle ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	redisGateway := oracle.NewRedisGateway(rdb, cfg.Redis.KeyPrefix)
	if err := redisGateway.Ping(ctx); err != nil {
		// Commands that need a price fail with oracle_unavailable until Redis is back.
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("oracle feed unreachable at startup")
	}
	priceGateway := oracle.NewGuardedGateway(redisGateway, oracle.DefaultGuardSettings(), metrics, observability.NewLoggerWithLevel("oracle", level))
	healthChecker.AddCheck("oracle", func() error {
		if priceGateway.State() == gobreaker.StateOpen {
			return errors.New("oracle circuit breaker open")
		}
		return nil
	})

	// --- Engine ---
	persistChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	outboundChan := make(chan core.CoreOutput, cfg.Pipeline.OutboundChanSize)

	idempotencyDB := persistence.NewPostgresIdempotencyChecker(db)
	engine, err := core.NewEngine(
		params,
		priceGateway,
		persistChan,
		projectionChan,
		idempotencyDB,
		cfg.Pipeline.IdempotencyLRUCapacity,
		metrics,
		observability.NewLoggerWithLevel("engine", level),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	engine.SetQuoteOracle(oracle.NewGuardedGateway(redisGateway, oracle.QuoteGuardSettings(), metrics,
		observability.NewLoggerWithLevel("oracle", level)))

	// --- Recovery ---
	snapshots := persistence.NewSnapshotManager(db)
	recovery, err := persistence.Recover(ctx, engine, snapshots, observability.NewLoggerWithLevel("recovery", level))
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info().
		Int64("snapshot_sequence", recovery.SnapshotSequence).
		Int64("replayed", recovery.Replayed).
		Int64("sequence", recovery.Sequence).
		Msg("state recovered")

	recent, err := idempotencyDB.RecentKeys(ctx, min(cfg.Pipeline.IdempotencyLRUCapacity, 100_000))
	if err != nil {
		logger.Warn().Err(err).Msg("warm idempotency cache failed")
	} else {
		engine.WarmLRU(recent)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, observability.NewLoggerWithLevel("nats", level))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func() error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, observability.NewLoggerWithLevel("nats", level)); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	rawChan := make(chan ingestion.RawCommand, cfg.Pipeline.IngestChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, observability.NewLoggerWithLevel("subscriber", level))

	// --- Workers ---
	activity := projection.NewActivityProjection(cfg.Pipeline.ActivityCapacity)
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, outboundChan,
		cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout, metrics,
		observability.NewLoggerWithLevel("persistence", level))
	projWorker := projection.NewProjectionWorker(db, projectionChan, activity, metrics,
		observability.NewLoggerWithLevel("projection", level))
	publisher := ingestion.NewOutboundPublisher(js, outboundChan, metrics,
		observability.NewLoggerWithLevel("publisher", level))
	authenticator := server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	dispatcher := ingestion.NewDispatcher(engine, rawChan, authenticator, params.Owner, metrics,
		observability.NewLoggerWithLevel("dispatcher", level))

	// --- API ---
	takeSnapshot := func(ctx context.Context) (int64, error) {
		return persistence.TakeSnapshot(ctx, engine, snapshots, metrics)
	}
	queries := query.NewQueryService(db)
	api, err := server.NewAPIHandler(server.APIDeps{
		Ledger:   engine,
		Ingest:   ingestion.NewIngestService(engine, params.Owner, time.Now),
		Queries:  queries,
		Activity: activity,
		Auth:     authenticator,
		Rebuild: func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, observability.NewLoggerWithLevel("rebuild", level))
		},
		Snapshot: takeSnapshot,
		Now:      time.Now,
		Metrics:  metrics,
		Logger:   observability.NewLoggerWithLevel("api", level),
	})
	if err != nil {
		return fmt.Errorf("build api: %w", err)
	}
	srv := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, api, healthChecker,
		observability.NewLoggerWithLevel("server", level))

	// --- Start goroutines ---
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	errChan := make(chan error, 8)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()
	go func() {
		if err := projWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()
	go func() {
		if err := publisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx)
	}()

	if err := subscriber.Subscribe(ctx); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		if err := srv.StartHTTP(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()
	go runOpsServer(ctx, cfg.Server.MetricsAddr, observability.NewOpsRouter(healthChecker, registry), errChan, logger)
	go runPeriodicSnapshots(ctx, engine, takeSnapshot, cfg.Snapshot, logger)

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("ops", cfg.Server.MetricsAddr).
		Msg("DepegLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// Stop intake first, then drain the engine's outputs to Postgres.
	healthChecker.SetReady(false)
	srv.SetServing(false)
	cancel()
	subscriber.Stop()
	<-dispatchDone
	<-httpDone

	close(persistChan)
	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence worker did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if seq, err := persistence.TakeSnapshot(shutdownCtx, engine, snapshots, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	stopWorkers()
	logger.Info().Msg("DepegLedger shutdown complete")
	return runErr
}

// runPeriodicSnapshots snapshots the engine whenever Interval commands
// have been applied since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.Engine,
	take func(ctx context.Context) (int64, error),
	cfg config.SnapshotConfig,
	logger zerolog.Logger,
) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 100_000
	}
	check := cfg.CheckInterval
	if check <= 0 {
		check = 10 * time.Second
	}

	last := engine.GetSequence()
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if engine.GetSequence()-last < interval {
				continue
			}
			seq, err := take(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq
			logger.Info().Int64("sequence", seq).Msg("periodic snapshot saved")
		}
	}
}

func runOpsServer(ctx context.Context, addr string, handler http.Handler, errChan chan<- error, logger zerolog.Logger) {
	opsServer := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		opsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("ops server listening (/metrics, /healthz, /readyz)")
	if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("ops server: %w", err)
	}
}
