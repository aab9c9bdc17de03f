package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/server"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	rawCommandBuffer = 4096
	publishBuffer    = 4096
	snapshotTick     = time.Second
	drainTimeout     = 30 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("LEND_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithOptions("lendledger", observability.LogOptions{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("lendledger stopped")
	}
	logger.Info().Msg("lendledger shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("lendledger starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Persistence.MigrationsDir, logger.With().Str("module", "migrator").Logger())
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// persist blocks (backpressure); projection drops when full
	persistChan := make(chan core.CoreOutput, cfg.Persistence.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Persistence.ProjectionChanSize)

	engine, err := core.NewEngine(core.Options{
		MinCollateralRatio:  cfg.Lending.MinCollateralRatio,
		FeeBps:              cfg.Pool.FeeBps,
		MaxLeverageLoops:    cfg.Lending.MaxLeverageLoops,
		ShockEnabled:        cfg.Lending.ShockEnabled,
		IdempotencyCapacity: cfg.Persistence.IdempotencyLRUCapacity,
		Metrics:             metrics,
		Logger:              logger.With().Str("module", "core").Logger(),
	}, persistChan, projectionChan)
	if err != nil {
		return err
	}

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	var store persistence.SnapshotStore = snapMgr
	if cfg.Persistence.SnapshotDir != "" {
		bolt, err := persistence.NewBoltSnapshotStore(filepath.Join(cfg.Persistence.SnapshotDir, "snapshots.db"), 3)
		if err != nil {
			return err
		}
		defer bolt.Close()
		store = bolt
	}

	if _, err := persistence.Recover(ctx, engine, store, snapMgr, logger.With().Str("module", "recovery").Logger()); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	engine.SetDBChecker(dbChecker)
	keys, err := dbChecker.RecentKeys(ctx, cfg.Persistence.IdempotencyLRUCapacity)
	if err != nil {
		return fmt.Errorf("warm LRU: %w", err)
	}
	engine.WarmLRU(keys)

	if err := projection.RebuildProjections(ctx, db, logger); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}

	// --- Output workers ---
	// Workers outlive the transports: they drain after ingestion stops.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var workers errgroup.Group

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout,
		metrics, logger.With().Str("module", "persistence").Logger())
	workers.Go(func() error { return persistWorker.Run(workerCtx) })

	history := projection.NewLiquidationHistory(projection.DefaultHistoryCapacity)
	projWorkerChan := make(chan core.CoreOutput, cfg.Persistence.ProjectionChanSize)
	projWorker := projection.NewProjectionWorker(db, history, projWorkerChan, metrics, logger.With().Str("module", "projection").Logger())
	workers.Go(func() error { return projWorker.Run(workerCtx) })

	var publishChan chan core.CoreOutput
	if cfg.NATS.Enabled {
		publishChan = make(chan core.CoreOutput, publishBuffer)
	}
	workers.Go(func() error {
		fanOut(projectionChan, projWorkerChan, publishChan, metrics)
		return nil
	})

	// --- Transports ---
	g, gctx := errgroup.WithContext(ctx)

	var subscriber *ingestion.NATSSubscriber
	if cfg.NATS.Enabled {
		natsLogger := logger.With().Str("module", "nats").Logger()
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
			return err
		}

		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, natsLogger)
		workers.Go(func() error { return publisher.Run(workerCtx) })

		rawChan := make(chan ingestion.RawCommand, rawCommandBuffer)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, natsLogger)
		if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		loop := ingestion.NewLoop(engine, metrics, natsLogger)
		g.Go(func() error { return loop.Run(gctx, rawChan) })
	}

	if cfg.ProvisionPool() && !engine.PoolInitialized() {
		if err := provisionPool(engine, cfg); err != nil {
			return err
		}
	}

	snapshotter := persistence.NewSnapshotter(engine, store, cfg.Persistence.SnapshotInterval, metrics,
		logger.With().Str("module", "snapshot").Logger())
	g.Go(func() error { return snapshotter.Run(gctx, snapshotTick) })

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.Deps{
		Ingest:    ingestion.NewGRPCIngestService(engine, metrics),
		Query:     query.NewQueryService(engine, db, history, metrics),
		Snapshots: snapshotter,
		DB:        db,
		Logger:    logger.With().Str("module", "server").Logger(),
	}, healthChecker)
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, logger) })

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", engine.LastSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("lendledger ready")

	// --- Graceful shutdown ---
	// Stop transports, drain outputs, then take a final snapshot.
	<-gctx.Done()
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	logger.Info().Msg("transports stopped, draining outputs")

	close(persistChan)
	close(projectionChan)
	drained := make(chan error, 1)
	go func() { drained <- workers.Wait() }()
	select {
	case err := <-drained:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("output worker failed")
		}
	case <-time.After(drainTimeout):
		logger.Error().Msg("output workers did not drain in time")
		cancelWorkers()
		<-drained
	}

	finalCtx, cancelFinal := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelFinal()
	if seq, err := snapshotter.TakeSnapshot(finalCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}
	return runErr
}

// provisionPool seeds the pool from config on a fresh ledger. The command ID
// is fixed so a restart racing another provisioner is a duplicate.
func provisionPool(engine *core.Engine, cfg *config.Config) error {
	_, err := engine.Process(&event.InitializePool{
		Meta:       event.Meta{CommandID: "config-initialize-pool", Timestamp: time.Now().UTC()},
		Collateral: decimal.RequireFromString(cfg.Pool.InitialCollateral),
		Debt:       decimal.RequireFromString(cfg.Pool.InitialDebt),
	})
	if err != nil {
		return fmt.Errorf("provision pool: %w", err)
	}
	return nil
}

// fanOut copies engine outputs to the projection worker and the outbound
// publisher. Both sends are non-blocking; a full consumer misses the
// output. Closes both outputs when in closes.
func fanOut(in <-chan core.CoreOutput, projections, publish chan core.CoreOutput, metrics *observability.Metrics) {
	defer close(projections)
	if publish != nil {
		defer close(publish)
	}
	for out := range in {
		select {
		case projections <- out:
		default:
			metrics.ProjectionDrops.WithLabelValues("projection_worker").Inc()
		}
		if publish == nil {
			continue
		}
		select {
		case publish <- out:
		default:
			metrics.ProjectionDrops.WithLabelValues("publish").Inc()
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
