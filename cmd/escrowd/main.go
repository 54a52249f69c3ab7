package main

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/payout"
	"EscrowLedger/internal/persistence"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/query"
	"EscrowLedger/internal/server"
	"EscrowLedger/internal/state"
	"EscrowLedger/internal/transfer"
	"EscrowLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	log := observability.NewLogger("escrowd")
	log.Info().Msg("EscrowLedger starting...")

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("escrowd exited")
	}
	log.Info().Msg("EscrowLedger shutdown complete")
}

func run(log zerolog.Logger) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	amounts := cfg.Amounts()
	fees, err := fpmath.NewFeeCalculatorFromString(cfg.RakeRate)
	if err != nil {
		return err
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	alerter := observability.NewLogAlerter(observability.NewLogger("alerts"), metrics)
	clock := clockwork.NewRealClock()

	// --- Store ---
	store, closeStore, err := openStore(ctx, cfg, healthChecker, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Transfer network ---
	gateway, err := openGateway(cfg, metrics)
	if err != nil {
		return err
	}

	// --- Domain components ---
	lockCfg := state.LockConfig{
		PendingTTL:       cfg.PendingTTL,
		MatchCeiling:     cfg.LockCeiling,
		MaxAmount:        cfg.MaxLockAmount,
		AllowMixedStakes: !cfg.RequireEqualStakes,
	}
	locks := state.NewLockManager(store, lockCfg, clock, alerter, metrics, observability.NewLogger("locks"))

	payoutCfg := payout.DefaultConfig()
	payoutCfg.MaxRetries = cfg.PayoutMaxRetries
	payoutCfg.BaseDelay = cfg.PayoutBaseDelay
	payoutCfg.MaxDelay = cfg.PayoutMaxDelay
	payoutCfg.Workers = cfg.PayoutWorkers
	payoutCfg.ConfirmTimeout = cfg.ConfirmTimeout
	executor := payout.NewExecutor(store, gateway, locks, alerter, metrics, clock, payoutCfg, observability.NewLogger("payout"))
	locks.SetPayoutSink(executor)

	settler := core.NewSettlementEngine(store, locks, fees, executor, alerter, metrics, clock, observability.NewLogger("settlement"))

	sweepCfg := core.DefaultSweeperConfig()
	sweepCfg.Interval = cfg.SweepInterval
	sweepCfg.StaleAfter = cfg.ProcessingStale
	sweeper := core.NewExpirySweeper(store, locks, executor, sweepCfg, clock, metrics, observability.NewLogger("sweeper"))

	queries := query.NewQueryService(store, gateway, amounts, alerter, metrics, clock, observability.NewLogger("query"))
	projector := projection.NewStatsProjector(queries, cfg.StatsInterval, clock, metrics, observability.NewLogger("projection"))
	parser := ingestion.NewParser(amounts)

	// --- gRPC + HTTP admin API ---
	admin, err := server.NewAdminAPI(server.AdminDeps{
		Queries:  queries,
		Locks:    locks,
		Settler:  settler,
		Executor: executor,
		Parser:   parser,
		Amounts:  amounts,
		Metrics:  metrics,
		Log:      observability.NewLogger("admin"),
	})
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, admin, healthChecker, observability.NewLogger("server"))

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. NATS ingestion and outbox relay
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATSURL != "none" {
		nc, sub, err := startBus(ctx, cfg, store, parser, locks, settler, clock, metrics, spawn, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		subscriber = sub
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})
	} else {
		log.Warn().Msg("NATS disabled, accepting events through the admin API only")
	}

	// 2. Payout executor, expiry sweeper, stats projector
	spawn("payout executor", executor.Run)
	spawn("expiry sweeper", sweeper.Run)
	spawn("stats projector", projector.Run)

	// 3. gRPC server and HTTP API
	spawn("grpc server", grpcServer.StartGRPC)
	spawn("http gateway", grpcServer.StartHTTPGateway)

	// 4. Prometheus metrics server
	spawn("metrics server", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr, log)
	})

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Info().
		Str("store", cfg.Store).
		Str("transfer", cfg.TransferMode).
		Int64("rake_ppm", fees.RatePPM()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("EscrowLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()

	// In-flight payout attempts stay PROCESSING if cut off; stale recovery
	// re-queues them on the next start.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("workers did not stop within 30s")
	}
	return runErr
}

func openStore(ctx context.Context, cfg Config, health *observability.HealthChecker, log zerolog.Logger) (ledger.Store, func(), error) {
	if cfg.Store == "memory" {
		log.Warn().Msg("using in-memory store, state is lost on exit")
		return ledger.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("Postgres connected")

	ran, err := persistence.NewMigrator(db, migrations.FS, observability.NewLogger("migrate")).Up(ctx)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Int("applied", ran).Msg("migrations applied")

	store := persistence.NewPostgresStore(db, observability.NewLogger("store"))
	health.AddCheck("postgres", store.Ping)
	return store, func() { db.Close() }, nil
}

func openGateway(cfg Config, metrics *observability.Metrics) (transfer.Gateway, error) {
	if cfg.TransferMode == "simulated" {
		return transfer.NewSimulatedGateway(cfg.SimulatedBalance), nil
	}
	return transfer.NewHTTPGateway(transfer.HTTPConfig{
		BaseURL:    cfg.TransferURL,
		APIKey:     cfg.TransferAPIKey,
		RatePerSec: cfg.TransferRPS,
	}, metrics, observability.NewLogger("transfer"))
}

func startBus(
	ctx context.Context,
	cfg Config,
	store ledger.Store,
	parser *ingestion.Parser,
	locks *state.LockManager,
	settler *core.SettlementEngine,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	spawn func(string, func(context.Context) error),
	log zerolog.Logger,
) (*nats.Conn, *ingestion.NATSSubscriber, error) {
	busLog := observability.NewLogger("ingestion")
	nc, js, err := ingestion.ConnectNATS(ctx, cfg.NATSURL, busLog)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, busLog); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, busLog); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ensure outbound stream: %w", err)
	}

	dedup, err := core.NewIdempotencyChecker(cfg.IdempotencyLRUSize, core.NewStoreLookup(store), metrics)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	rawEvents := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawEvents, busLog)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("nats subscribe: %w", err)
	}

	dispatcher := ingestion.NewDispatcher(parser, dedup, locks, settler, cfg.IngestWorkers, metrics, busLog)
	spawn("dispatcher", func(ctx context.Context) error {
		return dispatcher.Run(ctx, rawEvents)
	})

	publisher := ingestion.NewOutboxPublisher(store, js, ingestion.DefaultOutboxConfig(), clock, metrics, observability.NewLogger("outbox"))
	spawn("outbox publisher", publisher.Run)

	return nc, subscriber, nil
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening on /metrics")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
