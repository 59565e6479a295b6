package main

import (
	"PointSwap/internal/allocation"
	"PointSwap/internal/command"
	"PointSwap/internal/config"
	"PointSwap/internal/core"
	"PointSwap/internal/ingestion"
	"PointSwap/internal/observability"
	"PointSwap/internal/persistence"
	"PointSwap/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := observability.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("pointswap exited")
	}
	logger.Info().Msg("pointswap shutdown complete")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	strategy, err := allocation.ParseStrategy(cfg.Allocation)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	// a loop that has not ticked for a few intervals is wedged
	health := observability.NewHealthChecker(max(5*cfg.TickInterval, 5*time.Second))

	// --- Channels ---
	// The core never blocks on consumers: its event channel drops on full,
	// and so does the fan-out to each sink.
	coreEvents := make(chan command.Event, cfg.EventBuffer)
	var sinks []sink

	// --- Deterministic core ---
	engine := core.NewEngine(core.Options{
		MinUnit:             cfg.MinUnit,
		Timing:              cfg.Timing(),
		Windows:             cfg.Windows(),
		Strategy:            strategy,
		IdempotencyCapacity: cfg.IdempotencyCapacity,
		Events:              coreEvents,
		Metrics:             metrics,
		Logger:              observability.NewLogger("core"),
	})
	loop := core.NewLoop(engine, cfg.CommandBuffer, health, observability.NewLogger("loop"))

	g, gctx := errgroup.WithContext(ctx)

	// --- Postgres audit trail (optional) ---
	if cfg.PostgresDSN != "" {
		db, err := openPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		auditEvents := make(chan command.Event, cfg.EventBuffer)
		sinks = append(sinks, sink{name: "audit", ch: auditEvents})

		writer := persistence.NewAuditWriter(uuid.Must(uuid.NewV7()))
		worker := persistence.NewAuditWorker(db, writer, auditEvents, cfg.AuditBatchSize, cfg.AuditFlushInterval,
			metrics, observability.NewLogger("audit"))
		logger.Info().Str("run_id", writer.RunID().String()).Msg("audit trail enabled")
		g.Go(func() error { return worker.Run(gctx) })
	}

	// --- NATS (optional) ---
	if cfg.NATSURL != "" {
		natsLogger := observability.NewLogger("nats")
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
		if err != nil {
			return err
		}
		defer nc.Close()
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

		if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
			return err
		}

		publishEvents := make(chan command.Event, cfg.EventBuffer)
		sinks = append(sinks, sink{name: "publisher", ch: publishEvents})

		publisher := ingestion.NewOutboundPublisher(js, publishEvents, metrics, natsLogger)
		responder := ingestion.NewCommandResponder(nc, loop, 5*time.Second, metrics, natsLogger)
		g.Go(func() error { return publisher.Run(gctx) })
		g.Go(func() error { return responder.Run(gctx) })
	}

	// --- Servers ---
	feed := server.NewSnapshotFeed(loop, metrics, observability.NewLogger("feed"))
	httpServer, err := server.NewHTTPServer(cfg.HTTPAddr, loop, health, feed, metrics, observability.NewLogger("http"))
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, observability.NewLogger("grpc"))

	// --- Goroutines ---
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return loop.RunTicker(gctx, cfg.TickInterval) })
	g.Go(func() error {
		fanOutEvents(gctx, coreEvents, sinks, metrics)
		return nil
	})
	g.Go(func() error { return feed.Run(gctx, cfg.TickInterval) })
	g.Go(func() error { return httpServer.Start(gctx) })
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })
	g.Go(func() error {
		reportChannels(gctx, loop, coreEvents, sinks, metrics)
		return nil
	})

	health.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Str("allocation", strategy.Name()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Dur("tick", cfg.TickInterval).
		Msg("pointswap ready")

	<-gctx.Done()
	health.SetReady(false)
	grpcServer.SetServing(false)
	logger.Info().Msg("shutting down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openPostgres(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	n, err := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate")).Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", n).Msg("migrations up to date")
	return db, nil
}

type sink struct {
	name string
	ch   chan command.Event
}

// fanOutEvents copies every core event to each sink without blocking. A
// full sink loses the event and counts a drop.
func fanOutEvents(ctx context.Context, in <-chan command.Event, sinks []sink, metrics *observability.Metrics) {
	defer func() {
		for _, s := range sinks {
			close(s.ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-in:
			for _, s := range sinks {
				select {
				case s.ch <- evt:
				default:
					metrics.EventDrops.WithLabelValues(s.name).Inc()
				}
			}
		}
	}
}

// reportChannels samples queue depths for the channel gauges.
func reportChannels(ctx context.Context, loop *core.Loop, events chan command.Event, sinks []sink, metrics *observability.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, capacity := loop.Backlog()
			metrics.SetChannelMetrics("commands", size, capacity)
			metrics.SetChannelMetrics("events", len(events), cap(events))
			for _, s := range sinks {
				metrics.SetChannelMetrics(s.name, len(s.ch), cap(s.ch))
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
