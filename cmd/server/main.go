package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/victoralfred/execution-engine/internal/adapters/venue"
	"github.com/victoralfred/execution-engine/internal/config"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"github.com/victoralfred/execution-engine/internal/core/services/engine"
	"github.com/victoralfred/execution-engine/internal/core/services/routing"
	"github.com/victoralfred/execution-engine/internal/infrastructure/kafka"
	"github.com/victoralfred/execution-engine/internal/infrastructure/postgres"
	redisstore "github.com/victoralfred/execution-engine/internal/infrastructure/redis"
	"github.com/victoralfred/execution-engine/internal/jobs"
	"github.com/victoralfred/execution-engine/internal/logging"
	"github.com/victoralfred/execution-engine/internal/metrics"
	"github.com/victoralfred/execution-engine/internal/middleware"
	"github.com/victoralfred/execution-engine/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("EXEC_CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, _, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting execution engine...",
		zap.String("version", cfg.Server.Version),
		zap.String("environment", cfg.Server.Environment))

	// closers run in order once the engine has drained
	var closers []func()
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	var sim *venue.Simulator
	eng := engine.New(cfg.Engine, func(books ports.BookSource, venues *routing.Router) ports.VenueGateway {
		sim = venue.NewSimulator(cfg.Venue, books, venues, nil, logger)
		return sim
	}, nil, logger)
	closers = append(closers, eng.Close)

	m := metrics.New()
	eng.Bus().Subscribe(m.Observe)
	if err := registerGauges(m, eng, sim); err != nil {
		return err
	}

	var (
		exporters []ports.RecordExporter
		limiter   middleware.Limiter
	)
	rl := cfg.Server.RateLimit
	if rl.Enabled && rl.Backend == "local" {
		limiter = middleware.NewLocalLimiter(rl.RequestsPerMinute, rl.Burst)
	}

	if cfg.Redis.Enabled {
		client := redisstore.NewClient(cfg.Redis.Config)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		exporters = append(exporters, redisstore.NewStreamExporter(client, cfg.Redis.Config, logger))
		if rl.Enabled && rl.Backend == "redis" {
			limiter = redisstore.NewRateLimiter(client, rl.RequestsPerMinute, time.Minute)
		}
		logger.Info("Connected to redis", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Postgres.Enabled {
		pool, err := postgres.NewPool(ctx, cfg.Postgres.Config)
		if err != nil {
			return err
		}
		closers = append(closers, pool.Close)
		exp := postgres.NewRecordExporter(pool, cfg.Postgres.BatchSize, logger)
		if err := exp.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		exporters = append(exporters, exp)
		logger.Info("Connected to database successfully")
	}

	if cfg.Kafka.Enabled {
		sink := kafka.NewEventSink(kafka.NewWriter(cfg.Kafka.Config), logger)
		eng.ForwardTo(sink)
		closers = append(closers, func() {
			if err := sink.Close(); err != nil {
				logger.Error("Failed to close event sink", zap.Error(err))
			}
		})
		logger.Info("Forwarding events to kafka", zap.String("topic", cfg.Kafka.Topic))
	}

	runner := jobs.NewRunner(cfg.Jobs, logger)
	if err := runner.ScheduleStatistics(eng.Monitor()); err != nil {
		return err
	}
	if err := runner.ScheduleExport(eng.Monitor(), exporters...); err != nil {
		return err
	}
	if err := runner.ScheduleExpiry(eng.Orders()); err != nil {
		return err
	}

	srv := server.New(cfg.Server, server.Dependencies{
		Engine:      eng,
		Metrics:     m,
		Limiter:     limiter,
		Jobs:        runner,
		Exporters:   exporters,
		SlowRequest: cfg.Logging.SlowRequestThreshold,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		runner.Start()
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return runner.Stop(stopCtx)
	})
	err = g.Wait()

	flushExports(eng, exporters, cfg.Server.ShutdownTimeout, logger)
	logger.Info("Execution engine stopped")
	return err
}

// flushExports writes the retained records one last time before exit
func flushExports(eng *engine.Engine, exporters []ports.RecordExporter, timeout time.Duration, logger *zap.Logger) {
	if len(exporters) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, exp := range exporters {
		if _, err := eng.Monitor().Export(ctx, exp); err != nil {
			logger.Warn("Final export failed", zap.String("exporter", exp.Name()), zap.Error(err))
		}
	}
}

func registerGauges(m *metrics.Metrics, eng *engine.Engine, sim *venue.Simulator) error {
	gauges := []struct {
		name, help string
		read       metrics.GaugeSource
	}{
		{"live_orders", "Live parent orders.", func() float64 { return float64(eng.Orders().Metrics().Live) }},
		{"bus_subscribers", "Event bus subscribers.", func() float64 { return float64(eng.Bus().Stats().Subscribers) }},
		{"bus_dropped_total", "Events dropped after exhausting retries.", func() float64 { return float64(eng.Bus().Stats().Dropped) }},
		{"venues_registered", "Registered venues.", func() float64 { return float64(len(eng.Router().Venues())) }},
		{"simulator_placements_total", "Slices placed on the venue simulator.", func() float64 { return float64(sim.Stats().Placements) }},
		{"simulator_rejections_total", "Placements the venue simulator rejected.", func() float64 { return float64(sim.Stats().Rejections) }},
		{"slippage_records_total", "Realized executions fed back to the predictor.", func() float64 { return float64(eng.Predictor().Stats().Records) }},
	}
	for _, g := range gauges {
		if err := m.RegisterGauge(g.name, g.help, g.read); err != nil {
			return fmt.Errorf("failed to register gauge %s: %w", g.name, err)
		}
	}
	return nil
}
