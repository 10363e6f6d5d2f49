// Package main is the entry point for the sbpmd process engine.
// It wires all dependencies together and starts the operations server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/sbpm/internal/archive"
	"github.com/pitabwire/sbpm/internal/config"
	"github.com/pitabwire/sbpm/internal/definition"
	"github.com/pitabwire/sbpm/internal/display"
	"github.com/pitabwire/sbpm/internal/events"
	"github.com/pitabwire/sbpm/internal/idempotency"
	"github.com/pitabwire/sbpm/internal/observability"
	"github.com/pitabwire/sbpm/internal/provider"
	"github.com/pitabwire/sbpm/internal/transport"
	"github.com/pitabwire/sbpm/internal/workflow"
	"github.com/pitabwire/sbpm/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "sbpmd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load definitions, validate against the registered providers,
	// build the registry.
	providers := provider.NewRegistry()

	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	if verrs := definition.NewValidator().Validate(defs, providers); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error",
				zap.String("path", ve.Path),
				zap.String("code", ve.Code),
				zap.String("error", ve.Message),
			)
		}
		logger.Error("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	// Step 5: Initialize process store.
	store, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("process store initialization failed", zap.Error(err))
		return 1
	}
	defer storeCloser()

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		ProcessStore:      store,
	}

	// Step 6: Initialize idempotency store.
	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	defer idemCloser()
	if hc, ok := idemStore.(observability.HealthChecker); ok && cfg.Idempotency.Driver == "redis" {
		readiness.IdempotencyStore = hc
	}

	// Step 7: Build the engine. Its sink is bound below, once the consumers
	// that call back into the engine exist.
	var sink events.Sink = events.Fanout{}
	engine := workflow.NewEngine(registry, store,
		workflow.WithEventSink(events.SinkFunc(func(ctx context.Context, ev model.LifecycleEvent) {
			sink.Publish(ctx, ev)
		})),
		workflow.WithEvaluator(display.NewTemplateEvaluator()),
		workflow.WithIdempotency(idemStore, cfg.Engine.IdempotencyTTL),
		workflow.WithCascadeLimit(cfg.Engine.CascadeLimit),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)

	// Step 8: Build event sinks.
	fanout := events.Fanout{events.NewLogSink(logger)}

	if addrEnv := cfg.Events.RedisAddrEnv; addrEnv != "" {
		client, err := newRedisClient(ctx, addrEnv, 0)
		if err != nil {
			logger.Error("event stream initialization failed", zap.Error(err))
			return 1
		}
		defer func() { _ = client.Close() }()
		stream := events.NewRedisSink(client, cfg.Events.Stream, cfg.Events.MaxLen, logger, metrics)
		readiness.EventStream = stream
		fanout = append(fanout, stream)
	}

	dispatcher := provider.NewDispatcher(providers, engine,
		provider.WithBreaker(cfg.Engine.ProviderFailureThreshold, cfg.Engine.ProviderCoolDown),
		provider.WithLogger(logger),
		provider.WithMetrics(metrics),
	)
	consumers := events.Fanout{
		events.Filter(events.Is(model.EventProviderTaskChanged, model.ActionCreate), dispatcher),
	}

	if cfg.Archive.Enabled {
		objects, err := archive.NewMinioStore(archive.MinioConfig{
			Endpoint:  cfg.Archive.Endpoint,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: os.Getenv(cfg.Archive.AccessKeyEnv),
			SecretKey: os.Getenv(cfg.Archive.SecretKeyEnv),
			UseTLS:    cfg.Archive.UseTLS,
		})
		if err != nil {
			logger.Error("archive initialization failed", zap.Error(err))
			return 1
		}
		readiness.ArchiveStore = objects
		archiver := archive.NewArchiver(objects, engine, cfg.Archive.Prefix, logger, metrics)
		consumers = append(consumers, events.Filter(events.Is(model.EventProcessInstanceChanged, model.ActionUpdate), archiver))
	}

	async, err := events.NewAsyncSink("consumers", consumers, cfg.Engine.ProviderWorkers, logger, metrics)
	if err != nil {
		logger.Error("event consumer pool initialization failed", zap.Error(err))
		return 1
	}
	sink = append(fanout, async)

	// Step 9: Build the operations server.
	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Readiness: readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
		zap.Strings("providers", providers.Names()),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated", zap.Int("pending_events", async.Pending()))
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Drain in-flight provider executions and archive uploads before the
	// stores they use are closed.
	if err := async.Close(shutdownTimeout); err != nil {
		logger.Error("event consumer shutdown error", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// buildStore creates the process store based on config. The returned closer
// is never nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory process store")
		return workflow.NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("process store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("process store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("process store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("process store: ping: %w", err)
		}

		store := workflow.NewPgStore(pool)
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("process store: migrate: %w", err)
			}
			logger.Info("process store schema migrated")
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported process store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config. The
// returned closer is never nil.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), func() {}, nil
	case "redis":
		client, err := newRedisClient(ctx, cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Driver)
	}
}

func newRedisClient(ctx context.Context, addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: ping: %w", addr, err)
	}
	return client, nil
}
