package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/animus-labs/cineforge/internal/api"
	"github.com/animus-labs/cineforge/internal/artifacts"
	"github.com/animus-labs/cineforge/internal/capability"
	"github.com/animus-labs/cineforge/internal/capability/dryrun"
	"github.com/animus-labs/cineforge/internal/capability/httpcap"
	"github.com/animus-labs/cineforge/internal/config"
	"github.com/animus-labs/cineforge/internal/execution/dispatcher"
	"github.com/animus-labs/cineforge/internal/execution/executor"
	"github.com/animus-labs/cineforge/internal/execution/gate"
	"github.com/animus-labs/cineforge/internal/execution/reconcile"
	"github.com/animus-labs/cineforge/internal/platform/auditlog"
	"github.com/animus-labs/cineforge/internal/platform/events"
	"github.com/animus-labs/cineforge/internal/platform/httpserver"
	"github.com/animus-labs/cineforge/internal/platform/lineageevent"
	"github.com/animus-labs/cineforge/internal/platform/logging"
	"github.com/animus-labs/cineforge/internal/platform/metrics"
	"github.com/animus-labs/cineforge/internal/platform/objectstore"
	"github.com/animus-labs/cineforge/internal/platform/postgres"
	"github.com/animus-labs/cineforge/internal/platform/telemetry"
	repopg "github.com/animus-labs/cineforge/internal/repo/postgres"
	"github.com/animus-labs/cineforge/internal/service/runs"
	storageobjectstore "github.com/animus-labs/cineforge/internal/storage/objectstore"
)

const serviceName = "cineforge-orchestrator"

func main() {
	configPath := flag.String("config", os.Getenv("CINEFORGE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	bootLogger, _ := logging.New(logging.DefaultConfig(), serviceName)
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("invalid config", zap.Error(err))
		os.Exit(2)
	}
	pipeline, err := cfg.LoadPipeline()
	if err != nil {
		bootLogger.Error("invalid pipeline definition", zap.Error(err))
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log, serviceName)
	if err != nil {
		bootLogger.Error("logger init failed", zap.Error(err))
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("telemetry init failed", zap.Error(err))
		os.Exit(2)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("database unavailable", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if cfg.Database.Migrate {
		if err := repopg.Migrate(ctx, db); err != nil {
			logger.Error("database migration failed", zap.Error(err))
			os.Exit(1)
		}
	}

	storeClient, err := objectstore.NewMinIOClient(cfg.ObjectStore)
	if err != nil {
		logger.Error("object store client init failed", zap.Error(err))
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBucket(startupCtx, storeClient, cfg.ObjectStore); err != nil {
		cancel()
		logger.Error("object store unavailable", zap.Error(err))
		os.Exit(1)
	}
	cancel()

	objects, err := storageobjectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", zap.Error(err))
		os.Exit(2)
	}
	store := repopg.NewStore(db)
	artifactStore, err := artifacts.NewStore(objects, store, cfg.ObjectStore.Bucket)
	if err != nil {
		logger.Error("artifact store init failed", zap.Error(err))
		os.Exit(2)
	}

	caps, err := newCapabilities(ctx, cfg.Capabilities)
	if err != nil {
		logger.Error("capability backend init failed", zap.Error(err))
		os.Exit(2)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.Enabled() {
		nc, err := events.Connect(cfg.NATS, logger)
		if err != nil {
			logger.Error("event bus unavailable", zap.Error(err))
			os.Exit(1)
		}
		defer func() { _ = nc.Close() }()
		publisher = nc
	}

	m := metrics.Default()
	reconciler := reconcile.New(store, publisher, m, logger)

	exec, err := executor.New(
		executor.Config{DefaultTimeout: cfg.Pipeline.DefaultTimeout, Policy: cfg.Retry},
		executor.Deps{
			Store:        store,
			Artifacts:    artifactStore,
			Capabilities: caps,
			Reconciler:   reconciler,
			Publisher:    publisher,
			Metrics:      m,
			Lineage:      lineageevent.NewDBRecorder(db),
			Tracer:       telemetry.Tracer(),
			Logger:       logger,
		},
	)
	if err != nil {
		logger.Error("executor init failed", zap.Error(err))
		os.Exit(2)
	}

	disp, err := dispatcher.New(cfg.Dispatcher, store, exec, reconciler, m, logger)
	if err != nil {
		logger.Error("dispatcher init failed", zap.Error(err))
		os.Exit(2)
	}

	audit := auditlog.NewDBRecorder(db)
	approvalGate, err := gate.New(cfg.Gate, store, reconciler, audit, publisher, m, logger)
	if err != nil {
		logger.Error("approval gate init failed", zap.Error(err))
		os.Exit(2)
	}

	service, err := runs.New(pipeline, runs.Deps{
		Store:      store,
		Artifacts:  artifactStore,
		Gate:       approvalGate,
		Reconciler: reconciler,
		Audit:      audit,
		Publisher:  publisher,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("run service init failed", zap.Error(err))
		os.Exit(2)
	}

	e := httpserver.New(serviceName, logger)
	e.GET("/readyz", httpserver.Readyz(serviceName, readinessChecks(db, storeClient, cfg)...))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	api.New(service, logger).Register(e)

	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- disp.Run(ctx) }()

	logger.Info("orchestrator started",
		zap.String("capabilities", cfg.Capabilities.Mode),
		zap.Int("workers", cfg.Dispatcher.Workers),
		zap.Int("stages", len(pipeline.Stages)),
	)

	if err := httpserver.Run(ctx, logger, serviceName, cfg.HTTP, e); err != nil {
		logger.Error("http server exited", zap.Error(err))
		stop()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := disp.Drain(drainCtx); err != nil {
		logger.Warn("dispatcher drain incomplete", zap.Error(err))
	}
	if err := <-dispatchDone; err != nil {
		logger.Error("dispatcher exited", zap.Error(err))
	}
	logger.Info("orchestrator stopped")
}

func newCapabilities(ctx context.Context, cfg config.CapabilityConfig) (*capability.Registry, error) {
	registry := capability.NewRegistry()
	switch cfg.Mode {
	case config.ModeHTTP:
		client, err := httpcap.New(ctx, cfg.HTTP)
		if err != nil {
			return nil, err
		}
		registry.RegisterAll(client)
	default:
		registry.RegisterAll(dryrun.New(cfg.DryRun))
	}
	return registry, nil
}

func readinessChecks(db *sql.DB, client *minio.Client, cfg config.Config) []httpserver.ReadinessCheck {
	return []httpserver.ReadinessCheck{
		{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				return postgres.Ping(ctx, db, 750*time.Millisecond)
			},
		},
		{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, client, cfg.ObjectStore)
			},
		},
	}
}
