package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/reexec/internal/artifacts"
	"github.com/animus-labs/reexec/internal/execution/executor"
	"github.com/animus-labs/reexec/internal/execution/executor/dryrun"
	"github.com/animus-labs/reexec/internal/execution/executor/webhook"
	"github.com/animus-labs/reexec/internal/lineage"
	"github.com/animus-labs/reexec/internal/pipelines"
	"github.com/animus-labs/reexec/internal/platform/auditlog"
	"github.com/animus-labs/reexec/internal/platform/httpserver"
	"github.com/animus-labs/reexec/internal/platform/lineageevent"
	"github.com/animus-labs/reexec/internal/platform/objectstore"
	"github.com/animus-labs/reexec/internal/platform/postgres"
	platformsqlite "github.com/animus-labs/reexec/internal/platform/sqlite"
	"github.com/animus-labs/reexec/internal/repo"
	"github.com/animus-labs/reexec/internal/repo/memory"
	pgrepo "github.com/animus-labs/reexec/internal/repo/postgres"
	sqliterepo "github.com/animus-labs/reexec/internal/repo/sqlite"
	"github.com/animus-labs/reexec/internal/service/reexecution"
)

const serviceName = "reexecution"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	cfg, err := serviceConfigFromEnv()
	if err != nil {
		logger.Error("invalid service config", "error", err)
		os.Exit(2)
	}

	registry := pipelines.NewRegistry()
	if cfg.PipelinesDir != "" {
		n, err := registry.LoadDir(logger, cfg.PipelinesDir)
		if err != nil {
			logger.Error("load pipelines", "dir", cfg.PipelinesDir, "error", err)
			os.Exit(2)
		}
		logger.Info("pipelines loaded", "count", n)
	}

	var (
		runs   repo.RunRepository
		db     *sql.DB
		checks []httpserver.ReadinessCheck
	)
	switch cfg.History {
	case historyPostgres:
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err = postgres.Open(ctx, logger, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := postgres.Migrate(ctx, db); err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
		runs = pgrepo.NewRunStore(db)
		checks = append(checks, pingCheck("postgres", db))
	case historySQLite:
		liteCfg, err := platformsqlite.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid sqlite config", "error", err)
			os.Exit(2)
		}
		liteDB, err := platformsqlite.Open(ctx, liteCfg)
		if err != nil {
			logger.Error("sqlite unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = liteDB.Close() }()
		store, err := sqliterepo.Make(ctx, liteDB)
		if err != nil {
			logger.Error("sqlite schema failed", "error", err)
			os.Exit(1)
		}
		runs = store
		checks = append(checks, pingCheck("sqlite", liteDB))
	default:
		runs = memory.NewRunStore()
	}

	var store artifacts.Store
	switch cfg.Artifacts {
	case artifactsMinio:
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		if err := objectstore.EnsureBucket(ctx, logger, client, storeCfg); err != nil {
			logger.Error("artifacts bucket unavailable", "error", err)
			os.Exit(1)
		}
		minioStore, err := artifacts.NewMinioStoreWithClient(client, storeCfg.Bucket)
		if err != nil {
			logger.Error("artifact store", "error", err)
			os.Exit(1)
		}
		store = minioStore
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, client, storeCfg.Bucket)
			},
		})
	default:
		store = artifacts.NewMemoryStore()
	}

	var events lineage.EventSink
	var audit reexecution.AuditAppender
	if db != nil {
		events = lineageevent.NewWriter(db)
		audit = auditlog.NewWriter(db)
	}
	tracker := lineage.NewTracker(runs, events, logger)

	var engine executor.Engine
	switch cfg.Engine {
	case engineWebhook:
		hookCfg, err := webhook.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid webhook config", "error", err)
			os.Exit(2)
		}
		engine, err = webhook.New(hookCfg, nil, logger)
		if err != nil {
			logger.Error("webhook engine", "error", err)
			os.Exit(2)
		}
	default:
		dryCfg, err := dryrun.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid dry run config", "error", err)
			os.Exit(2)
		}
		engine = dryrun.New(tracker, store, logger, dryCfg)
	}

	svc, err := reexecution.New(reexecution.Deps{
		Graphs:    registry,
		Tracker:   tracker,
		Engine:    engine,
		Artifacts: store,
		Audit:     audit,
		Logger:    logger,
	}, reexecution.Config{
		VerifyArtifacts:   cfg.VerifyArtifacts,
		VerifyConcurrency: cfg.VerifyConcurrency,
	})
	if err != nil {
		logger.Error("service", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, checks...))

	api := newReexecAPI(logger, svc, registry, tracker)
	if db != nil {
		api.events = db
	}
	api.register(mux)

	if err := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func pingCheck(name string, db *sql.DB) httpserver.ReadinessCheck {
	return httpserver.ReadinessCheck{
		Name: name,
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return db.PingContext(checkCtx)
		},
	}
}
