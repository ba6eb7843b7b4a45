// Command reconcile runs a single sweep and exits. It is meant for cron
// deployments where the API runs with RECONCILE_ENABLED=false.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"memoryvault/internal/config"
	"memoryvault/internal/database"
	"memoryvault/internal/domain/memory"
	"memoryvault/internal/orchestrator"
	"memoryvault/internal/reconcile"
	"memoryvault/internal/storage/backup"
	"memoryvault/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.ObjectStore.Backend != config.BackendS3 {
		logger.Error("reconcile needs a shared object store, set OBJECT_STORE_BACKEND=s3")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("db connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := database.Migrate(ctx, db, database.Migrations, logger); err != nil {
		logger.Error("migrate failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	repo := memory.NewRepository(db)

	objects, err := objectstore.NewS3(cfg.ObjectStore.S3)
	if err != nil {
		logger.Error("object store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var bc backup.Client
	if cfg.Backup.Enabled {
		kubo, err := backup.NewKuboClient(cfg.Backup.Kubo, &http.Client{}, logger)
		if err != nil {
			logger.Error("backup client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		bc = kubo
	}

	orch := orchestrator.New(cfg.Orchestrator, repo, objects, bc, nil, nil, logger)
	sweeper := reconcile.NewSweeper(cfg.Reconcile.Config, repo, objects, orch, logger)

	report, err := sweeper.RunOnce(ctx)
	if report != nil {
		json.NewEncoder(os.Stdout).Encode(report)
	}
	if err != nil {
		logger.Error("sweep finished with errors", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
