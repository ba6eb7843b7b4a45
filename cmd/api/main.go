package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"memoryvault/internal/config"
	"memoryvault/internal/database"
	"memoryvault/internal/domain/memory"
	"memoryvault/internal/enrich"
	"memoryvault/internal/events"
	"memoryvault/internal/orchestrator"
	jwtsvc "memoryvault/internal/pkg/jwt"
	"memoryvault/internal/reconcile"
	"memoryvault/internal/session"
	"memoryvault/internal/storage/backup"
	"memoryvault/internal/storage/objectstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	if err := database.Migrate(ctx, db, database.Migrations, logger); err != nil {
		return err
	}
	repo := memory.NewRepository(db)

	objects, err := newObjectStore(cfg)
	if err != nil {
		return err
	}

	var backupClient backup.Client
	if cfg.Backup.Enabled {
		kubo, err := backup.NewKuboClient(cfg.Backup.Kubo, &http.Client{}, logger)
		if err != nil {
			return err
		}
		backupClient = kubo
	} else {
		logger.Warn("IPFS_API_URL not set, backups disabled")
	}

	sessions, closeSessions, err := newSessionCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSessions()

	hub := events.NewHub(logger)
	orch := orchestrator.New(cfg.Orchestrator, repo, objects, backupClient, sessions, hub, logger)

	sweeper := reconcile.NewSweeper(cfg.Reconcile.Config, repo, objects, orch, logger)
	if cfg.Reconcile.Enabled {
		sweeper.Start(ctx)
	}

	names := enrich.NewResolver(cfg.Enrich, &http.Client{}, logger)
	jwtService := jwtsvc.New(cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := newRouter(app{
		cfg:     cfg,
		db:      db,
		repo:    repo,
		objects: objects,
		orch:    orch,
		sweeper: sweeper,
		hub:     hub,
		names:   names,
		jwt:     jwtService,
		logger:  logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.HTTPAddr), slog.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	sweeper.Stop()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("backups still running at shutdown were cancelled", slog.String("error", err.Error()))
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	return nil
}

func newObjectStore(cfg *config.Config) (objectstore.Store, error) {
	if cfg.ObjectStore.Backend == config.BackendS3 {
		s3, err := objectstore.NewS3(cfg.ObjectStore.S3)
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	return objectstore.NewMemory(), nil
}

func newSessionCache(ctx context.Context, cfg *config.Config) (session.Cache, func(), error) {
	if cfg.Session.Backend == config.BackendNATS {
		c, err := session.NewNATSCache(ctx, cfg.Session.NATSURL, cfg.Session.NATSBucket, cfg.Orchestrator.SessionTTL)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
	return session.NewLRUCache(cfg.Session.MaxEntries, cfg.Orchestrator.SessionTTL), func() {}, nil
}
