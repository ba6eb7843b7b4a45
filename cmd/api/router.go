package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"memoryvault/internal/config"
	"memoryvault/internal/domain/memory"
	"memoryvault/internal/events"
	"memoryvault/internal/health"
	"memoryvault/internal/middleware"
	"memoryvault/internal/orchestrator"
	jwtsvc "memoryvault/internal/pkg/jwt"
	"memoryvault/internal/reconcile"
	"memoryvault/internal/storage/objectstore"
)

type app struct {
	cfg     *config.Config
	db      *gorm.DB
	repo    memory.Repository
	objects objectstore.Store
	orch    *orchestrator.Orchestrator
	sweeper *reconcile.Sweeper
	hub     *events.Hub
	names   memory.NameResolver
	jwt     *jwtsvc.Service
	logger  *slog.Logger
}

// newRouter mounts:
//
//	/health/*, /metrics           public
//	/internal/v1/memories         bot upload, internal token
//	/api/v1/...                   browsing, JWT
//	/api/v1/admin/reconcile       JWT with admin role
//	/ws/memories                  live events, JWT in query
func newRouter(a app) *gin.Engine {
	r := gin.New()
	r.Use(middleware.ErrorLogger(a.logger))
	r.Use(middleware.RequestLogger(a.logger))
	r.Use(middleware.CORS(a.cfg.CORSOrigins))

	probeKey := a.cfg.Orchestrator.KeyPrefix + "/.health"
	health.NewHandler(2*time.Second,
		health.DatabaseChecker{DB: a.db},
		health.CheckFunc{Label: "object_store", Fn: func(ctx context.Context) error {
			_, err := a.objects.Exists(ctx, probeKey)
			return err
		}},
	).RegisterRoutes(r)

	memoryHandler := memory.NewHandler(
		memory.NewService(a.repo, a.hub, a.logger),
		a.orch,
		a.names,
		a.cfg.Orchestrator.MaxFileSize,
	)

	internal := r.Group("/internal/v1")
	internal.Use(middleware.InternalTokenAuth(a.cfg.Auth.Internal, a.logger))
	{
		memoryHandler.RegisterInternalRoutes(internal)
	}

	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(a.jwt))
	{
		memoryHandler.RegisterRoutes(v1)

		admin := v1.Group("/admin")
		admin.Use(middleware.AdminOnly())
		reconcile.NewHandler(a.sweeper).RegisterRoutes(admin)
	}

	events.NewWSHandler(a.hub, a.jwt).RegisterRoutes(r)
	return r
}
