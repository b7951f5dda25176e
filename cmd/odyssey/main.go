package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-crm/internal/app"
	"github.com/odyssey-erp/odyssey-crm/internal/authz"
	"github.com/odyssey-erp/odyssey-crm/internal/branches"
	"github.com/odyssey-erp/odyssey-crm/internal/observability"
	"github.com/odyssey-erp/odyssey-crm/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-crm/internal/platform/db"
	"github.com/odyssey-erp/odyssey-crm/internal/rbac"
	"github.com/odyssey-erp/odyssey-crm/internal/roles"
	"github.com/odyssey-erp/odyssey-crm/internal/shared"
	"github.com/odyssey-erp/odyssey-crm/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg, "odyssey")

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	roleResolver := roles.NewResolver(roles.NewRepository(dbpool), roles.ResolverConfig{
		Logger:   logger,
		Observer: metrics,
		Timeout:  cfg.AuthzLookupTimeout,
	})
	permResolver := rbac.NewResolver(rbac.NewRepository(dbpool), rbac.ResolverConfig{
		Logger:    logger,
		Observer:  metrics,
		TTL:       cfg.AuthzPermissionTTL,
		CacheSize: cfg.AuthzPermissionCacheSize,
		Timeout:   cfg.AuthzLookupTimeout,
	})
	branchController := branches.NewController(branches.NewRepository(dbpool), branches.ControllerConfig{
		Logger:   logger,
		Observer: metrics,
		Timeout:  cfg.AuthzLookupTimeout,
	})

	invalidator := cache.NewInvalidator(redisClient, cfg.AuthzInvalidationChannel, logger)
	redisOpts := cfg.AsynqRedis()
	jobsClient := jobs.NewClient(redisOpts, metrics)
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	grantService := rbac.NewGrantService(rbac.NewGrantStore(dbpool), permResolver, invalidator.WithRecorder(metrics), jobsClient, logger)

	registry := authz.NewRegistry(authz.Deps{
		Roles:       roleResolver,
		Permissions: permResolver,
		Branches:    branchController,
	}, authz.Config{
		Logger:   logger,
		Observer: metrics,
		Routes:   cfg.GuardRoutes(),
	}, authz.RegistryConfig{
		Size:   cfg.AuthzRegistrySize,
		TTL:    cfg.SessionTTL,
		Logger: logger,
	})
	defer registry.Close()
	if err := registry.Listen(ctx, invalidator); err != nil {
		logger.Error("subscribe authz invalidations", slog.Any("error", err))
		os.Exit(1)
	}

	rbacMiddleware := rbac.Middleware{Checker: authz.Checker, Logger: logger}
	authzHandler := authz.NewHandler(logger, grantService, rbacMiddleware, cfg.AuthzWait)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction()),
		CSRFManager:    shared.NewCSRFManager(cfg.CSRFSecret),
		Registry:       registry,
		AuthzHandler:   authzHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
