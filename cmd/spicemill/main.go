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

	"github.com/spicemill/spicemill/internal/app"
	"github.com/spicemill/spicemill/internal/dashboard"
	"github.com/spicemill/spicemill/internal/formulations"
	"github.com/spicemill/spicemill/internal/materials"
	"github.com/spicemill/spicemill/internal/observability"
	"github.com/spicemill/spicemill/internal/packaging"
	"github.com/spicemill/spicemill/internal/platform/cache"
	"github.com/spicemill/spicemill/internal/platform/db"
	"github.com/spicemill/spicemill/internal/production"
	"github.com/spicemill/spicemill/internal/rbac"
	"github.com/spicemill/spicemill/internal/research"
	"github.com/spicemill/spicemill/internal/sales"
	"github.com/spicemill/spicemill/internal/shared"
	"github.com/spicemill/spicemill/jobs"
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

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLifetime})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
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
	auditLogger := shared.NewAuditLogger(dbpool)
	approvalRecorder := shared.NewApprovalRecorder(dbpool, logger)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	dashboardCache := dashboard.NewCache(redisClient, cfg.DashboardCacheTTL)
	if err := dashboardCache.ListenForInvalidation(ctx, logger); err != nil {
		logger.Warn("dashboard invalidation listener", slog.Any("error", err))
	}

	rbacService := rbac.NewService(dbpool)
	rbacMiddleware := rbac.Middleware{Loader: rbacService, Logger: logger}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	materialsService := materials.NewService(materials.NewRepository(dbpool), auditLogger, dashboardCache, metrics, logger)
	formulationsService := formulations.NewService(formulations.NewRepository(dbpool), materialsService, auditLogger, dashboardCache, logger)
	researchService := research.NewService(research.NewRepository(dbpool), approvalRecorder, materialsService, formulationsService, dashboardCache, logger)
	productionService := production.NewService(production.NewRepository(dbpool), formulationsService, idempotencyStore, auditLogger, dashboardCache, metrics, logger)
	packagingService := packaging.NewService(packaging.NewRepository(dbpool), auditLogger, dashboardCache, logger)
	salesService := sales.NewService(sales.NewRepository(dbpool), auditLogger, dashboardCache, metrics, logger)
	dashboardService := dashboard.NewService(dashboard.NewRepository(dbpool), materialsService, salesService, dashboardCache, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		RBACMiddleware: rbacMiddleware,
		Metrics:        metrics,
		Health: map[string]app.HealthCheck{
			"postgres": func(r *http.Request) error { return dbpool.Ping(r.Context()) },
			"redis":    func(r *http.Request) error { return cache.Ping(r.Context(), redisClient) },
		},
		MaterialsHandler:    materials.NewHandler(logger, materialsService, rbacMiddleware, jobsClient),
		FormulationsHandler: formulations.NewHandler(logger, formulationsService, rbacMiddleware),
		ResearchHandler:     research.NewHandler(logger, researchService, rbacMiddleware),
		ProductionHandler:   production.NewHandler(logger, productionService, rbacMiddleware),
		PackagingHandler:    packaging.NewHandler(logger, packagingService, rbacMiddleware),
		SalesHandler:        sales.NewHandler(logger, salesService, rbacMiddleware),
		DashboardHandler:    dashboard.NewHandler(logger, dashboardService, rbacMiddleware),
		PermissionsHandler:  rbac.NewPermissionsHandler(logger, rbacService, rbacMiddleware),
		JobHandler:          jobs.NewHandler(inspector, logger),
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
