package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/app"
	"github.com/lotledger/lotledger/internal/ledger"
	"github.com/lotledger/lotledger/internal/observability"
	"github.com/lotledger/lotledger/internal/platform/cache"
	"github.com/lotledger/lotledger/internal/platform/db"
	"github.com/lotledger/lotledger/internal/shared"
	"github.com/lotledger/lotledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis connect", slog.Any("error", err))
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	epsilon, err := decimal.NewFromString(cfg.ReconcileEpsilon)
	if err != nil {
		logger.Error("parse reconcile epsilon", slog.Any("error", err))
		os.Exit(1)
	}

	repo := ledger.NewRepository(pool)
	auditLogger := shared.NewAuditLogger(pool)
	metrics := observability.NewMetrics()
	onHandCache := ledger.NewOnHandCache(redisClient, cfg.OnHandCacheTTL)

	reconciler := ledger.NewReconciler(repo, auditLogger, metrics, logger, epsilon)
	projector := ledger.NewProjector(repo, onHandCache, metrics, logger)

	scanJob := jobs.NewReconcileScanJob(reconciler, repo, logger)
	rebuildJob := jobs.NewProjectionRebuildJob(projector, logger)

	scanTask, err := jobs.NewReconcileScanTask(jobs.ReconcileScanPayload{})
	if err != nil {
		logger.Error("build reconcile scan task", slog.Any("error", err))
		os.Exit(1)
	}
	rebuildTask, err := jobs.NewProjectionRebuildTask(jobs.ProjectionRebuildPayload{})
	if err != nil {
		logger.Error("build projection rebuild task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconcileScan, Handler: scanJob.Handle},
			{Type: jobs.TaskProjectionRebuild, Handler: rebuildJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.RebuildCron, Task: rebuildTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
