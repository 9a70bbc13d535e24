package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/shipdesk/backoffice/internal/app"
	"github.com/shipdesk/backoffice/internal/counterparty"
	jobmetrics "github.com/shipdesk/backoffice/internal/jobs"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/platform/cache"
	"github.com/shipdesk/backoffice/internal/platform/db"
	"github.com/shipdesk/backoffice/internal/shared"
	"github.com/shipdesk/backoffice/jobs"
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
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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
	redisOpts := redisClient.Options()
	// Repaired party balances must invalidate cached statements.
	statements := cache.NewVersioned(redisClient, counterparty.StatementCachePrefix, cfg.StatementCacheTTL)

	auditLogger := shared.NewAuditLogger(pool)
	jobMetrics := jobmetrics.NewMetrics(nil)
	reconcileJob := jobs.NewReconcileJob(
		accounts.NewService(accounts.NewRepository(pool), auditLogger).WithLogger(logger),
		journal.NewService(journal.NewRepository(pool), auditLogger).WithLogger(logger),
		counterparty.NewService(counterparty.NewRepository(pool), auditLogger, statements).WithLogger(logger),
		logger,
		jobMetrics,
	)
	reconcileJob.FixDrift = cfg.ReconcileFixDrift

	cron, err := jobs.ReconcileCron(cfg.ReconcileCron, cfg.ReconcileFixDrift)
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupCron, err := jobs.IdempotencyCleanupCron(cfg.IdempotencyCleanupCron, cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build idempotency cleanup task", slog.Any("error", err))
		os.Exit(1)
	}
	cron = append(cron, cleanupCron...)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, jobMetrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.String("reconcile_cron", cfg.ReconcileCron), slog.Bool("fix_drift", cfg.ReconcileFixDrift),
		slog.String("idempotency_cleanup_cron", cfg.IdempotencyCleanupCron))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
