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

	"github.com/shipdesk/backoffice/internal/app"
	"github.com/shipdesk/backoffice/internal/billing/invoices"
	"github.com/shipdesk/backoffice/internal/billing/payments"
	"github.com/shipdesk/backoffice/internal/counterparty"
	"github.com/shipdesk/backoffice/internal/ledger/accounts"
	"github.com/shipdesk/backoffice/internal/ledger/journal"
	"github.com/shipdesk/backoffice/internal/observability"
	"github.com/shipdesk/backoffice/internal/platform/cache"
	"github.com/shipdesk/backoffice/internal/platform/db"
	"github.com/shipdesk/backoffice/internal/shared"
	"github.com/shipdesk/backoffice/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// Statements fall back to uncached builds; the ledger itself only needs Postgres.
		logger.Warn("redis unavailable, statement cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	metrics := observability.NewMetrics()

	accountService := accounts.NewService(accounts.NewRepository(dbpool), auditLogger).WithLogger(logger)
	journalService := journal.NewService(journal.NewRepository(dbpool), auditLogger).WithLogger(logger)
	invoiceService := invoices.NewService(invoices.NewRepository(dbpool), auditLogger).WithLogger(logger)
	paymentService := payments.NewService(payments.NewRepository(dbpool), auditLogger).WithLogger(logger)

	var statements counterparty.StatementCache
	ready := map[string]app.Pinger{"postgres": dbpool}
	if redisClient != nil {
		statements = cache.NewVersioned(redisClient, counterparty.StatementCachePrefix, cfg.StatementCacheTTL)
		ready["redis"] = cache.Pinger{Client: redisClient}
	}
	counterpartyService := counterparty.NewService(counterparty.NewRepository(dbpool), auditLogger, statements).WithLogger(logger)

	cacheOpts, err := cache.Options(cfg.RedisAddr)
	if err != nil {
		logger.Error("parse redis address", slog.Any("error", err))
		os.Exit(1)
	}
	redisOpts := asynq.RedisClientOpt{Addr: cacheOpts.Addr, Password: cacheOpts.Password, DB: cacheOpts.DB}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Metrics:          metrics,
		AccountsHandler:  accounts.NewHandler(logger, accountService, idempotencyStore, metrics),
		JournalHandler:   journal.NewHandler(logger, journalService, metrics),
		InvoicesHandler:  invoices.NewHandler(logger, invoiceService, idempotencyStore, metrics),
		PaymentsHandler:  payments.NewHandler(logger, paymentService, idempotencyStore, metrics),
		PartnersHandler:  counterparty.NewHandler(logger, counterpartyService, counterparty.KindPartner, idempotencyStore, metrics),
		SuppliersHandler: counterparty.NewHandler(logger, counterpartyService, counterparty.KindSupplier, idempotencyStore, metrics),
		JobHandler:       jobs.NewHandler(inspector, jobClient, logger),
		Ready:            ready,
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
