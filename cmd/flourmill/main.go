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
	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/cmd/flourmill/cli"
	"github.com/flourmill/flourmill/internal/app"
	"github.com/flourmill/flourmill/internal/cleaning"
	"github.com/flourmill/flourmill/internal/dispatch"
	"github.com/flourmill/flourmill/internal/intake"
	jobmetrics "github.com/flourmill/flourmill/internal/jobs"
	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/masterdata"
	"github.com/flourmill/flourmill/internal/observability"
	"github.com/flourmill/flourmill/internal/platform/cache"
	"github.com/flourmill/flourmill/internal/platform/db"
	"github.com/flourmill/flourmill/internal/production"
	"github.com/flourmill/flourmill/internal/shared"
	"github.com/flourmill/flourmill/internal/transfer"
	"github.com/flourmill/flourmill/jobs"
)

const masterDataCacheTTL = 10 * time.Minute

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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			logger.Error("jobs cli", slog.Any("error", err))
			os.Exit(1)
		}
		err = cli.Run(ctx, jobsCLI, os.Args[2:], os.Stdout)
		if closeErr := jobsCLI.Close(); closeErr != nil {
			logger.Warn("jobs cli close", slog.Any("error", closeErr))
		}
		if err != nil {
			logger.Error("jobs cli", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, dbpool); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	approvalRecorder := shared.NewApprovalRecorder(dbpool, logger)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	metrics := observability.NewMetrics()

	var masterCache *cache.Versioned
	if redisClient != nil {
		masterCache = cache.NewVersioned(redisClient, "flourmill:masterdata", masterDataCacheTTL)
	}
	masterRepo := masterdata.NewRepository(dbpool)
	masterService := masterdata.NewService(masterRepo, masterCache, auditLogger, logger)

	ledgerRepo := ledger.NewRepository(dbpool, cfg.LedgerLockTimeout)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger)
	transferEngine := transfer.NewEngine(ledgerRepo, idempotencyStore, auditLogger, logger)

	intakeRepo := intake.NewRepository(dbpool, cfg.LedgerLockTimeout)
	intakeService := intake.NewService(intakeRepo, masterService, idempotencyStore, auditLogger, logger,
		intake.WithApprovals(approvalRecorder))

	productionRepo := production.NewRepository(dbpool, cfg.LedgerLockTimeout)
	productionService := production.NewService(productionRepo, masterService, auditLogger, logger,
		production.WithConfig(production.Config{
			MainTarget: decimal.NewFromFloat(cfg.GrindingMainTarget),
			Tolerance:  decimal.NewFromFloat(cfg.GrindingTolerance),
		}))

	cleaningRepo := cleaning.NewRepository(dbpool)
	cleaningService := cleaning.NewService(cleaningRepo, jobmetrics.NewMetrics(metrics.Registerer()), logger)

	dispatchRepo := dispatch.NewRepository(dbpool, cfg.LedgerLockTimeout)
	dispatchService := dispatch.NewService(dispatchRepo, masterService, idempotencyStore, auditLogger, logger)

	redisOpts, err := jobs.RedisConnOpt(cfg.RedisAddr)
	if err != nil {
		logger.Error("redis options", slog.Any("error", err))
		os.Exit(1)
	}
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
		Logger:            logger,
		Config:            cfg,
		Metrics:           metrics,
		Pool:              dbpool,
		MasterDataHandler: masterdata.NewHandler(logger, masterService),
		LedgerHandler:     ledger.NewHandler(logger, ledgerService),
		TransferHandler:   transfer.NewHandler(logger, transferEngine),
		IntakeHandler:     intake.NewHandler(logger, intakeService),
		ProductionHandler: production.NewHandler(logger, productionService),
		CleaningHandler:   cleaning.NewHandler(logger, cleaningService),
		DispatchHandler:   dispatch.NewHandler(logger, dispatchService),
		JobHandler:        jobs.NewHandler(inspector, jobClient, logger),
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
