package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odyssey-erp/harvest/internal/app"
	"github.com/odyssey-erp/harvest/internal/cycle"
	jobmetrics "github.com/odyssey-erp/harvest/internal/jobs"
	"github.com/odyssey-erp/harvest/internal/platform/cache"
	"github.com/odyssey-erp/harvest/internal/platform/db"
	"github.com/odyssey-erp/harvest/internal/settlement"
	"github.com/odyssey-erp/harvest/internal/shared"
	"github.com/odyssey-erp/harvest/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, LockTimeout: cfg.PGLockTimeout})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	locker := jobs.NewLocker(redisClient, 15*time.Minute)

	settlementService := settlement.NewService(
		settlement.NewRepository(pool),
		cycle.NewRepository(pool),
		shared.NewAuditLogger(pool),
		cache.NewVersioned(redisClient, "harvest:cheques-due", cfg.CacheTTL),
		nil,
		logger,
		settlement.ServiceConfig{
			DefaultDueDays:      cfg.BillDueDays,
			DueWindowDays:       cfg.ChequeDueWindow,
			AllowNegativeWallet: cfg.AllowNegativeWallet,
		},
	)
	chequesDue := jobs.NewChequesDueJob(settlementService, locker, logger, metrics)
	cleanup := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), locker, logger, metrics)

	chequesDueTask, err := jobs.NewChequesDueTask(cfg.ChequeDueWindow)
	if err != nil {
		logger.Error("build cheques due task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build idempotency cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   jobs.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskChequesDue, Handler: chequesDue.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanup.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: jobs.CronChequesDue, Task: chequesDueTask},
			{Spec: jobs.CronIdempotencyCleanup, Task: cleanupTask},
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
