package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/harvest/cmd/harvest/cli"
	"github.com/odyssey-erp/harvest/db/migrations"
	"github.com/odyssey-erp/harvest/internal/app"
	"github.com/odyssey-erp/harvest/internal/audit"
	"github.com/odyssey-erp/harvest/internal/cycle"
	"github.com/odyssey-erp/harvest/internal/ledger"
	"github.com/odyssey-erp/harvest/internal/observability"
	"github.com/odyssey-erp/harvest/internal/platform/cache"
	"github.com/odyssey-erp/harvest/internal/platform/db"
	"github.com/odyssey-erp/harvest/internal/settlement"
	"github.com/odyssey-erp/harvest/internal/shared"
	"github.com/odyssey-erp/harvest/internal/shipment"
	"github.com/odyssey-erp/harvest/jobs"
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := runJobsCommand(ctx, cfg, os.Args[2:]); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, LockTimeout: cfg.PGLockTimeout})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if cfg.PGAutoMigrate {
		if err := db.Migrate(dbpool, migrations.FS, false); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, caching disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	dueCache := cache.NewVersioned(redisClient, "harvest:cheques-due", cfg.CacheTTL)

	cycleRepo := cycle.NewRepository(dbpool)
	cycleService := cycle.NewService(cycleRepo, auditLogger, metrics, logger)

	shipmentRepo := shipment.NewRepository(dbpool)
	shipmentService := shipment.NewService(shipmentRepo, cycleRepo, auditLogger, metrics, logger)

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, metrics, logger)

	settlementRepo := settlement.NewRepository(dbpool)
	settlementService := settlement.NewService(settlementRepo, cycleRepo, auditLogger, dueCache, metrics, logger, settlement.ServiceConfig{
		DefaultDueDays:      cfg.BillDueDays,
		DueWindowDays:       cfg.ChequeDueWindow,
		AllowNegativeWallet: cfg.AllowNegativeWallet,
	})

	inspector := asynq.NewInspector(jobs.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		CycleHandler:      cycle.NewHandler(logger, cycleService),
		ShipmentHandler:   shipment.NewHandler(logger, shipmentService),
		LedgerHandler:     ledger.NewHandler(logger, ledgerService),
		SettlementHandler: settlement.NewHandler(logger, settlementService),
		AuditHandler:      audit.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool))),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
		Database:          dbpool,
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

// runJobsCommand handles `harvest jobs trigger <task>` and `harvest jobs stats`.
func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	c := cli.NewJobsCLI(jobs.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
	defer func() { _ = c.Close() }()
	if len(args) == 0 {
		return fmt.Errorf("usage: harvest jobs trigger <%s|%s> | harvest jobs stats", jobs.TaskChequesDue, jobs.TaskIdempotencyCleanup)
	}
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New("jobs trigger: task name required")
		}
		info, err := c.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := c.InspectQueue()
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	default:
		return fmt.Errorf("jobs: unknown command %q", args[0])
	}
	return nil
}
