// Package app wires configuration, storage, engines, workers and the HTTP
// server into a running process.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/api"
	"github.com/veltrix/compengine/internal/api/middleware"
	"github.com/veltrix/compengine/internal/approval"
	"github.com/veltrix/compengine/internal/config"
	"github.com/veltrix/compengine/internal/db"
	"github.com/veltrix/compengine/internal/engine"
	"github.com/veltrix/compengine/internal/graph"
	"github.com/veltrix/compengine/internal/idempotency"
	"github.com/veltrix/compengine/internal/ledger"
	"github.com/veltrix/compengine/internal/notify"
	"github.com/veltrix/compengine/internal/observability"
	"github.com/veltrix/compengine/internal/orchestrator"
	"github.com/veltrix/compengine/internal/settings"
	"github.com/veltrix/compengine/internal/store"
	"github.com/veltrix/compengine/internal/store/memstore"
	"github.com/veltrix/compengine/internal/store/postgres"
	"github.com/veltrix/compengine/internal/worker"
)

// Run bootstraps the HTTP server and background workers, blocking until
// shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		st   store.Store
		pool *pgxpool.Pool
	)
	if cfg.StoreBackend == "postgres" {
		pool, err = db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
		st = pg
	} else {
		logger.Warn("using in-memory store, data will not survive a restart")
		st = memstore.New()
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = newRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
	}
	var redisCmd redis.Cmdable
	if redisClient != nil {
		redisCmd = redisClient
	}

	idemStore := idempotency.NewStore(redisCmd, st, cfg.IdempotencyTTL)

	graphSvc := graph.New(st)
	ledgerSvc := ledger.New(st, logger)
	settingsSvc := settings.New(st, redisCmd, logger)
	notifier := notify.NewLogNotifier(logger)

	levelEngine := engine.NewLevelEngine(graphSvc, ledgerSvc, logger)
	binaryEngine := engine.NewBinaryEngine(st, graphSvc, ledgerSvc, logger)
	roiEngine := engine.NewROIEngine(st, ledgerSvc, logger)
	rankEngine := engine.NewRankEngine(st, graphSvc, ledgerSvc, logger).WithNotifier(notifier)
	purchaseSvc := engine.NewPurchaseService(st, binaryEngine, ledgerSvc, logger)
	approvalSvc := approval.New(st, ledgerSvc, settingsSvc, notifier, logger)

	orc := orchestrator.New(st, graphSvc, settingsSvc, levelEngine, binaryEngine, roiEngine, rankEngine, logger).
		WithWorkers(cfg.RunWorkers).
		WithRunTimeout(cfg.RunTimeout)

	scheduleWorker := worker.NewScheduleWorker(orc, binaryEngine, settingsSvc).
		WithInterval(cfg.SchedulerInterval)
	stopSchedule := scheduleWorker.Run(ctx)
	logger.Info("schedule worker started", zap.Duration("interval", cfg.SchedulerInterval))

	reconWorker := worker.NewReconciliationWorker(ledgerSvc).
		WithInterval(cfg.ReconciliationInterval)
	stopRecon := reconWorker.Run(ctx)
	logger.Info("reconciliation worker started", zap.Duration("interval", cfg.ReconciliationInterval))

	router := api.NewRouter(api.Deps{
		Config:       cfg,
		Logger:       logger,
		Store:        st,
		DB:           pool,
		Redis:        redisCmd,
		IdemStore:    idemStore,
		Graph:        graphSvc,
		Ledger:       ledgerSvc,
		Settings:     settingsSvc,
		Purchase:     purchaseSvc,
		Rank:         rankEngine,
		Orchestrator: orc,
		Approval:     approvalSvc,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopSchedule()
	stopRecon()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
