package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/loomworks/loom/internal/app"
	jobmetrics "github.com/loomworks/loom/internal/jobs"
	"github.com/loomworks/loom/jobs"
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
	if cfg.StorageBackend != app.BackendPostgres {
		logger.Error("worker needs the postgres backend; memory state is per process")
		os.Exit(1)
	}

	container, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build container", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Warn("close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	reconcile := jobs.NewReconcileJob(container.Workflow, logger, metrics)
	pruner, err := container.Pruner()
	if err != nil {
		logger.Error("idempotency pruner", slog.Any("error", err))
		os.Exit(1)
	}
	prune := &jobs.PruneJob{Pruner: pruner, Logger: logger, Metrics: metrics}

	cron, err := schedules(cfg)
	if err != nil {
		logger.Error("build cron tasks", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconcilePurchase, Handler: reconcile.HandlePurchase},
			{Type: jobs.TaskReconcileOrphans, Handler: reconcile.HandleOrphans},
			{Type: jobs.TaskIdempotencyPrune, Handler: prune.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func schedules(cfg *app.Config) ([]jobs.CronRegistration, error) {
	var out []jobs.CronRegistration
	if cfg.ReconcileCron != "" {
		task, err := jobs.NewReconcileOrphansTask(100)
		if err != nil {
			return nil, err
		}
		out = append(out, jobs.CronRegistration{Spec: cfg.ReconcileCron, Task: task})
	}
	if cfg.PruneCron != "" {
		task, err := jobs.NewIdempotencyPruneTask(cfg.IdempotencyTTL)
		if err != nil {
			return nil, err
		}
		out = append(out, jobs.CronRegistration{Spec: cfg.PruneCron, Task: task})
	}
	return out, nil
}
