package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/loomworks/loom/cmd/loom/cli"
	"github.com/loomworks/loom/internal/app"
	"github.com/loomworks/loom/internal/platform/db"
	"github.com/loomworks/loom/internal/platform/migrate"
	"github.com/loomworks/loom/internal/shared"
)

const usage = `usage: loom <command> [args]

commands:
  serve                          run the HTTP API (default)
  migrate up|down|version|force N
  jobs trigger <task> [-order ID] [-limit N] [-older-than D]
  jobs stats
  idempotency prune [-older-than D]`

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

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = runMigrate(cfg, logger, args)
	case "jobs":
		err = runJobs(ctx, cfg, args)
	case "idempotency":
		err = runIdempotency(ctx, cfg, logger, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	container, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Warn("close", slog.Any("error", err))
		}
	}()

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      container.Router(),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("storage", cfg.StorageBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runMigrate(cfg *app.Config, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	m, err := migrate.New(cfg.PGDSN, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("close migrator", slog.Any("error", err))
		}
	}()
	switch args[0] {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%v\n", v, dirty)
		return nil
	case "force":
		if len(args) < 2 {
			return errors.New("migrate force: version required")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("migrate force: %w", err)
		}
		return m.Force(v)
	}
	return errors.New(usage)
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	c := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer c.Close()

	switch args[0] {
	case "stats":
		stats, err := c.InspectQueue()
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
		return nil
	case "trigger":
		if len(args) < 2 {
			return errors.New("jobs trigger: task name required")
		}
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		var opts cli.TriggerOptions
		fs.Int64Var(&opts.OrderID, "order", 0, "order id for orders:reconcile-purchase")
		fs.IntVar(&opts.Limit, "limit", 0, "sweep size for orders:reconcile-orphans")
		fs.DurationVar(&opts.OlderThan, "older-than", cfg.IdempotencyTTL, "retention for idempotency:prune")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		info, err := c.Trigger(ctx, args[1], opts)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	}
	return errors.New(usage)
}

func runIdempotency(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	if len(args) == 0 || args[0] != "prune" {
		return errors.New(usage)
	}
	fs := flag.NewFlagSet("idempotency prune", flag.ContinueOnError)
	olderThan := fs.Duration("older-than", cfg.IdempotencyTTL, "delete keys older than this")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()
	n, err := shared.NewIdempotencyStore(pool).Cleanup(ctx, *olderThan)
	if err != nil {
		return err
	}
	logger.Info("idempotency keys pruned", slog.Int64("deleted", n), slog.Duration("older_than", *olderThan))
	return nil
}
