package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/internal/billing"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/orders"
	"github.com/loomworks/loom/internal/platform/cache"
	"github.com/loomworks/loom/internal/platform/db"
	"github.com/loomworks/loom/internal/platform/migrate"
	"github.com/loomworks/loom/internal/production"
	"github.com/loomworks/loom/internal/purchases"
	"github.com/loomworks/loom/internal/sequence"
	"github.com/loomworks/loom/internal/shared"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workflow"
	"github.com/loomworks/loom/jobs"
)

// Container holds the wired services of one process.
type Container struct {
	Config      *Config
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Jobs        *jobs.Client
	Inspector   *asynq.Inspector
	Idempotency shared.IdempotencyPort
	Audit       shared.AuditPort

	Sequences  *sequence.Service
	Orders     *orders.Service
	Purchases  *purchases.Service
	Production *production.Service
	Store      *store.Service
	Billing    *billing.Service
	Workflow   *workflow.Service

	closers []func() error
}

type repositories struct {
	seq        sequence.Store
	orders     orders.RepositoryPort
	purchases  purchases.RepositoryPort
	production production.RepositoryPort
	store      store.RepositoryPort
	billing    billing.RepositoryPort
	idem       shared.IdempotencyPort
	audit      shared.AuditPort
}

// Build connects the configured backends and wires every service.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}

	var (
		repos repositories
		err   error
	)
	switch cfg.StorageBackend {
	case BackendMemory:
		repos = memoryRepositories()
		logger.Warn("using in-memory storage; data is lost on restart")
	default:
		repos, err = c.postgresRepositories(ctx)
	}
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Idempotency = repos.idem
	c.Audit = repos.audit

	if cfg.LockBackend == "redis" || cfg.JobsEnabled {
		client, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		switch {
		case err == nil:
			c.Redis = client
			c.closers = append(c.closers, client.Close)
		case cfg.LockBackend == "redis":
			c.Close()
			return nil, err
		default:
			logger.Warn("redis unavailable, background jobs disabled", slog.Any("error", err))
		}
	}

	var locker shared.KeyedLocker = shared.NewLocalLocker()
	if cfg.LockBackend == "redis" {
		locker = shared.NewRedisLocker(c.Redis, cfg.LockTTL)
	}

	var enqueuer workflow.Enqueuer
	if cfg.JobsEnabled && c.Redis != nil {
		opts := c.redisOpts()
		c.Jobs = jobs.NewClient(opts)
		c.Inspector = asynq.NewInspector(opts)
		c.closers = append(c.closers, c.Jobs.Close, c.Inspector.Close)
		enqueuer = c.Jobs
	}

	c.Sequences = sequence.NewService(repos.seq, c.Metrics, repos.audit, logger)
	c.Orders = orders.NewService(repos.orders, c.Sequences, repos.audit, logger)
	c.Purchases = purchases.NewService(repos.purchases, c.Sequences, repos.audit, logger)
	c.Production = production.NewService(repos.production, c.Sequences, c.Metrics, repos.audit, logger)
	c.Store = store.NewService(repos.store, c.Purchases, c.Sequences, store.Config{
		Locker:  locker,
		Metrics: c.Metrics,
		Audit:   repos.audit,
		Logger:  logger,
	})
	c.Billing = billing.NewService(repos.billing, c.Orders, c.Sequences, repos.audit, logger)
	c.Workflow = workflow.NewService(c.Orders, c.Purchases, c.Production, workflow.Config{
		Idempotency: repos.idem,
		Enqueuer:    enqueuer,
		Logger:      logger,
		OrphanGrace: cfg.OrphanGrace,
	})
	return c, nil
}

func (c *Container) postgresRepositories(ctx context.Context) (repositories, error) {
	cfg := c.Config
	if cfg.AutoMigrate {
		m, err := migrate.New(cfg.PGDSN, c.Logger)
		if err != nil {
			return repositories{}, err
		}
		err = m.Up()
		if cerr := m.Close(); cerr != nil {
			c.Logger.Warn("close migrator", slog.Any("error", cerr))
		}
		if err != nil {
			return repositories{}, err
		}
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGConnLifetime})
	if err != nil {
		return repositories{}, err
	}
	c.Pool = pool
	c.closers = append(c.closers, func() error { pool.Close(); return nil })
	return repositories{
		seq:        sequence.NewRepository(pool),
		orders:     orders.NewRepository(pool),
		purchases:  purchases.NewRepository(pool),
		production: production.NewRepository(pool),
		store:      store.NewRepository(pool),
		billing:    billing.NewRepository(pool),
		idem:       shared.NewIdempotencyStore(pool),
		audit:      shared.NewAuditLogger(pool),
	}, nil
}

const memoryAuditLimit = 10000

// memoryRepositories share one counter store. Deleting an order cascades to
// its purchase, the purchase's store entries, its production and billing
// documents, mirroring the foreign keys of the postgres schema.
func memoryRepositories() repositories {
	seq := sequence.NewMemoryStore()
	ord := orders.NewMemoryRepository(seq)
	pur := purchases.NewMemoryRepository(seq)
	prod := production.NewMemoryRepository(seq)
	st := store.NewMemoryRepository(seq)
	bill := billing.NewMemoryRepository(seq)
	ord.Cascade = func(orderID int64) {
		for _, purchaseID := range pur.DeleteByOrder(orderID) {
			st.DeleteByPurchase(purchaseID)
		}
		prod.DeleteByOrder(orderID)
		bill.DeleteByOrder(orderID)
	}
	return repositories{
		seq:        seq,
		orders:     ord,
		purchases:  pur,
		production: prod,
		store:      st,
		billing:    bill,
		idem:       shared.NewMemoryIdempotency(),
		audit:      shared.NewMemoryAudit(memoryAuditLimit),
	}
}

func (c *Container) redisOpts() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.Config.RedisAddr, Password: c.Config.RedisPassword, DB: c.Config.RedisDB}
}

// Pruner returns the idempotency store when it supports retention cleanup.
func (c *Container) Pruner() (jobs.Pruner, error) {
	p, ok := c.Idempotency.(jobs.Pruner)
	if !ok {
		return nil, fmt.Errorf("app: %s backend keeps no idempotency history", c.Config.StorageBackend)
	}
	return p, nil
}

// HealthChecks lists the dependencies /healthz probes.
func (c *Container) HealthChecks() []HealthCheck {
	var checks []HealthCheck
	if c.Pool != nil {
		checks = append(checks, HealthCheck{Name: "postgres", Check: c.Pool.Ping})
	}
	if c.Redis != nil {
		checks = append(checks, HealthCheck{Name: "redis", Check: cache.Pinger{Client: c.Redis}.Check})
	}
	return checks
}

// Router builds the HTTP handler over the container's services.
func (c *Container) Router() http.Handler {
	return NewRouter(RouterParams{
		Logger:  c.Logger,
		Config:  c.Config,
		Metrics: c.Metrics,
		Health:  c.HealthChecks(),
		Mounters: []RouteMounter{
			sequence.NewHandler(c.Logger, c.Sequences),
			orders.NewHandler(c.Logger, c.Orders),
			purchases.NewHandler(c.Logger, c.Purchases),
			production.NewHandler(c.Logger, c.Production),
			store.NewHandler(c.Logger, c.Store),
			billing.NewHandler(c.Logger, c.Billing),
			workflow.NewHandler(c.Logger, c.Workflow),
		},
		JobHandler: jobs.NewHandler(c.Inspector, c.Logger),
	})
}

// Close releases connections in reverse order of acquisition.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
