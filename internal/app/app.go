// Package app wires the booking service and its backends from Config. It is
// shared by every command that needs the service graph.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-appointments/internal/api"
	"github.com/hackgods/clinic-appointments/internal/booking"
	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/db"
	"github.com/hackgods/clinic-appointments/internal/lock"
	"github.com/hackgods/clinic-appointments/internal/logging"
	"github.com/hackgods/clinic-appointments/internal/metrics"
	"github.com/hackgods/clinic-appointments/internal/notify"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
	"github.com/hackgods/clinic-appointments/internal/slots"
)

// Store is what the service and the outbox dispatcher need from a backend.
type Store interface {
	booking.Repository
	notify.Outbox
}

type App struct {
	Config   config.Config
	Logger   *logging.Logger
	Pool     *pgxpool.Pool // nil with the memory store
	Redis    *redis.Client // nil when Redis is not configured
	Store    Store
	Catalog  *slots.Catalog
	Service  *booking.Service
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	a.Catalog = catalog

	if err := a.connectStore(ctx); err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(ctx, redisclient.ClientConfig{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis connection error: %w", err)
		}
		a.Redis = rdb
		logger.Info("connected to Redis", "addr", cfg.RedisAddr)
	}

	var locker lock.Locker
	switch cfg.LockBackend {
	case config.LockBackendRedis:
		locker = redisclient.NewRedisLocker(a.Redis, cfg.LockTTL)
	default:
		locker = lock.NewLocalLocker()
	}

	policy, err := booking.ParsePatientPolicy(cfg.PatientPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Service = booking.NewService(a.Store, locker, catalog, booking.Options{
		Policy:        policy,
		Location:      cfg.Location(),
		HorizonDays:   cfg.HorizonDays,
		CommitTimeout: cfg.CommitTimeout,
		MaxAttempts:   cfg.CommitMaxAttempts,
		RetryBackoff:  cfg.CommitRetryBackoff,
		Metrics:       a.Metrics,
	}, logger)

	logger.Info("booking service ready",
		"store", cfg.StoreBackend,
		"lock", cfg.LockBackend,
		"policy", policy,
		"slots", catalog.Len(),
	)
	return a, nil
}

func loadCatalog(cfg config.Config) (*slots.Catalog, error) {
	if cfg.SlotCatalogFile != "" {
		c, err := slots.LoadFile(cfg.SlotCatalogFile, cfg.SlotCapacity)
		if err != nil {
			return nil, fmt.Errorf("load slot catalog: %w", err)
		}
		return c, nil
	}
	return slots.Default(cfg.SlotCapacity)
}

func (a *App) connectStore(ctx context.Context) error {
	if a.Config.StoreBackend == config.StoreBackendMemory {
		a.Store = booking.NewMemoryRepository()
		a.Logger.Warn("using in-memory store; bookings are lost on restart")
		return nil
	}

	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(pgCtx, a.Config.PostgresDSN, a.Config.PostgresMaxConns)
	if err != nil {
		return fmt.Errorf("postgres connection error: %w", err)
	}
	a.Pool = pool
	a.Store = booking.NewPgRepository(pool)
	a.Logger.Info("connected to Postgres")
	return nil
}

// StaffLocks returns the advisory lock store, or nil without Redis.
func (a *App) StaffLocks() api.StaffLocker {
	if a.Redis == nil {
		return nil
	}
	return redisclient.NewStaffLocks(a.Redis, a.Config.StaffLockTTL)
}

// Publisher returns the Redis event publisher, or nil without Redis.
func (a *App) Publisher() notify.Publisher {
	if a.Redis == nil {
		return nil
	}
	return notify.NewRedisPublisher(a.Redis, a.Config.NotifyChannel)
}

func (a *App) Dispatcher(pub notify.Publisher) *notify.Dispatcher {
	return notify.NewDispatcher(a.Store, pub, a.Config.NotifyBatchSize, a.Metrics, a.Logger)
}

// Checks lists readiness probes. Redis is critical only when bookings depend
// on it for locking.
func (a *App) Checks() []api.DependencyCheck {
	var checks []api.DependencyCheck
	if a.Pool != nil {
		checks = append(checks, api.DependencyCheck{
			Name:     "postgres",
			Critical: true,
			Ping:     a.Pool.Ping,
		})
	}
	if a.Redis != nil {
		rdb := a.Redis
		checks = append(checks, api.DependencyCheck{
			Name:     "redis",
			Critical: a.Config.LockBackend == config.LockBackendRedis,
			Ping:     func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	return checks
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("error closing redis", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
