package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/api"
	"github.com/charlesng35/gpubroker/internal/app"
	"github.com/charlesng35/gpubroker/internal/app/maintenance"
	"github.com/charlesng35/gpubroker/internal/cache"
	"github.com/charlesng35/gpubroker/internal/database"
	"github.com/charlesng35/gpubroker/internal/middleware"
	"github.com/charlesng35/gpubroker/internal/monitoring"
	"github.com/charlesng35/gpubroker/internal/monitoring/checks"
	"github.com/charlesng35/gpubroker/internal/signaling"
	"github.com/charlesng35/gpubroker/pkg/logger"
)

const healthCheckTimeout = 3 * time.Second

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB         *gorm.DB
	Redis      *cache.RedisClient
	Services   *api.Services
	Sweeper    *maintenance.Sweeper
	RateStore  middleware.RateStore
	Monitoring *monitoring.Module
	Router     *gin.Engine

	busCancel context.CancelFunc
	busDone   chan struct{}
}

// bootstrapRuntime initialises databases, caches, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			_ = stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed operations", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("target", cfg.Cache.RedisTarget()))
		}
	}

	replica, _ := os.Hostname()
	stack.Monitoring, err = monitoring.NewModule(monitoring.Options{Replica: replica})
	if err != nil {
		return nil, fmt.Errorf("initialise monitoring: %w", err)
	}
	monitoring.SetModule(stack.Monitoring)

	stack.Services, err = api.BuildServices(ctx, cfg, stack.DB)
	if err != nil {
		if errors.Is(err, database.ErrPoolLayoutChanged) {
			return nil, fmt.Errorf("address pool: %w; drain live sessions before changing pool.cidr or pool.block_size", err)
		}
		return nil, fmt.Errorf("initialise services: %w", err)
	}
	svc := stack.Services

	report, err := svc.Broker.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover sessions: %w", err)
	}
	log.Info("session state recovered",
		zap.Int("interrupted", report.Interrupted),
		zap.Int("restored", report.Restored),
		zap.Int("tunnels", report.Tunnels),
	)

	if stack.Redis != nil {
		if err := stack.startBus(svc.Hub); err != nil {
			return nil, err
		}
	}

	registerHealthChecks(stack, cfg)

	dbCache := cache.NewDatabaseStore(stack.DB)
	stack.Sweeper = maintenance.NewSweeper(stack.DB,
		maintenance.WithCacheGC(dbCache),
		maintenance.WithSessionExpiry(svc.Broker),
		maintenance.WithHostPresence(svc.Hosts),
		maintenance.WithTunnelGC(svc.Tunnels),
		maintenance.WithChainVerification(svc.Audit),
		maintenance.WithSweepInterval(cfg.Broker.Sweep()),
		maintenance.WithAuditSchedule(cfg.Audit.VerifySchedule),
	)
	if err := stack.Sweeper.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	if stack.Redis != nil {
		stack.RateStore = middleware.NewSharedRateStore(stack.Redis)
	} else {
		stack.RateStore = middleware.NewSharedRateStore(dbCache)
	}

	stack.Router, err = api.NewRouter(cfg, svc, stack.RateStore, stack.Monitoring)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// startBus joins the cross-replica signaling bus so peers connected to other
// replicas stay reachable.
func (s *runtimeStack) startBus(hub *signaling.Hub) error {
	bus, err := signaling.NewBus(s.Redis, hub, uuid.NewString())
	if err != nil {
		return fmt.Errorf("initialise signaling bus: %w", err)
	}
	hub.SetBus(bus)

	ctx, cancel := context.WithCancel(context.Background())
	s.busCancel = cancel
	s.busDone = make(chan struct{})
	go func() {
		defer close(s.busDone)
		if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithModule("signaling").Warn("signaling bus stopped", zap.Error(err))
		}
	}()
	return nil
}

func registerHealthChecks(stack *runtimeStack, cfg *app.Config) {
	if !cfg.Monitoring.Health.Enabled {
		return
	}
	health := stack.Monitoring.Health()
	health.RegisterLiveness(checks.Maintenance(maintenanceMaxAge(cfg)))
	health.RegisterReadiness(checks.Database(stack.DB, healthCheckTimeout))
	var redisPinger checks.RedisPinger
	if stack.Redis != nil {
		redisPinger = stack.Redis
	}
	health.RegisterReadiness(checks.Redis(redisPinger, cfg.Cache.Redis.Enabled, healthCheckTimeout))
	health.RegisterReadiness(checks.Signaling(stack.Services.Hub))
	health.RegisterReadiness(checks.AuditChain())
}

// maintenanceMaxAge allows a few missed runs of the slowest scheduled job.
func maintenanceMaxAge(cfg *app.Config) time.Duration {
	slowest := max(cfg.Broker.Sweep(), maintenance.CacheGCInterval)
	if schedule, err := cron.ParseStandard(cfg.Audit.VerifySchedule); err == nil {
		now := time.Now()
		next := schedule.Next(now)
		if gap := schedule.Next(next).Sub(next); gap > slowest {
			slowest = gap
		}
	}
	return 3 * slowest
}

// Shutdown stops background jobs, drains establishment tasks and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) error {
	if s == nil {
		return nil
	}

	var errs error
	if s.Sweeper != nil {
		stopCtx := s.Sweeper.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("maintenance stop: %w", ctx.Err()))
		}
	}

	if s.Services != nil {
		if err := s.Services.Broker.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("broker shutdown: %w", err))
		}
	}

	if s.busCancel != nil {
		s.busCancel()
		<-s.busDone
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("redis shutdown: %w", err))
		}
	}

	if s.DB != nil {
		if err := closeDatabase(s.DB); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		log.Warn("shutdown completed with errors", zap.Error(errs))
	}
	return errs
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		_ = closeDatabase(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),

		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("obtain sql DB for closing: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
