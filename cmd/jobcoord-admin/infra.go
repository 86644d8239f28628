package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/jobcoord/config"
	"github.com/target/jobcoord/internal/bootstrap"
	"github.com/target/jobcoord/internal/migrate"
)

func newApp(logger *slog.Logger, cfg *config.AppConfig) *app {
	a := &app{logger: logger, cfg: cfg}
	a.openJobs = a.connectJobs
	a.openSweeper = a.connectSweeper
	a.openMigrator = a.connectMigrator
	return a
}

// connectInfra wires up the database and, when enabled, Redis.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func connectInfra(logger *slog.Logger, cfg *config.AppConfig) (*sql.DB, redis.UniversalClient, error) {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, Logger: logger})
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}

	redisClient, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: cfg.Redis, Logger: logger})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close db: %w", closeErr))
		}
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return db, redisClient, nil
}

func closeInfra(db *sql.DB, redisClient redis.UniversalClient) error {
	var closeErr error
	if db != nil {
		if err := db.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}

// openServices connects infrastructure and wires the engine the same way the
// server does, so CLI enqueues go through the idempotency gate.
func (a *app) openServices() (*bootstrap.ServiceContainer, *sql.DB, func(), error) {
	db, redisClient, err := connectInfra(a.logger, a.cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      a.cfg,
		DB:          db,
		RedisClient: redisClient,
		Logger:      a.logger,
	})
	if err != nil {
		if closeErr := closeInfra(db, redisClient); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, nil, nil, fmt.Errorf("wire services: %w", err)
	}

	release := func() {
		if closeErr := errors.Join(services.Close(), closeInfra(db, redisClient)); closeErr != nil {
			a.logger.Warn("release connections failed", "error", closeErr)
		}
	}
	return &services, db, release, nil
}

//nolint:ireturn // commands depend on the narrow interface so tests can fake it.
func (a *app) connectJobs(_ context.Context) (jobAdmin, func(), error) {
	services, _, release, err := a.openServices()
	if err != nil {
		return nil, nil, err
	}
	return services.Jobs, release, nil
}

//nolint:ireturn // commands depend on the narrow interface so tests can fake it.
func (a *app) connectSweeper(_ context.Context) (sweeper, func(), error) {
	services, db, release, err := a.openServices()
	if err != nil {
		return nil, nil, err
	}
	runner, err := bootstrap.NewReclaimerRunner(bootstrap.ReclaimerConfig{
		DB:          db,
		Config:      a.cfg.Reclaimer,
		JobsConfig:  a.cfg.Jobs,
		LeasePolicy: services.LeasePolicy,
		DeadLetters: services.Observability.DeadLetters,
		Metrics:     services.Observability.MetricsSink,
		Logger:      a.logger,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	return runner, release, nil
}

type dbMigrator struct {
	db     *sql.DB
	logger *slog.Logger
}

func (m dbMigrator) Run(ctx context.Context) error {
	return bootstrap.RunMigrations(ctx, m.db, m.logger)
}

func (m dbMigrator) Status(ctx context.Context) ([]migrate.Migration, error) {
	return migrate.Status(ctx, m.db)
}

//nolint:ireturn // commands depend on the narrow interface so tests can fake it.
func (a *app) connectMigrator(_ context.Context) (migrator, func(), error) {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: a.cfg.Postgres, Logger: a.logger})
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	release := func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Warn("db close failed", "error", cerr)
		}
	}
	return dbMigrator{db: db, logger: a.logger}, release, nil
}
