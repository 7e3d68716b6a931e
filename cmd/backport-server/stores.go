package main

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/backport/internal/config"
	"github.com/ehr/backport/internal/domain/pollstate"
	"github.com/ehr/backport/internal/domain/subscription"
	"github.com/ehr/backport/internal/domain/topic"
	"github.com/ehr/backport/internal/platform/db"
)

// stores bundles the repositories of one backing store.
type stores struct {
	subs   subscription.SubscriptionRepository
	topics topic.Repository
	state  pollstate.Store
	health echo.HandlerFunc
	close  func()
}

// openStores connects the store selected by STORE_DRIVER. Postgres
// migrations are applied when migrate is set; the SQLite schema is always
// applied on open.
func openStores(ctx context.Context, cfg *config.Config, migrate bool, logger zerolog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return &stores{
			subs:   subscription.NewSubscriptionRepoSQLite(sqlDB),
			topics: topic.NewRepoSQLite(sqlDB),
			state:  pollstate.NewStoreSQLite(sqlDB),
			health: db.HealthHandler(db.SQLiteChecker(sqlDB)),
			close:  func() { _ = sqlDB.Close() },
		}, nil

	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		if migrate {
			n, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info().Int("applied", n).Msg("database migrations up to date")
		}
		return &stores{
			subs:   subscription.NewSubscriptionRepoPG(pool),
			topics: topic.NewRepoPG(pool),
			state:  pollstate.NewStorePG(pool),
			health: db.HealthHandler(db.PostgresChecker(pool)),
			close:  pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		MaxConnIdle: cfg.DBMaxConnIdle,
	}
}
