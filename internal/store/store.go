// Package store opens the measurement repository selected by the process settings.
package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/breatheroute/aqingest/internal/airquality"
	"github.com/breatheroute/aqingest/internal/airquality/sqlite"
	"github.com/breatheroute/aqingest/internal/config"
	"github.com/breatheroute/aqingest/internal/database"
)

// Open connects to the configured store and applies pending migrations.
// The caller owns the returned repository and must Close it.
func Open(ctx context.Context, s config.Settings, logger zerolog.Logger) (airquality.Repository, error) {
	switch s.StoreDriver {
	case config.DriverPostgres:
		pool, err := database.Connect(ctx, s.Database)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", airquality.ErrStoreUnavailable, err)
		}
		if err := database.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%w: %w", airquality.ErrStoreUnavailable, err)
		}
		logger.Info().
			Str("driver", s.StoreDriver).
			Str("host", s.Database.Host).
			Int("port", s.Database.Port).
			Str("database", s.Database.Database).
			Msg("store connected")
		return airquality.NewPostgresRepository(pool), nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, sqlite.Config{Path: s.SQLitePath, MaxOpenConns: 1}, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", airquality.ErrStoreUnavailable, err)
		}
		logger.Info().
			Str("driver", s.StoreDriver).
			Str("path", s.SQLitePath).
			Msg("store connected")
		return sqlite.NewRepository(db), nil

	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalidConfig, s.StoreDriver)
	}
}
