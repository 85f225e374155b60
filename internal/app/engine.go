// Package app wires configuration into a ready migration engine for the
// binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ksred/plugin-migrate/internal/config"
	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/ksred/plugin-migrate/internal/migrator"
	"github.com/ksred/plugin-migrate/internal/services"
)

// Engine is a connected, initialized migration engine.
type Engine struct {
	DB       *database.Database
	Runner   *migrator.Runner
	Registry *migrator.Registry
	Service  *services.MigrationService

	config *config.Config
	logger zerolog.Logger
}

// Open connects to the configured database and initializes the engine
// tables. The caller owns Close.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	logger.Info().Str("driver", cfg.Database.Driver).Msg("Connecting to database")

	db := database.NewDatabase(cfg.DatabaseSettings(), logger)
	if err := db.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Health(healthCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	runner, err := migrator.NewRunner(db, migrator.Config{
		AllowDestructive: cfg.Migration.AllowDestructive,
		LockTimeout:      cfg.Migration.LockTimeout,
		Namespace:        cfg.Migration.Namespace,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := runner.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}

	registry := migrator.NewRegistry(runner, cfg.Migration.Concurrency, logger)

	return &Engine{
		DB:       db,
		Runner:   runner,
		Registry: registry,
		Service:  services.NewMigrationService(db, runner, registry, logger),
		config:   cfg,
		logger:   logger,
	}, nil
}

// LoadSchemas registers every declaration in dir, defaulting to the
// configured schema directory. A missing directory registers nothing.
func (e *Engine) LoadSchemas(dir string) (int, error) {
	if dir == "" {
		dir = e.config.Migration.SchemaDir
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		e.logger.Warn().Str("dir", dir).Msg("Schema directory not found, no plugin schemas registered")
		return 0, nil
	}

	n, err := e.Registry.DiscoverDir(dir)
	e.logger.Info().Str("dir", dir).Int("registered", n).Msg("Loaded plugin schemas")
	return n, err
}

// Close releases the database connection.
func (e *Engine) Close() error {
	return e.DB.Close()
}
