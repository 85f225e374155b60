package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ksred/plugin-migrate/internal/api"
	"github.com/ksred/plugin-migrate/internal/app"
	"github.com/ksred/plugin-migrate/internal/config"
	"github.com/ksred/plugin-migrate/internal/mcp"
	"github.com/ksred/plugin-migrate/internal/utils"
)

const version = "v0.1.0"

func main() {
	var (
		configPath string
		skipApply  bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&skipApply, "skip-apply", false, "Skip applying registered plugin schemas at startup")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfiguration(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info().
		Str("version", version).
		Int("port", cfg.HTTP.Port).
		Str("driver", cfg.Database.Driver).
		Msg("Starting plugin-migrate HTTP API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	engine, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open migration engine")
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close database connection")
		}
	}()

	if _, err := engine.LoadSchemas(""); err != nil {
		logger.Error().Err(err).Msg("Some plugin schemas could not be registered")
	}

	if !skipApply {
		applyRegistered(ctx, engine, logger)
	} else {
		logger.Warn().Msg("Skipping startup migrations as requested")
	}

	mcpServer, err := mcp.NewServer(engine.Service, version, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create MCP server")
	}

	server, err := api.NewServer(cfg, engine.Service, mcpServer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create HTTP server")
	}

	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.HTTP.Port); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErrChan:
		logger.Error().Err(err).Msg("HTTP server error")
	}

	logger.Info().Msg("Starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to gracefully shutdown HTTP server")
	}

	logger.Info().Msg("Shutdown complete")
}

// applyRegistered migrates every registered plugin. Failures are logged per
// plugin and do not stop the server.
func applyRegistered(ctx context.Context, engine *app.Engine, logger zerolog.Logger) {
	batch, err := engine.Service.ApplyAll(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Startup migrations failed")
		return
	}

	for _, outcome := range batch.Outcomes {
		if outcome.Err != nil {
			logger.Error().Err(outcome.Err).Str("plugin", outcome.Plugin).Msg("Plugin migration failed")
		}
	}
	logger.Info().
		Int("plugins", len(batch.Outcomes)).
		Int("failed", len(batch.Failed())).
		Msg("Startup migrations completed")
}

// loadConfiguration loads configuration from file or environment
func loadConfiguration(configPath string) (*config.Config, error) {
	cfg := config.LoadConfigOrDefault(configPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging logs to stderr unless LOG_FILE is set, so a supervisor can
// capture output.
func setupLogging(cfg *config.Config) zerolog.Logger {
	logConfig := utils.LoggerConfig{
		Level:      cfg.Server.LogLevel,
		Pretty:     cfg.Server.Debug,
		CallerInfo: cfg.Server.Debug,
		LogFile:    os.Getenv("LOG_FILE"),
	}

	utils.SetupGlobalLogger(logConfig)
	return utils.NewLogger(logConfig)
}
