// Package main provides the migrate CLI for applying and inspecting plugin
// schemas against the shared database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ksred/plugin-migrate/internal/app"
	"github.com/ksred/plugin-migrate/internal/config"
	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

var (
	version = "dev"

	// Global flags
	configPath       string
	schemaDir        string
	allowDestructive bool
	outputFlag       string
	verbose          bool
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply and inspect plugin schema migrations",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&schemaDir, "schema-dir", "", "Directory of plugin schema files (defaults to migration.schema_dir)")
	root.PersistentFlags().BoolVar(&allowDestructive, "allow-destructive", false, "Allow plans that drop or narrow columns and tables")
	root.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table", "Output format: table, json or yaml")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")

	root.AddCommand(newUpCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newJournalCmd())

	return root
}

// openEngine loads configuration, applies the global flags and connects.
func openEngine(ctx context.Context) (*app.Engine, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if allowDestructive {
		cfg.Migration.AllowDestructive = true
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	logger := utils.NewLogger(utils.LoggerConfig{Level: level, Pretty: true})

	engine, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if _, err := engine.LoadSchemas(schemaDir); err != nil {
		logger.Warn().Err(err).Msg("Some plugin schemas could not be registered")
	}
	return engine, nil
}

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// desiredSchema reads the schema in file. An empty file yields nil so the
// registered schema is used.
func desiredSchema(plugin, file string) (*schema.PluginSchema, error) {
	if file == "" {
		return nil, nil
	}
	decl, err := schema.LoadFile(file)
	if err != nil {
		return nil, err
	}
	if decl.Plugin != "" && decl.Plugin != plugin {
		return nil, fmt.Errorf("schema file declares plugin %q, not %q", decl.Plugin, plugin)
	}
	return &decl.PluginSchema, nil
}
