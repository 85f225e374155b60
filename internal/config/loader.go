package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	v.SetConfigName("config")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/plugin-migrate")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".plugin-migrate"))
		}
	}

	// Set defaults (these will be overridden by config file and env vars)
	setDefaults(v)

	v.SetEnvPrefix("PLUGIN_MIGRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	// It's ok if config file doesn't exist, we have defaults and env vars
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if err := parseDatabaseURL(v, dbURL); err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := NewDefault()

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", d.Database.DBName)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.log_level", d.Database.LogLevel)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "10m")

	v.SetDefault("migration.allow_destructive", false)
	v.SetDefault("migration.lock_timeout", "0s")
	v.SetDefault("migration.namespace", d.Migration.Namespace)
	v.SetDefault("migration.schema_dir", d.Migration.SchemaDir)
	v.SetDefault("migration.concurrency", d.Migration.Concurrency)

	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.debug", false)

	v.SetDefault("jwt.secret", d.JWT.Secret)

	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.allow_origins", d.HTTP.AllowOrigins)
	v.SetDefault("http.api_key_hash", "")
}

// bindEnvVars binds specific environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("server.log_level", "LOG_LEVEL", "PLUGIN_MIGRATE_SERVER_LOG_LEVEL")
	v.BindEnv("server.debug", "DEBUG", "PLUGIN_MIGRATE_SERVER_DEBUG")

	v.BindEnv("migration.allow_destructive", "ALLOW_DESTRUCTIVE_MIGRATIONS", "PLUGIN_MIGRATE_MIGRATION_ALLOW_DESTRUCTIVE")
	v.BindEnv("migration.lock_timeout", "MIGRATION_LOCK_TIMEOUT", "PLUGIN_MIGRATE_MIGRATION_LOCK_TIMEOUT")

	v.BindEnv("jwt.secret", "JWT_SECRET", "PLUGIN_MIGRATE_JWT_SECRET")
}

// parseDatabaseURL points the database section at a DATABASE_URL. Postgres
// URLs are passed through as the DSN and also split into their parts for
// display; sqlite:// URLs select the sqlite driver with the URL path.
func parseDatabaseURL(v *viper.Viper, dbURL string) error {
	u, err := url.Parse(dbURL)
	if err != nil {
		return err
	}

	switch u.Scheme {
	case "sqlite", "sqlite3":
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		if path == "" {
			return fmt.Errorf("sqlite URL must name a file")
		}
		v.Set("database.driver", "sqlite")
		v.Set("database.path", path)
		return nil
	case "postgres", "postgresql":
	default:
		return fmt.Errorf("URL must start with postgres://, postgresql:// or sqlite://")
	}

	dbname := strings.TrimPrefix(u.Path, "/")
	if dbname == "" {
		return fmt.Errorf("database name not found in URL")
	}

	v.Set("database.driver", "postgres")
	v.Set("database.dsn", dbURL)
	v.Set("database.host", u.Hostname())
	if port := u.Port(); port != "" {
		v.Set("database.port", port)
	}
	if u.User != nil {
		v.Set("database.user", u.User.Username())
		if pw, ok := u.User.Password(); ok {
			v.Set("database.password", pw)
		}
	}
	v.Set("database.dbname", dbname)
	if sslmode := u.Query().Get("sslmode"); sslmode != "" {
		v.Set("database.sslmode", sslmode)
	}

	return nil
}

// LoadConfigOrDefault loads configuration or returns default if loading fails
func LoadConfigOrDefault(configPath string) *Config {
	config, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to load config: %v. Using defaults.\n", err)
		return NewDefault()
	}
	return config
}
