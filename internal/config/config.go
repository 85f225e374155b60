package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config represents the main application configuration
type Config struct {
	Database  Database  `json:"database" mapstructure:"database"`
	Migration Migration `json:"migration" mapstructure:"migration"`
	Server    Server    `json:"server" mapstructure:"server"`
	JWT       JWT       `json:"jwt" mapstructure:"jwt"`
	HTTP      HTTP      `json:"http" mapstructure:"http"`
}

// Database represents database configuration
type Database struct {
	Driver          string        `json:"driver" mapstructure:"driver"`
	DSN             string        `json:"-" mapstructure:"dsn"`
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	User            string        `json:"user" mapstructure:"user"`
	Password        string        `json:"-" mapstructure:"password"`
	DBName          string        `json:"dbname" mapstructure:"dbname"`
	SSLMode         string        `json:"sslmode" mapstructure:"sslmode"`
	Path            string        `json:"path" mapstructure:"path"`
	LogLevel        string        `json:"log_level" mapstructure:"log_level"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// Migration controls the schema engine.
type Migration struct {
	AllowDestructive bool          `json:"allow_destructive" mapstructure:"allow_destructive"`
	LockTimeout      time.Duration `json:"lock_timeout" mapstructure:"lock_timeout"`
	Namespace        string        `json:"namespace" mapstructure:"namespace"`
	SchemaDir        string        `json:"schema_dir" mapstructure:"schema_dir"`
	Concurrency      int           `json:"concurrency" mapstructure:"concurrency"`
}

// Server represents server configuration
type Server struct {
	LogLevel string `json:"log_level" mapstructure:"log_level"`
	Debug    bool   `json:"debug" mapstructure:"debug"`
}

// JWT represents JWT configuration
type JWT struct {
	Secret string `json:"-" mapstructure:"secret"`
}

// HTTP represents HTTP server configuration
type HTTP struct {
	Port         int      `json:"port" mapstructure:"port"`
	AllowOrigins []string `json:"allow_origins" mapstructure:"allow_origins"`
	APIKeyHash   string   `json:"-" mapstructure:"api_key_hash"`
}

// NewDefault returns a Config instance with default values
func NewDefault() *Config {
	return &Config{
		Database: Database{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			DBName:          "plugin_migrate",
			SSLMode:         "disable",
			Path:            "plugin-migrate.db",
			LogLevel:        "error",
			MaxConnections:  25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 1 * time.Minute,
		},
		Migration: Migration{
			Namespace:   "migrations",
			SchemaDir:   "schemas",
			Concurrency: 4,
		},
		Server: Server{
			LogLevel: "info",
		},
		JWT: JWT{
			Secret: "change-me-in-production",
		},
		HTTP: HTTP{
			Port:         8082,
			AllowOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "pg":
		if c.Database.DSN == "" {
			if c.Database.Host == "" {
				return fmt.Errorf("database host is required")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				return fmt.Errorf("database port must be between 1 and 65535")
			}
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.DBName == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case "sqlite", "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be greater than 0")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxConnections {
		return fmt.Errorf("max idle connections cannot exceed max connections")
	}

	if c.Migration.LockTimeout < 0 {
		return fmt.Errorf("migration lock timeout cannot be negative")
	}
	if c.Migration.Namespace == "" {
		return fmt.Errorf("migration namespace is required")
	}
	if c.Migration.Concurrency < 0 {
		return fmt.Errorf("migration concurrency cannot be negative")
	}
	// Each postgres migration pins one pooled connection for its advisory lock
	// and needs a second for its transaction.
	if c.IsPostgres() && (c.Migration.Concurrency == 0 || c.Migration.Concurrency >= c.Database.MaxConnections) {
		return fmt.Errorf("migration concurrency must be between 1 and max connections - 1 on postgres")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.Server.LogLevel)
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT secret cannot be empty")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}

	return nil
}

// IsPostgres reports whether the configured driver is postgres.
func (c *Config) IsPostgres() bool {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "pg":
		return true
	}
	return false
}

// DatabaseURL constructs a PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}

	params := url.Values{}
	params.Set("sslmode", c.Database.SSLMode)

	var userInfo *url.Userinfo
	if c.Database.Password == "" {
		userInfo = url.User(c.Database.User)
	} else {
		userInfo = url.UserPassword(c.Database.User, c.Database.Password)
	}

	u := &url.URL{
		Scheme:   "postgres",
		User:     userInfo,
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     c.Database.DBName,
		RawQuery: params.Encode(),
	}

	return u.String()
}

// DatabaseSettings renders the database section as the settings map the
// connection layer consumes.
func (c *Config) DatabaseSettings() map[string]interface{} {
	settings := map[string]interface{}{
		"driver":             c.Database.Driver,
		"host":               c.Database.Host,
		"port":               c.Database.Port,
		"user":               c.Database.User,
		"password":           c.Database.Password,
		"dbname":             c.Database.DBName,
		"sslmode":            c.Database.SSLMode,
		"path":               c.Database.Path,
		"log_level":          c.Database.LogLevel,
		"max_open_conns":     c.Database.MaxConnections,
		"max_idle_conns":     c.Database.MaxIdleConns,
		"conn_max_lifetime":  c.Database.ConnMaxLifetime,
		"conn_max_idle_time": c.Database.ConnMaxIdleTime,
	}
	if c.Database.DSN != "" {
		settings["dsn"] = c.Database.DSN
	}
	return settings
}
