package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names the database backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Database manages the shared database connection the plugins and the
// migration engine use.
type Database struct {
	db     *gorm.DB
	config map[string]interface{}
	logger zerolog.Logger
	mu     sync.RWMutex
}

// NewDatabase creates a new Database instance
func NewDatabase(config map[string]interface{}, log zerolog.Logger) *Database {
	return &Database{
		config: config,
		logger: log.With().Str("component", "database").Logger(),
	}
}

// Connect opens the configured backend, retrying with exponential backoff
func (d *Database) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	gormConfig := &gorm.Config{
		Logger: logger.New(&d.logger, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  d.getLogLevel(),
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		// Plugin DDL runs through this handle, so statement caching stays off.
		PrepareStmt: false,
	}

	switch d.Driver() {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", d.Driver())
	}

	maxRetries := d.getConfigInt("connect_retries", 5)
	retryDelay := d.getConfigDuration("connect_retry_delay", 2*time.Second)

	var err error
	for i := 0; i < maxRetries; i++ {
		d.db, err = d.open(gormConfig)
		if err == nil {
			break
		}

		d.logger.Warn().Err(err).Int("attempt", i+1).Msg("Database connection failed")
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if d.Driver() == DriverSQLite {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY
		// between the pool and an open migration transaction.
		sqlDB.SetMaxOpenConns(1)
		return nil
	}

	sqlDB.SetMaxIdleConns(d.getConfigInt("max_idle_conns", 10))
	sqlDB.SetMaxOpenConns(d.getConfigInt("max_open_conns", 100))
	sqlDB.SetConnMaxLifetime(d.getConfigDuration("conn_max_lifetime", time.Hour))
	sqlDB.SetConnMaxIdleTime(d.getConfigDuration("conn_max_idle_time", time.Minute*10))

	return nil
}

func (d *Database) open(gormConfig *gorm.Config) (*gorm.DB, error) {
	switch d.Driver() {
	case DriverSQLite:
		path := d.getConfigString("path", "plugin-migrate.db")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), gormConfig)
	case DriverPostgres:
		// lib/pq owns the connections so advisory locks and *pq.Error codes
		// come from the same driver the engine inspects.
		sqlDB, err := sql.Open("postgres", d.buildDSN())
		if err != nil {
			return nil, err
		}
		if err := sqlDB.Ping(); err != nil {
			sqlDB.Close()
			return nil, err
		}
		return gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", d.Driver())
	}
}

// Migrate creates or updates table to match model.
func (d *Database) Migrate(ctx context.Context, table string, model interface{}) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return fmt.Errorf("database not connected")
	}

	if err := d.db.WithContext(ctx).Table(table).AutoMigrate(model); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", table, err)
	}

	return nil
}

// Health checks the database connection health
func (d *Database) Health(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return fmt.Errorf("database not connected")
	}

	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}

	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	d.db = nil
	return nil
}

// DB returns the underlying gorm.DB instance
func (d *Database) DB() *gorm.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// SQLDB returns the connection pool behind the gorm handle.
func (d *Database) SQLDB() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	return d.db.DB()
}

// SetDB sets the underlying gorm.DB instance (for testing)
func (d *Database) SetDB(db *gorm.DB) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.db = db
}

// Driver reports the configured backend. Postgres is the default.
func (d *Database) Driver() Driver {
	switch strings.ToLower(d.getConfigString("driver", string(DriverPostgres))) {
	case "sqlite", "sqlite3":
		return DriverSQLite
	case "postgres", "postgresql", "pg":
		return DriverPostgres
	default:
		return Driver(d.getConfigString("driver", ""))
	}
}

// Tables returns the engine table names for namespace on this backend.
func (d *Database) Tables(namespace string) Tables {
	return NewTables(d.Driver(), namespace)
}

// buildDSN constructs the PostgreSQL DSN from config. An explicit dsn (for
// example from DATABASE_URL) wins.
func (d *Database) buildDSN() string {
	if dsn := d.getConfigString("dsn", ""); dsn != "" {
		return dsn
	}

	host := d.getConfigString("host", "localhost")
	port := d.getConfigInt("port", 5432)
	user := d.getConfigString("user", "postgres")
	password := d.getConfigString("password", "")
	dbname := d.getConfigString("dbname", "plugin_migrate")
	sslmode := d.getConfigString("sslmode", "disable")
	timezone := d.getConfigString("timezone", "UTC")

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		host, port, user, password, dbname, sslmode, timezone)
}

// getLogLevel returns the GORM log level from config
func (d *Database) getLogLevel() logger.LogLevel {
	level := d.getConfigString("log_level", "error")
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Error
	}
}

// Helper methods for config access

func (d *Database) getConfigString(key string, defaultValue string) string {
	if val, ok := d.config[key].(string); ok {
		return val
	}
	return defaultValue
}

func (d *Database) getConfigInt(key string, defaultValue int) int {
	if val, ok := d.config[key].(int); ok {
		return val
	}
	// JSON and YAML decoders hand numbers over as float64
	if val, ok := d.config[key].(float64); ok {
		return int(val)
	}
	return defaultValue
}

func (d *Database) getConfigDuration(key string, defaultValue time.Duration) time.Duration {
	if val, ok := d.config[key].(string); ok {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	if val, ok := d.config[key].(time.Duration); ok {
		return val
	}
	return defaultValue
}

// WithTransaction executes fn within a database transaction. Postgres runs at
// READ COMMITTED; SQLite transactions are serializable already.
func (d *Database) WithTransaction(ctx context.Context, fn func(*gorm.DB) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return fmt.Errorf("database not connected")
	}

	var opts []*sql.TxOptions
	if d.Driver() == DriverPostgres {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	}
	return d.db.WithContext(ctx).Transaction(fn, opts...)
}

// Exec executes raw SQL outside any transaction, retrying transient failures.
func (d *Database) Exec(ctx context.Context, query string, args ...interface{}) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return fmt.Errorf("database not connected")
	}

	maxRetries := 3
	var err error

	for i := 0; i < maxRetries; i++ {
		err = d.db.WithContext(ctx).Exec(query, args...).Error
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			break
		}

		if i < maxRetries-1 {
			d.logger.Debug().Err(err).Int("attempt", i+1).Msg("Retrying statement")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond * 100 * time.Duration(i+1)):
			}
		}
	}

	return err
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"deadlock detected",
		"too many connections",
		"connection timeout",
		"database is locked",
	}

	for _, retryable := range retryableErrors {
		if containsIgnoreCase(errStr, retryable) {
			return true
		}
	}

	return false
}

// containsIgnoreCase checks if string contains substring (case insensitive)
func containsIgnoreCase(s, substr string) bool {
	return len(s) >= len(substr) &&
		strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
