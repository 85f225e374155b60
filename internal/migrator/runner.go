// Package migrator applies plugin schema declarations to the shared database.
//
// A migration for one plugin runs under that plugin's advisory lock: the
// runner re-reads the plugin's record once the lock is held, diffs the last
// snapshot against the desired schema, and executes the DDL together with
// the journal entry, snapshot and record in a single transaction.
package migrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/ksred/plugin-migrate/internal/database/migrations"
	"github.com/ksred/plugin-migrate/internal/models"
	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

// Config controls runner behaviour.
type Config struct {
	// AllowDestructive lets plans that drop tables or columns, or narrow
	// column types, run.
	AllowDestructive bool
	// LockTimeout bounds the wait for a plugin's lock. Zero waits forever.
	LockTimeout time.Duration
	// Namespace holds the engine's own tables.
	Namespace string
}

// ResultStatus says how a Migrate call finished.
type ResultStatus string

const (
	// StatusApplied means this call executed the plan.
	StatusApplied ResultStatus = "applied"
	// StatusAlreadyCurrent means the recorded schema already matched.
	StatusAlreadyCurrent ResultStatus = "already_current"
	// StatusCompletedByOther means another caller migrated the plugin while
	// this one waited for the lock.
	StatusCompletedByOther ResultStatus = "completed_by_other"
	// StatusNoChanges means the declaration changed without any DDL effect;
	// the new version is recorded with an empty plan.
	StatusNoChanges ResultStatus = "no_changes"
)

// Result describes a finished migration.
type Result struct {
	Plugin   string        `json:"plugin"`
	Status   ResultStatus  `json:"status"`
	Version  int           `json:"version"`
	Checksum string        `json:"checksum"`
	Plan     *Plan         `json:"plan,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Preview is a dry run of Migrate.
type Preview struct {
	Plugin         string `json:"plugin"`
	CurrentVersion int    `json:"current_version"`
	NextVersion    int    `json:"next_version"`
	Checksum       string `json:"checksum"`
	UpToDate       bool   `json:"up_to_date"`
	Blocked        bool   `json:"blocked"`
	Plan           *Plan  `json:"plan"`
}

// Option customises a Runner.
type Option func(*Runner)

// WithLockCoordinator replaces the backend-derived lock coordinator.
func WithLockCoordinator(c *LockCoordinator) Option {
	return func(r *Runner) { r.locks = c }
}

// Runner migrates plugin schemas.
type Runner struct {
	db        *database.Database
	tables    database.Tables
	locks     *LockCoordinator
	differ    *Differ
	snapshots *SnapshotStore
	journal   *Journal
	config    Config
	logger    zerolog.Logger
}

// NewRunner creates a runner for a connected database.
func NewRunner(db *database.Database, cfg Config, logger zerolog.Logger, opts ...Option) (*Runner, error) {
	dialect, err := DialectFor(db.Driver())
	if err != nil {
		return nil, err
	}
	if cfg.Namespace == "" {
		cfg.Namespace = database.DefaultNamespace
	}
	tables := db.Tables(cfg.Namespace)

	r := &Runner{
		db:        db,
		tables:    tables,
		differ:    NewDiffer(dialect),
		snapshots: NewSnapshotStore(tables),
		journal:   NewJournal(tables),
		config:    cfg,
		logger:    utils.ForComponent(logger, "runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.locks == nil {
		r.locks, err = NewLockCoordinatorFor(db, cfg.LockTimeout, logger)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Tables returns the engine table names in use.
func (r *Runner) Tables() database.Tables { return r.tables }

// Journal returns the journal the runner writes to.
func (r *Runner) Journal() *Journal { return r.journal }

// Snapshots returns the snapshot store the runner writes to.
func (r *Runner) Snapshots() *SnapshotStore { return r.snapshots }

// Locks returns the lock coordinator.
func (r *Runner) Locks() *LockCoordinator { return r.locks }

// AllowDestructive reports the destructive toggle.
func (r *Runner) AllowDestructive() bool { return r.config.AllowDestructive }

func (r *Runner) conn(ctx context.Context) (*gorm.DB, error) {
	db := r.db.DB()
	if db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	return db.WithContext(ctx), nil
}

// Initialize creates the engine namespace and tables and applies the
// engine's own versioned migrations. It holds the engine lock throughout
// and is safe to call at every process start.
func (r *Runner) Initialize(ctx context.Context) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	handle, err := r.locks.Acquire(ctx, EngineLockName)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer r.locks.Release(handle)

	if err := database.RunMigrations(ctx, r.db, r.tables); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	runner := database.NewMigrationRunner(db, r.tables, r.logger)
	runner.Register(migrations.GetMigrations()...)
	ran, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	r.logger.Info().
		Str("namespace", r.tables.Namespace).
		Int("engine_migrations", ran).
		Msg("Migration engine initialized")
	return nil
}

// Migrate brings plugin's tables to desired. It is safe to call
// concurrently and repeatedly; exactly one caller executes a given change.
func (r *Runner) Migrate(ctx context.Context, plugin string, desired schema.PluginSchema) (*Result, error) {
	start := time.Now()
	log := utils.ForPlugin(r.logger, plugin)
	ctx = utils.WithContext(ctx, log)

	checksum, err := r.validate(plugin, desired)
	if err != nil {
		return nil, err
	}
	db, err := r.conn(ctx)
	if err != nil {
		return nil, wrapPlugin(plugin, err)
	}

	// Idle fast path, no lock.
	before, err := r.journal.Status(db, plugin)
	if err != nil {
		return nil, wrapPlugin(plugin, err)
	}
	if before != nil && before.Checksum == checksum {
		log.Debug().Int("version", before.Version).Msg("Schema already current")
		return r.result(plugin, StatusAlreadyCurrent, before.Version, checksum, nil, start), nil
	}

	handle, err := r.locks.Acquire(ctx, plugin)
	if err != nil {
		return nil, wrapPlugin(plugin, err)
	}
	defer r.locks.Release(handle)

	// Another caller may have finished while we waited.
	current, err := r.journal.Status(db, plugin)
	if err != nil {
		return nil, wrapPlugin(plugin, err)
	}
	if current != nil && current.Checksum == checksum {
		status := StatusAlreadyCurrent
		if before == nil || before.Version != current.Version {
			status = StatusCompletedByOther
			log.Info().Int("version", current.Version).Msg("Migration completed by another process")
		}
		return r.result(plugin, status, current.Version, checksum, nil, start), nil
	}

	latest, previous, err := r.latest(db, plugin)
	if err != nil {
		return nil, wrapPlugin(plugin, err)
	}
	plan, err := r.differ.Diff(previous, desired)
	if err != nil {
		return nil, wrapPlugin(plugin, err)
	}

	if plan.Destructive() && !r.config.AllowDestructive {
		blocked := &utils.DestructiveChangeBlockedError{Plugin: plugin}
		for _, op := range plan.DestructiveOperations() {
			blocked.Operations = append(blocked.Operations, op.Description)
		}
		log.Warn().Strs("operations", blocked.Operations).Msg("Destructive migration blocked")
		return nil, blocked
	}

	version := 1
	if latest != nil {
		version = latest.Version + 1
	}

	log.Info().
		Int("version", version).
		Int("operations", len(plan.Operations)).
		Bool("destructive", plan.Destructive()).
		Msg("Applying migration")

	err = r.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		for _, stmt := range plan.Statements() {
			if err := tx.Exec(stmt).Error; err != nil {
				return &utils.DDLExecutionError{Plugin: plugin, Statement: stmt, Cause: err}
			}
		}

		snap, err := r.snapshots.Save(tx, plugin, version, desired)
		if err != nil {
			return err
		}
		if err := r.journal.Append(tx, &models.JournalEntry{
			RunID:          uuid.NewString(),
			PluginName:     plugin,
			Version:        version,
			Checksum:       checksum,
			Statements:     plan.SQL(),
			OperationCount: len(plan.Operations),
			Destructive:    plan.Destructive(),
			Outcome:        models.OutcomeApplied,
			DurationMs:     time.Since(start).Milliseconds(),
		}); err != nil {
			return err
		}
		return r.journal.Upsert(tx, &models.MigrationRecord{
			PluginName: plugin,
			Version:    version,
			Checksum:   checksum,
			SnapshotID: snap.ID,
		})
	})
	if err != nil {
		log.Error().Err(err).Int("version", version).Msg("Migration rolled back")
		return nil, wrapPlugin(plugin, err)
	}

	status := StatusApplied
	if plan.Empty() {
		status = StatusNoChanges
	}
	log.Info().
		Int("version", version).
		Dur("duration", time.Since(start)).
		Msg("Migration applied")
	return r.result(plugin, status, version, checksum, plan, start), nil
}

// Preview computes the plan Migrate would execute without locking or
// writing anything.
func (r *Runner) Preview(ctx context.Context, plugin string, desired schema.PluginSchema) (*Preview, error) {
	checksum, err := r.validate(plugin, desired)
	if err != nil {
		return nil, err
	}
	db, err := r.conn(ctx)
	if err != nil {
		return nil, wrapPlugin(plugin, err)
	}

	latest, previous, err := r.latest(db, plugin)
	if err != nil {
		return nil, wrapPlugin(plugin, err)
	}
	plan, err := r.differ.Diff(previous, desired)
	if err != nil {
		return nil, wrapPlugin(plugin, err)
	}

	p := &Preview{
		Plugin:      plugin,
		NextVersion: 1,
		Checksum:    checksum,
		Plan:        plan,
		Blocked:     plan.Destructive() && !r.config.AllowDestructive,
	}
	if latest != nil {
		p.CurrentVersion = latest.Version
		p.NextVersion = latest.Version + 1
		p.UpToDate = latest.Checksum == checksum
	}
	return p, nil
}

// Status returns the committed record for plugin, or nil when it has never
// been migrated.
func (r *Runner) Status(ctx context.Context, plugin string) (*models.MigrationRecord, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	return r.journal.Status(db, plugin)
}

func (r *Runner) validate(plugin string, desired schema.PluginSchema) (string, error) {
	if err := schema.ValidatePluginName(plugin); err != nil {
		return "", err
	}
	if err := desired.Validate(); err != nil {
		return "", wrapPlugin(plugin, err)
	}
	checksum, err := desired.Checksum()
	if err != nil {
		return "", wrapPlugin(plugin, err)
	}
	return checksum, nil
}

func (r *Runner) latest(db *gorm.DB, plugin string) (*models.Snapshot, *schema.PluginSchema, error) {
	snap, err := r.snapshots.Latest(db, plugin)
	if err != nil {
		return nil, nil, err
	}
	previous, err := r.snapshots.Decode(snap)
	if err != nil {
		return nil, nil, err
	}
	return snap, previous, nil
}

func (r *Runner) result(plugin string, status ResultStatus, version int, checksum string, plan *Plan, start time.Time) *Result {
	return &Result{
		Plugin:   plugin,
		Status:   status,
		Version:  version,
		Checksum: checksum,
		Plan:     plan,
		Duration: time.Since(start),
	}
}

func wrapPlugin(plugin string, err error) error {
	return fmt.Errorf("migrate plugin '%s': %w", plugin, err)
}
