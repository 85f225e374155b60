package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/ksred/plugin-migrate/internal/utils"
)

// EngineLockName keys the lock held while the engine creates its own tables.
const EngineLockName = "__plugin_migrate_engine__"

// DefaultPollInterval is how often a bounded wait retries pg_try_advisory_lock.
const DefaultPollInterval = 100 * time.Millisecond

// Postgres error codes for a missing advisory lock function.
const (
	pgUndefinedFunction   = "42883"
	pgFeatureNotSupported = "0A000"
)

// DeriveLockKey maps a plugin name to a stable advisory lock key using FNV-1a.
// The sign bit is cleared so the key is always a valid non-negative bigint.
// Distinct names may collide; a collision only serializes two plugins.
func DeriveLockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // masked to non-negative range
}

// ValidateLockKey rejects keys outside [0, MaxInt64].
func ValidateLockKey(key int64) error {
	if key < 0 {
		return &utils.ConfigurationError{
			Setting: "lock_key",
			Message: fmt.Sprintf("advisory lock key %d is outside the signed 64-bit non-negative range", key),
		}
	}
	return nil
}

// Locker is a mutual exclusion primitive keyed by int64. A timeout of zero
// waits until ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key int64, timeout time.Duration) (release func(), err error)
}

// --- AdvisoryLocker ---

// AdvisoryLocker takes Postgres session advisory locks. Each held lock pins
// a dedicated pool connection; if the process dies the server closes the
// session and frees the lock.
type AdvisoryLocker struct {
	db           *sql.DB
	logger       zerolog.Logger
	pollInterval time.Duration
}

// NewAdvisoryLocker creates a locker over the given pool.
func NewAdvisoryLocker(db *sql.DB, logger zerolog.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{
		db:           db,
		logger:       logger,
		pollInterval: DefaultPollInterval,
	}
}

// Acquire blocks on pg_advisory_lock, or polls pg_try_advisory_lock until the
// timeout when one is set.
func (l *AdvisoryLocker) Acquire(ctx context.Context, key int64, timeout time.Duration) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, &utils.LockAcquisitionError{Key: key, Cause: fmt.Errorf("acquire lock connection: %w", err)}
	}

	if timeout <= 0 {
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
			conn.Close()
			return nil, lockError(key, err)
		}
		return l.releaseFunc(conn, key), nil
	}

	deadline := time.Now().Add(timeout)
	for attempt := 0; ; attempt++ {
		if attempt > 0 && !time.Now().Before(deadline) {
			conn.Close()
			return nil, &utils.LockTimeoutError{Key: key, Timeout: timeout.String()}
		}

		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
			conn.Close()
			return nil, lockError(key, err)
		}
		if acquired {
			return l.releaseFunc(conn, key), nil
		}

		wait := l.pollInterval
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining
		}
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, &utils.LockAcquisitionError{Key: key, Cause: ctx.Err()}
		case <-time.After(wait):
		}
	}
}

func (l *AdvisoryLocker) releaseFunc(conn *sql.Conn, key int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled.
			if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key); err != nil {
				l.logger.Warn().Err(err).Int64("lock_key", key).Msg("Advisory unlock failed; lock frees when the session closes")
			}
			conn.Close()
		})
	}
}

func lockError(key int64, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == pgUndefinedFunction || pqErr.Code == pgFeatureNotSupported) {
		return &utils.LockAcquisitionError{Key: key, Unsupported: true, Cause: err}
	}
	return &utils.LockAcquisitionError{Key: key, Cause: err}
}

// --- LocalLocker ---

// LocalLocker serializes holders of the same key inside one process. It
// backs SQLite and the degraded mode of the coordinator.
type LocalLocker struct {
	mu   sync.Mutex
	keys map[int64]chan struct{}
}

// NewLocalLocker creates an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: make(map[int64]chan struct{})}
}

func (l *LocalLocker) slot(key int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.keys[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.keys[key] = ch
	}
	return ch
}

// Acquire waits for the key's slot, ctx cancellation, or the timeout.
func (l *LocalLocker) Acquire(ctx context.Context, key int64, timeout time.Duration) (func(), error) {
	ch := l.slot(key)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, &utils.LockAcquisitionError{Key: key, Cause: ctx.Err()}
	case <-expired:
		return nil, &utils.LockTimeoutError{Key: key, Timeout: timeout.String()}
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}

// --- LockCoordinator ---

// LockHandle is a held migration lock. Release is idempotent.
type LockHandle struct {
	Plugin     string
	Key        int64
	AcquiredAt time.Time

	once    sync.Once
	release func()
	log     zerolog.Logger
}

// Release frees the lock. Calling it more than once is a no-op.
func (h *LockHandle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// LockCoordinator hands out per-plugin migration locks. When the primary
// locker reports the backend cannot provide advisory locks it falls back to
// in-process locking for the rest of its lifetime.
type LockCoordinator struct {
	primary  Locker
	fallback *LocalLocker
	timeout  time.Duration
	logger   zerolog.Logger
	degraded atomic.Bool
}

// NewLockCoordinator wraps primary. A nil primary means in-process locking only.
func NewLockCoordinator(primary Locker, timeout time.Duration, logger zerolog.Logger) *LockCoordinator {
	fallback := NewLocalLocker()
	if primary == nil {
		primary = fallback
	}
	return &LockCoordinator{
		primary:  primary,
		fallback: fallback,
		timeout:  timeout,
		logger:   utils.ForComponent(logger, "lock"),
	}
}

// NewLockCoordinatorFor picks the locker matching the database backend.
func NewLockCoordinatorFor(db *database.Database, timeout time.Duration, logger zerolog.Logger) (*LockCoordinator, error) {
	if db.Driver() != database.DriverPostgres {
		return NewLockCoordinator(nil, timeout, logger), nil
	}
	sqlDB, err := db.SQLDB()
	if err != nil {
		return nil, err
	}
	return NewLockCoordinator(NewAdvisoryLocker(sqlDB, logger), timeout, logger), nil
}

// Degraded reports whether the coordinator fell back to in-process locking.
func (c *LockCoordinator) Degraded() bool {
	return c.degraded.Load()
}

// Acquire takes the migration lock for a plugin.
func (c *LockCoordinator) Acquire(ctx context.Context, plugin string) (*LockHandle, error) {
	return c.AcquireKey(ctx, plugin, DeriveLockKey(plugin))
}

// AcquireKey takes the lock for an explicit key; plugin labels the handle and
// any error.
func (c *LockCoordinator) AcquireKey(ctx context.Context, plugin string, key int64) (*LockHandle, error) {
	if err := ValidateLockKey(key); err != nil {
		return nil, err
	}

	locker := c.primary
	if c.degraded.Load() {
		locker = c.fallback
	}

	start := time.Now()
	release, err := locker.Acquire(ctx, key, c.timeout)

	var lockErr *utils.LockAcquisitionError
	if err != nil && locker != Locker(c.fallback) && errors.As(err, &lockErr) && lockErr.Unsupported {
		if c.degraded.CompareAndSwap(false, true) {
			c.logger.Warn().
				Err(err).
				Msg("Advisory locks unavailable, falling back to in-process locking; concurrent processes are not serialized")
		}
		release, err = c.fallback.Acquire(ctx, key, c.timeout)
	}

	if err != nil {
		var timeoutErr *utils.LockTimeoutError
		if errors.As(err, &timeoutErr) {
			timeoutErr.Plugin = plugin
		}
		return nil, err
	}

	log := utils.FromContext(ctx, c.logger)
	log.Debug().
		Str("plugin", plugin).
		Int64("lock_key", key).
		Dur("waited", time.Since(start)).
		Msg("Migration lock acquired")

	return &LockHandle{
		Plugin:     plugin,
		Key:        key,
		AcquiredAt: time.Now(),
		release:    release,
		log:        log,
	}, nil
}

// Release frees a handle returned by Acquire.
func (c *LockCoordinator) Release(h *LockHandle) {
	if h == nil {
		return
	}
	h.Release()
	h.log.Debug().Str("plugin", h.Plugin).Int64("lock_key", h.Key).Msg("Migration lock released")
}
