package migrator

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/plugin-migrate/internal/utils"
)

var (
	lockSQL    = regexp.QuoteMeta("SELECT pg_advisory_lock($1)")
	tryLockSQL = regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")
	unlockSQL  = regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")
)

func TestDeriveLockKey(t *testing.T) {
	a := DeriveLockKey("demo")
	assert.Equal(t, a, DeriveLockKey("demo"), "same name, same key")
	assert.GreaterOrEqual(t, a, int64(0))
	assert.NotEqual(t, a, DeriveLockKey("widgets"))

	for _, name := range []string{"", "@scope/plugin-x", EngineLockName, "a very long plugin name with spaces"} {
		assert.GreaterOrEqual(t, DeriveLockKey(name), int64(0), name)
		assert.NoError(t, ValidateLockKey(DeriveLockKey(name)))
	}
}

func TestValidateLockKey(t *testing.T) {
	assert.NoError(t, ValidateLockKey(0))
	assert.NoError(t, ValidateLockKey(1<<62))

	err := ValidateLockKey(-1)
	require.Error(t, err)
	assert.True(t, utils.IsConfigurationError(err))
	assert.False(t, utils.IsRetryable(err))
}

func TestLocalLocker_Serializes(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, 42, 0)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	releaseA, err := l.Acquire(ctx, 1, 0)
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := l.Acquire(ctx, 2, 50*time.Millisecond)
	require.NoError(t, err)
	releaseB()
}

func TestLocalLocker_TimeoutAndCancel(t *testing.T) {
	l := NewLocalLocker()

	release, err := l.Acquire(context.Background(), 7, 0)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), 7, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, utils.IsLockTimeout(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, 7, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, utils.ErrLockAcquisition)

	release()
	release() // idempotent

	again, err := l.Acquire(context.Background(), 7, 10*time.Millisecond)
	require.NoError(t, err)
	again()
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestAdvisoryLocker_AcquireRelease(t *testing.T) {
	db, mock := newMockDB(t)
	key := DeriveLockKey("demo")

	mock.ExpectExec(lockSQL).WithArgs(key).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(unlockSQL).WithArgs(key).WillReturnResult(sqlmock.NewResult(0, 1))

	l := NewAdvisoryLocker(db, zerolog.Nop())
	release, err := l.Acquire(context.Background(), key, 0)
	require.NoError(t, err)

	release()
	release()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_TryLockTimeout(t *testing.T) {
	db, mock := newMockDB(t)
	key := DeriveLockKey("demo")

	mock.ExpectQuery(tryLockSQL).WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	l := NewAdvisoryLocker(db, zerolog.Nop())
	l.pollInterval = time.Second

	_, err := l.Acquire(context.Background(), key, 5*time.Millisecond)
	require.Error(t, err)
	assert.True(t, utils.IsLockTimeout(err))
	assert.True(t, utils.IsRetryable(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_TryLockEventuallyAcquires(t *testing.T) {
	db, mock := newMockDB(t)
	key := DeriveLockKey("demo")

	mock.ExpectQuery(tryLockSQL).WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	mock.ExpectQuery(tryLockSQL).WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(unlockSQL).WithArgs(key).WillReturnResult(sqlmock.NewResult(0, 1))

	l := NewAdvisoryLocker(db, zerolog.Nop())
	l.pollInterval = time.Millisecond

	release, err := l.Acquire(context.Background(), key, time.Minute)
	require.NoError(t, err)
	release()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unsupported bool
	}{
		{"undefined function", &pq.Error{Code: "42883", Message: "function pg_advisory_lock(bigint) does not exist"}, true},
		{"feature not supported", &pq.Error{Code: "0A000", Message: "not supported"}, true},
		{"connection failure", errors.New("connection reset by peer"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.ExpectExec(lockSQL).WithArgs(int64(9)).WillReturnError(tt.err)

			_, err := NewAdvisoryLocker(db, zerolog.Nop()).Acquire(context.Background(), 9, 0)
			require.Error(t, err)

			var lockErr *utils.LockAcquisitionError
			require.ErrorAs(t, err, &lockErr)
			assert.Equal(t, tt.unsupported, lockErr.Unsupported)
			assert.Equal(t, int64(9), lockErr.Key)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLockCoordinator_DegradesWhenUnsupported(t *testing.T) {
	db, mock := newMockDB(t)
	key := DeriveLockKey("demo")
	mock.ExpectExec(lockSQL).WithArgs(key).
		WillReturnError(&pq.Error{Code: "42883", Message: "function pg_advisory_lock(bigint) does not exist"})

	c := NewLockCoordinator(NewAdvisoryLocker(db, zerolog.Nop()), 0, zerolog.Nop())

	h, err := c.Acquire(context.Background(), "demo")
	require.NoError(t, err)
	assert.True(t, c.Degraded())
	assert.Equal(t, key, h.Key)
	c.Release(h)

	// Later acquisitions go straight to the in-process locker.
	h, err = c.Acquire(context.Background(), "demo")
	require.NoError(t, err)
	c.Release(h)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockCoordinator_PropagatesOtherFailures(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(lockSQL).WillReturnError(errors.New("connection reset by peer"))

	c := NewLockCoordinator(NewAdvisoryLocker(db, zerolog.Nop()), 0, zerolog.Nop())
	_, err := c.Acquire(context.Background(), "demo")
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrLockAcquisition)
	assert.False(t, c.Degraded())
}

func TestLockCoordinator_InvalidKey(t *testing.T) {
	c := NewLockCoordinator(nil, 0, zerolog.Nop())

	_, err := c.AcquireKey(context.Background(), "demo", -5)
	require.Error(t, err)
	assert.True(t, utils.IsConfigurationError(err))
}

func TestLockCoordinator_TimeoutNamesPlugin(t *testing.T) {
	c := NewLockCoordinator(nil, 10*time.Millisecond, zerolog.Nop())

	h, err := c.Acquire(context.Background(), "demo")
	require.NoError(t, err)
	defer c.Release(h)

	_, err = c.Acquire(context.Background(), "demo")
	require.Error(t, err)

	var timeoutErr *utils.LockTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "demo", timeoutErr.Plugin)
	assert.Equal(t, DeriveLockKey("demo"), timeoutErr.Key)
}

func TestLockCoordinator_SequentialReacquire(t *testing.T) {
	c := NewLockCoordinator(nil, 0, zerolog.Nop())

	for i := 0; i < 3; i++ {
		h, err := c.Acquire(context.Background(), "demo")
		require.NoError(t, err)
		h.Release()
		h.Release()
	}

	var nilHandle *LockHandle
	nilHandle.Release()
	c.Release(nil)
}

func TestLockCoordinator_LogsWithCallerLogger(t *testing.T) {
	var own, caller bytes.Buffer
	c := NewLockCoordinator(nil, 0, zerolog.New(&own).Level(zerolog.DebugLevel))

	ctx := utils.WithContext(context.Background(), utils.ForPlugin(zerolog.New(&caller).Level(zerolog.DebugLevel), "demo"))
	h, err := c.Acquire(ctx, "demo")
	require.NoError(t, err)
	c.Release(h)

	assert.Contains(t, caller.String(), `"plugin":"demo"`)
	assert.Contains(t, caller.String(), "Migration lock acquired")
	assert.Contains(t, caller.String(), "Migration lock released")
	assert.Empty(t, own.String())
}
