//go:build integration

package migrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("plugin_migrate"),
		tcpostgres.WithUsername("migrate"),
		tcpostgres.WithPassword("migrate"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

// connectPostgres opens an independent pool, standing in for a separate
// process sharing the database.
func connectPostgres(t *testing.T, dsn string) *database.Database {
	t.Helper()

	db := database.NewDatabase(map[string]interface{}{
		"driver":    "postgres",
		"dsn":       dsn,
		"log_level": "silent",
	}, zerolog.Nop())
	require.NoError(t, db.Connect())
	t.Cleanup(func() { db.Close() })
	return db
}

func ordersSchema(amountType schema.ColumnType) schema.PluginSchema {
	return schema.PluginSchema{Tables: map[string]schema.Table{
		"orders": {Columns: []schema.Column{
			{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
			{Name: "amount", Type: amountType, NotNull: true, Default: "0"},
		}},
	}}
}

func TestPostgres_ConcurrentProcessesMigrateOnce(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	runners := make([]*Runner, 4)
	for i := range runners {
		runners[i] = newTestRunner(t, connectPostgres(t, dsn), Config{})
		assert.False(t, runners[i].Locks().Degraded())
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*Result
	)
	for _, r := range runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			res, err := r.Migrate(ctx, "orders", ordersSchema(schema.TypeInteger))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(r)
	}
	wg.Wait()

	require.Len(t, results, len(runners))
	applied := 0
	for _, res := range results {
		assert.Equal(t, 1, res.Version)
		if res.Status == StatusApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	db := connectPostgres(t, dsn)
	assert.Equal(t, int64(1), countRows(t, db, runners[0].Tables().Journal, "orders"))
	assert.Equal(t, int64(1), countRows(t, db, runners[0].Tables().Snapshots, "orders"))
}

func TestPostgres_WideningAlterAndRollback(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()
	r := newTestRunner(t, connectPostgres(t, dsn), Config{})

	_, err := r.Migrate(ctx, "orders", ordersSchema(schema.TypeInteger))
	require.NoError(t, err)

	res, err := r.Migrate(ctx, "orders", ordersSchema(schema.TypeBigInt))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, 2, res.Version)
	assert.False(t, res.Plan.Destructive())

	// A failing statement must leave neither DDL nor bookkeeping behind.
	broken := ordersSchema(schema.TypeBigInt)
	tbl := broken.Tables["orders"]
	tbl.Columns = append(tbl.Columns, schema.Column{Name: "note", Type: schema.TypeText, Default: "'unterminated"})
	broken.Tables["orders"] = tbl

	_, err = r.Migrate(ctx, "orders", broken)
	require.Error(t, err)
	var ddlErr *utils.DDLExecutionError
	assert.True(t, errors.As(err, &ddlErr))

	record, err := r.Status(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, record.Version)
	assert.False(t, r.db.DB().Migrator().HasColumn("orders", "note"))
}

func TestPostgres_LockTimeoutAcrossConnections(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	holder, err := NewLockCoordinatorFor(connectPostgres(t, dsn), 0, zerolog.Nop())
	require.NoError(t, err)
	waiter, err := NewLockCoordinatorFor(connectPostgres(t, dsn), 200*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	handle, err := holder.Acquire(ctx, "orders")
	require.NoError(t, err)

	_, err = waiter.Acquire(ctx, "orders")
	var timeoutErr *utils.LockTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "orders", timeoutErr.Plugin)

	holder.Release(handle)

	handle, err = waiter.Acquire(ctx, "orders")
	require.NoError(t, err)
	waiter.Release(handle)
}
