package sequence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/sequence"
	"github.com/fieldsync/fieldsync/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "seq.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range store.AllSchemaSQL() {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}

func TestAllocateStartsAtOne(t *testing.T) {
	a := sequence.NewSQLiteAllocator(openTestDB(t), 10, time.Millisecond)

	n, err := a.Allocate(context.Background(), "tenant-1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAllocateMonotonicPerKey(t *testing.T) {
	a := sequence.NewSQLiteAllocator(openTestDB(t), 10, time.Millisecond)
	ctx := context.Background()

	for i := int64(1); i <= 100; i++ {
		n, err := a.Allocate(ctx, "tenant-1", "jobs")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	cur, err := a.Current(ctx, "tenant-1", "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(100), cur)
}

func TestAllocateIndependentKeys(t *testing.T) {
	a := sequence.NewSQLiteAllocator(openTestDB(t), 10, time.Millisecond)
	ctx := context.Background()

	n1, err := a.Allocate(ctx, "tenant-1", "jobs")
	require.NoError(t, err)
	n2, err := a.Allocate(ctx, "tenant-1", "invoices")
	require.NoError(t, err)
	n3, err := a.Allocate(ctx, "tenant-2", "jobs")
	require.NoError(t, err)

	assert.Equal(t, int64(1), n1)
	assert.Equal(t, int64(1), n2)
	assert.Equal(t, int64(1), n3)
}

func TestAllocateConcurrentNoDuplicates(t *testing.T) {
	a := sequence.NewSQLiteAllocator(openTestDB(t), 10, time.Millisecond)
	ctx := context.Background()

	const n = 50
	values := make([]int64, n)
	var wg gosync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := a.Allocate(ctx, "tenant-1", "jobs")
			if err != nil {
				t.Error(err)
				return
			}
			values[i] = v
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, v := range values {
		assert.False(t, seen[v], "duplicate value %d", v)
		seen[v] = true
		assert.GreaterOrEqual(t, v, int64(1))
		assert.LessOrEqual(t, v, int64(n))
	}
}

func TestAllocateValidatesInput(t *testing.T) {
	a := sequence.NewSQLiteAllocator(openTestDB(t), 10, time.Millisecond)

	_, err := a.Allocate(context.Background(), "", "jobs")
	require.Error(t, err)
	assert.Equal(t, syncerrors.CodeInvalidCounterKey, syncerrors.GetCode(err))
}

func TestCurrentMissingCounterIsZero(t *testing.T) {
	a := sequence.NewSQLiteAllocator(openTestDB(t), 10, time.Millisecond)

	cur, err := a.Current(context.Background(), "tenant-1", "never")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur)
}
