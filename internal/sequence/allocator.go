// Package sequence provides transactional per-tenant sequence counters.
// Allocated values are strictly increasing per (tenant, key) and never
// reused, even across failed attempts.
package sequence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
)

// Allocator hands out the next sequence number for a (tenant, key) pair.
type Allocator interface {
	Allocate(ctx context.Context, tenantID, counterKey string) (int64, error)
}

// SQLiteAllocator allocates from the counters table. Each allocation is
// its own transaction; contention aborts are retried with backoff up to
// a bound, then surfaced as an explicit error, never a wrong number.
type SQLiteAllocator struct {
	db           *sql.DB
	maxAttempts  int
	retryBackoff time.Duration
}

// NewSQLiteAllocator creates an allocator on the given write connection.
func NewSQLiteAllocator(db *sql.DB, maxAttempts int, retryBackoff time.Duration) *SQLiteAllocator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &SQLiteAllocator{
		db:           db,
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
	}
}

// Allocate returns the next value for (tenantID, counterKey).
func (a *SQLiteAllocator) Allocate(ctx context.Context, tenantID, counterKey string) (int64, error) {
	if tenantID == "" || counterKey == "" {
		return 0, syncerrors.NewValidationError(syncerrors.CodeInvalidCounterKey,
			"tenant and counter key are required")
	}

	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		value, err := a.allocateOnce(ctx, tenantID, counterKey)
		if err == nil {
			return value, nil
		}
		if !isContention(err) {
			return 0, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return 0, syncerrors.NewStoreError(syncerrors.CodeTxBusy, "allocation cancelled", ctx.Err())
		case <-time.After(a.retryBackoff * time.Duration(attempt)):
		}
	}

	return 0, syncerrors.NewAllocationError(syncerrors.CodeRetriesExhausted,
		fmt.Sprintf("allocation for %s/%s failed after %d attempts", tenantID, counterKey, a.maxAttempts), lastErr)
}

func (a *SQLiteAllocator) allocateOnce(ctx context.Context, tenantID, counterKey string) (int64, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, syncerrors.NewStoreError(syncerrors.CodeTxBusy, "failed to begin allocation transaction", err)
	}
	defer tx.Rollback()

	value, err := AllocateTx(ctx, tx, tenantID, counterKey)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, syncerrors.NewStoreError(syncerrors.CodeTxBusy, "failed to commit allocation", err)
	}

	return value, nil
}

// AllocateTx increments and returns the counter inside an existing
// transaction. Used by the write path so a document and its sequence
// number commit or roll back together.
func AllocateTx(ctx context.Context, tx *sql.Tx, tenantID, counterKey string) (int64, error) {
	var value int64
	err := tx.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE tenant_id = ? AND counter_key = ?`,
		tenantID, counterKey,
	).Scan(&value)
	if err != nil && err != sql.ErrNoRows {
		return 0, syncerrors.NewStoreError(syncerrors.CodeWriteFailed, "failed to read counter", err)
	}

	value++

	_, err = tx.ExecContext(ctx,
		`INSERT INTO counters (tenant_id, counter_key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id, counter_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		tenantID, counterKey, value, time.Now().Unix(),
	)
	if err != nil {
		if isContention(err) {
			return 0, syncerrors.NewStoreError(syncerrors.CodeTxBusy, "counter write contention", err)
		}
		return 0, syncerrors.NewStoreError(syncerrors.CodeWriteFailed, "failed to write counter", err)
	}

	return value, nil
}

// Current returns the last allocated value, 0 if the counter does not
// exist yet.
func (a *SQLiteAllocator) Current(ctx context.Context, tenantID, counterKey string) (int64, error) {
	var value int64
	err := a.db.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE tenant_id = ? AND counter_key = ?`,
		tenantID, counterKey,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, syncerrors.NewStoreError(syncerrors.CodeWriteFailed, "failed to read counter", err)
	}
	return value, nil
}

// isContention reports whether err is a SQLite lock/busy condition.
func isContention(err error) bool {
	if err == nil {
		return false
	}
	if syncerrors.GetCode(err) == syncerrors.CodeTxBusy {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
