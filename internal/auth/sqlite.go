package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/pkg/types"
)

// SQLiteResolver resolves memberships from the backend store's
// memberships table.
type SQLiteResolver struct {
	readDB  *sql.DB
	writeDB *sql.DB
}

// NewSQLiteResolver creates a resolver backed by the given connections.
func NewSQLiteResolver(readDB, writeDB *sql.DB) *SQLiteResolver {
	return &SQLiteResolver{readDB: readDB, writeDB: writeDB}
}

// ResolveMembership returns the membership row for (uid, tenant), or
// nil when none exists.
func (r *SQLiteResolver) ResolveMembership(ctx context.Context, uid, tenantID string) (*types.TenantMembership, error) {
	var m types.TenantMembership
	err := r.readDB.QueryRowContext(ctx,
		`SELECT uid, tenant_id, role, status FROM memberships WHERE uid = ? AND tenant_id = ?`,
		uid, tenantID).Scan(&m.UID, &m.TenantID, &m.Role, &m.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: failed to resolve membership: %w", err)
	}
	return &m, nil
}

// PutMembership inserts or replaces a membership row.
func (r *SQLiteResolver) PutMembership(ctx context.Context, m *types.TenantMembership) error {
	if m.UID == "" || m.TenantID == "" {
		return fmt.Errorf("auth: membership uid and tenant id are required")
	}
	_, err := r.writeDB.ExecContext(ctx,
		`INSERT INTO memberships (uid, tenant_id, role, status, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(uid, tenant_id) DO UPDATE SET
		   role = excluded.role,
		   status = excluded.status,
		   updated_at = excluded.updated_at`,
		m.UID, m.TenantID, string(m.Role), string(m.Status), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("auth: failed to upsert membership: %w", err)
	}
	return nil
}
