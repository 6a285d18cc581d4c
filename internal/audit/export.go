package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldsync/fieldsync/internal/storage"
	"github.com/fieldsync/fieldsync/pkg/types"
)

// Exporter produces the full ordered set of audit records for a tenant,
// for data-portability requests.
type Exporter struct {
	db    *sql.DB
	store storage.ObjectStorage
}

// NewExporter creates an exporter reading from db and writing export
// files to store.
func NewExporter(db *sql.DB, store storage.ObjectStorage) *Exporter {
	return &Exporter{db: db, store: store}
}

// WriteJSONL streams a tenant's audit records to w as JSON lines, in
// recorded order. Returns the number of records written.
func (e *Exporter) WriteJSONL(ctx context.Context, tenantID string, w io.Writer) (int, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, tenant_id, operation, collection, document_id, actor_id,
		        before_snapshot, after_snapshot, recorded_at, ttl_expiry
		 FROM audit_records WHERE tenant_id = ? ORDER BY recorded_at, id`,
		tenantID)
	if err != nil {
		return 0, fmt.Errorf("audit: failed to read records: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	count := 0
	for rows.Next() {
		var id, recordedAt, ttlExpiry int64
		var rec types.AuditRecord
		var op string
		var before, after []byte

		if err := rows.Scan(&id, &rec.TenantID, &op, &rec.Collection, &rec.DocumentID,
			&rec.ActorID, &before, &after, &recordedAt, &ttlExpiry); err != nil {
			return count, fmt.Errorf("audit: failed to scan record: %w", err)
		}

		rec.ID = fmt.Sprintf("%d", id)
		rec.Operation = types.OpType(op)
		rec.Timestamp = time.Unix(0, recordedAt)
		rec.TTLExpiry = time.Unix(0, ttlExpiry)

		if rec.Before, err = DecodeSnapshot(before); err != nil {
			return count, err
		}
		if rec.After, err = DecodeSnapshot(after); err != nil {
			return count, err
		}

		if err := enc.Encode(&rec); err != nil {
			return count, fmt.Errorf("audit: failed to encode record: %w", err)
		}
		count++
	}
	return count, rows.Err()
}

// Export writes a tenant's records to a temp file and uploads it to the
// export destination. Returns the object path.
func (e *Exporter) Export(ctx context.Context, tenantID string) (string, error) {
	tmp, err := os.CreateTemp("", "fieldsync-export-*.jsonl")
	if err != nil {
		return "", fmt.Errorf("audit: failed to create export file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	count, err := e.WriteJSONL(ctx, tenantID, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}

	objectPath := filepath.Join("exports", tenantID,
		fmt.Sprintf("audit-%s-%d.jsonl", time.Now().UTC().Format("20060102T150405Z"), count))
	if err := e.store.Upload(ctx, tmpPath, objectPath); err != nil {
		return "", fmt.Errorf("audit: failed to upload export: %w", err)
	}

	return objectPath, nil
}
