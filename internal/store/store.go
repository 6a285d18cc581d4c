package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldsync/fieldsync/internal/bloom"
	"github.com/fieldsync/fieldsync/internal/conflict"
	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/pkg/types"
)

// Store is the backend document store. Writes go through a single
// connection so SQLite sees one writer; reads use a separate read-only
// pool.
type Store struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string

	resolver *conflict.Resolver
	seen     *bloom.Filter

	mu     sync.Mutex // Write-only lock (reads don't need this)
	lastTS int64      // Last assigned server timestamp, for monotonicity
}

// Open opens (or creates) the store at dbPath.
func Open(dbPath string, resolver *conflict.Resolver) (*Store, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		db:       db,
		readDB:   readDB,
		dbPath:   dbPath,
		resolver: resolver,
		seen:     bloom.NewWithEstimates(100000, 0.01),
	}

	if err := s.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}

	if err := s.warmSeenFilter(); err != nil {
		readDB.Close()
		db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates all required tables and indexes.
func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// warmSeenFilter loads existing idempotency keys into the bloom filter
// so the fast path stays correct across restarts.
func (s *Store) warmSeenFilter() error {
	rows, err := s.db.Query(`SELECT idempotency_key FROM idempotency_results`)
	if err != nil {
		return fmt.Errorf("store: failed to load idempotency keys: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("store: failed to scan idempotency key: %w", err)
		}
		s.seen.AddString(key)
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: failed to iterate idempotency keys: %w", err)
	}
	if loaded > 0 {
		log.Printf("store: warmed idempotency filter with %d keys", loaded)
	}
	return nil
}

// WriteDB exposes the write connection for components that share the
// store's transaction domain (allocator, audit recorder, sweep).
func (s *Store) WriteDB() *sql.DB {
	return s.db
}

// ReadDB exposes the read-only pool.
func (s *Store) ReadDB() *sql.DB {
	return s.readDB
}

// nextTimestamp returns a server timestamp strictly greater than every
// previously assigned one. Called with s.mu held.
func (s *Store) nextTimestamp() int64 {
	now := time.Now().UnixNano()
	if now <= s.lastTS {
		now = s.lastTS + 1
	}
	s.lastTS = now
	return now
}

// GetDocument returns the document scoped to tenantID. A document
// belonging to another tenant is reported as not found.
func (s *Store) GetDocument(ctx context.Context, tenantID, collection, documentID string) (*types.Document, error) {
	doc, err := scanDocument(s.readDB.QueryRowContext(ctx,
		`SELECT tenant_id, collection, document_id, fields, server_updated_at, updated_by,
		        sequence_number, version, conflict_flag, deleted_at
		 FROM documents WHERE tenant_id = ? AND collection = ? AND document_id = ?`,
		tenantID, collection, documentID))
	if err == sql.ErrNoRows {
		return nil, syncerrors.NewNotFoundError(
			fmt.Sprintf("document %s/%s not found", collection, documentID))
	}
	if err != nil {
		return nil, syncerrors.NewStoreError(syncerrors.CodeWriteFailed, "failed to read document", err)
	}
	return doc, nil
}

// getDocumentTx reads a document inside a write transaction, including
// soft-deleted rows. Returns nil if the row does not exist.
func getDocumentTx(ctx context.Context, tx *sql.Tx, tenantID, collection, documentID string) (*types.Document, error) {
	doc, err := scanDocument(tx.QueryRowContext(ctx,
		`SELECT tenant_id, collection, document_id, fields, server_updated_at, updated_by,
		        sequence_number, version, conflict_flag, deleted_at
		 FROM documents WHERE tenant_id = ? AND collection = ? AND document_id = ?`,
		tenantID, collection, documentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncerrors.NewStoreError(syncerrors.CodeWriteFailed, "failed to read document", err)
	}
	return doc, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*types.Document, error) {
	var doc types.Document
	var fieldsJSON string
	var seq sql.NullInt64
	var deletedAt sql.NullInt64
	var conflictFlag int

	err := row.Scan(&doc.TenantID, &doc.Collection, &doc.DocumentID, &fieldsJSON,
		&doc.ServerUpdatedAt, &doc.UpdatedBy, &seq, &doc.Version, &conflictFlag, &deletedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &doc.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode document fields: %w", err)
	}
	if seq.Valid {
		doc.SequenceNumber = &seq.Int64
	}
	if deletedAt.Valid {
		doc.DeletedAt = &deletedAt.Int64
	}
	doc.ConflictFlag = conflictFlag != 0

	return &doc, nil
}

// PendingReviews returns unresolved conflict review records for a tenant.
func (s *Store) PendingReviews(ctx context.Context, tenantID string) ([]*types.ReviewRecord, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, tenant_id, collection, document_id, stored_payload, incoming_payload,
		        stored_actor, incoming_actor, stored_updated_at, incoming_updated_at, created_at
		 FROM review_records WHERE tenant_id = ? AND resolved = 0 ORDER BY created_at, id`,
		tenantID)
	if err != nil {
		return nil, syncerrors.NewStoreError(syncerrors.CodeWriteFailed, "failed to read reviews", err)
	}
	defer rows.Close()

	var out []*types.ReviewRecord
	for rows.Next() {
		var r types.ReviewRecord
		var id int64
		var storedJSON, incomingJSON string
		var createdAt int64
		if err := rows.Scan(&id, &r.TenantID, &r.Collection, &r.DocumentID, &storedJSON, &incomingJSON,
			&r.StoredActor, &r.IncomingActor, &r.StoredAt, &r.IncomingAt, &createdAt); err != nil {
			return nil, syncerrors.NewStoreError(syncerrors.CodeWriteFailed, "failed to scan review", err)
		}
		r.ID = fmt.Sprintf("%d", id)
		r.CreatedAt = time.Unix(0, createdAt)
		if err := json.Unmarshal([]byte(storedJSON), &r.StoredPayload); err != nil {
			return nil, fmt.Errorf("store: failed to decode stored payload: %w", err)
		}
		if err := json.Unmarshal([]byte(incomingJSON), &r.IncomingPayload); err != nil {
			return nil, fmt.Errorf("store: failed to decode incoming payload: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Close closes both connections.
func (s *Store) Close() error {
	var firstErr error
	if err := s.readDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
