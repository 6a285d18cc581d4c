// Package store provides the backend document store (store.db).
// The store is a SQLite database holding tenant documents, sequence
// counters, idempotency results, and the audit tables.
package store

// CreateDocumentsTableSQL creates the documents table. Documents are
// soft-deleted: a delete sets deleted_at, the row is never removed.
const CreateDocumentsTableSQL = `
CREATE TABLE IF NOT EXISTS documents (
    tenant_id TEXT NOT NULL,
    collection TEXT NOT NULL,
    document_id TEXT NOT NULL,
    fields TEXT NOT NULL,
    server_updated_at INTEGER NOT NULL,
    updated_by TEXT NOT NULL,
    sequence_number INTEGER,
    version INTEGER NOT NULL DEFAULT 1,
    conflict_flag INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    PRIMARY KEY (tenant_id, collection, document_id)
)`

// CreateCountersTableSQL creates the per-tenant sequence counters table.
// One row per (tenant, key), mutated only inside an allocation transaction.
const CreateCountersTableSQL = `
CREATE TABLE IF NOT EXISTS counters (
    tenant_id TEXT NOT NULL,
    counter_key TEXT NOT NULL,
    value INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, counter_key)
)`

// CreateIdempotencyTableSQL creates the idempotency results table.
// A replayed key with a matching payload hash returns the stored result
// without reapplying the operation.
const CreateIdempotencyTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_results (
    idempotency_key TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    payload_hash TEXT NOT NULL,
    result TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateAuditPendingTableSQL creates the pending audit events table.
// A row is inserted in the same transaction as the mutation it describes
// and drained asynchronously into audit_records, so audit production
// survives a crash between commit and drain.
const CreateAuditPendingTableSQL = `
CREATE TABLE IF NOT EXISTS audit_pending (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    collection TEXT NOT NULL,
    document_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    before_snapshot BLOB,
    after_snapshot BLOB,
    created_at INTEGER NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0
)`

// CreateAuditRecordsTableSQL creates the immutable audit records table.
// Rows are append-only and removed only by the TTL sweep.
const CreateAuditRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS audit_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    collection TEXT NOT NULL,
    document_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    before_snapshot BLOB,
    after_snapshot BLOB,
    recorded_at INTEGER NOT NULL,
    ttl_expiry INTEGER NOT NULL
)`

// CreateReviewRecordsTableSQL creates the conflict review records table.
// Both competing payloads are retained for manual resolution.
const CreateReviewRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS review_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    collection TEXT NOT NULL,
    document_id TEXT NOT NULL,
    stored_payload TEXT NOT NULL,
    incoming_payload TEXT NOT NULL,
    stored_actor TEXT NOT NULL,
    incoming_actor TEXT NOT NULL,
    stored_updated_at INTEGER NOT NULL,
    incoming_updated_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0
)`

// CreateMembershipsTableSQL creates the tenant memberships table used
// by the authorization guard.
const CreateMembershipsTableSQL = `
CREATE TABLE IF NOT EXISTS memberships (
    uid TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    role TEXT NOT NULL,
    status TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (uid, tenant_id)
)`

// CreateIndexesSQL creates query indexes.
var CreateIndexesSQL = []string{
	// Sequence lookups within a collection
	`CREATE INDEX IF NOT EXISTS idx_documents_sequence ON documents(tenant_id, collection, sequence_number)
		WHERE sequence_number IS NOT NULL`,

	// Conflict review dashboards
	`CREATE INDEX IF NOT EXISTS idx_documents_conflict ON documents(tenant_id, conflict_flag)
		WHERE conflict_flag = 1`,

	// TTL sweep scans by expiry
	`CREATE INDEX IF NOT EXISTS idx_audit_expiry ON audit_records(ttl_expiry)`,

	// Tenant export reads records in recorded order
	`CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_records(tenant_id, recorded_at, id)`,

	// Drain worker reads pending events oldest first
	`CREATE INDEX IF NOT EXISTS idx_audit_pending_created ON audit_pending(created_at)`,

	// Idempotency TTL cleanup
	`CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency_results(created_at)`,

	`CREATE INDEX IF NOT EXISTS idx_review_unresolved ON review_records(tenant_id, resolved)`,
}

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateDocumentsTableSQL,
		CreateCountersTableSQL,
		CreateIdempotencyTableSQL,
		CreateAuditPendingTableSQL,
		CreateAuditRecordsTableSQL,
		CreateReviewRecordsTableSQL,
		CreateMembershipsTableSQL,
	}
	stmts = append(stmts, CreateIndexesSQL...)
	return stmts
}
