package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/audit"
	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/sequence"
	"github.com/fieldsync/fieldsync/pkg/types"
)

// ApplyOperation applies a mutation idempotently. The document write,
// any sequence allocation, the idempotency result, and the pending
// audit event all commit in one transaction, so a crash at any point
// leaves either the complete effect or none of it.
//
// A replay of a known idempotency key with the same payload hash
// returns the stored result without touching the document. The same
// key with a different hash is rejected.
func (s *Store) ApplyOperation(ctx context.Context, op *types.Operation) (*types.WriteResult, error) {
	if err := op.Validate(); err != nil {
		return nil, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation, err.Error())
	}
	collection, documentID, err := types.SplitEntityPath(op.EntityPath)
	if err != nil {
		return nil, syncerrors.NewValidationError(syncerrors.CodeInvalidEntityPath, err.Error())
	}

	payloadHash, err := types.PayloadHash(op.Payload)
	if err != nil {
		return nil, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("unhashable payload: %v", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	// Fast path: a bloom miss proves the key was never recorded, so the
	// table lookup is skipped for first-time writes.
	if s.seen.ContainsString(op.IdempotencyKey) {
		prior, err := lookupIdempotencyTx(ctx, tx, op.IdempotencyKey, payloadHash)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			prior.Replayed = true
			return prior, nil
		}
	}

	stored, err := getDocumentTx(ctx, tx, op.TenantID, collection, documentID)
	if err != nil {
		return nil, err
	}

	serverNow := s.nextTimestamp()

	var result *types.WriteResult
	switch op.Type {
	case types.OpDelete:
		result, err = s.applyDelete(ctx, tx, op, stored, collection, documentID, serverNow)
	default:
		result, err = s.applyUpsert(ctx, tx, op, stored, collection, documentID, serverNow)
	}
	if err != nil {
		return nil, err
	}

	if err := recordIdempotencyTx(ctx, tx, op, payloadHash, result); err != nil {
		return nil, err
	}

	if err := s.enqueueAuditTx(ctx, tx, op, stored, result, collection, documentID, serverNow); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("failed to commit write", err)
	}

	s.seen.AddString(op.IdempotencyKey)

	return result, nil
}

// applyUpsert handles create and update. Both are upserts: an update to
// a missing document creates it, because the client may be replaying
// work the backend has never seen.
func (s *Store) applyUpsert(ctx context.Context, tx *sql.Tx, op *types.Operation, stored *types.Document, collection, documentID string, serverNow int64) (*types.WriteResult, error) {
	decision := s.resolver.Resolve(stored, op, serverNow)

	var version int64 = 1
	var seq *int64
	if stored != nil {
		version = stored.Version + 1
		seq = stored.SequenceNumber
	}

	// Assign a sequence number exactly once, inside this transaction,
	// so an aborted write never burns a visible number for this document.
	if seq == nil {
		if claimed, ok := claimedSequence(op.Payload); ok {
			seq = &claimed
		} else {
			n, err := sequence.AllocateTx(ctx, tx, op.TenantID, collection)
			if err != nil {
				return nil, err
			}
			seq = &n
		}
	}
	delete(decision.Fields, "sequenceNumber")

	fieldsJSON, err := json.Marshal(decision.Fields)
	if err != nil {
		return nil, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("unserializable payload: %v", err))
	}

	conflictFlag := 0
	if decision.ConflictFlag {
		conflictFlag = 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (tenant_id, collection, document_id, fields, server_updated_at,
		                        updated_by, sequence_number, version, conflict_flag, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(tenant_id, collection, document_id) DO UPDATE SET
		   fields = excluded.fields,
		   server_updated_at = excluded.server_updated_at,
		   updated_by = excluded.updated_by,
		   sequence_number = COALESCE(documents.sequence_number, excluded.sequence_number),
		   version = excluded.version,
		   conflict_flag = MAX(documents.conflict_flag, excluded.conflict_flag),
		   deleted_at = NULL`,
		op.TenantID, collection, documentID, string(fieldsJSON), serverNow,
		op.ActorID, seq, version, conflictFlag)
	if err != nil {
		return nil, storeErr("failed to upsert document", err)
	}

	if decision.Review != nil {
		if err := insertReviewTx(ctx, tx, decision.Review, serverNow); err != nil {
			return nil, err
		}
	}

	return &types.WriteResult{
		OperationID:     op.ID,
		DocumentID:      documentID,
		Collection:      collection,
		Version:         version,
		SequenceNumber:  seq,
		ServerUpdatedAt: serverNow,
		ConflictFlag:    decision.ConflictFlag,
	}, nil
}

// applyDelete soft-deletes a document. Deleting a missing document is a
// no-op success so delete replays converge.
func (s *Store) applyDelete(ctx context.Context, tx *sql.Tx, op *types.Operation, stored *types.Document, collection, documentID string, serverNow int64) (*types.WriteResult, error) {
	result := &types.WriteResult{
		OperationID:     op.ID,
		DocumentID:      documentID,
		Collection:      collection,
		ServerUpdatedAt: serverNow,
	}

	if stored == nil || stored.DeletedAt != nil {
		if stored != nil {
			result.Version = stored.Version
			result.SequenceNumber = stored.SequenceNumber
		}
		return result, nil
	}

	version := stored.Version + 1
	_, err := tx.ExecContext(ctx,
		`UPDATE documents SET deleted_at = ?, server_updated_at = ?, updated_by = ?, version = ?
		 WHERE tenant_id = ? AND collection = ? AND document_id = ?`,
		serverNow, serverNow, op.ActorID, version,
		op.TenantID, collection, documentID)
	if err != nil {
		return nil, storeErr("failed to delete document", err)
	}

	result.Version = version
	result.SequenceNumber = stored.SequenceNumber
	return result, nil
}

// claimedSequence extracts a pre-allocated sequence number from the
// payload (the online path requests one before constructing the entity).
func claimedSequence(payload map[string]interface{}) (int64, bool) {
	v, ok := payload["sequenceNumber"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// lookupIdempotencyTx returns the stored result for a known key, nil if
// the key is unknown, or a validation error if the key was recorded
// with a different payload hash.
func lookupIdempotencyTx(ctx context.Context, tx *sql.Tx, key, payloadHash string) (*types.WriteResult, error) {
	var storedHash, resultJSON string
	err := tx.QueryRowContext(ctx,
		`SELECT payload_hash, result FROM idempotency_results WHERE idempotency_key = ?`,
		key).Scan(&storedHash, &resultJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("failed to check idempotency key", err)
	}

	if storedHash != payloadHash {
		return nil, syncerrors.NewValidationError(syncerrors.CodePayloadMismatch,
			fmt.Sprintf("idempotency key %s was recorded with a different payload", key))
	}

	var result types.WriteResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, storeErr("failed to decode stored result", err)
	}
	return &result, nil
}

func recordIdempotencyTx(ctx context.Context, tx *sql.Tx, op *types.Operation, payloadHash string, result *types.WriteResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return storeErr("failed to encode result", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO idempotency_results (idempotency_key, tenant_id, payload_hash, result, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		op.IdempotencyKey, op.TenantID, payloadHash, string(resultJSON), time.Now().Unix())
	if err != nil {
		return storeErr("failed to record idempotency result", err)
	}
	return nil
}

func insertReviewTx(ctx context.Context, tx *sql.Tx, review *types.ReviewRecord, serverNow int64) error {
	storedJSON, err := json.Marshal(review.StoredPayload)
	if err != nil {
		return storeErr("failed to encode review payload", err)
	}
	incomingJSON, err := json.Marshal(review.IncomingPayload)
	if err != nil {
		return storeErr("failed to encode review payload", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO review_records (tenant_id, collection, document_id, stored_payload, incoming_payload,
		                             stored_actor, incoming_actor, stored_updated_at, incoming_updated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		review.TenantID, review.Collection, review.DocumentID, string(storedJSON), string(incomingJSON),
		review.StoredActor, review.IncomingActor, review.StoredAt, review.IncomingAt, serverNow)
	if err != nil {
		return storeErr("failed to insert review record", err)
	}
	return nil
}

// enqueueAuditTx inserts the pending audit event in the same transaction
// as the mutation, so a committed write always has its audit event even
// if the process dies before the drain runs.
func (s *Store) enqueueAuditTx(ctx context.Context, tx *sql.Tx, op *types.Operation, stored *types.Document, result *types.WriteResult, collection, documentID string, serverNow int64) error {
	var before map[string]interface{}
	if stored != nil && stored.DeletedAt == nil {
		before = stored.Fields
	}

	var after map[string]interface{}
	if op.Type != types.OpDelete {
		doc, err := getDocumentTx(ctx, tx, op.TenantID, collection, documentID)
		if err != nil {
			return err
		}
		if doc != nil {
			after = doc.Fields
		}
	}

	beforeBlob, err := audit.EncodeSnapshot(before)
	if err != nil {
		return syncerrors.Wrap(syncerrors.ErrCategoryAudit, syncerrors.CodeAuditWriteFailed,
			"failed to encode before snapshot", err)
	}
	afterBlob, err := audit.EncodeSnapshot(after)
	if err != nil {
		return syncerrors.Wrap(syncerrors.ErrCategoryAudit, syncerrors.CodeAuditWriteFailed,
			"failed to encode after snapshot", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_pending (tenant_id, operation, collection, document_id, actor_id,
		                            before_snapshot, after_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.TenantID, string(op.Type), collection, documentID, op.ActorID,
		beforeBlob, afterBlob, serverNow)
	if err != nil {
		return storeErr("failed to enqueue audit event", err)
	}
	return nil
}

// storeErr wraps a low-level database error, classifying lock
// contention as retryable.
func storeErr(message string, err error) error {
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
			return syncerrors.NewStoreError(syncerrors.CodeTxBusy, message, err)
		}
	}
	return syncerrors.NewStoreError(syncerrors.CodeWriteFailed, message, err)
}
