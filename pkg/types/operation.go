// Package types defines the core data model shared between the client-side
// outbox/sync components and the backend store.
package types

import (
	"fmt"
	"time"
)

// OpType is the kind of mutation an operation carries.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Valid reports whether the op type is one of create, update, delete.
func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// OpStatus is the outbox lifecycle state of an operation.
type OpStatus string

const (
	StatusQueued  OpStatus = "queued"
	StatusSyncing OpStatus = "syncing"
	StatusSynced  OpStatus = "synced"
	StatusError   OpStatus = "error"
)

// CanTransition reports whether the outbox state machine permits
// moving from s to next. The error state may only be re-queued manually.
func (s OpStatus) CanTransition(next OpStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusSyncing
	case StatusSyncing:
		return next == StatusSynced || next == StatusError || next == StatusQueued
	case StatusError:
		return next == StatusQueued
	}
	return false
}

// Operation is a queued mutation. It is owned exclusively by the outbox
// until it reaches the synced state.
type Operation struct {
	ID              string                 `json:"id"`
	IdempotencyKey  string                 `json:"idempotency_key"`
	EntityPath      string                 `json:"entity_path"`
	Type            OpType                 `json:"op_type"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	TenantID        string                 `json:"tenant_id"`
	ActorID         string                 `json:"actor_id"`
	ClientCreatedAt time.Time              `json:"client_created_at"`
	Status          OpStatus               `json:"status"`
	RetryCount      int                    `json:"retry_count"`
	LastError       string                 `json:"last_error,omitempty"`
}

// Validate checks the fields a backend will refuse to accept.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if o.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if o.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if o.EntityPath == "" {
		return fmt.Errorf("entity path is required")
	}
	if !o.Type.Valid() {
		return fmt.Errorf("invalid op type: %q", o.Type)
	}
	if _, _, err := SplitEntityPath(o.EntityPath); err != nil {
		return err
	}
	return nil
}

// SplitEntityPath splits "collection/documentID" into its two parts.
func SplitEntityPath(path string) (collection, documentID string, err error) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			collection, documentID = path[:i], path[i+1:]
			if collection == "" || documentID == "" {
				return "", "", fmt.Errorf("invalid entity path: %q", path)
			}
			return collection, documentID, nil
		}
	}
	return "", "", fmt.Errorf("invalid entity path: %q (want collection/documentID)", path)
}

// WriteResult is what the backend returns for an accepted (or replayed)
// operation. Replays of the same idempotency key and payload hash return a
// structurally identical result without reapplying the mutation.
type WriteResult struct {
	OperationID     string `json:"operation_id"`
	DocumentID      string `json:"document_id"`
	Collection      string `json:"collection"`
	Version         int64  `json:"version"`
	SequenceNumber  *int64 `json:"sequence_number,omitempty"`
	ServerUpdatedAt int64  `json:"server_updated_at"`
	ConflictFlag    bool   `json:"conflict_flag"`
	Replayed        bool   `json:"replayed"`
}
