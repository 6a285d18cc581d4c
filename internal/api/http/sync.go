package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fieldsync/fieldsync/internal/auth"
	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/pkg/types"
)

// SyncHandler handles POST /v1/sync requests. Each request carries one
// queued operation; the response is the authoritative write result.
type SyncHandler struct {
	guard *auth.Guard
	store *store.Store
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(guard *auth.Guard, st *store.Store) *SyncHandler {
	return &SyncHandler{guard: guard, store: st}
}

// ServeHTTP handles the sync HTTP request.
func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			"method not allowed"), requestID)
		return
	}

	caller := CallerFromRequest(r)

	var op types.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("invalid request body: %v", err)), requestID)
		return
	}

	if op.TenantID != "" && op.TenantID != caller.TenantID {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			"operation tenant does not match caller tenant"), requestID)
		return
	}
	// The identity headers are authoritative, not the body.
	op.TenantID = caller.TenantID
	op.ActorID = caller.ActorID
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		op.IdempotencyKey = key
	}

	if _, err := h.guard.Authorize(r.Context(), caller.ActorID, caller.TenantID, true); err != nil {
		writeError(w, err, requestID)
		return
	}

	result, err := h.store.ApplyOperation(r.Context(), &op)
	if err != nil {
		writeError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
