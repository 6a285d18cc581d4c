package http

import (
	"net/http"

	"github.com/fieldsync/fieldsync/internal/auth"
	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/sequence"
)

// SequenceResponse is the allocation response body.
type SequenceResponse struct {
	CounterKey string `json:"counter_key"`
	Value      int64  `json:"value"`
	RequestID  string `json:"request_id"`
}

// SequenceHandler handles GET /v1/sequence/next requests. Online
// clients call it to claim a sequence number before creating the
// document; the claimed number rides along in the operation payload.
type SequenceHandler struct {
	guard     *auth.Guard
	allocator sequence.Allocator
}

// NewSequenceHandler creates a new sequence allocation handler.
func NewSequenceHandler(guard *auth.Guard, allocator sequence.Allocator) *SequenceHandler {
	return &SequenceHandler{guard: guard, allocator: allocator}
}

func (h *SequenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			"method not allowed"), requestID)
		return
	}

	counterKey := r.URL.Query().Get("counter_key")
	if counterKey == "" {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidCounterKey,
			"counter_key is required"), requestID)
		return
	}

	caller := CallerFromRequest(r)
	if _, err := h.guard.Authorize(r.Context(), caller.ActorID, caller.TenantID, true); err != nil {
		writeError(w, err, requestID)
		return
	}

	value, err := h.allocator.Allocate(r.Context(), caller.TenantID, counterKey)
	if err != nil {
		writeError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, SequenceResponse{
		CounterKey: counterKey,
		Value:      value,
		RequestID:  requestID,
	})
}
