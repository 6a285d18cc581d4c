package http

import (
	"net/http"
	"strings"

	"github.com/fieldsync/fieldsync/internal/auth"
	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/pkg/types"
)

// DocumentHandler handles GET /v1/documents/{collection}/{documentID}.
type DocumentHandler struct {
	guard *auth.Guard
	store *store.Store
}

// NewDocumentHandler creates a new document read handler.
func NewDocumentHandler(guard *auth.Guard, st *store.Store) *DocumentHandler {
	return &DocumentHandler{guard: guard, store: st}
}

func (h *DocumentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			"method not allowed"), requestID)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/documents/")
	collection, documentID, err := types.SplitEntityPath(path)
	if err != nil {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidEntityPath,
			err.Error()), requestID)
		return
	}

	caller := CallerFromRequest(r)
	if _, err := h.guard.Authorize(r.Context(), caller.ActorID, caller.TenantID, false); err != nil {
		writeError(w, err, requestID)
		return
	}

	doc, err := h.store.GetDocument(r.Context(), caller.TenantID, collection, documentID)
	if err != nil {
		writeError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// ReviewsHandler handles GET /v1/reviews, listing unresolved conflict
// review records for the caller's tenant.
type ReviewsHandler struct {
	guard *auth.Guard
	store *store.Store
}

// NewReviewsHandler creates a new conflict review listing handler.
func NewReviewsHandler(guard *auth.Guard, st *store.Store) *ReviewsHandler {
	return &ReviewsHandler{guard: guard, store: st}
}

func (h *ReviewsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			"method not allowed"), requestID)
		return
	}

	caller := CallerFromRequest(r)
	if _, err := h.guard.Authorize(r.Context(), caller.ActorID, caller.TenantID, false); err != nil {
		writeError(w, err, requestID)
		return
	}

	reviews, err := h.store.PendingReviews(r.Context(), caller.TenantID)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	if reviews == nil {
		reviews = []*types.ReviewRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reviews": reviews,
		"count":   len(reviews),
	})
}
