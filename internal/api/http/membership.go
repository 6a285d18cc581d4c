package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fieldsync/fieldsync/internal/auth"
	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/pkg/types"
)

// MembershipHandler handles POST /v1/admin/memberships. Only a tenant
// admin may grant or change memberships within that tenant.
type MembershipHandler struct {
	guard    *auth.Guard
	resolver *auth.SQLiteResolver
}

// NewMembershipHandler creates a new membership admin handler.
func NewMembershipHandler(guard *auth.Guard, resolver *auth.SQLiteResolver) *MembershipHandler {
	return &MembershipHandler{guard: guard, resolver: resolver}
}

func (h *MembershipHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			"method not allowed"), requestID)
		return
	}

	caller := CallerFromRequest(r)
	membership, err := h.guard.Authorize(r.Context(), caller.ActorID, caller.TenantID, true)
	if err != nil {
		writeError(w, err, requestID)
		return
	}
	if membership.Role != types.RoleAdmin {
		writeError(w, syncerrors.NewAuthError(syncerrors.CodeRoleDenied,
			"membership changes require the admin role"), requestID)
		return
	}

	var m types.TenantMembership
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("invalid request body: %v", err)), requestID)
		return
	}
	// An admin can only manage memberships in its own tenant.
	m.TenantID = caller.TenantID

	if !m.Role.Valid() {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("unknown role %q", m.Role)), requestID)
		return
	}
	if !m.Status.Valid() {
		writeError(w, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("unknown membership status %q", m.Status)), requestID)
		return
	}

	if err := h.resolver.PutMembership(r.Context(), &m); err != nil {
		writeError(w, syncerrors.NewStoreError(syncerrors.CodeWriteFailed,
			"failed to store membership", err), requestID)
		return
	}
	h.guard.Invalidate(m.UID, m.TenantID)

	writeJSON(w, http.StatusOK, m)
}
