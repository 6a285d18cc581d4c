package http

import (
	"log"
	"net/http"

	"github.com/fieldsync/fieldsync/internal/audit"
	"github.com/fieldsync/fieldsync/internal/auth"
	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
)

// ExportHandler handles GET /v1/audit/export, streaming the caller
// tenant's audit records as JSON Lines.
type ExportHandler struct {
	guard    *auth.Guard
	exporter *audit.Exporter
}

// NewExportHandler creates a new audit export handler.
func NewExportHandler(guard *auth.Guard, exporter *audit.Exporter) *ExportHandler {
	return &ExportHandler{guard: guard, exporter: exporter}
}

func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	w.Header().Set("Content-Type", "application/x-ndjson")
	n, err := h.exporter.WriteJSONL(r.Context(), caller.TenantID, w)
	if err != nil {
		// Headers are gone by now, the best we can do is log and cut
		// the stream short.
		log.Printf("export: failed after %d records for tenant %s: %v", n, caller.TenantID, err)
		return
	}
}
