// Package http provides the HTTP API handlers for the fieldsync backend.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
)

// Context keys for request metadata.
type contextKey string

const (
	// requestIDKey is the context key for the request ID.
	requestIDKey contextKey = "request_id"
	// correlationIDKey is the context key for the correlation ID.
	correlationIDKey contextKey = "correlation_id"
)

// ErrorBody is the nested error payload inside an ErrorResponse.
type ErrorBody struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// ErrorResponse is the error envelope returned by every handler.
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

// Caller identifies the requesting actor and tenant, taken from the
// X-Actor-ID and X-Tenant-ID headers.
type Caller struct {
	ActorID  string
	TenantID string
}

// CallerFromRequest extracts the caller identity headers.
func CallerFromRequest(r *http.Request) Caller {
	return Caller{
		ActorID:  r.Header.Get("X-Actor-ID"),
		TenantID: r.Header.Get("X-Tenant-ID"),
	}
}

// RequestIDMiddleware adds a unique request_id to each request.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationIDMiddleware adds a correlation ID for distributed tracing.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			if reqID, ok := r.Context().Value(requestIDKey).(string); ok {
				correlationID = reqID
			} else {
				correlationID = uuid.New().String()
			}
		}

		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestID, _ := r.Context().Value(requestIDKey).(string)
				writeError(w, syncerrors.NewInternalError("internal server error", nil), requestID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ContentTypeMiddleware ensures JSON content type for API requests.
func ContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ChainMiddleware chains multiple middleware functions together.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// DefaultMiddleware returns the default middleware chain for API handlers.
func DefaultMiddleware() func(http.Handler) http.Handler {
	return ChainMiddleware(
		RecoveryMiddleware,
		RequestIDMiddleware,
		CorrelationIDMiddleware,
		ContentTypeMiddleware,
	)
}

// statusForError maps a structured error to an HTTP status. Retryable
// failures map to 503 so clients know to back off and resend.
func statusForError(err error) int {
	category := syncerrors.GetCategory(err)
	code := syncerrors.GetCode(err)

	switch category {
	case syncerrors.ErrCategoryValidation:
		return http.StatusBadRequest
	case syncerrors.ErrCategoryAuth:
		if code == syncerrors.CodeNotFound {
			return http.StatusNotFound
		}
		return http.StatusForbidden
	case syncerrors.ErrCategoryConflict:
		return http.StatusConflict
	case syncerrors.ErrCategoryStore, syncerrors.ErrCategoryAllocation:
		if syncerrors.IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	case syncerrors.ErrCategoryTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the structured error envelope for err.
func writeError(w http.ResponseWriter, err error, requestID string) {
	category := syncerrors.ErrCategoryInternal
	code := syncerrors.CodeUnexpected
	message := "internal server error"

	var se *syncerrors.SyncError
	if errors.As(err, &se) {
		category = se.Category
		code = se.Code
		message = se.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForError(err))

	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorBody{
			Category: string(category),
			Code:     code,
			Message:  message,
		},
		RequestID: requestID,
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetCorrelationID retrieves the correlation ID from the context.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
