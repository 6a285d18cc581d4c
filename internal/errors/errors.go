// Package errors provides structured error types for the fieldsync system.
// All errors include a category, code, message, and retryable flag so the
// sync coordinator and HTTP layer can classify failures consistently.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system concern.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryAuth       ErrorCategory = "AUTH"
	ErrCategoryConflict   ErrorCategory = "CONFLICT"
	ErrCategoryAllocation ErrorCategory = "ALLOCATION"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryAudit      ErrorCategory = "AUDIT"
	ErrCategoryTransport  ErrorCategory = "TRANSPORT"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidOperation  = "INVALID_OPERATION"
	CodeInvalidEntityPath = "INVALID_ENTITY_PATH"
	CodeInvalidCounterKey = "INVALID_COUNTER_KEY"
	CodePayloadMismatch   = "PAYLOAD_MISMATCH"

	// Auth codes
	CodeNotFound       = "NOT_FOUND"
	CodeRoleDenied     = "ROLE_DENIED"
	CodeMemberInactive = "MEMBER_INACTIVE"

	// Conflict codes
	CodeConflictFlagged = "CONFLICT_FLAGGED"
	CodeStaleWrite      = "STALE_WRITE"

	// Allocation codes
	CodeCounterContention = "COUNTER_CONTENTION"
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"

	// Store codes
	CodeWriteFailed = "WRITE_FAILED"
	CodeTxBusy      = "TX_BUSY"

	// Audit codes
	CodeAuditWriteFailed = "AUDIT_WRITE_FAILED"

	// Transport codes
	CodeUnavailable    = "UNAVAILABLE"
	CodeRequestTimeout = "REQUEST_TIMEOUT"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// SyncError is the structured error type used throughout the system.
type SyncError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *SyncError) Is(target error) bool {
	var t *SyncError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new SyncError.
func New(category ErrorCategory, code, message string) *SyncError {
	return &SyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new SyncError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *SyncError {
	return &SyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *SyncError) WithDetails(details map[string]interface{}) *SyncError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
// Errors that are not SyncErrors are treated as non-retryable: an unknown
// failure must surface rather than loop.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a SyncError.
func GetCategory(err error) ErrorCategory {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
func GetCode(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// isRetryable encodes the transient/fatal split: transport failures and
// transaction contention retry; validation, authorization, and conflict
// outcomes never do.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryTransport:
		return true
	case category == ErrCategoryStore && code == CodeTxBusy:
		return true
	case category == ErrCategoryAllocation && code == CodeCounterContention:
		return true
	case category == ErrCategoryAudit && code == CodeAuditWriteFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *SyncError {
	return New(ErrCategoryValidation, code, message)
}

// NewNotFoundError is returned both for genuinely missing documents and for
// cross-tenant access, so a caller cannot distinguish the two.
func NewNotFoundError(message string) *SyncError {
	return New(ErrCategoryAuth, CodeNotFound, message)
}

func NewAuthError(code, message string) *SyncError {
	return New(ErrCategoryAuth, code, message)
}

func NewConflictError(code, message string) *SyncError {
	return New(ErrCategoryConflict, code, message)
}

func NewAllocationError(code, message string, cause error) *SyncError {
	return Wrap(ErrCategoryAllocation, code, message, cause)
}

func NewStoreError(code, message string, cause error) *SyncError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewTransportError(code, message string, cause error) *SyncError {
	return Wrap(ErrCategoryTransport, code, message, cause)
}

func NewInternalError(message string, cause error) *SyncError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
