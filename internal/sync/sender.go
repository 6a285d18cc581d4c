package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/pkg/types"
)

// Sender delivers a single operation to the backend and returns the
// authoritative write result.
type Sender interface {
	Send(ctx context.Context, op *types.Operation) (*types.WriteResult, error)
}

// HTTPSender sends operations to the backend sync endpoint.
type HTTPSender struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSender creates a sender targeting baseURL (e.g. http://host:8080).
func NewHTTPSender(baseURL string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// errorResponse mirrors the backend error envelope.
type errorResponse struct {
	Error struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Message  string `json:"message"`
	} `json:"error"`
}

// Send posts the operation to POST /v1/sync. Network failures and 5xx
// responses come back as retryable transport errors; 4xx responses are
// terminal and carry the backend's error code.
func (s *HTTPSender) Send(ctx context.Context, op *types.Operation) (*types.WriteResult, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, syncerrors.NewInternalError("failed to encode operation", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/sync", bytes.NewReader(body))
	if err != nil {
		return nil, syncerrors.NewInternalError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.IdempotencyKey)
	req.Header.Set("X-Tenant-ID", op.TenantID)
	req.Header.Set("X-Actor-ID", op.ActorID)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, syncerrors.NewTransportError(syncerrors.CodeUnavailable,
			fmt.Sprintf("sync request failed: %v", err), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerrors.NewTransportError(syncerrors.CodeUnavailable,
			fmt.Sprintf("failed to read response: %v", err), err)
	}

	if resp.StatusCode == http.StatusOK {
		var result types.WriteResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, syncerrors.NewTransportError(syncerrors.CodeUnexpected,
				"failed to decode write result", err)
		}
		return &result, nil
	}

	var envelope errorResponse
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, syncerrors.NewTransportError(envelope.Error.Code, envelope.Error.Message, nil)
		}
		return nil, &syncerrors.SyncError{
			Category: syncerrors.ErrorCategory(envelope.Error.Category),
			Code:     envelope.Error.Code,
			Message:  envelope.Error.Message,
		}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, syncerrors.NewTransportError(syncerrors.CodeUnavailable,
			fmt.Sprintf("backend returned status %d", resp.StatusCode), nil)
	}
	return nil, syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
		fmt.Sprintf("backend rejected operation with status %d", resp.StatusCode))
}
