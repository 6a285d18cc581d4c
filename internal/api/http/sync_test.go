package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/auth"
	"github.com/fieldsync/fieldsync/internal/conflict"
	"github.com/fieldsync/fieldsync/internal/sequence"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/pkg/types"
)

type testBackend struct {
	store     *store.Store
	guard     *auth.Guard
	resolver  *auth.SQLiteResolver
	allocator *sequence.SQLiteAllocator
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "store.db"), conflict.NewResolver(2*time.Second, nil))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	resolver := auth.NewSQLiteResolver(st.ReadDB(), st.WriteDB())
	guard := auth.NewGuard(resolver, time.Minute)
	allocator := sequence.NewSQLiteAllocator(st.WriteDB(), 10, time.Millisecond)

	for _, m := range []*types.TenantMembership{
		{UID: "admin-1", TenantID: "tenant-1", Role: types.RoleAdmin, Status: types.MembershipActive},
		{UID: "tech-7", TenantID: "tenant-1", Role: types.RoleMember, Status: types.MembershipActive},
		{UID: "viewer-2", TenantID: "tenant-1", Role: types.RoleViewer, Status: types.MembershipActive},
		{UID: "tech-9", TenantID: "tenant-2", Role: types.RoleMember, Status: types.MembershipActive},
	} {
		require.NoError(t, resolver.PutMembership(context.Background(), m))
	}

	return &testBackend{store: st, guard: guard, resolver: resolver, allocator: allocator}
}

func syncRequest(t *testing.T, op *types.Operation, actorID, tenantID string) *http.Request {
	t.Helper()
	body, err := json.Marshal(op)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/sync", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.IdempotencyKey)
	req.Header.Set("X-Actor-ID", actorID)
	req.Header.Set("X-Tenant-ID", tenantID)
	return req
}

func newOp(path string, payload map[string]interface{}) *types.Operation {
	return &types.Operation{
		ID:              types.NewOperationID(),
		IdempotencyKey:  types.NewOperationID(),
		EntityPath:      path,
		Type:            types.OpCreate,
		Payload:         payload,
		TenantID:        "tenant-1",
		ActorID:         "tech-7",
		ClientCreatedAt: time.Now(),
	}
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSyncHandlerAppliesOperation(t *testing.T) {
	b := newTestBackend(t)
	handler := DefaultMiddleware()(NewSyncHandler(b.guard, b.store))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, syncRequest(t, newOp("jobs/job-1", map[string]interface{}{"title": "fix pump"}), "tech-7", "tenant-1"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result types.WriteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "job-1", result.DocumentID)
	require.NotNil(t, result.SequenceNumber)
	assert.Equal(t, int64(1), *result.SequenceNumber)
	assert.False(t, result.Replayed)
}

func TestSyncHandlerReplaysIdempotencyKey(t *testing.T) {
	b := newTestBackend(t)
	handler := DefaultMiddleware()(NewSyncHandler(b.guard, b.store))

	op := newOp("jobs/job-1", map[string]interface{}{"title": "fix pump"})

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, syncRequest(t, op, "tech-7", "tenant-1"))
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, syncRequest(t, op, "tech-7", "tenant-1"))
	require.Equal(t, http.StatusOK, rec2.Code)

	var first, second types.WriteResult
	require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &first))
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &second))

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, *first.SequenceNumber, *second.SequenceNumber)
}

func TestSyncHandlerViewerIsDenied(t *testing.T) {
	b := newTestBackend(t)
	handler := DefaultMiddleware()(NewSyncHandler(b.guard, b.store))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, syncRequest(t, newOp("jobs/job-1", map[string]interface{}{"a": 1.0}), "viewer-2", "tenant-1"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ROLE_DENIED", decodeErrorBody(t, rec).Error.Code)
}

func TestSyncHandlerUnknownActorLooksLikeNotFound(t *testing.T) {
	b := newTestBackend(t)
	handler := DefaultMiddleware()(NewSyncHandler(b.guard, b.store))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, syncRequest(t, newOp("jobs/job-1", map[string]interface{}{"a": 1.0}), "nobody", "tenant-1"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeErrorBody(t, rec).Error.Code)
}

func TestSyncHandlerCrossTenantActorLooksLikeNotFound(t *testing.T) {
	b := newTestBackend(t)
	handler := DefaultMiddleware()(NewSyncHandler(b.guard, b.store))

	// tech-9 belongs to tenant-2; probing tenant-1 must be
	// indistinguishable from not existing at all.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, syncRequest(t, newOp("jobs/job-1", map[string]interface{}{"a": 1.0}), "tech-9", "tenant-1"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeErrorBody(t, rec).Error.Code)
}

func TestSyncHandlerRejectsTenantMismatch(t *testing.T) {
	b := newTestBackend(t)
	handler := DefaultMiddleware()(NewSyncHandler(b.guard, b.store))

	op := newOp("jobs/job-1", map[string]interface{}{"a": 1.0})
	op.TenantID = "tenant-2"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, syncRequest(t, op, "tech-7", "tenant-1"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncHandlerRequestIDEchoed(t *testing.T) {
	b := newTestBackend(t)
	handler := DefaultMiddleware()(NewSyncHandler(b.guard, b.store))

	req := syncRequest(t, newOp("jobs/job-1", map[string]interface{}{"a": 1.0}), "tech-7", "tenant-1")
	req.Header.Set("X-Request-ID", "req-42")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestDocumentHandlerReadsAndMasks(t *testing.T) {
	b := newTestBackend(t)
	syncHandler := DefaultMiddleware()(NewSyncHandler(b.guard, b.store))
	docHandler := DefaultMiddleware()(NewDocumentHandler(b.guard, b.store))

	rec := httptest.NewRecorder()
	syncHandler.ServeHTTP(rec, syncRequest(t, newOp("jobs/job-1", map[string]interface{}{"title": "fix pump"}), "tech-7", "tenant-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	// Owner tenant reads it.
	req := httptest.NewRequest(http.MethodGet, "/v1/documents/jobs/job-1", nil)
	req.Header.Set("X-Actor-ID", "viewer-2")
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec = httptest.NewRecorder()
	docHandler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc types.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "fix pump", doc.Fields["title"])

	// Another tenant gets the same 404 a missing document would give.
	req = httptest.NewRequest(http.MethodGet, "/v1/documents/jobs/job-1", nil)
	req.Header.Set("X-Actor-ID", "tech-9")
	req.Header.Set("X-Tenant-ID", "tenant-2")
	rec = httptest.NewRecorder()
	docHandler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSequenceHandlerAllocates(t *testing.T) {
	b := newTestBackend(t)
	handler := DefaultMiddleware()(NewSequenceHandler(b.guard, b.allocator))

	for want := int64(1); want <= 3; want++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/sequence/next?counter_key=jobs", nil)
		req.Header.Set("X-Actor-ID", "tech-7")
		req.Header.Set("X-Tenant-ID", "tenant-1")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp SequenceResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, want, resp.Value)
	}
}

func TestSequenceHandlerRequiresCounterKey(t *testing.T) {
	b := newTestBackend(t)
	handler := DefaultMiddleware()(NewSequenceHandler(b.guard, b.allocator))

	req := httptest.NewRequest(http.MethodGet, "/v1/sequence/next", nil)
	req.Header.Set("X-Actor-ID", "tech-7")
	req.Header.Set("X-Tenant-ID", "tenant-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_COUNTER_KEY", decodeErrorBody(t, rec).Error.Code)
}

func TestMembershipHandlerAdminOnly(t *testing.T) {
	b := newTestBackend(t)
	handler := DefaultMiddleware()(NewMembershipHandler(b.guard, b.resolver))

	grant := types.TenantMembership{
		UID:    "tech-new",
		Role:   types.RoleMember,
		Status: types.MembershipActive,
	}
	body, err := json.Marshal(grant)
	require.NoError(t, err)

	// A member cannot grant memberships.
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/memberships", bytes.NewReader(body))
	req.Header.Set("X-Actor-ID", "tech-7")
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// An admin can.
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/memberships", bytes.NewReader(body))
	req.Header.Set("X-Actor-ID", "admin-1")
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	m, err := b.resolver.ResolveMembership(context.Background(), "tech-new", "tenant-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, types.RoleMember, m.Role)
}

func TestMembershipHandlerRejectsUnknownRoleAndStatus(t *testing.T) {
	b := newTestBackend(t)
	handler := DefaultMiddleware()(NewMembershipHandler(b.guard, b.resolver))

	grants := []types.TenantMembership{
		{UID: "tech-new", Role: "manager", Status: types.MembershipActive},
		{UID: "tech-new", Role: types.RoleMember, Status: ""},
	}
	for _, grant := range grants {
		body, err := json.Marshal(grant)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/v1/admin/memberships", bytes.NewReader(body))
		req.Header.Set("X-Actor-ID", "admin-1")
		req.Header.Set("X-Tenant-ID", "tenant-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_OPERATION", decodeErrorBody(t, rec).Error.Code)
	}

	// Nothing was persisted for the rejected grants.
	m, err := b.resolver.ResolveMembership(context.Background(), "tech-new", "tenant-1")
	require.NoError(t, err)
	assert.Nil(t, m)
}
