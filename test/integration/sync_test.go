// Package integration provides end-to-end tests wiring the client
// outbox and sync coordinator against a real backend over HTTP.
package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/fieldsync/fieldsync/internal/api/http"
	"github.com/fieldsync/fieldsync/internal/audit"
	"github.com/fieldsync/fieldsync/internal/auth"
	"github.com/fieldsync/fieldsync/internal/conflict"
	"github.com/fieldsync/fieldsync/internal/outbox"
	"github.com/fieldsync/fieldsync/internal/store"
	syncer "github.com/fieldsync/fieldsync/internal/sync"
	"github.com/fieldsync/fieldsync/pkg/types"
)

// backend is a full server-side stack behind an httptest server.
type backend struct {
	store  *store.Store
	server *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "store.db"),
		conflict.NewResolver(2*time.Second, map[string][]string{"jobs": {"tags"}}))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	resolver := auth.NewSQLiteResolver(st.ReadDB(), st.WriteDB())
	guard := auth.NewGuard(resolver, time.Minute)

	for _, m := range []*types.TenantMembership{
		{UID: "tech-7", TenantID: "tenant-1", Role: types.RoleMember, Status: types.MembershipActive},
		{UID: "tech-8", TenantID: "tenant-1", Role: types.RoleMember, Status: types.MembershipActive},
	} {
		require.NoError(t, resolver.PutMembership(context.Background(), m))
	}

	handler := apihttp.DefaultMiddleware()(apihttp.NewSyncHandler(guard, st))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &backend{store: st, server: srv}
}

// client is an outbox plus coordinator pointed at the backend.
type client struct {
	outbox *outbox.Outbox
	coord  *syncer.Coordinator
	bus    *syncer.StatusBus
	cancel context.CancelFunc
	done   chan struct{}
}

func newClient(t *testing.T, dir, baseURL string) *client {
	t.Helper()

	ob, err := outbox.Open(dir, 16*1024*1024)
	require.NoError(t, err)

	bus := syncer.NewStatusBus(64)
	sender := syncer.NewHTTPSender(baseURL, 5*time.Second)
	coord := syncer.NewCoordinator(ob, sender, bus,
		syncer.Backoff{Base: 5 * time.Millisecond, Max: 50 * time.Millisecond},
		4, 5, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()

	c := &client{outbox: ob, coord: coord, bus: bus, cancel: cancel, done: done}
	t.Cleanup(func() { c.stop(t) })
	return c
}

func (c *client) stop(t *testing.T) {
	t.Helper()
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
	c.outbox.Close()
}

func clientOp(path string, payload map[string]interface{}, actor string) *types.Operation {
	return &types.Operation{
		ID:              types.NewOperationID(),
		IdempotencyKey:  types.NewOperationID(),
		EntityPath:      path,
		Type:            types.OpCreate,
		Payload:         payload,
		TenantID:        "tenant-1",
		ActorID:         actor,
		Status:          types.StatusQueued,
		ClientCreatedAt: time.Now(),
	}
}

func waitDrained(t *testing.T, ob *outbox.Outbox, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ob.PendingCount() == 0 && ob.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("outbox did not drain: %d pending, %d total", ob.PendingCount(), ob.Len())
}

func TestOfflineQueueSyncsWhenOnline(t *testing.T) {
	b := newBackend(t)
	c := newClient(t, t.TempDir(), b.server.URL)

	// Work happens offline first.
	c.coord.SetOnline(false)
	for i, title := range []string{"fix pump", "replace valve", "inspect line"} {
		op := clientOp("jobs/job-"+string(rune('a'+i)), map[string]interface{}{"title": title}, "tech-7")
		require.NoError(t, c.outbox.Enqueue(op))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, c.outbox.PendingCount(), "nothing should sync while offline")

	c.coord.SetOnline(true)
	waitDrained(t, c.outbox, 5*time.Second)

	// Dense sequence numbers, no gaps.
	seen := map[int64]bool{}
	for _, id := range []string{"job-a", "job-b", "job-c"} {
		doc, err := b.store.GetDocument(context.Background(), "tenant-1", "jobs", id)
		require.NoError(t, err)
		require.NotNil(t, doc.SequenceNumber)
		seen[*doc.SequenceNumber] = true
	}
	assert.Equal(t, map[int64]bool{1: true, 2: true, 3: true}, seen)
}

func TestRestartResendDoesNotDuplicate(t *testing.T) {
	b := newBackend(t)
	dir := t.TempDir()

	op := clientOp("jobs/job-7", map[string]interface{}{"title": "fix pump"}, "tech-7")

	// First run syncs the operation, then the process "crashes" before
	// the user stops generating retries: a second run re-enqueues and
	// resends with the same idempotency key.
	c1 := newClient(t, dir, b.server.URL)
	c1.coord.SetOnline(true)
	require.NoError(t, c1.outbox.Enqueue(op))
	waitDrained(t, c1.outbox, 5*time.Second)
	c1.stop(t)

	resend := *op
	resend.ID = types.NewOperationID()
	resend.Status = types.StatusQueued

	c2 := newClient(t, dir, b.server.URL)
	c2.coord.SetOnline(true)
	require.NoError(t, c2.outbox.Enqueue(&resend))
	waitDrained(t, c2.outbox, 5*time.Second)

	doc, err := b.store.GetDocument(context.Background(), "tenant-1", "jobs", "job-7")
	require.NoError(t, err)
	require.NotNil(t, doc.SequenceNumber)
	assert.Equal(t, int64(1), *doc.SequenceNumber, "replay must not burn a second sequence number")
	assert.Equal(t, int64(1), doc.Version, "replay must not reapply the mutation")
}

func TestTwoDevicesNearSimultaneousEditIsFlagged(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	ca := newClient(t, t.TempDir(), b.server.URL)
	cb := newClient(t, t.TempDir(), b.server.URL)
	ca.coord.SetOnline(true)
	cb.coord.SetOnline(true)

	// Device A creates the job.
	create := clientOp("jobs/job-1", map[string]interface{}{"title": "fix pump", "status": "open"}, "tech-7")
	require.NoError(t, ca.outbox.Enqueue(create))
	waitDrained(t, ca.outbox, 5*time.Second)

	// Both devices edit the same field within the conflict window.
	editA := clientOp("jobs/job-1", map[string]interface{}{"status": "done"}, "tech-7")
	editA.Type = types.OpUpdate
	editB := clientOp("jobs/job-1", map[string]interface{}{"status": "cancelled"}, "tech-8")
	editB.Type = types.OpUpdate

	require.NoError(t, ca.outbox.Enqueue(editA))
	require.NoError(t, cb.outbox.Enqueue(editB))
	waitDrained(t, ca.outbox, 5*time.Second)
	waitDrained(t, cb.outbox, 5*time.Second)

	doc, err := b.store.GetDocument(ctx, "tenant-1", "jobs", "job-1")
	require.NoError(t, err)
	assert.True(t, doc.ConflictFlag, "near-simultaneous edits by different actors must be flagged")

	// Arrival order between the two devices is not deterministic, so
	// more than one pair of edits can land inside the window.
	reviews, err := b.store.PendingReviews(ctx, "tenant-1")
	require.NoError(t, err)
	require.NotEmpty(t, reviews)
	assert.Equal(t, "job-1", reviews[0].DocumentID)
}

func TestConcurrentCreatesGetDenseSequences(t *testing.T) {
	b := newBackend(t)
	c := newClient(t, t.TempDir(), b.server.URL)
	c.coord.SetOnline(true)

	const n = 20
	for i := 0; i < n; i++ {
		op := clientOp("jobs/job-"+types.NewOperationID(), map[string]interface{}{"n": float64(i)}, "tech-7")
		require.NoError(t, c.outbox.Enqueue(op))
	}
	waitDrained(t, c.outbox, 10*time.Second)

	rows, err := b.store.ReadDB().Query(
		`SELECT sequence_number FROM documents WHERE tenant_id = 'tenant-1' AND collection = 'jobs' ORDER BY sequence_number`)
	require.NoError(t, err)
	defer rows.Close()

	var got []int64
	for rows.Next() {
		var seq int64
		require.NoError(t, rows.Scan(&seq))
		got = append(got, seq)
	}
	require.NoError(t, rows.Err())

	require.Len(t, got, n)
	for i, seq := range got {
		assert.Equal(t, int64(i+1), seq, "sequence numbers must be dense")
	}
}

func TestAuditTrailCoversEverySyncedMutation(t *testing.T) {
	b := newBackend(t)
	c := newClient(t, t.TempDir(), b.server.URL)
	c.coord.SetOnline(true)

	const n = 5
	for i := 0; i < n; i++ {
		op := clientOp("jobs/job-"+string(rune('a'+i)), map[string]interface{}{"n": float64(i)}, "tech-7")
		require.NoError(t, c.outbox.Enqueue(op))
	}
	waitDrained(t, c.outbox, 5*time.Second)

	recorder := audit.NewRecorder(b.store.WriteDB(), 365*24*time.Hour, time.Second, 100)
	drained, err := recorder.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, drained)

	var records int
	require.NoError(t, b.store.ReadDB().QueryRow(
		`SELECT COUNT(*) FROM audit_records WHERE tenant_id = 'tenant-1'`).Scan(&records))
	assert.Equal(t, n, records)
}
