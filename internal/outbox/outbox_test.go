package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/pkg/types"
)

func newTestOp(t *testing.T, opType types.OpType, path string) *types.Operation {
	t.Helper()
	return &types.Operation{
		ID:             types.NewOperationID(),
		IdempotencyKey: types.NewOperationID(),
		EntityPath:     path,
		Type:           opType,
		Payload:        map[string]interface{}{"title": "inspect pump"},
		TenantID:       "tenant-1",
		ActorID:        "tech-7",
		ClientCreatedAt: time.Now(),
	}
}

func TestOutboxEnqueueAndPending(t *testing.T) {
	o, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer o.Close()

	op1 := newTestOp(t, types.OpCreate, "jobs/job-1")
	op2 := newTestOp(t, types.OpUpdate, "jobs/job-2")

	require.NoError(t, o.Enqueue(op1))
	require.NoError(t, o.Enqueue(op2))

	pending := o.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, op1.ID, pending[0].ID)
	assert.Equal(t, op2.ID, pending[1].ID)
	assert.Equal(t, types.StatusQueued, pending[0].Status)
}

func TestOutboxSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	o, err := Open(dir, 1<<20)
	require.NoError(t, err)

	op := newTestOp(t, types.OpCreate, "jobs/job-1")
	require.NoError(t, o.Enqueue(op))
	require.NoError(t, o.Close())

	o2, err := Open(dir, 1<<20)
	require.NoError(t, err)
	defer o2.Close()

	pending := o2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, op.ID, pending[0].ID)
	assert.Equal(t, op.EntityPath, pending[0].EntityPath)
	assert.Equal(t, op.Payload["title"], pending[0].Payload["title"])
}

func TestOutboxSyncingRecoversToQueued(t *testing.T) {
	dir := t.TempDir()

	o, err := Open(dir, 1<<20)
	require.NoError(t, err)

	op := newTestOp(t, types.OpCreate, "jobs/job-1")
	require.NoError(t, o.Enqueue(op))
	require.NoError(t, o.MarkSyncing(op.ID))

	// No ack recorded before the simulated crash.
	require.NoError(t, o.Close())

	o2, err := Open(dir, 1<<20)
	require.NoError(t, err)
	defer o2.Close()

	got, ok := o2.Get(op.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusQueued, got.Status)
}

func TestOutboxMarkSyncedRemoves(t *testing.T) {
	o, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer o.Close()

	op := newTestOp(t, types.OpCreate, "jobs/job-1")
	require.NoError(t, o.Enqueue(op))
	require.NoError(t, o.MarkSyncing(op.ID))
	require.NoError(t, o.MarkSynced(op.ID))

	assert.Equal(t, 0, o.Len())
	_, ok := o.Get(op.ID)
	assert.False(t, ok)
}

func TestOutboxNackTransient(t *testing.T) {
	o, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer o.Close()

	op := newTestOp(t, types.OpUpdate, "jobs/job-1")
	require.NoError(t, o.Enqueue(op))
	require.NoError(t, o.MarkSyncing(op.ID))
	require.NoError(t, o.Nack(op.ID, "connection reset", false))

	got, ok := o.Get(op.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "connection reset", got.LastError)
}

func TestOutboxNackTerminalAndRequeue(t *testing.T) {
	o, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer o.Close()

	op := newTestOp(t, types.OpUpdate, "jobs/job-1")
	require.NoError(t, o.Enqueue(op))
	require.NoError(t, o.MarkSyncing(op.ID))
	require.NoError(t, o.Nack(op.ID, "role denied", true))

	got, _ := o.Get(op.ID)
	assert.Equal(t, types.StatusError, got.Status)
	assert.Empty(t, o.Pending())

	// Errored operations stay out of the queue until manually requeued.
	require.NoError(t, o.Requeue(op.ID))
	got, _ = o.Get(op.ID)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestOutboxDeleteCoalescesUnsyncedCreate(t *testing.T) {
	o, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer o.Close()

	create := newTestOp(t, types.OpCreate, "jobs/job-1")
	require.NoError(t, o.Enqueue(create))

	del := newTestOp(t, types.OpDelete, "jobs/job-1")
	require.NoError(t, o.Enqueue(del))

	// Both vanish: the backend never hears about the document.
	assert.Equal(t, 0, o.Len())
}

func TestOutboxDeleteCoalescesUnsyncedCreateAndUpdates(t *testing.T) {
	o, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer o.Close()

	create := newTestOp(t, types.OpCreate, "jobs/job-1")
	require.NoError(t, o.Enqueue(create))
	update := newTestOp(t, types.OpUpdate, "jobs/job-1")
	require.NoError(t, o.Enqueue(update))
	other := newTestOp(t, types.OpUpdate, "jobs/job-2")
	require.NoError(t, o.Enqueue(other))

	del := newTestOp(t, types.OpDelete, "jobs/job-1")
	require.NoError(t, o.Enqueue(del))

	// The whole unsynced chain vanishes. A surviving update would make
	// the backend recreate the document the client just deleted.
	assert.Equal(t, 1, o.Len())
	pending := o.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, other.ID, pending[0].ID)
}

func TestOutboxDeleteDoesNotCoalesceSyncingCreate(t *testing.T) {
	o, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer o.Close()

	create := newTestOp(t, types.OpCreate, "jobs/job-1")
	require.NoError(t, o.Enqueue(create))
	require.NoError(t, o.MarkSyncing(create.ID))

	del := newTestOp(t, types.OpDelete, "jobs/job-1")
	require.NoError(t, o.Enqueue(del))

	// The create may already have reached the backend, so the delete
	// must be sent too.
	assert.Equal(t, 2, o.Len())
}

func TestOutboxBlockedByErroredOperation(t *testing.T) {
	o, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer o.Close()

	first := newTestOp(t, types.OpCreate, "jobs/job-1")
	second := newTestOp(t, types.OpUpdate, "jobs/job-1")
	require.NoError(t, o.Enqueue(first))
	require.NoError(t, o.Enqueue(second))

	require.NoError(t, o.MarkSyncing(first.ID))
	require.NoError(t, o.Nack(first.ID, "viewers cannot write", true))

	assert.True(t, o.Blocked("jobs/job-1"))
	assert.False(t, o.Blocked("jobs/job-2"))

	require.NoError(t, o.Requeue(first.ID))
	assert.False(t, o.Blocked("jobs/job-1"))
}

func TestOutboxCancelDiscardsErroredOperation(t *testing.T) {
	o, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer o.Close()

	first := newTestOp(t, types.OpCreate, "jobs/job-1")
	second := newTestOp(t, types.OpUpdate, "jobs/job-1")
	require.NoError(t, o.Enqueue(first))
	require.NoError(t, o.Enqueue(second))

	require.NoError(t, o.MarkSyncing(first.ID))
	require.NoError(t, o.Nack(first.ID, "payload rejected", true))

	require.NoError(t, o.Cancel(first.ID))
	assert.False(t, o.Blocked("jobs/job-1"))
	assert.Equal(t, 1, o.Len())
	assert.Equal(t, 1, o.PendingCount())
}

func TestOutboxCancelQueuedOnly(t *testing.T) {
	o, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer o.Close()

	op := newTestOp(t, types.OpCreate, "jobs/job-1")
	require.NoError(t, o.Enqueue(op))
	require.NoError(t, o.MarkSyncing(op.ID))

	err = o.Cancel(op.ID)
	assert.Error(t, err)

	require.NoError(t, o.Nack(op.ID, "timeout", false))
	require.NoError(t, o.Cancel(op.ID))
	assert.Equal(t, 0, o.Len())
}

func TestOutboxInvalidTransitionRejected(t *testing.T) {
	o, err := Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer o.Close()

	op := newTestOp(t, types.OpCreate, "jobs/job-1")
	require.NoError(t, o.Enqueue(op))

	// queued -> synced skips the send attempt.
	err = o.MarkSynced(op.ID)
	assert.Error(t, err)
}

func TestOutboxCompact(t *testing.T) {
	dir := t.TempDir()

	o, err := Open(dir, 1<<20)
	require.NoError(t, err)

	var keep *types.Operation
	for i := 0; i < 10; i++ {
		op := newTestOp(t, types.OpCreate, "jobs/job-compact")
		op.EntityPath = "jobs/job-" + op.ID
		require.NoError(t, o.Enqueue(op))
		if i == 9 {
			keep = op
			break
		}
		require.NoError(t, o.MarkSyncing(op.ID))
		require.NoError(t, o.MarkSynced(op.ID))
	}

	require.NoError(t, o.Compact())
	require.NoError(t, o.Close())

	o2, err := Open(dir, 1<<20)
	require.NoError(t, err)
	defer o2.Close()

	require.Equal(t, 1, o2.Len())
	got, ok := o2.Get(keep.ID)
	require.True(t, ok)
	assert.Equal(t, keep.EntityPath, got.EntityPath)
}

func TestJournalSegmentRotation(t *testing.T) {
	dir := t.TempDir()

	// Small segment size forces rotation quickly.
	o, err := Open(dir, 256)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		op := newTestOp(t, types.OpCreate, "jobs/job-x")
		op.EntityPath = "jobs/job-" + op.ID
		require.NoError(t, o.Enqueue(op))
	}
	require.NoError(t, o.Close())

	o2, err := Open(dir, 256)
	require.NoError(t, err)
	defer o2.Close()

	assert.Equal(t, 20, o2.Len())
}
