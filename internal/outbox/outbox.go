package outbox

import (
	"fmt"
	"log"
	"sync"
	"time"

	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/pkg/types"
)

// Outbox is a durable FIFO queue of local write operations awaiting
// synchronization. All mutations are journaled before the in-memory
// state changes, so the queue survives restart and crash.
type Outbox struct {
	journal *journal
	mu      sync.Mutex
	entries map[string]*types.Operation
	order   []string
}

// Open opens the outbox in dir, replaying the journal to rebuild state.
// Operations that were mid-send when the process died are returned to
// queued: a send without a recorded acknowledgment never happened as
// far as the client is concerned.
func Open(dir string, maxSegSize int64) (*Outbox, error) {
	j, err := openJournal(dir, maxSegSize)
	if err != nil {
		return nil, err
	}

	o := &Outbox{
		journal: j,
		entries: make(map[string]*types.Operation),
	}

	records, err := j.readAll()
	if err != nil {
		j.close()
		return nil, err
	}

	for _, rec := range records {
		switch rec.Kind {
		case recordEnqueue:
			if rec.Op == nil {
				continue
			}
			op := *rec.Op
			o.entries[op.ID] = &op
			o.order = append(o.order, op.ID)
		case recordStatus:
			if op, ok := o.entries[rec.OpID]; ok {
				op.Status = rec.Status
				op.RetryCount = rec.RetryCount
				op.LastError = rec.LastError
			}
		case recordRemove:
			o.remove(rec.OpID)
		}
	}

	recovered := 0
	for _, op := range o.entries {
		if op.Status == types.StatusSyncing {
			op.Status = types.StatusQueued
			recovered++
		}
	}
	if recovered > 0 {
		log.Printf("outbox: recovered %d in-flight operations to queued", recovered)
	}

	return o, nil
}

// remove drops id from entries and order. Caller holds o.mu.
func (o *Outbox) remove(id string) {
	if _, ok := o.entries[id]; !ok {
		return
	}
	delete(o.entries, id)
	for i, oid := range o.order {
		if oid == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// Enqueue appends an operation to the queue. A delete operation for a
// document whose create is still queued cancels both: the document
// never existed from the backend's point of view.
func (o *Outbox) Enqueue(op *types.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if op.Type == types.OpDelete {
		if ids, ok := o.unsyncedCreateChain(op.EntityPath); ok {
			for _, id := range ids {
				if err := o.journal.append(&logRecord{
					Kind:      recordRemove,
					OpID:      id,
					Timestamp: time.Now().UnixNano(),
				}); err != nil {
					return fmt.Errorf("outbox: failed to journal coalesce: %w", err)
				}
				o.remove(id)
			}
			log.Printf("outbox: coalesced delete against %d unsynced operations for %s", len(ids), op.EntityPath)
			return nil
		}
	}

	op.Status = types.StatusQueued
	if err := o.journal.append(&logRecord{
		Kind:      recordEnqueue,
		Op:        op,
		Timestamp: time.Now().UnixNano(),
	}); err != nil {
		return fmt.Errorf("outbox: failed to journal enqueue: %w", err)
	}

	stored := *op
	o.entries[op.ID] = &stored
	o.order = append(o.order, op.ID)

	return nil
}

// unsyncedCreateChain returns the queued create for path together with
// every queued update on it. A delete may only coalesce while the
// create itself has never been sent; once it is in flight or synced
// the delete must travel to the backend. Caller holds o.mu.
func (o *Outbox) unsyncedCreateChain(path string) ([]string, bool) {
	var ids []string
	haveCreate := false
	for _, id := range o.order {
		op := o.entries[id]
		if op.EntityPath != path || op.Status != types.StatusQueued {
			continue
		}
		switch op.Type {
		case types.OpCreate:
			haveCreate = true
			ids = append(ids, id)
		case types.OpUpdate:
			ids = append(ids, id)
		}
	}
	if !haveCreate {
		return nil, false
	}
	return ids, true
}

// transition journals and applies a status change, enforcing the
// operation state machine.
func (o *Outbox) transition(id string, to types.OpStatus, lastError string, bumpRetry bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.entries[id]
	if !ok {
		return syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("unknown operation %s", id))
	}

	if !op.Status.CanTransition(to) {
		return syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("invalid transition %s -> %s for operation %s", op.Status, to, id))
	}

	retry := op.RetryCount
	if bumpRetry {
		retry++
	}

	if err := o.journal.append(&logRecord{
		Kind:       recordStatus,
		OpID:       id,
		Status:     to,
		RetryCount: retry,
		LastError:  lastError,
		Timestamp:  time.Now().UnixNano(),
	}); err != nil {
		return fmt.Errorf("outbox: failed to journal status: %w", err)
	}

	op.Status = to
	op.RetryCount = retry
	op.LastError = lastError

	return nil
}

// MarkSyncing moves a queued operation to syncing before a send attempt.
func (o *Outbox) MarkSyncing(id string) error {
	return o.transition(id, types.StatusSyncing, "", false)
}

// MarkSynced acknowledges a successful send and removes the operation.
func (o *Outbox) MarkSynced(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.entries[id]
	if !ok {
		return syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("unknown operation %s", id))
	}
	if !op.Status.CanTransition(types.StatusSynced) {
		return syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("invalid transition %s -> synced for operation %s", op.Status, id))
	}

	if err := o.journal.append(&logRecord{
		Kind:      recordRemove,
		OpID:      id,
		Timestamp: time.Now().UnixNano(),
	}); err != nil {
		return fmt.Errorf("outbox: failed to journal ack: %w", err)
	}

	o.remove(id)
	return nil
}

// Nack records a failed send attempt. Transient failures return the
// operation to queued with an incremented retry count; terminal
// failures park it in error until a manual requeue.
func (o *Outbox) Nack(id string, cause string, terminal bool) error {
	if terminal {
		return o.transition(id, types.StatusError, cause, false)
	}
	return o.transition(id, types.StatusQueued, cause, true)
}

// Requeue returns an errored operation to queued with a reset retry
// count. This is the only path out of the error state.
func (o *Outbox) Requeue(id string) error {
	o.mu.Lock()
	op, ok := o.entries[id]
	if ok && op.Status == types.StatusError {
		op.RetryCount = 0
	}
	o.mu.Unlock()
	if !ok {
		return syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("unknown operation %s", id))
	}
	return o.transition(id, types.StatusQueued, "", false)
}

// Cancel removes a queued operation that has never been sent, or
// discards one parked in the error state.
func (o *Outbox) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.entries[id]
	if !ok {
		return syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("unknown operation %s", id))
	}
	if op.Status != types.StatusQueued && op.Status != types.StatusError {
		return syncerrors.NewValidationError(syncerrors.CodeInvalidOperation,
			fmt.Sprintf("cannot cancel operation %s in status %s", id, op.Status))
	}

	if err := o.journal.append(&logRecord{
		Kind:      recordRemove,
		OpID:      id,
		Timestamp: time.Now().UnixNano(),
	}); err != nil {
		return fmt.Errorf("outbox: failed to journal cancel: %w", err)
	}

	o.remove(id)
	return nil
}

// Pending returns all queued operations in enqueue order.
func (o *Outbox) Pending() []*types.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*types.Operation
	for _, id := range o.order {
		op := o.entries[id]
		if op.Status == types.StatusQueued {
			copied := *op
			out = append(out, &copied)
		}
	}
	return out
}

// Blocked reports whether path has an operation parked in the error
// state. Queued operations behind it wait until the user requeues or
// cancels it, so edits to a document never land out of order.
func (o *Outbox) Blocked(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range o.order {
		op := o.entries[id]
		if op.EntityPath == path && op.Status == types.StatusError {
			return true
		}
	}
	return false
}

// Get returns a copy of the operation with the given ID.
func (o *Outbox) Get(id string) (*types.Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.entries[id]
	if !ok {
		return nil, false
	}
	copied := *op
	return &copied, true
}

// Len returns the number of operations in the outbox, any status.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// PendingCount returns the number of queued operations.
func (o *Outbox) PendingCount() int {
	return len(o.Pending())
}

// Compact rewrites the journal to contain only live entries. Useful
// after a long drain has left the log full of acknowledged work.
func (o *Outbox) Compact() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	live := make([]*types.Operation, 0, len(o.order))
	for _, id := range o.order {
		live = append(live, o.entries[id])
	}

	return o.journal.compact(live)
}

// Close fsyncs and closes the journal.
func (o *Outbox) Close() error {
	return o.journal.close()
}
