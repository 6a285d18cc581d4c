package sync

import (
	"context"
	"fmt"
	"log"
	gosync "sync"
	"time"

	syncerrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/outbox"
	"github.com/fieldsync/fieldsync/pkg/types"
)

// Coordinator drains the outbox when connectivity is available.
// Operations touching the same document are sent strictly in enqueue
// order; up to maxInFlight distinct documents sync concurrently.
type Coordinator struct {
	outbox        *outbox.Outbox
	sender        Sender
	bus           *StatusBus
	backoff       Backoff
	maxInFlight   int
	maxRetries    int
	drainInterval time.Duration

	mu       gosync.Mutex
	online   bool
	inFlight map[string]struct{}

	kick chan struct{}
	wg   gosync.WaitGroup
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(ob *outbox.Outbox, sender Sender, bus *StatusBus, backoff Backoff, maxInFlight, maxRetries int, drainInterval time.Duration) *Coordinator {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Coordinator{
		outbox:        ob,
		sender:        sender,
		bus:           bus,
		backoff:       backoff,
		maxInFlight:   maxInFlight,
		maxRetries:    maxRetries,
		drainInterval: drainInterval,
		inFlight:      make(map[string]struct{}),
		kick:          make(chan struct{}, 1),
	}
}

// SetOnline records a connectivity change. Coming online triggers an
// immediate drain.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	c.mu.Unlock()

	if online && !was {
		log.Printf("sync: connectivity restored, draining outbox")
		c.Kick()
	}
	if !online && was {
		log.Printf("sync: connectivity lost, pausing drain")
	}
}

// Online reports the current connectivity state.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Kick requests a drain pass without waiting for the ticker.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run starts the drain loop and blocks until ctx is cancelled. In-flight
// sends finish their current attempt before Run returns.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return
		case <-ticker.C:
			c.dispatch(ctx)
		case <-c.kick:
			c.dispatch(ctx)
		}
	}
}

// dispatch starts a drain worker for each entity path with queued work,
// up to the in-flight limit.
func (c *Coordinator) dispatch(ctx context.Context) {
	if !c.Online() {
		return
	}

	pending := c.outbox.Pending()
	if len(pending) == 0 {
		return
	}

	// Paths in first-enqueued order.
	seen := make(map[string]struct{})
	var paths []string
	for _, op := range pending {
		if _, ok := seen[op.EntityPath]; ok {
			continue
		}
		seen[op.EntityPath] = struct{}{}
		paths = append(paths, op.EntityPath)
	}

	c.mu.Lock()
	for _, path := range paths {
		if len(c.inFlight) >= c.maxInFlight {
			break
		}
		if _, busy := c.inFlight[path]; busy {
			continue
		}
		if c.outbox.Blocked(path) {
			continue
		}
		c.inFlight[path] = struct{}{}
		c.wg.Add(1)
		go c.drainPath(ctx, path)
	}
	c.mu.Unlock()
}

// drainPath sends queued operations for one entity path in order until
// the path is empty or ctx is cancelled.
func (c *Coordinator) drainPath(ctx context.Context, path string) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, path)
		c.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil || !c.Online() {
			return
		}
		if c.outbox.Blocked(path) {
			// An earlier operation on this path is parked in error.
			// Hold the rest of the path until the user resolves it.
			return
		}

		op := c.nextQueued(path)
		if op == nil {
			if c.outbox.PendingCount() == 0 {
				c.bus.Publish(Event{Type: QueueDrained})
			}
			return
		}

		if !c.sendOne(ctx, op) {
			return
		}
	}
}

// nextQueued returns the oldest queued operation for path, or nil.
func (c *Coordinator) nextQueued(path string) *types.Operation {
	for _, op := range c.outbox.Pending() {
		if op.EntityPath == path {
			return op
		}
	}
	return nil
}

// sendOne attempts delivery of a single operation, retrying transient
// failures with backoff. It returns false if the drain should stop.
func (c *Coordinator) sendOne(ctx context.Context, op *types.Operation) bool {
	if err := c.outbox.MarkSyncing(op.ID); err != nil {
		log.Printf("sync: failed to mark %s syncing: %v", op.ID, err)
		return false
	}
	c.bus.Publish(Event{Type: OpSyncing, OperationID: op.ID, EntityPath: op.EntityPath, RetryCount: op.RetryCount})

	retry := op.RetryCount
	for {
		result, err := c.sender.Send(ctx, op)
		if err == nil {
			if ackErr := c.outbox.MarkSynced(op.ID); ackErr != nil {
				log.Printf("sync: failed to ack %s: %v", op.ID, ackErr)
				return false
			}
			evType := OpSynced
			if result.ConflictFlag {
				evType = OpFlagged
				log.Printf("sync: operation %s on %s flagged for review", op.ID, op.EntityPath)
			}
			c.bus.Publish(Event{Type: evType, OperationID: op.ID, EntityPath: op.EntityPath, Result: result})
			return true
		}

		if ctx.Err() != nil {
			// Cancelled mid-send. Return the operation to the queue so
			// the next run retries it.
			if nackErr := c.outbox.Nack(op.ID, "shutdown during send", false); nackErr != nil {
				log.Printf("sync: failed to requeue %s on shutdown: %v", op.ID, nackErr)
			}
			return false
		}

		if !syncerrors.IsRetryable(err) {
			c.fail(op, err)
			return true
		}

		retry++
		if retry > c.maxRetries {
			c.fail(op, syncerrors.Wrap(syncerrors.ErrCategoryTransport, syncerrors.CodeRetriesExhausted,
				fmt.Sprintf("gave up after %d attempts", retry), err))
			return true
		}

		delay := c.backoff.Delay(retry - 1)
		log.Printf("sync: attempt %d for %s failed (%v), retrying in %s", retry, op.ID, err, delay)
		select {
		case <-ctx.Done():
			if nackErr := c.outbox.Nack(op.ID, "shutdown during backoff", false); nackErr != nil {
				log.Printf("sync: failed to requeue %s on shutdown: %v", op.ID, nackErr)
			}
			return false
		case <-time.After(delay):
		}
	}
}

// fail parks an operation in the error state and publishes the failure.
func (c *Coordinator) fail(op *types.Operation, cause error) {
	log.Printf("sync: operation %s on %s failed terminally: %v", op.ID, op.EntityPath, cause)
	if err := c.outbox.Nack(op.ID, cause.Error(), true); err != nil {
		log.Printf("sync: failed to record terminal failure for %s: %v", op.ID, err)
	}
	c.bus.Publish(Event{Type: OpFailed, OperationID: op.ID, EntityPath: op.EntityPath, Err: cause.Error()})
}
