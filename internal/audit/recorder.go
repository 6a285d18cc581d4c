package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Recorder drains pending audit events into the immutable audit_records
// table. Events are produced transactionally by the write path, so the
// recorder can fail and retry without ever losing a record or blocking
// a user-visible mutation.
type Recorder struct {
	db            *sql.DB
	retention     time.Duration
	drainInterval time.Duration
	batchSize     int
}

// NewRecorder creates a recorder on the store's write connection.
func NewRecorder(db *sql.DB, retention, drainInterval time.Duration, batchSize int) *Recorder {
	if batchSize < 1 {
		batchSize = 100
	}
	return &Recorder{
		db:            db,
		retention:     retention,
		drainInterval: drainInterval,
		batchSize:     batchSize,
	}
}

// Run starts the drain loop. On shutdown it performs a final drain so
// committed mutations recorded just before the stop signal still get
// their audit records.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := r.DrainOnce(context.Background()); err != nil {
				log.Printf("audit recorder: final drain failed: %v", err)
			}
			return
		case <-ticker.C:
			if _, err := r.DrainOnce(ctx); err != nil {
				// Retried on the next tick; the pending rows are durable.
				log.Printf("audit recorder: drain failed: %v", err)
			}
		}
	}
}

// pendingEvent mirrors one audit_pending row.
type pendingEvent struct {
	id         int64
	tenantID   string
	operation  string
	collection string
	documentID string
	actorID    string
	before     []byte
	after      []byte
	createdAt  int64
	attempts   int
}

// DrainOnce moves up to one batch of pending events into audit_records.
// Returns the number of events drained.
func (r *Recorder) DrainOnce(ctx context.Context) (int, error) {
	events, err := r.readPending(ctx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	drained, err := r.drainBatch(ctx, events)
	if err != nil {
		// The transaction is rolled back by now, so the attempt bump
		// can take the single write connection.
		r.markFailed(ctx, events)
		return 0, err
	}
	return drained, nil
}

func (r *Recorder) drainBatch(ctx context.Context, events []pendingEvent) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("audit: failed to begin drain transaction: %w", err)
	}
	defer tx.Rollback()

	drained := 0
	for _, ev := range events {
		expiry := time.Unix(0, ev.createdAt).Add(r.retention).UnixNano()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO audit_records (tenant_id, operation, collection, document_id, actor_id,
			                            before_snapshot, after_snapshot, recorded_at, ttl_expiry)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.tenantID, ev.operation, ev.collection, ev.documentID, ev.actorID,
			ev.before, ev.after, ev.createdAt, expiry)
		if err != nil {
			return 0, fmt.Errorf("audit: failed to insert record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit_pending WHERE id = ?`, ev.id); err != nil {
			return 0, fmt.Errorf("audit: failed to remove pending event: %w", err)
		}
		drained++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("audit: failed to commit drain: %w", err)
	}

	return drained, nil
}

func (r *Recorder) readPending(ctx context.Context) ([]pendingEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, tenant_id, operation, collection, document_id, actor_id,
		        before_snapshot, after_snapshot, created_at, attempts
		 FROM audit_pending ORDER BY created_at, id LIMIT ?`, r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to read pending events: %w", err)
	}
	defer rows.Close()

	var events []pendingEvent
	for rows.Next() {
		var ev pendingEvent
		if err := rows.Scan(&ev.id, &ev.tenantID, &ev.operation, &ev.collection, &ev.documentID,
			&ev.actorID, &ev.before, &ev.after, &ev.createdAt, &ev.attempts); err != nil {
			return nil, fmt.Errorf("audit: failed to scan pending event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// markFailed bumps the attempt counter so operators can spot events
// that keep failing to drain.
func (r *Recorder) markFailed(ctx context.Context, events []pendingEvent) {
	for _, ev := range events {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE audit_pending SET attempts = attempts + 1 WHERE id = ?`, ev.id); err != nil {
			log.Printf("audit recorder: failed to bump attempts for event %d: %v", ev.id, err)
		}
		if ev.attempts >= 4 {
			log.Printf("audit recorder: event %d (%s %s/%s) has failed %d drain attempts",
				ev.id, ev.operation, ev.collection, ev.documentID, ev.attempts+1)
		}
	}
}

// PendingCount returns the number of undrained audit events.
func (r *Recorder) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_pending`).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: failed to count pending events: %w", err)
	}
	return n, nil
}
