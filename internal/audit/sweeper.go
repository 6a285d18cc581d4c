package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Sweeper deletes audit records past the retention horizon in bounded
// batches. Each batch is its own transaction keyed purely on ttl_expiry,
// so an interrupted sweep resumes on the next run without skipping or
// double-processing anything.
type Sweeper struct {
	db        *sql.DB
	batchSize int
	interval  time.Duration

	now func() time.Time
}

// NewSweeper creates a sweeper on the store's write connection.
func NewSweeper(db *sql.DB, batchSize int, interval time.Duration) *Sweeper {
	if batchSize < 1 {
		batchSize = 500
	}
	return &Sweeper{
		db:        db,
		batchSize: batchSize,
		interval:  interval,
		now:       time.Now,
	}
}

// Run starts the periodic sweep loop.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.SweepOnce(ctx)
			if err != nil {
				log.Printf("audit sweep: error during sweep: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("audit sweep: removed %d expired records", deleted)
			}
		}
	}
}

// SweepOnce deletes all currently expired records in batches and
// returns the total deleted. Safe to call concurrently with writes and
// safe to interrupt between batches.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UnixNano()

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := s.sweepBatch(ctx, cutoff)
		if err != nil {
			return total, err
		}
		total += n
		if n < s.batchSize {
			return total, nil
		}
	}
}

func (s *Sweeper) sweepBatch(ctx context.Context, cutoff int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_records WHERE id IN (
		   SELECT id FROM audit_records WHERE ttl_expiry <= ? ORDER BY ttl_expiry LIMIT ?
		 )`,
		cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("audit: failed to delete expired batch: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: failed to count deleted rows: %w", err)
	}
	return int(n), nil
}
