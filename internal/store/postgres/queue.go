package postgres

import (
	"context"
	"time"

	"buildit/internal/store"

	"github.com/google/uuid"
)

// Enqueue appends a pending job_queue row for (runID, stageName).
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, stageName string, priority int) (int64, error) {
	executor := s.getExecutor(tx)

	var id int64
	err := executor.QueryRowContext(ctx, `
		INSERT INTO job_queue (run_id, stage_name, priority, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, runID, stageName, priority, store.QueueStatusPending).Scan(&id)
	return id, err
}

// Claim selects one pending row ordered by priority DESC, created_at ASC,
// locking it with SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers
// never contend on the same row, then marks it running.
func (s *Store) Claim(ctx context.Context, workerID string) (*store.JobQueueEntry, error) {
	var entry store.JobQueueEntry

	err := s.WithTx(ctx, func(tx store.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, run_id, stage_name, priority, status, claimed_by, claimed_at, error, created_at
			FROM job_queue
			WHERE status = $1
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`, store.QueueStatusPending)

		if err := row.Scan(&entry.ID, &entry.RunID, &entry.StageName, &entry.Priority, &entry.Status,
			&entry.ClaimedBy, &entry.ClaimedAt, &entry.Error, &entry.CreatedAt); err != nil {
			return mapNoRows(err)
		}

		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			UPDATE job_queue SET status = $1, claimed_at = $2, claimed_by = $3 WHERE id = $4
		`, store.QueueStatusRunning, now, workerID, entry.ID)
		if err != nil {
			return err
		}

		entry.Status = store.QueueStatusRunning
		entry.ClaimedAt = &now
		entry.ClaimedBy = &workerID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Complete marks a queue entry completed.
func (s *Store) Complete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_queue SET status = $1 WHERE id = $2`, store.QueueStatusCompleted, id)
	return err
}

// Fail marks a queue entry failed and records the error.
func (s *Store) Fail(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_queue SET status = $1, error = $2 WHERE id = $3`, store.QueueStatusFailed, errMsg, id)
	return err
}

// Retry resets a queue entry to pending, clearing its lease fields.
func (s *Store) Retry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET status = $1, claimed_by = NULL, claimed_at = NULL, error = NULL WHERE id = $2
	`, store.QueueStatusPending, id)
	return err
}

// ReapStalled resets every running row whose claimed_at predates cutoff
// back to pending, clearing its lease and counting the attempt. This
// converts the at-most-once claim into at-least-once at the reaper's
// boundary; stage execution above the queue must tolerate the re-dispatch.
// A row whose attempts reaches maxAttempts is left in status failed
// instead, for the caller to move into the DLQ.
func (s *Store) ReapStalled(ctx context.Context, cutoff time.Time, maxAttempts int) ([]store.JobQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE job_queue
		SET attempts = attempts + 1,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END
		WHERE status = $4 AND claimed_at < $5
		RETURNING id, run_id, stage_name, priority, status, error, created_at, attempts
	`, maxAttempts, store.QueueStatusFailed, store.QueueStatusPending, store.QueueStatusRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.JobQueueEntry
	for rows.Next() {
		var e store.JobQueueEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.StageName, &e.Priority, &e.Status, &e.Error, &e.CreatedAt, &e.Attempts); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of queue rows in a given status, used to feed
// the backlog-depth observable gauge.
func (s *Store) Count(ctx context.Context, status store.QueueStatus) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_queue WHERE status = $1`, status).Scan(&count)
	return count, err
}

// ListDLQ returns dead-lettered queue entries, most recently failed first.
func (s *Store) ListDLQ(ctx context.Context, limit, offset int) ([]store.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, stage_name, priority, error_message, attempts, failed_at
		FROM job_queue_dlq ORDER BY failed_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.DLQEntry
	for rows.Next() {
		var e store.DLQEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.StageName, &e.Priority, &e.ErrorMessage, &e.Attempts, &e.FailedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MoveToDLQ copies a permanently-failed queue row into job_queue_dlq and
// removes it from job_queue, once the reaper's re-queue budget for that
// row is exhausted.
func (s *Store) MoveToDLQ(ctx context.Context, id int64, attempts int) error {
	return s.WithTx(ctx, func(tx store.Tx) error {
		var entry store.JobQueueEntry
		err := tx.QueryRowContext(ctx, `
			SELECT run_id, stage_name, priority, error FROM job_queue WHERE id = $1
		`, id).Scan(&entry.RunID, &entry.StageName, &entry.Priority, &entry.Error)
		if err != nil {
			return mapNoRows(err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_queue_dlq (run_id, stage_name, priority, error_message, attempts)
			VALUES ($1, $2, $3, $4, $5)
		`, entry.RunID, entry.StageName, entry.Priority, entry.Error, attempts)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM job_queue WHERE id = $1`, id)
		return err
	})
}

// RetryFromDLQ re-enqueues a dead-lettered stage attempt against its
// existing run and removes it from the DLQ, returning the run id and stage
// name so the caller can decide whether this warrants a fresh Run (that
// policy is caller-level, not enforced by the queue).
func (s *Store) RetryFromDLQ(ctx context.Context, dlqID int64) (uuid.UUID, string, error) {
	var runID uuid.UUID
	var stageName string

	err := s.WithTx(ctx, func(tx store.Tx) error {
		var priority int
		err := tx.QueryRowContext(ctx, `
			SELECT run_id, stage_name, priority FROM job_queue_dlq WHERE id = $1
		`, dlqID).Scan(&runID, &stageName, &priority)
		if err != nil {
			return mapNoRows(err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_queue (run_id, stage_name, priority, status)
			VALUES ($1, $2, $3, $4)
		`, runID, stageName, priority, store.QueueStatusPending)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM job_queue_dlq WHERE id = $1`, dlqID)
		return err
	})
	if err != nil {
		return uuid.Nil, "", err
	}
	return runID, stageName, nil
}
