package postgres

import (
	"context"
	"errors"
	"time"

	"buildit/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// maxRunNumberRetries bounds the create_run retry loop that resolves races
// on the (pipeline_id, number) uniqueness constraint.
const maxRunNumberRetries = 5

// CreateRun computes next_number := MAX(number)+1 for the pipeline and
// inserts the Run plus one pending StageResult per stage name, all inside
// one transaction. The (pipeline_id, number) uniqueness constraint forces
// serialization between concurrent triggers of the same pipeline; on a
// unique-violation the whole attempt is retried.
func (s *Store) CreateRun(ctx context.Context, run *store.Run, stageNames []string) error {
	for attempt := 0; attempt < maxRunNumberRetries; attempt++ {
		err := s.WithTx(ctx, func(tx store.Tx) error {
			var next int64
			err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(number), 0) + 1 FROM runs WHERE pipeline_id = $1`,
				run.PipelineID,
			).Scan(&next)
			if err != nil {
				return err
			}
			run.Number = next

			_, err = tx.ExecContext(ctx, `
				INSERT INTO runs (id, pipeline_id, number, status, trigger_info, git_info, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, run.ID, run.PipelineID, run.Number, run.Status, run.TriggerInfo, run.GitInfo, run.CreatedAt)
			if err != nil {
				return err
			}

			for _, name := range stageNames {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO stage_results (run_id, stage_name, status)
					VALUES ($1, $2, $3)
				`, run.ID, name, store.StageStatusPending)
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if isUniqueViolation(err) {
			continue
		}
		return err
	}
	return &store.TransientError{Op: "create_run", Err: errors.New("run number allocation contended after retries")}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// GetRunByID returns a Run and every StageResult recorded for it.
func (s *Store) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, []store.StageResult, error) {
	var r store.Run
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, number, status, trigger_info, git_info, created_at, started_at, finished_at
		FROM runs WHERE id = $1
	`, id).Scan(&r.ID, &r.PipelineID, &r.Number, &r.Status, &r.TriggerInfo, &r.GitInfo, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, nil, mapNoRows(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, stage_name, status, started_at, finished_at, error
		FROM stage_results WHERE run_id = $1 ORDER BY stage_name ASC
	`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var results []store.StageResult
	for rows.Next() {
		var sr store.StageResult
		if err := rows.Scan(&sr.RunID, &sr.StageName, &sr.Status, &sr.StartedAt, &sr.FinishedAt, &sr.Error); err != nil {
			return nil, nil, err
		}
		results = append(results, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return &r, results, nil
}

// ListRuns returns the most recent runs of a pipeline, newest first by
// number.
func (s *Store) ListRuns(ctx context.Context, pipelineID uuid.UUID, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, number, status, trigger_info, git_info, created_at, started_at, finished_at
		FROM runs WHERE pipeline_id = $1 ORDER BY number DESC LIMIT $2
	`, pipelineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var r store.Run
		if err := rows.Scan(&r.ID, &r.PipelineID, &r.Number, &r.Status, &r.TriggerInfo, &r.GitInfo, &r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus transitions a run's status, stamping started_at on the
// first transition into running and finished_at on any transition into a
// terminal status. It is a no-op if the run is already terminal, making
// cancel_run idempotent.
func (s *Store) UpdateRunStatus(ctx context.Context, id uuid.UUID, status store.RunStatus, at time.Time) error {
	var query string
	switch {
	case status == store.RunStatusRunning:
		query = `UPDATE runs SET status = $1, started_at = COALESCE(started_at, $2) WHERE id = $3 AND status NOT IN ('succeeded','failed','cancelled')`
	case store.RunStatus(status).Terminal():
		query = `UPDATE runs SET status = $1, finished_at = $2 WHERE id = $3 AND status NOT IN ('succeeded','failed','cancelled')`
	default:
		query = `UPDATE runs SET status = $1 WHERE id = $3 AND status NOT IN ('succeeded','failed','cancelled')`
	}
	_, err := s.db.ExecContext(ctx, query, status, at, id)
	return err
}

// UpsertStageResult writes a stage's transition, stamping started_at on
// entry to running and finished_at/error on entry to a terminal status.
func (s *Store) UpsertStageResult(ctx context.Context, tx store.DBTransaction, result *store.StageResult) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		INSERT INTO stage_results (run_id, stage_name, status, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, stage_name) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = COALESCE(stage_results.started_at, EXCLUDED.started_at),
			finished_at = EXCLUDED.finished_at,
			error = EXCLUDED.error
	`, result.RunID, result.StageName, result.Status, result.StartedAt, result.FinishedAt, result.Error)
	return err
}
