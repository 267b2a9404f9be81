package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows repository methods to accept either a connection pool or an
// active transaction.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is a DBTransaction that can be committed or rolled back.
type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// PipelineStore handles pipeline and stage-definition persistence, and
// doubles as the "pipeline source" external interface the core consumes:
// a read operation returning a Pipeline plus its ordered stage list by
// pipeline id.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, tx DBTransaction, pipeline *Pipeline, stages []Stage) error
	GetPipelineByID(ctx context.Context, id uuid.UUID) (*Pipeline, []Stage, error)
}

// RunStore handles run and stage-result persistence.
type RunStore interface {
	// CreateRun assigns the next monotonic run number for pipelineID and
	// inserts the Run row plus one pending StageResult per stage name,
	// all within a single transaction.
	CreateRun(ctx context.Context, run *Run, stageNames []string) error
	GetRunByID(ctx context.Context, id uuid.UUID) (*Run, []StageResult, error)
	ListRuns(ctx context.Context, pipelineID uuid.UUID, limit int) ([]Run, error)

	// UpdateRunStatus transitions a run's status and stamps started_at /
	// finished_at as appropriate. It is a no-op if the run is already
	// terminal (idempotent cancel, spec testable property 7).
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status RunStatus, at time.Time) error

	// UpsertStageResult writes a stage's transition (running / terminal),
	// stamping started_at / finished_at and error as appropriate.
	UpsertStageResult(ctx context.Context, tx DBTransaction, result *StageResult) error
}

// QueueStore is the lease-based job queue backed by a table in the Store.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics for
// Claim.
type QueueStore interface {
	// Enqueue appends a pending entry for (runID, stageName). Callers must
	// not enqueue the same (runID, stageName) twice; no deduplication is
	// performed.
	Enqueue(ctx context.Context, tx DBTransaction, runID uuid.UUID, stageName string, priority int) (int64, error)

	// Claim atomically selects and locks the oldest highest-priority
	// pending row, marks it running, and returns it. Returns ErrNotFound
	// if the queue is empty.
	Claim(ctx context.Context, workerID string) (*JobQueueEntry, error)

	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errMsg string) error
	Retry(ctx context.Context, id int64) error

	// ReapStalled resets every running row whose claimed_at predates the
	// cutoff back to pending, clearing claimed_by/claimed_at and
	// incrementing attempts. A row whose incremented attempts reaches
	// maxAttempts is marked failed instead of pending, leaving it for the
	// caller to move into the DLQ. Returns every row reaped, in whichever
	// of the two states it ended up in.
	ReapStalled(ctx context.Context, cutoff time.Time, maxAttempts int) ([]JobQueueEntry, error)

	Count(ctx context.Context, status QueueStatus) (int64, error)

	ListDLQ(ctx context.Context, limit, offset int) ([]DLQEntry, error)
	MoveToDLQ(ctx context.Context, id int64, attempts int) error
	RetryFromDLQ(ctx context.Context, dlqID int64) (uuid.UUID, string, error)
}

// LogStore is the append-only log line repository.
type LogStore interface {
	AppendLogLine(ctx context.Context, line LogLine) error
	GetLogLines(ctx context.Context, runID uuid.UUID, stageName string, afterTimestamp time.Time) ([]LogLine, error)
}

// Store is the full repository surface the engine and orchestrator depend
// on. The postgres package provides the only production implementation;
// tests substitute in-memory fakes.
type Store interface {
	PipelineStore
	RunStore
	QueueStore
	LogStore

	// WithTx runs fn inside a single transaction, committing on success
	// and rolling back on error or panic. Used for multi-statement mutations
	// (create-run-plus-stage-results, queue claim, DLQ moves).
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
