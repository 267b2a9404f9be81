// Package store contains the database layer for buildit.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Pipeline is a named, versioned DAG of stages owned by a tenant.
type Pipeline struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	Config    json.RawMessage // full stage list, see Stage
	CreatedAt time.Time
}

// Stage is one node in a pipeline's DAG.
type Stage struct {
	PipelineID uuid.UUID
	Name       string
	Image      string
	Commands   []string
	DependsOn  []string
	Env        map[string]string
	Timeout    time.Duration
}

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status can no longer transition.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Run is one execution of a pipeline.
type Run struct {
	ID          uuid.UUID
	PipelineID  uuid.UUID
	Number      int64
	Status      RunStatus
	TriggerInfo json.RawMessage
	GitInfo     json.RawMessage
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// StageStatus is the lifecycle status of one StageResult.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusCancelled StageStatus = "cancelled"
)

// Terminal reports whether the status can no longer transition.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageStatusSucceeded, StageStatusFailed, StageStatusSkipped, StageStatusCancelled:
		return true
	default:
		return false
	}
}

// StageResult is the execution record for one stage within one run.
type StageResult struct {
	RunID      uuid.UUID
	StageName  string
	Status     StageStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      *string
}

// QueueStatus is the lifecycle status of a JobQueueEntry.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusRunning   QueueStatus = "running"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
)

// JobQueueEntry represents one attempt to run a stage, leased by a worker.
type JobQueueEntry struct {
	ID        int64
	RunID     uuid.UUID
	StageName string
	Priority  int
	Status    QueueStatus
	ClaimedBy *string
	ClaimedAt *time.Time
	Error     *string
	CreatedAt time.Time
	// Attempts counts how many times the reaper has reclaimed this row
	// after a stalled lease. It is incremented by ReapStalled, not Claim.
	Attempts int
}

// LogStream identifies which output stream a LogLine came from.
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
)

// LogLine is one append-only line of stage output.
type LogLine struct {
	RunID     uuid.UUID
	StageName string
	Timestamp time.Time
	Stream    LogStream
	Content   string
}

// DLQEntry is a permanently-failed queue entry retained for manual replay.
type DLQEntry struct {
	ID           int64
	RunID        uuid.UUID
	StageName    string
	Priority     int
	ErrorMessage *string
	Attempts     int
	FailedAt     time.Time
}
