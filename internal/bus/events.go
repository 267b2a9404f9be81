// Package bus is the in-process, best-effort event fan-out for run and
// stage lifecycle events. Durable state in the Store is authoritative;
// the bus is a convenience for live subscribers, adapted from an SSE
// broadcaster into typed Go channels with per-subscriber backpressure
// instead of string-formatted SSE frames.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates the Event union.
type EventKind string

const (
	KindRunStarted     EventKind = "run_started"
	KindStageStarted   EventKind = "stage_started"
	KindStageLog       EventKind = "stage_log"
	KindStageCompleted EventKind = "stage_completed"
	KindRunCompleted   EventKind = "run_completed"
	KindLagged         EventKind = "lagged"
)

// Event is the tagged union of every lifecycle event the Orchestrator
// emits.
type Event struct {
	Kind EventKind

	RunID      uuid.UUID
	PipelineID uuid.UUID
	Number     int64
	StageName  string
	Status     string
	Error      *string
	StartedAt  time.Time
	FinishedAt time.Time
	Timestamp  time.Time
	Stream     string
	Content    string

	// Dropped is set only when Kind == KindLagged: the number of events
	// this subscriber missed because its buffer was full.
	Dropped int
}

func RunStarted(runID, pipelineID uuid.UUID, number int64, startedAt time.Time) Event {
	return Event{Kind: KindRunStarted, RunID: runID, PipelineID: pipelineID, Number: number, StartedAt: startedAt}
}

func StageStarted(runID uuid.UUID, stageName string, startedAt time.Time) Event {
	return Event{Kind: KindStageStarted, RunID: runID, StageName: stageName, StartedAt: startedAt}
}

func StageLog(runID uuid.UUID, stageName string, timestamp time.Time, stream, content string) Event {
	return Event{Kind: KindStageLog, RunID: runID, StageName: stageName, Timestamp: timestamp, Stream: stream, Content: content}
}

func StageCompleted(runID uuid.UUID, stageName, status string, finishedAt time.Time, errStr *string) Event {
	return Event{Kind: KindStageCompleted, RunID: runID, StageName: stageName, Status: status, FinishedAt: finishedAt, Error: errStr}
}

func RunCompleted(runID uuid.UUID, status string, finishedAt time.Time) Event {
	return Event{Kind: KindRunCompleted, RunID: runID, Status: status, FinishedAt: finishedAt}
}
