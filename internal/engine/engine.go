// Package engine is the Go-level facade for triggering, cancelling, and
// inspecting runs. It exposes those operations as plain method calls
// rather than HTTP handlers, since BuildIt has no tenant-facing transport
// of its own; a coordinator process wires this facade directly.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"buildit/internal/bus"
	"buildit/internal/orchestrator"
	"buildit/internal/store"

	"github.com/google/uuid"
)

// ErrPipelineHasNoStages guards against triggering a run against a
// pipeline definition with an empty stage list.
var ErrPipelineHasNoStages = errors.New("engine: pipeline has no stages")

// Engine owns run lifecycle: trigger, cancel, and the read paths the rest
// of the system (a CLI, a UI, an operator) uses to observe it.
type Engine struct {
	store    store.Store
	bus      *bus.Bus
	contexts *orchestrator.RunContexts
	orch     *orchestrator.Orchestrator
	logger   *slog.Logger
}

// New wires an Engine over the given Store and Bus, sharing the same
// RunContexts registry the Dispatcher uses to derive stage exec contexts.
func New(st store.Store, b *bus.Bus, contexts *orchestrator.RunContexts, clock orchestrator.Clock, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		bus:      b,
		contexts: contexts,
		orch:     orchestrator.New(st, b, contexts, clock, logger),
		logger:   logger,
	}
}

// TriggerRun persists a new Run against pipelineID with the next
// monotonic run number and hands it to the Orchestrator, which drives it
// to completion in its own goroutine. It returns as soon as the Run row
// exists; the caller does not wait for the run to finish.
func (e *Engine) TriggerRun(ctx context.Context, pipelineID uuid.UUID, triggerInfo, gitInfo json.RawMessage) (uuid.UUID, error) {
	_, stages, err := e.store.GetPipelineByID(ctx, pipelineID)
	if err != nil {
		return uuid.Nil, err
	}
	if len(stages) == 0 {
		return uuid.Nil, ErrPipelineHasNoStages
	}

	stageNames := make([]string, len(stages))
	for i, s := range stages {
		stageNames[i] = s.Name
	}

	run := &store.Run{
		ID:          uuid.New(),
		PipelineID:  pipelineID,
		Status:      store.RunStatusQueued,
		TriggerInfo: triggerInfo,
		GitInfo:     gitInfo,
	}
	if err := e.store.CreateRun(ctx, run, stageNames); err != nil {
		return uuid.Nil, err
	}

	// Drive outlives the caller's request context by design: a triggered
	// run must keep running after trigger_run returns.
	go e.orch.Drive(context.Background(), run.ID)

	return run.ID, nil
}

// CancelRun requests cancellation of an in-flight run. It is idempotent:
// a run that is already terminal, or has no live Orchestrator registered
// for it in this process, is a no-op rather than an error.
func (e *Engine) CancelRun(ctx context.Context, runID uuid.UUID) error {
	run, _, err := e.store.GetRunByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	e.contexts.Cancel(runID)
	return nil
}

// GetRun returns a run and its per-stage results.
func (e *Engine) GetRun(ctx context.Context, runID uuid.UUID) (*store.Run, []store.StageResult, error) {
	return e.store.GetRunByID(ctx, runID)
}

// ListRuns returns the most recent runs of a pipeline, newest first.
func (e *Engine) ListRuns(ctx context.Context, pipelineID uuid.UUID, limit int) ([]store.Run, error) {
	return e.store.ListRuns(ctx, pipelineID, limit)
}

// Subscribe returns a live event feed for runID. Callers must call
// Unsubscribe when done.
func (e *Engine) Subscribe(runID uuid.UUID) *bus.Subscription {
	return e.bus.Subscribe(runID)
}

// Logs returns log lines for one stage of a run, in append order,
// restartable from a timestamp (a subscriber that reconnects passes the
// timestamp of the last line it saw).
func (e *Engine) Logs(ctx context.Context, runID uuid.UUID, stageName string, after time.Time) ([]store.LogLine, error) {
	return e.store.GetLogLines(ctx, runID, stageName, after)
}

// ListDLQ returns dead-lettered stage attempts, most recently failed first.
// The core never auto-retries a failed queue row within the same run;
// this and RetryFromDLQ are the only ways one comes back to life.
func (e *Engine) ListDLQ(ctx context.Context, limit, offset int) ([]store.DLQEntry, error) {
	return e.store.ListDLQ(ctx, limit, offset)
}

// RetryFromDLQ re-enqueues a dead-lettered stage attempt into its
// existing run's queue and removes it from the DLQ, returning the run id
// and stage name so the caller can act on it (e.g. subscribe for the
// re-run's events). This is a manual, operator-invoked path.
func (e *Engine) RetryFromDLQ(ctx context.Context, dlqID int64) (uuid.UUID, string, error) {
	return e.store.RetryFromDLQ(ctx, dlqID)
}
