package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"buildit/internal/bus"
	"buildit/internal/store"

	"github.com/google/uuid"
)

// fakeStore is a minimal in-memory store.Store, using a hand-rolled
// call-tracking mock rather than a database fixture.
type fakeStore struct {
	mu sync.Mutex

	pipeline store.Pipeline
	stages   []store.Stage

	run     store.Run
	results map[string]store.StageResult

	enqueued []store.JobQueueEntry
}

func newFakeStore(stages []store.Stage, run store.Run) *fakeStore {
	results := make(map[string]store.StageResult, len(stages))
	for _, s := range stages {
		results[s.Name] = store.StageResult{RunID: run.ID, StageName: s.Name, Status: store.StageStatusPending}
	}
	return &fakeStore{stages: stages, run: run, results: results}
}

func (f *fakeStore) CreatePipeline(ctx context.Context, tx store.DBTransaction, p *store.Pipeline, stages []store.Stage) error {
	return nil
}

func (f *fakeStore) GetPipelineByID(ctx context.Context, id uuid.UUID) (*store.Pipeline, []store.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &f.pipeline, f.stages, nil
}

func (f *fakeStore) CreateRun(ctx context.Context, run *store.Run, stageNames []string) error { return nil }

func (f *fakeStore) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, []store.StageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []store.StageResult
	for _, s := range f.stages {
		results = append(results, f.results[s.Name])
	}
	run := f.run
	return &run, results, nil
}

func (f *fakeStore) ListRuns(ctx context.Context, pipelineID uuid.UUID, limit int) ([]store.Run, error) {
	return nil, nil
}

func (f *fakeStore) UpdateRunStatus(ctx context.Context, id uuid.UUID, status store.RunStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run.Status = status
	return nil
}

func (f *fakeStore) UpsertStageResult(ctx context.Context, tx store.DBTransaction, result *store.StageResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[result.StageName] = *result
	return nil
}

func (f *fakeStore) Enqueue(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, stageName string, priority int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, store.JobQueueEntry{RunID: runID, StageName: stageName, Priority: priority})
	return int64(len(f.enqueued)), nil
}

func (f *fakeStore) Claim(ctx context.Context, workerID string) (*store.JobQueueEntry, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) Complete(ctx context.Context, id int64) error                       { return nil }
func (f *fakeStore) Fail(ctx context.Context, id int64, errMsg string) error            { return nil }
func (f *fakeStore) Retry(ctx context.Context, id int64) error                          { return nil }
func (f *fakeStore) ReapStalled(ctx context.Context, cutoff time.Time, maxAttempts int) ([]store.JobQueueEntry, error) {
	return nil, nil
}
func (f *fakeStore) Count(ctx context.Context, status store.QueueStatus) (int64, error) { return 0, nil }
func (f *fakeStore) ListDLQ(ctx context.Context, limit, offset int) ([]store.DLQEntry, error) {
	return nil, nil
}
func (f *fakeStore) MoveToDLQ(ctx context.Context, id int64, attempts int) error { return nil }
func (f *fakeStore) RetryFromDLQ(ctx context.Context, dlqID int64) (uuid.UUID, string, error) {
	return uuid.Nil, "", nil
}

func (f *fakeStore) AppendLogLine(ctx context.Context, line store.LogLine) error { return nil }
func (f *fakeStore) GetLogLines(ctx context.Context, runID uuid.UUID, stageName string, after time.Time) ([]store.LogLine, error) {
	return nil, nil
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) resultOf(name string) store.StageResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[name]
}

func (f *fakeStore) runStatus() store.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run.Status
}

// driveStages simulates Dispatcher settling each stage as it is enqueued:
// as soon as a stage appears in the fake store's queue, this goroutine publishes
// its StageCompleted outcome according to outcomes, standing in for the
// real claim/spawn/wait pipeline the orchestrator package's dispatcher.go
// performs against a live Backend.
func driveStages(t *testing.T, fs *fakeStore, b *bus.Bus, runID uuid.UUID, outcomes map[string]store.StageStatus, seen map[string]bool, mu *sync.Mutex, stop <-chan struct{}) {
	t.Helper()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			mu.Lock()
			fs.mu.Lock()
			pending := append([]store.JobQueueEntry(nil), fs.enqueued...)
			fs.mu.Unlock()
			for _, e := range pending {
				if seen[e.StageName] {
					continue
				}
				seen[e.StageName] = true
				status := outcomes[e.StageName]
				if status == "" {
					status = store.StageStatusSucceeded
				}
				finishedAt := time.Now()
				var errPtr *string
				if status != store.StageStatusSucceeded {
					msg := "boom"
					errPtr = &msg
				}
				b.Publish(bus.StageCompleted(runID, e.StageName, string(status), finishedAt, errPtr))
			}
			mu.Unlock()
		}
	}
}

func TestDrive_LinearPipelineSucceeds(t *testing.T) {
	runID, pipelineID := uuid.New(), uuid.New()
	stages := []store.Stage{
		{PipelineID: pipelineID, Name: "checkout", Image: "alpine"},
		{PipelineID: pipelineID, Name: "build", Image: "alpine", DependsOn: []string{"checkout"}},
	}
	fs := newFakeStore(stages, store.Run{ID: runID, PipelineID: pipelineID, Status: store.RunStatusQueued, GitInfo: json.RawMessage(`{}`), TriggerInfo: json.RawMessage(`{}`)})
	fs.pipeline = store.Pipeline{ID: pipelineID, Name: "demo"}

	b := bus.New()
	orch := New(fs, b, NewRunContexts(), nil, nil)

	var mu sync.Mutex
	seen := map[string]bool{}
	stop := make(chan struct{})
	defer close(stop)
	go driveStages(t, fs, b, runID, nil, seen, &mu, stop)

	done := make(chan struct{})
	go func() {
		orch.Drive(context.Background(), runID)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drive did not complete")
	}

	if got := fs.runStatus(); got != store.RunStatusSucceeded {
		t.Fatalf("run status = %v, want succeeded", got)
	}
	if got := fs.resultOf("checkout").Status; got != store.StageStatusSucceeded {
		t.Errorf("checkout status = %v", got)
	}
	if got := fs.resultOf("build").Status; got != store.StageStatusSucceeded {
		t.Errorf("build status = %v", got)
	}
}

func TestDrive_FailurePropagatesToSkipDependents(t *testing.T) {
	runID, pipelineID := uuid.New(), uuid.New()
	stages := []store.Stage{
		{PipelineID: pipelineID, Name: "checkout", Image: "alpine"},
		{PipelineID: pipelineID, Name: "build", Image: "alpine", DependsOn: []string{"checkout"}},
		{PipelineID: pipelineID, Name: "deploy", Image: "alpine", DependsOn: []string{"build"}},
	}
	fs := newFakeStore(stages, store.Run{ID: runID, PipelineID: pipelineID, Status: store.RunStatusQueued, GitInfo: json.RawMessage(`{}`), TriggerInfo: json.RawMessage(`{}`)})
	fs.pipeline = store.Pipeline{ID: pipelineID, Name: "demo"}

	b := bus.New()
	orch := New(fs, b, NewRunContexts(), nil, nil)

	outcomes := map[string]store.StageStatus{"build": store.StageStatusFailed}
	var mu sync.Mutex
	seen := map[string]bool{}
	stop := make(chan struct{})
	defer close(stop)
	go driveStages(t, fs, b, runID, outcomes, seen, &mu, stop)

	done := make(chan struct{})
	go func() {
		orch.Drive(context.Background(), runID)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drive did not complete")
	}

	if got := fs.runStatus(); got != store.RunStatusFailed {
		t.Fatalf("run status = %v, want failed", got)
	}
	if got := fs.resultOf("deploy").Status; got != store.StageStatusSkipped {
		t.Errorf("deploy status = %v, want skipped", got)
	}
}

func TestDrive_CancelIsIdempotent(t *testing.T) {
	runID, pipelineID := uuid.New(), uuid.New()
	stages := []store.Stage{
		{PipelineID: pipelineID, Name: "checkout", Image: "alpine"},
		{PipelineID: pipelineID, Name: "build", Image: "alpine", DependsOn: []string{"checkout"}},
	}
	fs := newFakeStore(stages, store.Run{ID: runID, PipelineID: pipelineID, Status: store.RunStatusQueued, GitInfo: json.RawMessage(`{}`), TriggerInfo: json.RawMessage(`{}`)})
	fs.pipeline = store.Pipeline{ID: pipelineID, Name: "demo"}

	b := bus.New()
	contexts := NewRunContexts()
	orch := New(fs, b, contexts, nil, nil)

	done := make(chan struct{})
	go func() {
		orch.Drive(context.Background(), runID)
		close(done)
	}()

	// Wait for checkout to be enqueued before cancelling, so cancelInFlight
	// exercises both the never-started (build) and in-flight (checkout) paths.
	for {
		fs.mu.Lock()
		n := len(fs.enqueued)
		fs.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if !contexts.Cancel(runID) {
		t.Fatal("expected a registered context for an in-flight run")
	}
	// A second cancel of the same run is harmless: Drive is still draining
	// the in-flight checkout, so the run's context stays registered and is
	// simply cancelled again.
	if !contexts.Cancel(runID) {
		t.Error("second cancel should still find the run's context registered while Drive drains")
	}

	// Settle the in-flight checkout attempt only now, so cancelInFlight's
	// drain observes its completion well inside its grace period instead of
	// hitting the deadline branch.
	var mu sync.Mutex
	seen := map[string]bool{}
	stop := make(chan struct{})
	defer close(stop)
	go driveStages(t, fs, b, runID, nil, seen, &mu, stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drive did not complete after cancellation")
	}

	if got := fs.runStatus(); got != store.RunStatusCancelled {
		t.Fatalf("run status = %v, want cancelled", got)
	}
	if got := fs.resultOf("build").Status; got != store.StageStatusCancelled {
		t.Errorf("build status = %v, want cancelled", got)
	}

	// Cancelling an already-terminal run must not panic or block.
	if contexts.Cancel(runID) {
		t.Error("expected no registered context for a terminal run")
	}
}

func TestDrive_ResumesAfterCrashSkipsAlreadySucceededStages(t *testing.T) {
	runID, pipelineID := uuid.New(), uuid.New()
	stages := []store.Stage{
		{PipelineID: pipelineID, Name: "checkout", Image: "alpine"},
		{PipelineID: pipelineID, Name: "build", Image: "alpine", DependsOn: []string{"checkout"}},
		{PipelineID: pipelineID, Name: "deploy", Image: "alpine", DependsOn: []string{"build"}},
	}
	fs := newFakeStore(stages, store.Run{ID: runID, PipelineID: pipelineID, Status: store.RunStatusRunning, GitInfo: json.RawMessage(`{}`), TriggerInfo: json.RawMessage(`{}`)})
	fs.pipeline = store.Pipeline{ID: pipelineID, Name: "demo"}

	// Simulate a prior process crash mid-run: checkout already succeeded
	// and was durably persisted before the process died; Drive is invoked
	// again against the same run, as a recovery path would.
	startedAt, finishedAt := time.Now().Add(-time.Minute), time.Now().Add(-30*time.Second)
	fs.results["checkout"] = store.StageResult{
		RunID: runID, StageName: "checkout", Status: store.StageStatusSucceeded,
		StartedAt: &startedAt, FinishedAt: &finishedAt,
	}

	b := bus.New()
	orch := New(fs, b, NewRunContexts(), nil, nil)

	var mu sync.Mutex
	seen := map[string]bool{}
	stop := make(chan struct{})
	defer close(stop)
	go driveStages(t, fs, b, runID, nil, seen, &mu, stop)

	done := make(chan struct{})
	go func() {
		orch.Drive(context.Background(), runID)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drive did not complete")
	}

	if got := fs.runStatus(); got != store.RunStatusSucceeded {
		t.Fatalf("run status = %v, want succeeded", got)
	}
	if seen["checkout"] {
		t.Error("checkout was re-enqueued after already succeeding before the crash")
	}
	if got := fs.resultOf("build").Status; got != store.StageStatusSucceeded {
		t.Errorf("build status = %v", got)
	}
	if got := fs.resultOf("deploy").Status; got != store.StageStatusSucceeded {
		t.Errorf("deploy status = %v", got)
	}
}

func TestDrive_InvalidPlanFailsRunWithoutRunning(t *testing.T) {
	runID, pipelineID := uuid.New(), uuid.New()
	stages := []store.Stage{
		{PipelineID: pipelineID, Name: "a", DependsOn: []string{"b"}},
		{PipelineID: pipelineID, Name: "b", DependsOn: []string{"a"}},
	}
	fs := newFakeStore(stages, store.Run{ID: runID, PipelineID: pipelineID, Status: store.RunStatusQueued, GitInfo: json.RawMessage(`{}`), TriggerInfo: json.RawMessage(`{}`)})
	fs.pipeline = store.Pipeline{ID: pipelineID, Name: "demo"}

	b := bus.New()
	orch := New(fs, b, NewRunContexts(), nil, nil)
	orch.Drive(context.Background(), runID)

	if got := fs.runStatus(); got != store.RunStatusFailed {
		t.Fatalf("run status = %v, want failed", got)
	}
	if got := fs.resultOf("a").Status; got != store.StageStatusSkipped {
		t.Errorf("stage a status = %v, want skipped", got)
	}
}
