package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"buildit/internal/bus"
	"buildit/internal/dag"
	"buildit/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// stagePriority orders enqueued stage attempts: earlier topological
// position runs first, so a wide fan-out drains its leaves before a
// later-triggered run's first stage starves behind it.
func stagePriority(index int) int { return -index }

// Orchestrator drives one Run's lifecycle to completion: enqueue ready
// stages, react to their completion as reported by Dispatcher on the Bus,
// propagate failure to dependents, and compute the terminal Run status.
// There is no independent-job precedent for the cross-stage dependency
// graph, but its concurrency shape (bounded set of in-flight tasks, driven
// by a select loop) follows the same pull-loop idiom as the Dispatcher.
type Orchestrator struct {
	store    store.Store
	bus      *bus.Bus
	contexts *RunContexts
	clock    Clock
	logger   *slog.Logger
}

// New constructs an Orchestrator over the given Store and Bus.
func New(st store.Store, b *bus.Bus, contexts *RunContexts, clock Clock, logger *slog.Logger) *Orchestrator {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: st, bus: b, contexts: contexts, clock: clock, logger: logger}
}

// Drive runs the full driver loop for one run to completion. It is meant
// to be launched in its own goroutine by the caller (the engine facade)
// immediately after CreateRun.
func (o *Orchestrator) Drive(ctx context.Context, runID uuid.UUID) {
	log := o.logger.With("run_id", runID)

	run, results, err := o.store.GetRunByID(ctx, runID)
	if err != nil {
		log.Error("orchestrator: run lookup failed", "error", err)
		return
	}

	_, stages, err := o.store.GetPipelineByID(ctx, run.PipelineID)
	if err != nil {
		log.Error("orchestrator: pipeline lookup failed", "error", err)
		return
	}

	plan, planErr := dag.Build(toStageNodes(stages))
	if planErr != nil {
		o.failPlan(ctx, run, results, planErr)
		return
	}

	tracer := otel.Tracer("buildit-orchestrator")
	ctx, span := tracer.Start(ctx, "process_run",
		trace.WithAttributes(
			attribute.String("run.id", runID.String()),
			attribute.String("pipeline.id", run.PipelineID.String()),
			attribute.Int64("run.number", run.Number),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	runCtx := o.contexts.Register(ctx, runID)
	defer o.contexts.Unregister(runID)

	startedAt := o.clock.Now()
	if err := o.store.UpdateRunStatus(ctx, runID, store.RunStatusRunning, startedAt); err != nil {
		log.Error("orchestrator: update run status failed", "error", err)
	}
	o.bus.Publish(bus.RunStarted(runID, run.PipelineID, run.Number, startedAt))

	sub := o.bus.Subscribe(runID)
	defer sub.Unsubscribe()

	completed := map[string]struct{}{}
	succeeded := map[string]struct{}{}
	inFlight := map[string]struct{}{}
	priority := map[string]int{}
	for i, name := range plan.TopologicalOrder() {
		priority[name] = stagePriority(i)
	}
	for _, r := range results {
		if r.Status.Terminal() {
			completed[r.StageName] = struct{}{}
			if r.Status == store.StageStatusSucceeded {
				succeeded[r.StageName] = struct{}{}
			}
		}
	}

	o.enqueueReady(ctx, run, plan, completed, succeeded, inFlight, priority, log)

	for {
		if len(completed) == len(plan.AllStages()) {
			o.finish(ctx, run, succeeded, plan, log, false)
			return
		}

		select {
		case <-runCtx.Done():
			o.cancelInFlight(ctx, run, plan, completed, succeeded, inFlight, sub, log)
			o.finish(ctx, run, succeeded, plan, log, true)
			return

		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			switch ev.Kind {
			case bus.KindLagged:
				log.Warn("orchestrator: bus dropped events, resyncing from store", "dropped", ev.Dropped)
				o.resync(ctx, run, plan, completed, succeeded, inFlight, log)
			case bus.KindStageCompleted:
				delete(inFlight, ev.StageName)
				completed[ev.StageName] = struct{}{}
				if ev.Status == string(store.StageStatusSucceeded) {
					succeeded[ev.StageName] = struct{}{}
				} else {
					o.skipDependents(ctx, run, plan, ev.StageName, completed, inFlight, log)
				}
			default:
				continue
			}
			o.enqueueReady(ctx, run, plan, completed, succeeded, inFlight, priority, log)
		}
	}
}

// resync reconciles the in-memory working set against the Store's
// StageResult rows. The Bus's per-subscriber buffer is bounded and
// Publish drops events rather than blocking, so a burst of stage log
// lines can push a StageCompleted out of the buffer before Drive reads
// it; without this, completed would never reach len(plan.AllStages())
// and Drive would hang on a transition that already happened. The Store
// is authoritative, so any stage the Bus never told us about but the
// Store shows terminal is folded in here, including running the same
// failure-propagation a live StageCompleted event would have triggered.
func (o *Orchestrator) resync(ctx context.Context, run *store.Run, plan *dag.Plan, completed, succeeded, inFlight map[string]struct{}, log *slog.Logger) {
	_, results, err := o.store.GetRunByID(ctx, run.ID)
	if err != nil {
		log.Error("orchestrator: resync run lookup failed", "error", err)
		return
	}
	for _, r := range results {
		if !r.Status.Terminal() {
			continue
		}
		if _, done := completed[r.StageName]; done {
			continue
		}
		delete(inFlight, r.StageName)
		completed[r.StageName] = struct{}{}
		if r.Status == store.StageStatusSucceeded {
			succeeded[r.StageName] = struct{}{}
		} else {
			o.skipDependents(ctx, run, plan, r.StageName, completed, inFlight, log)
		}
	}
}

// enqueueReady computes the ready set and enqueues every stage in it that
// isn't already in flight or completed, marking its StageResult running and
// emitting StageStarted before handing it to the Queue; the Dispatcher (any
// worker goroutine in the shared pool) performs the actual spawn.
func (o *Orchestrator) enqueueReady(ctx context.Context, run *store.Run, plan *dag.Plan, completed, succeeded, inFlight map[string]struct{}, priority map[string]int, log *slog.Logger) {
	ready := plan.Ready(succeeded)
	for _, name := range ready {
		if _, done := completed[name]; done {
			continue
		}
		if _, running := inFlight[name]; running {
			continue
		}
		startedAt := o.clock.Now()
		if err := o.store.UpsertStageResult(ctx, nil, &store.StageResult{
			RunID: run.ID, StageName: name, Status: store.StageStatusRunning, StartedAt: &startedAt,
		}); err != nil {
			log.Error("orchestrator: upsert running stage result failed", "stage", name, "error", err)
		}
		o.bus.Publish(bus.StageStarted(run.ID, name, startedAt))

		if _, err := o.store.Enqueue(ctx, nil, run.ID, name, priority[name]); err != nil {
			log.Error("orchestrator: enqueue failed", "stage", name, "error", err)
			continue
		}
		inFlight[name] = struct{}{}
	}
}

// skipDependents marks every not-yet-started stage transitively downstream
// of a failed stage as skipped.
func (o *Orchestrator) skipDependents(ctx context.Context, run *store.Run, plan *dag.Plan, failedStage string, completed, inFlight map[string]struct{}, log *slog.Logger) {
	queue := plan.DependentsOf(failedStage)
	seen := map[string]struct{}{}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		if _, ok := completed[name]; ok {
			continue
		}
		if _, ok := inFlight[name]; ok {
			// Already dispatched before the failure was observed; let it
			// run to completion and settle on its own terms.
			continue
		}

		reason := "skipped: upstream dependency " + failedStage + " failed"
		finishedAt := o.clock.Now()
		if err := o.store.UpsertStageResult(ctx, nil, &store.StageResult{
			RunID: run.ID, StageName: name, Status: store.StageStatusSkipped, FinishedAt: &finishedAt, Error: &reason,
		}); err != nil {
			log.Error("orchestrator: upsert skipped stage result failed", "stage", name, "error", err)
		}
		o.bus.Publish(bus.StageCompleted(run.ID, name, string(store.StageStatusSkipped), finishedAt, &reason))
		completed[name] = struct{}{}

		queue = append(queue, plan.DependentsOf(name)...)
	}
}

// cancelInFlight requests cancellation of every in-flight stage's backend
// job (via the shared RunContexts, whose cancel Dispatcher observes as its
// exec context expiring) and marks every stage that never started as
// cancelled outright.
func (o *Orchestrator) cancelInFlight(ctx context.Context, run *store.Run, plan *dag.Plan, completed, succeeded, inFlight map[string]struct{}, sub *bus.Subscription, log *slog.Logger) {
	// The run's registered context is already cancelled by the caller of
	// Cancel; Dispatcher's stageContext derives from it, so in-flight
	// backend jobs are already unwinding and will report through
	// sub.Events like any other completion. Here we only need to settle
	// stages that were never enqueued at all.
	for _, name := range plan.AllStages() {
		if _, ok := completed[name]; ok {
			continue
		}
		if _, ok := inFlight[name]; ok {
			continue
		}
		reason := "run cancelled"
		finishedAt := o.clock.Now()
		if err := o.store.UpsertStageResult(ctx, nil, &store.StageResult{
			RunID: run.ID, StageName: name, Status: store.StageStatusCancelled, FinishedAt: &finishedAt, Error: &reason,
		}); err != nil {
			log.Error("orchestrator: upsert cancelled stage result failed", "stage", name, "error", err)
		}
		o.bus.Publish(bus.StageCompleted(run.ID, name, string(store.StageStatusCancelled), finishedAt, &reason))
		completed[name] = struct{}{}
	}

	// Drain completions for whatever was already in flight, bounded by a
	// grace period; anything still outstanding past it is marked
	// cancelled outright so the run can still reach a terminal state.
	deadline := time.After(10 * time.Second)
	for len(inFlight) > 0 {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			switch ev.Kind {
			case bus.KindLagged:
				log.Warn("orchestrator: bus dropped events during cancellation drain, resyncing from store", "dropped", ev.Dropped)
				o.resync(ctx, run, plan, completed, succeeded, inFlight, log)
			case bus.KindStageCompleted:
				delete(inFlight, ev.StageName)
				completed[ev.StageName] = struct{}{}
				if ev.Status == string(store.StageStatusSucceeded) {
					succeeded[ev.StageName] = struct{}{}
				}
			}
		case <-deadline:
			for name := range inFlight {
				reason := "cancellation grace period elapsed"
				finishedAt := o.clock.Now()
				if err := o.store.UpsertStageResult(ctx, nil, &store.StageResult{
					RunID: run.ID, StageName: name, Status: store.StageStatusCancelled, FinishedAt: &finishedAt, Error: &reason,
				}); err != nil {
					log.Error("orchestrator: upsert cancelled stage result failed", "stage", name, "error", err)
				}
				o.bus.Publish(bus.StageCompleted(run.ID, name, string(store.StageStatusCancelled), finishedAt, &reason))
				completed[name] = struct{}{}
			}
			return
		}
	}
}

func (o *Orchestrator) finish(ctx context.Context, run *store.Run, succeeded map[string]struct{}, plan *dag.Plan, log *slog.Logger, cancelled bool) {
	status := store.RunStatusSucceeded
	switch {
	case cancelled:
		status = store.RunStatusCancelled
	default:
		for _, name := range plan.AllStages() {
			if _, ok := succeeded[name]; !ok {
				status = store.RunStatusFailed
				break
			}
		}
	}

	finishedAt := o.clock.Now()
	if err := o.store.UpdateRunStatus(ctx, run.ID, status, finishedAt); err != nil {
		log.Error("orchestrator: update run status failed", "error", err)
	}
	o.bus.Publish(bus.RunCompleted(run.ID, string(status), finishedAt))
}

// failPlan handles an invalid DAG at trigger time: the run goes straight
// from queued to failed without ever entering running, every stage is
// marked skipped, and RunCompleted fires once with status failed.
func (o *Orchestrator) failPlan(ctx context.Context, run *store.Run, results []store.StageResult, planErr error) {
	reason := (&InvalidPlanError{Err: planErr}).Error()
	finishedAt := o.clock.Now()
	for _, r := range results {
		if err := o.store.UpsertStageResult(ctx, nil, &store.StageResult{
			RunID: run.ID, StageName: r.StageName, Status: store.StageStatusSkipped, FinishedAt: &finishedAt, Error: &reason,
		}); err != nil {
			o.logger.Error("orchestrator: upsert skipped stage result failed", "stage", r.StageName, "error", err)
		}
		o.bus.Publish(bus.StageCompleted(run.ID, r.StageName, string(store.StageStatusSkipped), finishedAt, &reason))
	}
	if err := o.store.UpdateRunStatus(ctx, run.ID, store.RunStatusFailed, finishedAt); err != nil {
		o.logger.Error("orchestrator: update run status failed", "error", err)
	}
	o.bus.Publish(bus.RunCompleted(run.ID, string(store.RunStatusFailed), finishedAt))
}
