package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"buildit/internal/backend"
	"buildit/internal/bus"
	"buildit/internal/dag"
	"buildit/internal/redact"
	"buildit/internal/store"
	"buildit/internal/variables"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DispatcherConfig tunes the pull-loop: how many stage attempts run
// concurrently, how often to poll an empty queue, and how far that
// poll interval may back off.
type DispatcherConfig struct {
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration
}

func (c *DispatcherConfig) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Dispatcher is the shared worker pool that claims stage attempts off the
// Queue and executes them against a Backend, persisting and emitting their
// outcome. It runs across all runs, not one; a stalled claim carries no
// heartbeat of its own and is instead recovered by internal/queue's
// reaper sweep.
type Dispatcher struct {
	pipelines store.PipelineStore
	runs      store.RunStore
	queue     store.QueueStore
	logs      store.LogStore
	backend   backend.Backend
	bus       *bus.Bus
	clock     Clock
	secrets   SecretProvider
	contexts  *RunContexts
	logger    *slog.Logger
	config    DispatcherConfig
}

// NewDispatcher wires a Dispatcher over the given Store facets and Backend.
func NewDispatcher(st store.Store, be backend.Backend, b *bus.Bus, contexts *RunContexts, secrets SecretProvider, clock Clock, logger *slog.Logger, config DispatcherConfig) *Dispatcher {
	config.setDefaults()
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pipelines: st,
		runs:      st,
		queue:     st,
		logs:      st,
		backend:   be,
		bus:       b,
		clock:     clock,
		secrets:   secrets,
		contexts:  contexts,
		logger:    logger,
		config:    config,
	}
}

// Run starts the pull-loop. It blocks until ctx is cancelled, waiting for
// in-flight stage attempts to finish before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup

	pollNow := make(chan struct{}, 1)
	trigger := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}
	trigger()

	backoff := d.config.PollInterval

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()

		case <-time.After(backoff):
			trigger()

		case <-pollNow:
			slots := d.config.Concurrency - len(sem)
			if slots <= 0 {
				continue
			}

			claimed := 0
			for i := 0; i < slots; i++ {
				entry, err := d.queue.Claim(ctx, d.config.WorkerID)
				if err != nil {
					if !errors.Is(err, store.ErrNotFound) {
						d.logger.Error("claim failed", "error", err)
					}
					break
				}
				claimed++
				sem <- struct{}{}
				wg.Add(1)
				go func(entry *store.JobQueueEntry) {
					defer wg.Done()
					defer func() { <-sem; trigger() }()
					d.execute(ctx, entry)
				}(entry)
			}

			if claimed == 0 {
				backoff *= 2
				if backoff > d.config.MaxBackoff {
					backoff = d.config.MaxBackoff
				}
			} else {
				backoff = d.config.PollInterval
			}
		}
	}
}

// execute runs one claimed stage attempt end to end: resolve variables,
// spawn the backend, drain logs, persist the terminal StageResult, and
// settle the queue entry. Persist-then-emit throughout: the Store is
// authoritative and the bus is best-effort.
func (d *Dispatcher) execute(ctx context.Context, entry *store.JobQueueEntry) {
	log := d.logger.With("run_id", entry.RunID, "stage", entry.StageName)

	tracer := otel.Tracer("buildit-dispatcher")
	ctx, span := tracer.Start(ctx, "process_stage",
		trace.WithAttributes(
			attribute.String("run.id", entry.RunID.String()),
			attribute.String("stage.name", entry.StageName),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	run, _, err := d.runs.GetRunByID(ctx, entry.RunID)
	if err != nil {
		d.failEntry(ctx, entry, fmt.Sprintf("run lookup failed: %v", err))
		return
	}

	pipeline, stages, err := d.pipelines.GetPipelineByID(ctx, run.PipelineID)
	if err != nil {
		d.failEntry(ctx, entry, fmt.Sprintf("pipeline lookup failed: %v", err))
		return
	}

	var stage *store.Stage
	for i := range stages {
		if stages[i].Name == entry.StageName {
			stage = &stages[i]
			break
		}
	}
	if stage == nil {
		d.failEntry(ctx, entry, fmt.Sprintf("stage %q no longer exists in pipeline", entry.StageName))
		return
	}
	span.SetAttributes(
		attribute.String("pipeline.id", pipeline.ID.String()),
		attribute.String("stage.image", stage.Image),
	)

	stageIndex := "0"
	if plan, err := dag.Build(toStageNodes(stages)); err == nil {
		for i, name := range plan.TopologicalOrder() {
			if name == stage.Name {
				stageIndex = strconv.Itoa(i)
				break
			}
		}
	}

	resolver := variables.NewResolver(
		gitScope(run.GitInfo),
		map[string]string{"id": pipeline.ID.String(), "name": pipeline.Name},
		map[string]string{"id": run.ID.String(), "number": strconv.FormatInt(run.Number, 10)},
		map[string]string{"name": stage.Name, "index": stageIndex},
		stage.Env,
		unmarshalStringMap(run.TriggerInfo),
		secretProviderAdapter{d.secrets},
		func(w variables.Warning) { log.Warn("unknown variable", "scope", w.Scope, "key", w.Key) },
	)

	command, env, err := resolveJobSpec(resolver, stage)
	if err != nil {
		d.failStageAndEntry(ctx, entry, stage.Name, err.Error())
		return
	}
	masker := redact.NewMasker(resolver.SecretsSeen())

	// The Orchestrator already marked this stage running and published
	// StageStarted when it enqueued the attempt; startedAt here is only the
	// spawn timestamp recorded on the eventual terminal StageResult.
	startedAt := d.clock.Now()

	execCtx, execCtxCancel := d.stageContext(ctx, entry.RunID, stage.Timeout)
	defer execCtxCancel()

	handle, err := d.backend.Spawn(execCtx, backend.JobSpec{
		Image:     stage.Image,
		Command:   command,
		Env:       env,
		Timeout:   stage.Timeout,
		Workspace: "/workspace",
	})
	if err != nil {
		d.finishStage(ctx, entry, stage.Name, store.StageStatusFailed, startedAt, err.Error())
		return
	}

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		d.drainLogs(ctx, entry.RunID, stage.Name, handle, masker)
	}()

	result, waitErr := handle.Wait(execCtx)
	if execCtx.Err() != nil {
		// Timeout or run cancellation: stop the backend job itself, not just
		// the wait on it, so its log stream can end.
		if err := handle.Cancel(context.Background()); err != nil {
			log.Warn("backend cancel failed", "error", err)
		}
	}
	<-logsDone

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		reason := (&TimeoutError{StageName: stage.Name, Timeout: stage.Timeout.String()}).Error()
		d.finishStage(ctx, entry, stage.Name, store.StageStatusFailed, startedAt, reason)
	case errors.Is(execCtx.Err(), context.Canceled):
		d.finishStage(ctx, entry, stage.Name, store.StageStatusCancelled, startedAt, "stage cancelled")
	case waitErr != nil:
		d.finishStage(ctx, entry, stage.Name, store.StageStatusFailed, startedAt, waitErr.Error())
	case result.ExitCode != 0:
		reason := fmt.Sprintf("exit code %d", result.ExitCode)
		if result.Error != nil {
			reason = result.Error.Error()
		}
		d.finishStage(ctx, entry, stage.Name, store.StageStatusFailed, startedAt, reason)
	default:
		d.finishStage(ctx, entry, stage.Name, store.StageStatusSucceeded, startedAt, "")
	}
}

// stageContext derives the execution context for one stage attempt from
// the run's registered cancellation context (falling back to ctx itself
// for a run this process instance never registered, i.e. recovered from a
// crash), further bounded by the stage's own timeout when set.
func (d *Dispatcher) stageContext(ctx context.Context, runID uuid.UUID, timeout time.Duration) (context.Context, context.CancelFunc) {
	base := ctx
	if rc, ok := d.contexts.Context(runID); ok {
		base = rc
	}
	if timeout > 0 {
		return context.WithTimeout(base, timeout)
	}
	return context.WithCancel(base)
}

func (d *Dispatcher) drainLogs(ctx context.Context, runID uuid.UUID, stageName string, handle backend.Handle, masker *redact.Masker) {
	chunks, errs := handle.Logs(ctx)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			content := masker.Redact(sanitize(chunk.Content))
			stream := store.LogStreamStdout
			if chunk.Stream == backend.LogStreamStderr {
				stream = store.LogStreamStderr
			}
			if err := d.logs.AppendLogLine(ctx, store.LogLine{
				RunID: runID, StageName: stageName, Timestamp: chunk.Timestamp, Stream: stream, Content: content,
			}); err != nil {
				d.logger.Error("append log line failed", "error", err)
			}
			d.bus.Publish(bus.StageLog(runID, stageName, chunk.Timestamp, string(stream), content))
		case err, ok := <-errs:
			if ok && err != nil {
				d.logger.Warn("log stream error", "run_id", runID, "stage", stageName, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) finishStage(ctx context.Context, entry *store.JobQueueEntry, stageName string, status store.StageStatus, startedAt time.Time, errMsg string) {
	finishedAt := d.clock.Now()
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	if err := d.runs.UpsertStageResult(ctx, nil, &store.StageResult{
		RunID: entry.RunID, StageName: stageName, Status: status, StartedAt: &startedAt, FinishedAt: &finishedAt, Error: errPtr,
	}); err != nil {
		d.logger.Error("upsert terminal stage result failed", "error", err)
	}
	d.bus.Publish(bus.StageCompleted(entry.RunID, stageName, string(status), finishedAt, errPtr))

	if status == store.StageStatusSucceeded {
		if err := d.queue.Complete(context.Background(), entry.ID); err != nil {
			d.logger.Error("queue complete failed", "error", err)
		}
	} else {
		if err := d.queue.Fail(context.Background(), entry.ID, errMsg); err != nil {
			d.logger.Error("queue fail failed", "error", err)
		}
	}
}

func (d *Dispatcher) failStageAndEntry(ctx context.Context, entry *store.JobQueueEntry, stageName, reason string) {
	startedAt := d.clock.Now()
	d.finishStage(ctx, entry, stageName, store.StageStatusFailed, startedAt, reason)
}

func (d *Dispatcher) failEntry(ctx context.Context, entry *store.JobQueueEntry, reason string) {
	if err := d.queue.Fail(ctx, entry.ID, reason); err != nil {
		d.logger.Error("queue fail failed", "error", err)
	}
	d.bus.Publish(bus.StageCompleted(entry.RunID, entry.StageName, string(store.StageStatusFailed), d.clock.Now(), &reason))
}

func resolveJobSpec(resolver *variables.Resolver, stage *store.Stage) ([]string, map[string]string, error) {
	command := make([]string, len(stage.Commands))
	for i, c := range stage.Commands {
		expanded, err := resolver.Expand(c)
		if err != nil {
			return nil, nil, err
		}
		command[i] = expanded
	}
	env := make(map[string]string, len(stage.Env))
	for k, v := range stage.Env {
		expanded, err := resolver.Expand(v)
		if err != nil {
			return nil, nil, err
		}
		env[k] = expanded
	}
	return command, env, nil
}

func toStageNodes(stages []store.Stage) []dag.StageNode {
	nodes := make([]dag.StageNode, len(stages))
	for i, s := range stages {
		nodes[i] = dag.StageNode{Name: s.Name, DependsOn: s.DependsOn}
	}
	return nodes
}

// gitScope builds the "git" variable scope from a run's stored git_info,
// deriving short_sha from sha when the trigger didn't supply one.
func gitScope(raw json.RawMessage) map[string]string {
	m := unmarshalStringMap(raw)
	if _, ok := m["short_sha"]; !ok {
		if sha, ok := m["sha"]; ok && len(sha) >= 7 {
			m["short_sha"] = sha[:7]
		}
	}
	return m
}

func unmarshalStringMap(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return map[string]string{}
	}
	out := map[string]string{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func sanitize(line string) string {
	if strings.Contains(line, "\x00") {
		return strings.ReplaceAll(line, "\x00", "")
	}
	return line
}

type secretProviderAdapter struct{ p SecretProvider }

func (a secretProviderAdapter) Get(key string) (string, bool) {
	if a.p == nil {
		return "", false
	}
	return a.p.Get(key)
}
