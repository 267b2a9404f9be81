// Package backend defines the pluggable container-execution abstraction
// the Run Orchestrator drives, and its two concrete variants: a local
// Docker runtime and a Kubernetes Job-based cluster runtime.
package backend

import (
	"context"
	"time"
)

// JobSpec describes one container invocation to launch.
type JobSpec struct {
	Image       string
	Command     []string
	Env         map[string]string
	Workspace   string
	Timeout     time.Duration
	CancelToken string
}

// Phase is a coarse job lifecycle state.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// JobStatus is a point-in-time snapshot of a running job.
type JobStatus struct {
	Phase    Phase
	ExitCode int
	Reason   string
}

// JobResult is the terminal outcome of a job, resolved exactly once by
// Handle.Wait.
type JobResult struct {
	ExitCode int
	Error    error
}

// LogStream tags which stream a LogChunk was captured from.
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
)

// LogChunk is one line of container output.
type LogChunk struct {
	Stream    LogStream
	Content   string
	Timestamp time.Time
}

// Handle identifies one running (or completed) job returned by Spawn. A
// spawn is at-most-once per call: the backend never duplicates work for
// the same handle.
type Handle interface {
	// Logs returns a channel of LogChunk, restartable from the start of
	// the job while the job or its completed record still exists. The
	// channel is closed when the job reaches a terminal state and all
	// buffered output has been drained; a send on errCh (non-nil) marks
	// an observable error instead of a silent truncation.
	Logs(ctx context.Context) (<-chan LogChunk, <-chan error)

	// Status returns a point-in-time snapshot.
	Status(ctx context.Context) (JobStatus, error)

	// Wait resolves exactly once when the job reaches a terminal state.
	Wait(ctx context.Context) (JobResult, error)

	// Cancel requests termination. Idempotent; must cause Wait to
	// resolve in bounded time.
	Cancel(ctx context.Context) error
}

// Backend is the polymorphic container-execution interface. The
// Orchestrator is backend-agnostic; a deployment may mix local and
// cluster backends by stage.
type Backend interface {
	Spawn(ctx context.Context, spec JobSpec) (Handle, error)
}
