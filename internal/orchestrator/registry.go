package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// RunContexts is the shared cancellation registry between Orchestrator and
// Dispatcher. Orchestrator registers one cancelable context per in-flight
// run; Dispatcher derives each stage attempt's execution context from it so
// that cancel_run reaches container backends even though the claim that
// starts the container may happen on a different goroutine (or, after a
// crash and restart, a different process instance).
type RunContexts struct {
	mu      sync.Mutex
	entries map[uuid.UUID]context.Context
	cancels map[uuid.UUID]context.CancelFunc
}

// NewRunContexts constructs an empty registry.
func NewRunContexts() *RunContexts {
	return &RunContexts{
		entries: make(map[uuid.UUID]context.Context),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Register derives a cancelable context from parent and stores it under
// runID, replacing anything registered previously.
func (r *RunContexts) Register(parent context.Context, runID uuid.UUID) context.Context {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.entries[runID] = ctx
	r.cancels[runID] = cancel
	r.mu.Unlock()
	return ctx
}

// Context returns the registered context for runID, if any. Dispatcher
// falls back to its own pull-loop context when a run has no registered context,
// which happens for stage attempts claimed after this process restarted
// without an in-memory Orchestrator for that run (crash recovery).
func (r *RunContexts) Context(runID uuid.UUID) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.entries[runID]
	return ctx, ok
}

// Cancel invokes the cancel func registered for runID, if any, and reports
// whether one was found.
func (r *RunContexts) Cancel(runID uuid.UUID) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Unregister drops runID's entry. Safe to call after Cancel or after the
// run reaches a terminal state without ever being cancelled.
func (r *RunContexts) Unregister(runID uuid.UUID) {
	r.mu.Lock()
	if cancel, ok := r.cancels[runID]; ok {
		cancel()
	}
	delete(r.entries, runID)
	delete(r.cancels, runID)
	r.mu.Unlock()
}
