// Package queue provides the reaper that reclaims stalled leases on the
// durable job queue.
package queue

import (
	"context"
	"log/slog"
	"time"

	"buildit/internal/store"
)

// Reaper periodically resets job_queue rows stuck in "running" back to
// "pending" once their claimed_at age exceeds StallThreshold. This is the
// only lease-recovery mechanism BuildIt uses: a sweep, not a heartbeat.
// The dispatcher never refreshes claimed_at once it wins a claim.
type Reaper struct {
	queue          store.QueueStore
	logger         *slog.Logger
	sweepInterval  time.Duration
	stallThreshold time.Duration
	maxAttempts    int
}

// NewReaper constructs a Reaper. sweepInterval and stallThreshold come from
// process configuration.
func NewReaper(q store.QueueStore, logger *slog.Logger, sweepInterval, stallThreshold time.Duration, maxAttempts int) *Reaper {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	if stallThreshold <= 0 {
		stallThreshold = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Reaper{
		queue:          q,
		logger:         logger,
		sweepInterval:  sweepInterval,
		stallThreshold: stallThreshold,
		maxAttempts:    maxAttempts,
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.stallThreshold)
	entries, err := r.queue.ReapStalled(ctx, cutoff, r.maxAttempts)
	if err != nil {
		r.logger.Error("reaper sweep failed", "error", err)
		return
	}

	var requeued, deadLettered int
	for _, e := range entries {
		if e.Status != store.QueueStatusFailed {
			requeued++
			continue
		}
		if err := r.queue.MoveToDLQ(ctx, e.ID, e.Attempts); err != nil {
			r.logger.Error("failed to move exhausted stage attempt to dlq",
				"queue_id", e.ID, "run_id", e.RunID, "stage_name", e.StageName, "error", err)
			continue
		}
		deadLettered++
		r.logger.Warn("stage attempt exceeded retry ceiling, moved to dlq",
			"queue_id", e.ID, "run_id", e.RunID, "stage_name", e.StageName, "attempts", e.Attempts)
	}

	if requeued > 0 {
		r.logger.Warn("reaper reclaimed stalled leases", "count", requeued, "stall_threshold", r.stallThreshold)
	}
}
