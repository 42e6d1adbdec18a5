package jobs

import (
	"context"
	"log"
	"time"

	"courier/internal/services"
)

// RetentionCleanupJob deletes terminal effects and fired timers older than
// the retention window. The event log is deliberately exempt — it is the
// audit trail and is never pruned here.
type RetentionCleanupJob struct {
	outbox    *services.OutboxStore
	timers    *services.TimerStore
	retention time.Duration
}

// NewRetentionCleanupJob creates a new retention cleanup job
func NewRetentionCleanupJob(outbox *services.OutboxStore, timers *services.TimerStore, retention time.Duration) *RetentionCleanupJob {
	return &RetentionCleanupJob{
		outbox:    outbox,
		timers:    timers,
		retention: retention,
	}
}

// Run executes one cleanup pass
func (j *RetentionCleanupJob) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-j.retention)

	effects, err := j.outbox.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[RETENTION] Failed to delete old effects: %v", err)
		return err
	}

	timers, err := j.timers.DeleteFiredBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[RETENTION] Failed to delete old timers: %v", err)
		return err
	}

	if effects > 0 || timers > 0 {
		log.Printf("[RETENTION] Cleanup complete: deleted %d effect(s), %d timer(s) older than %v",
			effects, timers, j.retention)
	}
	return nil
}
