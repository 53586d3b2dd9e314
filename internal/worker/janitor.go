package worker

import (
	"context"
	"log/slog"
	"time"

	"style-pipeline/internal/blob"
	"style-pipeline/internal/orchestrator"
	"style-pipeline/internal/store"
	"style-pipeline/internal/telemetry"
)

// Janitor removes terminal jobs past their retention along with their media.
type Janitor struct {
	store     store.Store
	blobs     blob.Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewJanitor(st store.Store, blobs blob.Store, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:     st,
		blobs:     blobs,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on every tick until ctx is cancelled. A zero retention or
// interval disables the janitor.
func (j *Janitor) Run(ctx context.Context) error {
	if j.retention <= 0 || j.interval <= 0 {
		j.logger.Info("janitor disabled")
		return nil
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("janitor sweep failed", "err", err)
			}
		}
	}
}

// Sweep prunes once and returns how many jobs were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	pruned, err := j.store.Prune(ctx, j.now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	for _, job := range pruned {
		for _, key := range orchestrator.ArtifactKeys(job) {
			if err := j.blobs.Delete(ctx, key); err != nil {
				j.logger.Warn("janitor: media not deleted", "job_id", job.ID, "key", key, "err", err)
			}
		}
	}
	if len(pruned) > 0 {
		telemetry.JobsPruned.Add(float64(len(pruned)))
		j.logger.Info("janitor pruned jobs", "count", len(pruned))
	}
	return len(pruned), nil
}
