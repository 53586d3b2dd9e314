// Package status exposes read-only projections of jobs for polling clients.
package status

import (
	"context"
	"encoding/json"
	"time"

	"style-pipeline/internal/models"
	"style-pipeline/internal/store"
)

// Snapshot is the client-facing view of a job's progress.
type Snapshot struct {
	JobID       string           `json:"jobId"`
	Type        string           `json:"type"`
	Status      models.JobStatus `json:"status"`
	Progress    int              `json:"progress"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	FailedAt    *time.Time       `json:"failedAt,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// ResultView is a completed job's output, passed through verbatim.
type ResultView struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
	Result json.RawMessage  `json:"result"`
}

// Reader answers status and result queries. It never writes to the store.
type Reader struct {
	store store.Store
}

func NewReader(st store.Store) *Reader {
	return &Reader{store: st}
}

func newSnapshot(job models.Job) Snapshot {
	return Snapshot{
		JobID:       job.ID,
		Type:        job.Type,
		Status:      job.Status,
		Progress:    job.Progress,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
		FailedAt:    job.FailedAt,
		Error:       job.Error,
	}
}

// Status returns the current snapshot or models.ErrNotFound.
func (r *Reader) Status(ctx context.Context, id string) (Snapshot, error) {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return newSnapshot(job), nil
}

// Result returns the output of a completed job. Non-terminal jobs yield
// *models.StillProcessingError and failed jobs *models.ProcessingFailure.
func (r *Reader) Result(ctx context.Context, id string) (ResultView, error) {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return ResultView{}, err
	}
	switch job.Status {
	case models.StatusCompleted:
		return ResultView{JobID: job.ID, Status: job.Status, Result: job.Output}, nil
	case models.StatusFailed:
		return ResultView{}, &models.ProcessingFailure{Message: job.Error}
	default:
		return ResultView{}, &models.StillProcessingError{Status: job.Status, Progress: job.Progress}
	}
}

// List returns snapshots of every retained job, oldest first.
func (r *Reader) List(ctx context.Context) ([]Snapshot, error) {
	jobs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, newSnapshot(job))
	}
	return out, nil
}
