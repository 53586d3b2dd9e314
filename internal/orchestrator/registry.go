// Package orchestrator maps job types to the handlers that produce their results.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"style-pipeline/internal/blob"
	"style-pipeline/internal/models"
)

// ErrUnknownJobType is returned by Execute when no handler is registered for a job's type.
var ErrUnknownJobType = errors.New("unknown job type")

// ProgressFunc reports a completion percentage for the running job.
type ProgressFunc func(pct int)

// Handler produces the result payload for one job type.
type Handler interface {
	Handle(ctx context.Context, job models.Job, progress ProgressFunc) (any, error)
	EstimatedDuration() time.Duration
}

// Registry dispatches jobs by type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// NewDefault registers the built-in handlers for every known job type.
func NewDefault(blobs blob.Store, latencyScale float64, opts ...Option) *Registry {
	r := NewRegistry()
	r.Register(models.TypeStylist, NewStylist(latencyScale))
	r.Register(models.TypeWardrobe, NewWardrobe(blobs, latencyScale, opts...))
	r.Register(models.TypeBodyScan, NewBodyScan(blobs, latencyScale, opts...))
	r.Register(models.TypeGeneral, NewGeneral(blobs, latencyScale, opts...))
	return r
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Registry) lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[models.NormalizeType(jobType)]
	return h, ok
}

// Known reports whether a handler exists for jobType.
func (r *Registry) Known(jobType string) bool {
	_, ok := r.lookup(jobType)
	return ok
}

// Estimate returns the nominal processing time for jobType. Unknown types
// report one second since they fail as soon as a worker picks them up.
func (r *Registry) Estimate(jobType string) time.Duration {
	if h, ok := r.lookup(jobType); ok {
		return h.EstimatedDuration()
	}
	return time.Second
}

// Execute runs the handler for job.Type and serialises its result.
func (r *Registry) Execute(ctx context.Context, job models.Job, progress ProgressFunc) (json.RawMessage, error) {
	h, ok := r.lookup(job.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type)
	}
	if progress == nil {
		progress = func(int) {}
	}
	result, err := h.Handle(ctx, job, progress)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}
