package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"style-pipeline/internal/models"
)

// Memory keeps jobs in a process-local map. Records live until pruned.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]models.Job
	now  func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Create(_ context.Context, job models.Job) (string, error) {
	if job.ID == "" {
		return "", fmt.Errorf("create job: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return "", fmt.Errorf("create job: duplicate id %s", job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return job.ID, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id string, patch models.JobPatch) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	next, err := job.Apply(patch, m.now())
	if err != nil {
		return models.Job{}, err
	}
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]models.Job, error) {
	m.mu.RLock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Prune(_ context.Context, before time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned []models.Job
	for id, job := range m.jobs {
		finished, ok := job.FinishedAt()
		if !ok || !finished.Before(before) {
			continue
		}
		pruned = append(pruned, job)
		delete(m.jobs, id)
	}
	return pruned, nil
}

func (m *Memory) Close() error { return nil }
