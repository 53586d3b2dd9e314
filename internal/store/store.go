package store

import (
	"context"
	"fmt"
	"time"

	"style-pipeline/internal/config"
	"style-pipeline/internal/models"
)

// Store is the job record persistence contract. Implementations hold no business logic beyond
// delegating merges to models.Job.Apply.
type Store interface {
	// Create inserts a new job and returns its identifier.
	Create(ctx context.Context, job models.Job) (string, error)
	// Get returns models.ErrNotFound for unknown identifiers.
	Get(ctx context.Context, id string) (models.Job, error)
	// Update merges patch into the job and bumps updatedAt.
	Update(ctx context.Context, id string, patch models.JobPatch) (models.Job, error)
	// List returns every job ordered by creation time. Debugging only.
	List(ctx context.Context) ([]models.Job, error)
	// Prune deletes terminal jobs that finished before the cutoff and returns them.
	Prune(ctx context.Context, before time.Time) ([]models.Job, error)
	Close() error
}

// Open builds the backend selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath)
	case "postgres":
		st, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
