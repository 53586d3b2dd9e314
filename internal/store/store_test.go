package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"style-pipeline/internal/models"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemory()}

	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	out["sqlite"] = sqlite

	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgres(context.Background(), dsn)
		require.NoError(t, err)
		require.NoError(t, pg.RunMigrations(context.Background()))
		_, err = pg.pool.Exec(context.Background(), `TRUNCATE jobs`)
		require.NoError(t, err)
		out["postgres"] = pg
	}
	t.Cleanup(func() {
		for _, st := range out {
			_ = st.Close()
		}
	})
	return out
}

func queuedJob() models.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return models.Job{
		ID:       uuid.NewString(),
		Type:     models.TypeWardrobe,
		Status:   models.StatusQueued,
		Owner:    "tok-1",
		Progress: 0,
		Input: models.Input{
			Files:    []models.MediaFile{{Key: "uploads/a.png", OriginalName: "a.png", ContentType: "image/png", Size: 42}},
			Metadata: json.RawMessage(`{"preferences":["casual"]}`),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStoreContract(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := queuedJob()

			id, err := st.Create(ctx, job)
			require.NoError(t, err)
			assert.Equal(t, job.ID, id)

			got, err := st.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusQueued, got.Status)
			assert.Equal(t, job.Input.Files, got.Input.Files)
			assert.JSONEq(t, string(job.Input.Metadata), string(got.Input.Metadata))
			assert.Equal(t, "tok-1", got.Owner)
			assert.Nil(t, got.Output)

			updated, err := st.Update(ctx, id, models.JobPatch{Status: models.StatusPtr(models.StatusProcessing), Progress: models.IntPtr(10)})
			require.NoError(t, err)
			assert.Equal(t, models.StatusProcessing, updated.Status)
			assert.False(t, updated.UpdatedAt.Before(job.UpdatedAt))

			out := json.RawMessage(`{"item":{"category":"tops","confidence":0.9}}`)
			done, err := st.Update(ctx, id, models.JobPatch{Status: models.StatusPtr(models.StatusCompleted), Output: out})
			require.NoError(t, err)
			assert.Equal(t, 100, done.Progress)
			require.NotNil(t, done.CompletedAt)

			first, err := st.Get(ctx, id)
			require.NoError(t, err)
			second, err := st.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []byte(out), []byte(first.Output))
			assert.Equal(t, []byte(first.Output), []byte(second.Output))

			_, err = st.Update(ctx, id, models.JobPatch{Progress: models.IntPtr(5)})
			assert.True(t, errors.Is(err, models.ErrTerminalJob))

			_, err = st.Get(ctx, "missing")
			assert.True(t, errors.Is(err, models.ErrNotFound))
			_, err = st.Update(ctx, "missing", models.JobPatch{Progress: models.IntPtr(5)})
			assert.True(t, errors.Is(err, models.ErrNotFound))
		})
	}
}

func TestStoreRejectsBackwardStatus(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := queuedJob()
			_, err := st.Create(ctx, job)
			require.NoError(t, err)

			_, err = st.Update(ctx, job.ID, models.JobPatch{Status: models.StatusPtr(models.StatusProcessing)})
			require.NoError(t, err)
			_, err = st.Update(ctx, job.ID, models.JobPatch{Status: models.StatusPtr(models.StatusQueued)})
			assert.True(t, errors.Is(err, models.ErrInvalidTransition))

			got, err := st.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusProcessing, got.Status)
		})
	}
}

func TestStoreListAndPrune(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []string
			for i := 0; i < 3; i++ {
				job := queuedJob()
				job.CreatedAt = job.CreatedAt.Add(time.Duration(i) * time.Millisecond)
				_, err := st.Create(ctx, job)
				require.NoError(t, err)
				ids = append(ids, job.ID)
			}

			jobs, err := st.List(ctx)
			require.NoError(t, err)
			require.Len(t, jobs, 3)
			assert.Equal(t, ids[0], jobs[0].ID)

			// Finish the first job only.
			_, err = st.Update(ctx, ids[0], models.JobPatch{Status: models.StatusPtr(models.StatusProcessing)})
			require.NoError(t, err)
			_, err = st.Update(ctx, ids[0], models.JobPatch{Status: models.StatusPtr(models.StatusFailed), Error: models.StringPtr("boom")})
			require.NoError(t, err)

			pruned, err := st.Prune(ctx, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Empty(t, pruned)

			pruned, err = st.Prune(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, pruned, 1)
			assert.Equal(t, ids[0], pruned[0].ID)

			_, err = st.Get(ctx, ids[0])
			assert.True(t, errors.Is(err, models.ErrNotFound))
			jobs, err = st.List(ctx)
			require.NoError(t, err)
			assert.Len(t, jobs, 2)
		})
	}
}

func TestStoreConcurrentProgressStaysMonotonic(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := queuedJob()
			_, err := st.Create(ctx, job)
			require.NoError(t, err)
			_, err = st.Update(ctx, job.ID, models.JobPatch{Status: models.StatusPtr(models.StatusProcessing)})
			require.NoError(t, err)

			var wg sync.WaitGroup
			for p := 1; p <= 90; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					_, _ = st.Update(ctx, job.ID, models.JobPatch{Progress: models.IntPtr(p)})
				}(p)
			}
			wg.Wait()

			got, err := st.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, 90, got.Progress)
		})
	}
}
