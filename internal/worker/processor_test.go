package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"style-pipeline/internal/blob"
	"style-pipeline/internal/logging"
	"style-pipeline/internal/models"
	"style-pipeline/internal/orchestrator"
	"style-pipeline/internal/store"
)

type execFunc func(ctx context.Context, job models.Job, progress orchestrator.ProgressFunc) (json.RawMessage, error)

func (f execFunc) Execute(ctx context.Context, job models.Job, progress orchestrator.ProgressFunc) (json.RawMessage, error) {
	return f(ctx, job, progress)
}

func newPool(t *testing.T, opts Options, exec Executor) (*Processor, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	p := NewProcessor(opts, st, exec, logging.Discard())
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p, st
}

func waitStatus(t *testing.T, st store.Store, id string, want models.JobStatus) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = st.Get(context.Background(), id)
		return err == nil && job.Status == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

// blockingExec waits for release or for the job context to end.
func blockingExec(release <-chan struct{}) execFunc {
	return func(ctx context.Context, _ models.Job, _ orchestrator.ProgressFunc) (json.RawMessage, error) {
		select {
		case <-release:
			return json.RawMessage(`{"ok":true}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestEnqueueRunsToCompletion(t *testing.T) {
	exec := execFunc(func(_ context.Context, _ models.Job, progress orchestrator.ProgressFunc) (json.RawMessage, error) {
		progress(40)
		progress(30)
		progress(80)
		return json.RawMessage(`{"ok":true}`), nil
	})
	p, st := newPool(t, Options{Workers: 2, QueueDepth: 4, JobTimeout: time.Second}, exec)

	job, err := p.Enqueue(context.Background(), Descriptor{Type: "body-scan", Owner: "tok"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, models.TypeBodyScan, job.Type)
	assert.NotEmpty(t, job.ID)

	done := waitStatus(t, st, job.ID, models.StatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, `{"ok":true}`, string(done.Output))
	assert.Equal(t, "tok", done.Owner)
	require.NotNil(t, done.CompletedAt)
}

func TestQueueFullCreatesNoJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p, st := newPool(t, Options{Workers: 1, QueueDepth: 1, JobTimeout: time.Second}, blockingExec(release))

	_, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeGeneral})
	require.NoError(t, err)
	_, err = p.Enqueue(context.Background(), Descriptor{Type: models.TypeGeneral})
	assert.True(t, errors.Is(err, models.ErrQueueFull))

	jobs, err := st.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.Equal(t, 1, p.Depth())
}

func TestCancelProcessingJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p, st := newPool(t, Options{Workers: 1, QueueDepth: 2, JobTimeout: 5 * time.Second}, blockingExec(release))

	job, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeStylist})
	require.NoError(t, err)
	waitStatus(t, st, job.ID, models.StatusProcessing)

	ok, err := p.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	failed := waitStatus(t, st, job.ID, models.StatusFailed)
	assert.Equal(t, "job cancelled", failed.Error)
	assert.Equal(t, 10, failed.Progress)

	ok, err = p.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.Cancel(context.Background(), "nope")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestCancelQueuedJob(t *testing.T) {
	release := make(chan struct{})
	p, st := newPool(t, Options{Workers: 1, QueueDepth: 2, JobTimeout: 5 * time.Second}, blockingExec(release))

	first, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeStylist})
	require.NoError(t, err)
	waitStatus(t, st, first.ID, models.StatusProcessing)
	second, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeStylist})
	require.NoError(t, err)

	ok, err := p.Cancel(context.Background(), second.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	close(release)

	waitStatus(t, st, first.ID, models.StatusCompleted)
	failed := waitStatus(t, st, second.ID, models.StatusFailed)
	assert.Equal(t, "job cancelled", failed.Error)
}

// gatedStore holds the completion write until release is closed.
type gatedStore struct {
	*store.Memory
	reached chan struct{}
	release chan struct{}
}

func (g *gatedStore) Update(ctx context.Context, id string, patch models.JobPatch) (models.Job, error) {
	if patch.Status != nil && *patch.Status == models.StatusCompleted {
		close(g.reached)
		<-g.release
	}
	return g.Memory.Update(ctx, id, patch)
}

func TestCancelRefusedOnceOutcomeDecided(t *testing.T) {
	st := &gatedStore{Memory: store.NewMemory(), reached: make(chan struct{}), release: make(chan struct{})}
	exec := execFunc(func(context.Context, models.Job, orchestrator.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	p := NewProcessor(Options{Workers: 1, QueueDepth: 1, JobTimeout: time.Second}, st, exec, logging.Discard())
	p.Start()
	defer func() {
		select {
		case <-st.release:
		default:
			close(st.release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	}()

	job, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeGeneral})
	require.NoError(t, err)
	select {
	case <-st.reached:
	case <-time.After(2 * time.Second):
		t.Fatal("job never reached its completion write")
	}

	ok, err := p.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	close(st.release)

	waitStatus(t, st, job.ID, models.StatusCompleted)
	p.mu.RLock()
	assert.Empty(t, p.cancelled)
	p.mu.RUnlock()
}

func TestCancelFinishedJobLeavesNoState(t *testing.T) {
	exec := execFunc(func(context.Context, models.Job, orchestrator.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	p, st := newPool(t, Options{Workers: 1, QueueDepth: 1, JobTimeout: time.Second}, exec)
	job, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeGeneral})
	require.NoError(t, err)
	waitStatus(t, st, job.ID, models.StatusCompleted)

	ok, err := p.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	p.mu.RLock()
	assert.Empty(t, p.cancelled)
	p.mu.RUnlock()

	_, err = p.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancelAgreesWithOutcome(t *testing.T) {
	exec := execFunc(func(ctx context.Context, _ models.Job, _ orchestrator.ProgressFunc) (json.RawMessage, error) {
		select {
		case <-time.After(time.Millisecond):
			return json.RawMessage(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	p, st := newPool(t, Options{Workers: 4, QueueDepth: 32, JobTimeout: time.Second}, exec)

	const n = 24
	ids := make([]string, n)
	accepted := make([]bool, n)
	done := make(chan int, n)
	for i := range ids {
		job, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeGeneral})
		require.NoError(t, err)
		ids[i] = job.ID
		go func(i int) {
			time.Sleep(time.Duration(i%4) * time.Millisecond)
			ok, err := p.Cancel(context.Background(), ids[i])
			if err == nil {
				accepted[i] = ok
			}
			done <- i
		}(i)
	}
	for range ids {
		<-done
	}

	for i, id := range ids {
		require.Eventually(t, func() bool {
			job, err := st.Get(context.Background(), id)
			return err == nil && job.Status.IsTerminal()
		}, 3*time.Second, 5*time.Millisecond)
		job, err := st.Get(context.Background(), id)
		require.NoError(t, err)
		if accepted[i] {
			assert.Equal(t, models.StatusFailed, job.Status, "job %d", i)
			assert.Equal(t, "job cancelled", job.Error, "job %d", i)
		} else {
			assert.Equal(t, models.StatusCompleted, job.Status, "job %d", i)
		}
	}
	p.mu.RLock()
	assert.Empty(t, p.cancelled)
	p.mu.RUnlock()
}

func TestJobTimeout(t *testing.T) {
	p, st := newPool(t, Options{Workers: 1, QueueDepth: 1, JobTimeout: 20 * time.Millisecond}, blockingExec(nil))

	job, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeWardrobe})
	require.NoError(t, err)
	failed := waitStatus(t, st, job.ID, models.StatusFailed)
	assert.Contains(t, failed.Error, "timed out")
	require.NotNil(t, failed.FailedAt)
}

func TestHandlerPanicFailsJob(t *testing.T) {
	exec := execFunc(func(context.Context, models.Job, orchestrator.ProgressFunc) (json.RawMessage, error) {
		panic("boom")
	})
	p, st := newPool(t, Options{Workers: 1, QueueDepth: 2, JobTimeout: time.Second}, exec)

	job, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeGeneral})
	require.NoError(t, err)
	failed := waitStatus(t, st, job.ID, models.StatusFailed)
	assert.Equal(t, "handler panic: boom", failed.Error)

	// The worker survives the panic.
	next, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeGeneral})
	require.NoError(t, err)
	waitStatus(t, st, next.ID, models.StatusFailed)
}

func TestEnqueueAfterShutdown(t *testing.T) {
	p, _ := newPool(t, Options{Workers: 1, QueueDepth: 1, JobTimeout: time.Second}, blockingExec(nil))
	require.NoError(t, p.Shutdown(context.Background()))
	_, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeGeneral})
	assert.True(t, errors.Is(err, models.ErrQueueClosed))
}

func TestShutdownTimeoutFailsRunningJobs(t *testing.T) {
	st := store.NewMemory()
	p := NewProcessor(Options{Workers: 1, QueueDepth: 2, JobTimeout: time.Minute}, st, blockingExec(nil), logging.Discard())
	p.Start()

	running, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeGeneral})
	require.NoError(t, err)
	waitStatus(t, st, running.ID, models.StatusProcessing)
	waiting, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeGeneral})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	got, err := st.Get(context.Background(), running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "interrupted by shutdown", got.Error)

	got, err = st.Get(context.Background(), waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestRecoverRequeuesAndFails(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	queued := models.Job{ID: "queued-1", Type: models.TypeGeneral, Status: models.StatusQueued, CreatedAt: now, UpdatedAt: now}
	stuck := models.Job{ID: "stuck-1", Type: models.TypeGeneral, Status: models.StatusProcessing, Progress: 40, CreatedAt: now, UpdatedAt: now}
	_, err := st.Create(ctx, queued)
	require.NoError(t, err)
	_, err = st.Create(ctx, stuck)
	require.NoError(t, err)

	exec := execFunc(func(context.Context, models.Job, orchestrator.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	p := NewProcessor(Options{Workers: 1, QueueDepth: 1, JobTimeout: time.Second}, st, exec, logging.Discard())
	requeued, failed, err := p.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, failed)
	p.Start()
	defer p.Shutdown(ctx)

	waitStatus(t, st, queued.ID, models.StatusCompleted)
	got, err := st.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.Error)
	assert.Equal(t, 40, got.Progress)
}

func TestEndToEndWithRegistry(t *testing.T) {
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	reg := orchestrator.NewDefault(blobs, 0)
	p, st := newPool(t, Options{Workers: 2, QueueDepth: 8, JobTimeout: 5 * time.Second}, reg)

	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, imaging.New(16, 16, color.NRGBA{R: 25, G: 35, B: 85, A: 255})))
	require.NoError(t, blobs.Put(context.Background(), "uploads/shirt.png", buf.Bytes(), "image/png"))
	input := models.Input{Files: []models.MediaFile{{Key: "uploads/shirt.png", OriginalName: "shirt.png", ContentType: "image/png", Size: int64(buf.Len())}}}

	t.Run("wardrobe completes", func(t *testing.T) {
		job, err := p.Enqueue(context.Background(), Descriptor{Type: models.TypeWardrobe, Input: input})
		require.NoError(t, err)

		var seen []int
		require.Eventually(t, func() bool {
			got, err := st.Get(context.Background(), job.ID)
			if err != nil {
				return false
			}
			seen = append(seen, got.Progress)
			return got.Status == models.StatusCompleted
		}, 3*time.Second, time.Millisecond)
		assert.IsNonDecreasing(t, seen)

		done, err := st.Get(context.Background(), job.ID)
		require.NoError(t, err)
		var out struct {
			Item orchestrator.WardrobeItem `json:"item"`
		}
		require.NoError(t, json.Unmarshal(done.Output, &out))
		assert.Contains(t, orchestrator.WardrobeCategories, out.Item.Category)
		assert.True(t, out.Item.Confidence >= 0 && out.Item.Confidence <= 1)
		assert.Equal(t, "navy", out.Item.Color)
	})

	t.Run("unknown type fails", func(t *testing.T) {
		job, err := p.Enqueue(context.Background(), Descriptor{Type: "hologram", Input: input})
		require.NoError(t, err)
		failed := waitStatus(t, st, job.ID, models.StatusFailed)
		assert.NotEmpty(t, failed.Error)
		assert.Contains(t, failed.Error, "hologram")
		assert.Nil(t, failed.Output)
	})
}
