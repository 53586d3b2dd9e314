package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"style-pipeline/internal/config"
	"style-pipeline/internal/models"
	"style-pipeline/internal/orchestrator"
	"style-pipeline/internal/store"
	"style-pipeline/internal/telemetry"
)

// Executor runs a job to completion and returns its serialised result.
type Executor interface {
	Execute(ctx context.Context, job models.Job, progress orchestrator.ProgressFunc) (json.RawMessage, error)
}

// Descriptor is everything the Upload Receiver hands over to create a job.
type Descriptor struct {
	Type  string
	Owner string
	Input models.Input
}

// Options bound the pool.
type Options struct {
	Workers    int
	QueueDepth int
	JobTimeout time.Duration
}

// OptionsFromConfig extracts pool settings from the process config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{Workers: cfg.Workers, QueueDepth: cfg.QueueDepth, JobTimeout: cfg.JobTimeout}
}

const (
	msgCancelled   = "job cancelled"
	msgShutdown    = "interrupted by shutdown"
	msgRestart     = "interrupted by restart"
	startProgress  = 10
	storeWriteWait = 5 * time.Second
)

// Processor is the in-process scheduler: a fixed set of worker goroutines
// consuming job IDs from a bounded channel. Each job is written by exactly
// one worker.
type Processor struct {
	opts   Options
	store  store.Store
	exec   Executor
	logger *slog.Logger
	now    func() time.Time

	// slots counts queued plus processing jobs.
	slots chan struct{}
	ids   chan string

	mu        sync.RWMutex
	closed    bool
	running   map[string]*runState
	cancelled map[string]bool

	baseCtx context.Context
	abort   context.CancelFunc
	wg      sync.WaitGroup
	started sync.Once
}

type runState struct {
	cancel    context.CancelFunc
	cancelled bool
	finished  bool
}

func NewProcessor(opts Options, st store.Store, exec Executor, logger *slog.Logger) *Processor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueDepth < opts.Workers {
		opts.QueueDepth = opts.Workers
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	base, abort := context.WithCancel(context.Background())
	return &Processor{
		opts:      opts,
		store:     st,
		exec:      exec,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		slots:     make(chan struct{}, opts.QueueDepth),
		ids:       make(chan string, opts.QueueDepth),
		running:   make(map[string]*runState),
		cancelled: make(map[string]bool),
		baseCtx:   base,
		abort:     abort,
	}
}

// Start launches the worker goroutines. Calling it more than once is a no-op.
func (p *Processor) Start() {
	p.started.Do(func() {
		for i := 0; i < p.opts.Workers; i++ {
			p.wg.Add(1)
			go func(n int) {
				defer p.wg.Done()
				log := p.logger.With("worker", n)
				for id := range p.ids {
					p.process(id, log)
				}
			}(i)
		}
		p.logger.Info("worker pool started", "workers", p.opts.Workers, "queue_depth", p.opts.QueueDepth, "job_timeout", p.opts.JobTimeout)
	})
}

// Depth reports queued plus processing jobs.
func (p *Processor) Depth() int { return len(p.slots) }

// Enqueue creates a queued job and schedules it. It never waits for processing.
// A full queue is refused before any job is created.
func (p *Processor) Enqueue(ctx context.Context, d Descriptor) (models.Job, error) {
	if p.isClosed() {
		return models.Job{}, models.ErrQueueClosed
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return models.Job{}, models.ErrQueueFull
	}

	now := p.now()
	job := models.Job{
		ID:        uuid.NewString(),
		Type:      models.NormalizeType(d.Type),
		Status:    models.StatusQueued,
		Owner:     d.Owner,
		Input:     d.Input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := p.store.Create(ctx, job); err != nil {
		<-p.slots
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := p.submit(job.ID); err != nil {
		// Lost the race with Shutdown; the record stays queued for Recover.
		<-p.slots
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.WithLabelValues(job.Type).Inc()
	telemetry.QueueDepthGauge.Set(float64(p.Depth()))
	p.logger.Info("job queued", "job_id", job.ID, "type", job.Type, "files", len(job.Input.Files))
	return job, nil
}

// submit hands an ID whose slot is already held to the workers.
func (p *Processor) submit(id string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return models.ErrQueueClosed
	}
	// Never blocks: ids has the same capacity as slots.
	p.ids <- id
	return nil
}

func (p *Processor) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Cancel requests cancellation of a queued or processing job. It reports
// false when the job had already reached a terminal state or its outcome was
// already decided.
func (p *Processor) Cancel(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rs, ok := p.running[id]; ok {
		if rs.finished {
			return false, nil
		}
		rs.cancelled = true
		rs.cancel()
		p.logger.Info("job cancel requested", "job_id", id, "status", models.StatusProcessing)
		return true, nil
	}
	// Workers register in running under p.mu before writing to the store, so
	// with the lock held a queued job cannot start underneath this read.
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status != models.StatusQueued {
		return false, nil
	}
	p.cancelled[id] = true
	p.logger.Info("job cancel requested", "job_id", id, "status", job.Status)
	return true, nil
}

func (p *Processor) process(id string, log *slog.Logger) {
	defer func() {
		<-p.slots
		telemetry.QueueDepthGauge.Set(float64(p.Depth()))
	}()
	if p.baseCtx.Err() != nil {
		// Aborted shutdown: leave the job queued for the next process.
		return
	}

	ctx, cancel := context.WithTimeout(p.baseCtx, p.opts.JobTimeout)
	defer cancel()
	rs := &runState{cancel: cancel}
	p.mu.Lock()
	if p.cancelled[id] {
		delete(p.cancelled, id)
		rs.cancelled = true
		cancel()
	}
	p.running[id] = rs
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, id)
		p.mu.Unlock()
	}()

	job, err := p.write(id, models.JobPatch{Status: models.StatusPtr(models.StatusProcessing), Progress: models.IntPtr(startProgress)})
	if err != nil {
		log.Error("job could not start", "job_id", id, "err", err)
		return
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	start := time.Now()
	log.Info("job processing", "job_id", id, "type", job.Type)

	progress := func(pct int) {
		if _, err := p.write(id, models.JobPatch{Progress: models.IntPtr(pct)}); err != nil {
			log.Debug("progress not recorded", "job_id", id, "progress", pct, "err", err)
		}
	}

	output, runErr := p.run(ctx, job, progress, log)
	elapsed := time.Since(start)

	// Decide the outcome under the lock so a late Cancel is refused, not half-applied.
	p.mu.Lock()
	rs.finished = true
	succeeded := runErr == nil && ctx.Err() == nil
	p.mu.Unlock()

	if succeeded {
		if _, err := p.write(id, models.JobPatch{Status: models.StatusPtr(models.StatusCompleted), Output: output}); err != nil {
			log.Error("job result not recorded", "job_id", id, "err", err)
			return
		}
		telemetry.JobsCompleted.WithLabelValues(job.Type).Inc()
		telemetry.JobDuration.WithLabelValues(job.Type, string(models.StatusCompleted)).Observe(elapsed.Seconds())
		log.Info("job completed", "job_id", id, "type", job.Type, "duration", elapsed)
		return
	}

	msg, reason := p.describeFailure(ctx, rs, runErr)
	if _, err := p.write(id, models.JobPatch{Status: models.StatusPtr(models.StatusFailed), Error: models.StringPtr(msg)}); err != nil {
		log.Error("job failure not recorded", "job_id", id, "err", err)
		return
	}
	telemetry.JobsFailed.WithLabelValues(job.Type, reason).Inc()
	telemetry.JobDuration.WithLabelValues(job.Type, string(models.StatusFailed)).Observe(elapsed.Seconds())
	log.Warn("job failed", "job_id", id, "type", job.Type, "reason", reason, "err", msg, "duration", elapsed)
}

// run executes the handler, turning a panic into an ordinary failure.
func (p *Processor) run(ctx context.Context, job models.Job, progress orchestrator.ProgressFunc, log *slog.Logger) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.exec.Execute(ctx, job, progress)
}

func (p *Processor) describeFailure(ctx context.Context, rs *runState, runErr error) (string, string) {
	p.mu.RLock()
	cancelled := rs.cancelled
	p.mu.RUnlock()
	switch {
	case cancelled:
		return msgCancelled, "cancelled"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("job timed out after %s", p.opts.JobTimeout), "timeout"
	case p.baseCtx.Err() != nil:
		return msgShutdown, "shutdown"
	case errors.Is(runErr, orchestrator.ErrUnknownJobType):
		return runErr.Error(), "unknown_type"
	case runErr != nil && runErr.Error() != "":
		return runErr.Error(), "error"
	default:
		return "job failed", "error"
	}
}

// write applies a patch with a context detached from the job's deadline so
// terminal states are recorded even after a timeout or cancel.
func (p *Processor) write(id string, patch models.JobPatch) (models.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteWait)
	defer cancel()
	return p.store.Update(ctx, id, patch)
}

// Recover reconciles jobs left behind by a previous process. Queued jobs are
// rescheduled in creation order; processing jobs cannot be resumed and are
// marked failed. Rescheduling waits for free slots in the background.
func (p *Processor) Recover(ctx context.Context) (requeued, failed int, err error) {
	jobs, err := p.store.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list jobs: %w", err)
	}
	var pending []string
	for _, job := range jobs {
		switch job.Status {
		case models.StatusQueued:
			pending = append(pending, job.ID)
		case models.StatusProcessing:
			if _, err := p.store.Update(ctx, job.ID, models.JobPatch{Status: models.StatusPtr(models.StatusFailed), Error: models.StringPtr(msgRestart)}); err != nil {
				p.logger.Error("recover: mark failed", "job_id", job.ID, "err", err)
				continue
			}
			telemetry.JobsFailed.WithLabelValues(job.Type, "restart").Inc()
			failed++
		}
	}
	if len(pending) > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for _, id := range pending {
				select {
				case p.slots <- struct{}{}:
				case <-p.baseCtx.Done():
					return
				}
				if err := p.submit(id); err != nil {
					<-p.slots
					return
				}
				telemetry.QueueDepthGauge.Set(float64(p.Depth()))
			}
		}()
	}
	p.logger.Info("recovered jobs", "requeued", len(pending), "failed", failed)
	return len(pending), failed, nil
}

// Shutdown stops accepting jobs and waits for workers to drain the queue.
// If ctx expires first, running handlers are cancelled, their jobs are marked
// failed, and jobs not yet started are left queued.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ids)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.abort()
		return nil
	case <-ctx.Done():
		p.abort()
		<-done
		return ctx.Err()
	}
}
