package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"style-pipeline/internal/models"
	"style-pipeline/internal/status"
)

// ErrTimedOut is returned when the attempt budget runs out before a terminal state.
var ErrTimedOut = errors.New("polling timed out")

// State is where a Poller is in its lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateDone     State = "done"
	StateFailed   State = "failed"
	StateTimedOut State = "timed-out"
)

// Source is the server surface the poller reads from. *Client implements it.
type Source interface {
	Status(ctx context.Context, id string) (status.Snapshot, error)
	Result(ctx context.Context, id string) (json.RawMessage, error)
}

// Outcome is the final observation of a poll.
type Outcome struct {
	State    State
	Snapshot status.Snapshot
	Result   json.RawMessage
	Error    string
	Attempts int
}

// Poller repeatedly reads a job's status until it is terminal or the budget is spent.
type Poller struct {
	src         Source
	Interval    time.Duration
	MaxAttempts int
	// OnUpdate, if set, sees every successful snapshot.
	OnUpdate func(status.Snapshot)
	logger   *slog.Logger

	mu    sync.Mutex
	state State
}

func NewPoller(src Source, logger *slog.Logger) *Poller {
	return &Poller{src: src, Interval: time.Second, MaxAttempts: 30, logger: logger, state: StateIdle}
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) set(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Poll blocks until job id completes, fails, or the attempt budget runs out.
// Cancelling ctx abandons polling without contacting the server again; the
// job keeps running server-side.
func (p *Poller) Poll(ctx context.Context, id string) (Outcome, error) {
	p.set(StatePolling)
	out := Outcome{State: StatePolling}
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			p.set(StateIdle)
			out.State = StateIdle
			return out, err
		}
		out.Attempts = attempt
		if done, err := p.attempt(ctx, id, &out); done {
			p.set(out.State)
			return out, err
		}
		if attempt == p.MaxAttempts {
			break
		}
		t := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			p.set(StateIdle)
			out.State = StateIdle
			return out, ctx.Err()
		case <-t.C:
		}
	}
	out.State = StateTimedOut
	out.Error = fmt.Sprintf("no terminal state after %d attempts", p.MaxAttempts)
	p.set(StateTimedOut)
	return out, ErrTimedOut
}

// attempt performs one status read; it reports true when polling should stop.
func (p *Poller) attempt(ctx context.Context, id string, out *Outcome) (bool, error) {
	snap, err := p.src.Status(ctx, id)
	if err != nil {
		return p.handleErr(ctx, id, out, err)
	}
	out.Snapshot = snap
	if p.OnUpdate != nil {
		p.OnUpdate(snap)
	}
	switch snap.Status {
	case models.StatusCompleted:
		result, err := p.src.Result(ctx, id)
		if err != nil {
			return p.handleErr(ctx, id, out, err)
		}
		out.State = StateDone
		out.Result = result
		return true, nil
	case models.StatusFailed:
		out.State = StateFailed
		out.Error = snap.Error
		return true, &models.ProcessingFailure{Message: snap.Error}
	default:
		return false, nil
	}
}

func (p *Poller) handleErr(ctx context.Context, id string, out *Outcome, err error) (bool, error) {
	if ctx.Err() != nil {
		out.State = StateIdle
		return true, ctx.Err()
	}
	var still *models.StillProcessingError
	var pf *models.ProcessingFailure
	switch {
	case errors.Is(err, models.ErrNotFound):
		out.State = StateFailed
		out.Error = models.ErrNotFound.Error()
		return true, err
	case errors.As(err, &pf):
		out.State = StateFailed
		out.Error = pf.Message
		return true, err
	case errors.As(err, &still), isTransient(err):
		p.logger.Warn("poll attempt failed", "job_id", id, "attempt", out.Attempts, "err", err)
		return false, nil
	default:
		out.State = StateFailed
		out.Error = err.Error()
		return true, err
	}
}
