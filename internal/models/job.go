package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus enumerates lifecycle states of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job types with a registered handler.
const (
	TypeStylist  = "stylist"
	TypeWardrobe = "wardrobe"
	TypeBodyScan = "bodyscan"
	TypeGeneral  = "general"
)

// IsTerminal reports whether no further transitions are permitted.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s -> next is a forward edge of the lifecycle.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// NormalizeType maps accepted aliases onto canonical job types.
func NormalizeType(t string) string {
	if t == "body-scan" || t == "body_scan" {
		return TypeBodyScan
	}
	return t
}

// MediaFile points at one uploaded file in the blob store.
type MediaFile struct {
	Key          string `json:"key"`
	OriginalName string `json:"originalName"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
}

// Input is the immutable work descriptor supplied at creation.
type Input struct {
	Files    []MediaFile     `json:"files"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Job is a unit of asynchronous work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	Owner       string          `json:"owner,omitempty"`
	Input       Input           `json:"input"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
}

// JobPatch is used for partial updates. Nil fields are left untouched.
type JobPatch struct {
	Status   *JobStatus
	Progress *int
	Output   json.RawMessage
	Error    *string
}

// FinishedAt returns completedAt or failedAt, whichever is set.
func (j Job) FinishedAt() (time.Time, bool) {
	if j.CompletedAt != nil {
		return *j.CompletedAt, true
	}
	if j.FailedAt != nil {
		return *j.FailedAt, true
	}
	return time.Time{}, false
}

// Clone returns a copy that shares no mutable memory with j.
func (j Job) Clone() Job {
	out := j
	out.Input.Files = append([]MediaFile(nil), j.Input.Files...)
	out.Input.Metadata = cloneRaw(j.Input.Metadata)
	out.Output = cloneRaw(j.Output)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.FailedAt != nil {
		t := *j.FailedAt
		out.FailedAt = &t
	}
	return out
}

// Apply merges patch into the job and returns the new record. Every store backend funnels its
// updates through here so lifecycle rules hold regardless of persistence.
func (j Job) Apply(patch JobPatch, now time.Time) (Job, error) {
	if j.Status.IsTerminal() {
		return j, fmt.Errorf("%w: job %s is %s", ErrTerminalJob, j.ID, j.Status)
	}
	next := j.Clone()
	target := j.Status
	if patch.Status != nil && *patch.Status != j.Status {
		if !j.Status.CanTransition(*patch.Status) {
			return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, *patch.Status)
		}
		target = *patch.Status
	}
	if patch.Output != nil && target != StatusCompleted {
		return j, fmt.Errorf("%w: output set on %s job", ErrInvalidTransition, target)
	}
	if patch.Error != nil && target != StatusFailed {
		return j, fmt.Errorf("%w: error set on %s job", ErrInvalidTransition, target)
	}

	if patch.Progress != nil && target != StatusFailed {
		p := clampProgress(*patch.Progress)
		if p > next.Progress {
			next.Progress = p
		}
	}

	next.Status = target
	next.UpdatedAt = now
	switch {
	case target == StatusCompleted:
		next.Progress = 100
		next.Output = cloneRaw(patch.Output)
		if next.Output == nil {
			next.Output = json.RawMessage("null")
		}
		t := now
		next.CompletedAt = &t
	case target == StatusFailed:
		if patch.Error != nil {
			next.Error = *patch.Error
		}
		if next.Error == "" {
			next.Error = "job failed"
		}
		t := now
		next.FailedAt = &t
	}
	return next, nil
}

// StatusPtr is a small helper for building patches.
func StatusPtr(s JobStatus) *JobStatus { return &s }

// IntPtr is a small helper for building patches.
func IntPtr(v int) *int { return &v }

// StringPtr is a small helper for building patches.
func StringPtr(v string) *string { return &v }

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
