package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown job identifiers.
	ErrNotFound = errors.New("job not found")
	// ErrTerminalJob signals an attempt to modify a completed or failed job.
	ErrTerminalJob = errors.New("job is in a terminal state")
	// ErrInvalidTransition signals a backward or skipped status change.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrQueueFull is returned when the scheduler has no free slot.
	ErrQueueFull = errors.New("job queue is full")
	// ErrQueueClosed is returned once the scheduler is shutting down.
	ErrQueueClosed = errors.New("job queue is closed")
)

// ValidationError rejects a request before any job exists.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StorageError reports media that could not be persisted.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// StillProcessingError is the intermediate signal for a result read on a non-terminal job.
type StillProcessingError struct {
	Status   JobStatus
	Progress int
}

func (e *StillProcessingError) Error() string {
	return fmt.Sprintf("job still %s (%d%%)", e.Status, e.Progress)
}

// ProcessingFailure carries the error recorded on a failed job.
type ProcessingFailure struct {
	Message string
}

func (e *ProcessingFailure) Error() string {
	return e.Message
}
