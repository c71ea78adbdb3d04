package service

import (
	"errors"
	"fmt"
	"plugin-jobs/internal/models"
	"strings"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrQueueFull         = errors.New("too many queued jobs")
	ErrShutdown          = errors.New("worker shutting down")
	ErrJobRunning        = errors.New("another job is already running")
	ErrStoreNotLoaded    = errors.New("job store has not been read yet")
)

// InvalidTransitionError is returned when the state machine forbids a move
type InvalidTransitionError struct {
	ID   string
	From models.JobStatus
	To   models.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// NotCancellableError is returned when cancelling a job that already finished
type NotCancellableError struct {
	ID     string
	Status models.JobStatus
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("job %s is %s and cannot be cancelled", e.ID, e.Status)
}

// ValidationError collects every problem found in a submission
type ValidationError struct {
	Errors []error
}

func (v *ValidationError) Add(err error) {
	v.Errors = append(v.Errors, err)
}

func (v *ValidationError) HasError() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	msgs := make([]string, len(v.Errors))
	for i, err := range v.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
