package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownQueue = errors.New("unknown queue")
	ErrJobNotFound  = errors.New("job not found")
)

// State is where a job currently sits in its queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ParseState accepts the states that can be listed.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// JobOptions override the queue defaults for one job.
type JobOptions struct {
	// Priority orders waiting jobs, lowest first. Ties run in enqueue order.
	Priority int
	Delay    time.Duration
	Attempts int
	Backoff  time.Duration
	// JobID makes enqueueing idempotent: a second enqueue with the same ID
	// returns the existing job.
	JobID string
}

// Job is a unit of work stored in Redis.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attemptsMade"`
	BackoffMS    int64           `json:"backoffMs"`
	Progress     int             `json:"progress"`
	State        State           `json:"state"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`

	broker *RedisBroker
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decoding job %s payload: %w", j.ID, err)
	}
	return nil
}

// SetProgress records a completion percentage, extends the job's lease
// and publishes a progress event.
func (j *Job) SetProgress(ctx context.Context, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j.Progress = pct
	if j.broker == nil {
		return nil
	}
	return j.broker.progress(ctx, j)
}

// backoff is the delay before the next attempt: base doubled for every
// attempt already made.
func (j *Job) backoff() time.Duration {
	base := time.Duration(j.BackoffMS) * time.Millisecond
	if j.AttemptsMade <= 1 {
		return base
	}
	shift := j.AttemptsMade - 1
	if shift > 20 {
		shift = 20
	}
	return base << shift
}

// Handler processes one job. The returned value is stored as the job result.
type Handler func(ctx context.Context, job *Job) (any, error)

type rescheduleError struct {
	delay time.Duration
}

func (e *rescheduleError) Error() string {
	return fmt.Sprintf("job rescheduled in %s", e.delay)
}

// Reschedule returns an error that puts the job back in the delayed set
// without consuming an attempt.
func Reschedule(delay time.Duration) error {
	return &rescheduleError{delay: delay}
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err as permanent: the job fails without retrying.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was wrapped with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}
