package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrJobNotFound           = errors.New("job not found")
	ErrUnregisteredProcessor = errors.New("no processor registered for job")
	ErrLeaseLost             = errors.New("job lease lost")
)

// maxBackoff bounds every computed retry delay.
const maxBackoff = 24 * time.Hour

// JobStatus is the lifecycle state of a job row
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// BackoffType selects how the retry delay grows between attempts
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff is a retry delay policy
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the delay before the retry that follows the given failed attempt
// (1-based). Exponential backoff doubles per attempt starting at Delay and is
// capped at 24h.
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := min(b.Delay, maxBackoff)
	if b.Type == BackoffFixed {
		return d
	}
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

// Job is a durable unit of asynchronous work
type Job struct {
	ID           int64           `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      Backoff         `json:"backoff"`
	Priority     int             `json:"priority"`
	RunAt        time.Time       `json:"run_at"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Exhausted reports whether the job has used its whole attempt budget.
func (j *Job) Exhausted() bool {
	return j.AttemptsMade >= j.MaxAttempts
}

// JobRepository is the durable queue backend. Dequeue must hand a job to at most
// one caller at a time. A job whose lease expires becomes eligible again while
// it has attempts left; one that expired on its last attempt is failed.
//
// A claim is identified by the job id and the attempt number Dequeue returned.
// Every method that acts on a claim returns ErrLeaseLost once the job has been
// claimed again or has left the active state.
type JobRepository interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue claims the next eligible job or returns ErrJobNotFound.
	Dequeue(ctx context.Context, queue string, now time.Time, lease time.Duration) (*Job, error)
	Extend(ctx context.Context, id int64, attempt int, until time.Time) error
	Complete(ctx context.Context, id int64, attempt int) error
	Retry(ctx context.Context, id int64, attempt int, runAt time.Time, reason string) error
	Fail(ctx context.Context, id int64, attempt int, reason string) error
	// Release returns the claimed job to waiting without consuming an attempt.
	Release(ctx context.Context, id int64, attempt int) error
}
