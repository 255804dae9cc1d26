// Package jobs runs durable background work: a Postgres-backed queue and a
// pool of workers that dispatch each job to the processor registered for its
// name.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tessra/internal/domain"
	"tessra/internal/observability"
)

const (
	DefaultQueue    = "tessra-jobs"
	DefaultAttempts = 3
)

// DefaultBackoff doubles from two seconds.
var DefaultBackoff = domain.Backoff{Type: domain.BackoffExponential, Delay: 2 * time.Second}

// EnqueueOptions tune a single job. Zero values take the defaults.
type EnqueueOptions struct {
	Attempts int
	Backoff  *domain.Backoff
	Delay    time.Duration
	Priority int
}

// Queue appends jobs to the durable store and nudges idle local workers.
type Queue struct {
	repo domain.JobRepository
	name string
	now  func() time.Time
	wake chan struct{}
}

func NewQueue(repo domain.JobRepository, name string) *Queue {
	if name == "" {
		name = DefaultQueue
	}
	return &Queue{
		repo: repo,
		name: name,
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
}

// Name returns the queue the jobs are stored under.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue stores a job and returns it with its id. It never waits for processing.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (*domain.Job, error) {
	if name == "" {
		return nil, errors.New("job name is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	attempts := opts.Attempts
	if attempts < 1 {
		attempts = DefaultAttempts
	}
	backoff := DefaultBackoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}

	job := &domain.Job{
		Queue:       q.name,
		Name:        name,
		Payload:     raw,
		Status:      domain.JobWaiting,
		MaxAttempts: attempts,
		Backoff:     backoff,
		Priority:    opts.Priority,
		RunAt:       q.now().Add(opts.Delay),
	}

	if err := q.repo.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", name, err)
	}

	observability.FromContext(ctx).Info("job enqueued",
		slog.Int64("job_id", job.ID),
		slog.String("name", name),
		slog.Int("priority", opts.Priority),
	)

	if opts.Delay <= 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return job, nil
}
