package jobs

import (
	"context"
	"log/slog"
	"time"

	"tessra/internal/observability"
)

type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event describes the outcome of one processing attempt.
type Event struct {
	Kind        EventKind     `json:"kind"`
	JobID       int64         `json:"job_id"`
	Name        string        `json:"name"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Final       bool          `json:"final"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	At          time.Time     `json:"at"`
}

// Observer is notified after every attempt. Errors are logged by the pool and
// never cause the job to be retried.
type Observer interface {
	Observe(ctx context.Context, ev Event) error
	Close() error
}

// LogObserver writes events to the structured log and the job metrics.
type LogObserver struct{}

func (LogObserver) Observe(ctx context.Context, ev Event) error {
	log := observability.FromContext(ctx).With(
		slog.Int64("job_id", ev.JobID),
		slog.String("name", ev.Name),
		slog.Int("attempt", ev.Attempt),
		slog.Int("max_attempts", ev.MaxAttempts),
		slog.Duration("duration", ev.Duration),
	)

	observability.JobDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())

	switch {
	case ev.Kind == EventCompleted:
		observability.JobsProcessedTotal.WithLabelValues(ev.Name, string(EventCompleted)).Inc()
		log.Info("job completed")
	case ev.Final:
		observability.JobsProcessedTotal.WithLabelValues(ev.Name, string(EventFailed)).Inc()
		log.Error("job failed", slog.String("error", ev.Error))
	default:
		observability.JobsRetriedTotal.WithLabelValues(ev.Name).Inc()
		log.Warn("job attempt failed, retrying", slog.String("error", ev.Error))
	}
	return nil
}

func (LogObserver) Close() error { return nil }
