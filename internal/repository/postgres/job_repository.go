package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tessra/internal/domain"
)

const (
	jobEnqueueQuery = `
		INSERT INTO jobs (queue, name, payload, max_attempts, backoff_type, backoff_ms, priority, run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, status, created_at
	`
	// jobDequeueQuery claims one due job. Rows locked by another worker are
	// skipped, and active rows whose lease ran out are claimed again while they
	// have attempts left. The expired CTE fails those that ran out on their last
	// attempt; both updates see the same snapshot and touch disjoint rows.
	jobDequeueQuery = `
		WITH expired AS (
			UPDATE jobs
			SET status = 'failed', last_error = 'lease expired on final attempt',
			    locked_until = NULL, finished_at = $2
			WHERE queue = $1 AND status = 'active' AND locked_until <= $2
			  AND attempts_made >= max_attempts
		)
		UPDATE jobs
		SET status = 'active', attempts_made = attempts_made + 1, locked_until = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1
			  AND ((status = 'waiting' AND run_at <= $2)
			    OR (status = 'active' AND locked_until <= $2 AND attempts_made < max_attempts))
			ORDER BY priority DESC, run_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, name, payload, status, attempts_made, max_attempts,
		          backoff_type, backoff_ms, priority, run_at, COALESCE(last_error, ''), created_at
	`
	// The statements below only match the claim the caller holds.
	jobExtendQuery = `
		UPDATE jobs SET locked_until = $3
		WHERE id = $1 AND status = 'active' AND attempts_made = $2
	`
	jobCompleteQuery = `
		UPDATE jobs SET status = 'completed', locked_until = NULL, finished_at = NOW()
		WHERE id = $1 AND status = 'active' AND attempts_made = $2
	`
	jobRetryQuery = `
		UPDATE jobs SET status = 'waiting', run_at = $3, last_error = $4, locked_until = NULL
		WHERE id = $1 AND status = 'active' AND attempts_made = $2
	`
	jobFailQuery = `
		UPDATE jobs SET status = 'failed', last_error = $3, locked_until = NULL, finished_at = NOW()
		WHERE id = $1 AND status = 'active' AND attempts_made = $2
	`
	jobReleaseQuery = `
		UPDATE jobs
		SET status = 'waiting', attempts_made = GREATEST(attempts_made - 1, 0), locked_until = NULL
		WHERE id = $1 AND status = 'active' AND attempts_made = $2
	`
)

// JobRepository is the Postgres backed durable job queue
type JobRepository struct {
	db           *sql.DB
	enqueueStmt  *sql.Stmt
	dequeueStmt  *sql.Stmt
	extendStmt   *sql.Stmt
	completeStmt *sql.Stmt
	retryStmt    *sql.Stmt
	failStmt     *sql.Stmt
	releaseStmt  *sql.Stmt
}

// NewJobRepository creates a new JobRepository with prepared statements.
func NewJobRepository(db *sql.DB) (*JobRepository, error) {
	repo := &JobRepository{db: db}

	stmts := []struct {
		name  string
		query string
		dst   **sql.Stmt
	}{
		{"enqueue", jobEnqueueQuery, &repo.enqueueStmt},
		{"dequeue", jobDequeueQuery, &repo.dequeueStmt},
		{"extend", jobExtendQuery, &repo.extendStmt},
		{"complete", jobCompleteQuery, &repo.completeStmt},
		{"retry", jobRetryQuery, &repo.retryStmt},
		{"fail", jobFailQuery, &repo.failStmt},
		{"release", jobReleaseQuery, &repo.releaseStmt},
	}
	for _, s := range stmts {
		stmt, err := db.Prepare(s.query)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare %s statement: %w", s.name, err)
		}
		*s.dst = stmt
	}

	return repo, nil
}

func (r *JobRepository) Enqueue(ctx context.Context, job *domain.Job) error {
	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}

	var status string
	err := r.enqueueStmt.QueryRowContext(ctx,
		job.Queue,
		job.Name,
		payload,
		job.MaxAttempts,
		string(job.Backoff.Type),
		job.Backoff.Delay.Milliseconds(),
		job.Priority,
		job.RunAt,
	).Scan(&job.ID, &status, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	job.Status = domain.JobStatus(status)
	return nil
}

func (r *JobRepository) Dequeue(ctx context.Context, queue string, now time.Time, lease time.Duration) (*domain.Job, error) {
	var (
		j           domain.Job
		payload     []byte
		status      string
		backoffType string
		backoffMS   int64
	)
	err := r.dequeueStmt.QueryRowContext(ctx, queue, now, now.Add(lease)).Scan(
		&j.ID,
		&j.Queue,
		&j.Name,
		&payload,
		&status,
		&j.AttemptsMade,
		&j.MaxAttempts,
		&backoffType,
		&backoffMS,
		&j.Priority,
		&j.RunAt,
		&j.LastError,
		&j.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	j.Payload = payload
	j.Status = domain.JobStatus(status)
	j.Backoff = domain.Backoff{
		Type:  domain.BackoffType(backoffType),
		Delay: time.Duration(backoffMS) * time.Millisecond,
	}
	return &j, nil
}

func (r *JobRepository) Extend(ctx context.Context, id int64, attempt int, until time.Time) error {
	return execClaim(ctx, r.extendStmt, "extend job lease", id, attempt, until)
}

func (r *JobRepository) Complete(ctx context.Context, id int64, attempt int) error {
	return execClaim(ctx, r.completeStmt, "complete job", id, attempt)
}

func (r *JobRepository) Retry(ctx context.Context, id int64, attempt int, runAt time.Time, reason string) error {
	return execClaim(ctx, r.retryStmt, "retry job", id, attempt, runAt, reason)
}

func (r *JobRepository) Fail(ctx context.Context, id int64, attempt int, reason string) error {
	return execClaim(ctx, r.failStmt, "fail job", id, attempt, reason)
}

func (r *JobRepository) Release(ctx context.Context, id int64, attempt int) error {
	return execClaim(ctx, r.releaseStmt, "release job", id, attempt)
}

// execClaim runs a single-row update guarded by the claim and maps zero
// affected rows to ErrLeaseLost.
func execClaim(ctx context.Context, stmt *sql.Stmt, op string, args ...any) error {
	result, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Verify interface compliance
var _ domain.JobRepository = (*JobRepository)(nil)
