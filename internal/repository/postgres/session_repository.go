package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tessra/internal/domain"
)

// sessionLockKey serializes session replacement across every connection.
const sessionLockKey int64 = 0x7e55a5e5

const (
	sessionLockQuery      = `SELECT pg_advisory_xact_lock($1)`
	sessionDeleteAllQuery = `DELETE FROM sessions`
	sessionInsertQuery    = `
		INSERT INTO sessions (token, created_at, expires_at, last_activity_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	sessionTouchQuery = `
		UPDATE sessions SET last_activity_at = $2
		WHERE token = $1 AND expires_at > $2 AND last_activity_at > $3
	`
	sessionDeleteQuery      = `DELETE FROM sessions WHERE token = $1`
	sessionDeleteStaleQuery = `DELETE FROM sessions WHERE expires_at < $1 OR last_activity_at < $2`
)

type SessionRepository struct {
	db              *sql.DB
	tx              *TxManager
	touchStmt       *sql.Stmt
	deleteStmt      *sql.Stmt
	deleteStaleStmt *sql.Stmt
}

// NewSessionRepository creates a new SessionRepository with prepared statements.
// Returns an error if statement preparation fails.
func NewSessionRepository(db *sql.DB) (*SessionRepository, error) {
	repo := &SessionRepository{db: db, tx: NewTxManager(db)}

	var err error
	repo.touchStmt, err = db.Prepare(sessionTouchQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare touch statement: %w", err)
	}

	repo.deleteStmt, err = db.Prepare(sessionDeleteQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	repo.deleteStaleStmt, err = db.Prepare(sessionDeleteStaleQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deleteStale statement: %w", err)
	}

	return repo, nil
}

// ReplaceAll removes every session and inserts the new one in one transaction.
// The advisory lock makes two concurrent logins commit one after the other, so
// exactly one row survives.
func (r *SessionRepository) ReplaceAll(ctx context.Context, session *domain.Session) error {
	return r.tx.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sessionLockQuery, sessionLockKey); err != nil {
			return fmt.Errorf("failed to lock sessions: %w", err)
		}

		if _, err := tx.ExecContext(ctx, sessionDeleteAllQuery); err != nil {
			return fmt.Errorf("failed to delete sessions: %w", err)
		}

		err := tx.QueryRowContext(ctx, sessionInsertQuery,
			session.Token,
			session.CreatedAt,
			session.ExpiresAt,
			session.LastActivityAt,
		).Scan(&session.ID)
		if IsUniqueViolation(err, "sessions_token_key") {
			return domain.ErrSessionConflict
		}
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	})
}

func (r *SessionRepository) Touch(ctx context.Context, token string, now, idleCutoff time.Time) (bool, error) {
	result, err := r.touchStmt.ExecContext(ctx, token, now, idleCutoff)
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n == 1, nil
}

func (r *SessionRepository) Delete(ctx context.Context, token string) error {
	_, err := r.deleteStmt.ExecContext(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteStale(ctx context.Context, now, idleCutoff time.Time) (int64, error) {
	result, err := r.deleteStaleStmt.ExecContext(ctx, now, idleCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale sessions: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return count, nil
}

// Verify interface compliance
var _ domain.SessionRepository = (*SessionRepository)(nil)
