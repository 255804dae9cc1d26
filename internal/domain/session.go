package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionConflict = errors.New("session token already exists")
)

const (
	// SessionAbsoluteTTL bounds a session's lifetime from creation.
	SessionAbsoluteTTL = 7 * 24 * time.Hour
	// SessionIdleTTL is the longest gap allowed between two validations.
	SessionIdleTTL = 24 * time.Hour
)

// Session represents the single authenticated admin session
type Session struct {
	ID             string    `json:"id"`
	Token          string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// IsLive reports whether the session is neither past its absolute expiry nor idle.
func (s *Session) IsLive(now time.Time) bool {
	return now.Before(s.ExpiresAt) && s.LastActivityAt.After(now.Add(-SessionIdleTTL))
}

// SessionRepository defines the interface for session data access.
// Every method is a single atomic statement or transaction so that concurrent
// requests never need in-process locking.
type SessionRepository interface {
	// ReplaceAll deletes every session and inserts the given one atomically.
	ReplaceAll(ctx context.Context, session *Session) error
	// Touch sets last_activity_at = now when the session is live and reports
	// whether exactly one row was updated.
	Touch(ctx context.Context, token string, now, idleCutoff time.Time) (bool, error)
	Delete(ctx context.Context, token string) error
	// DeleteStale removes expired and idle sessions.
	DeleteStale(ctx context.Context, now, idleCutoff time.Time) (int64, error)
}
