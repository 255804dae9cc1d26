package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tessra/internal/domain"
	"tessra/internal/observability"
	"tessra/internal/security"
)

// SessionCleanupInterval is how often StartCleanup sweeps stale sessions.
const SessionCleanupInterval = time.Hour

// SessionManager owns the single admin session. Creating a session revokes every
// earlier one, and validation refreshes activity in the same conditional write.
type SessionManager struct {
	repo domain.SessionRepository
	now  func() time.Time
}

func NewSessionManager(repo domain.SessionRepository) *SessionManager {
	return &SessionManager{repo: repo, now: time.Now}
}

// Create revokes all sessions and returns the token of the new one.
func (m *SessionManager) Create(ctx context.Context) (string, error) {
	// On a token collision, retry once with a fresh token.
	for attempt := 0; attempt < 2; attempt++ {
		token, err := security.GenerateToken()
		if err != nil {
			return "", err
		}

		now := m.now()
		session := &domain.Session{
			Token:          token,
			CreatedAt:      now,
			ExpiresAt:      now.Add(domain.SessionAbsoluteTTL),
			LastActivityAt: now,
		}

		err = m.repo.ReplaceAll(ctx, session)
		if errors.Is(err, domain.ErrSessionConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create session: %w", err)
		}
		return token, nil
	}
	return "", domain.ErrSessionConflict
}

// Validate reports whether token belongs to a live session and, if so, bumps its
// last activity. A dead session is deleted on the way out. A store error is
// returned with false so callers never treat an outage as authenticated.
func (m *SessionManager) Validate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	now := m.now()
	ok, err := m.repo.Touch(ctx, token, now, now.Add(-domain.SessionIdleTTL))
	if err != nil {
		return false, fmt.Errorf("failed to validate session: %w", err)
	}
	if ok {
		return true, nil
	}

	// Zero rows means the token is unknown, expired or idle. Any row left under
	// this token is dead, so removing it is safe.
	if err := m.repo.Delete(ctx, token); err != nil {
		slog.Warn("failed to delete dead session", slog.String("error", err.Error()))
	}
	return false, nil
}

// Delete removes the session. Deleting an unknown token is not an error.
func (m *SessionManager) Delete(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.repo.Delete(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CleanupExpired deletes every expired or idle session and returns the count.
func (m *SessionManager) CleanupExpired(ctx context.Context) (int64, error) {
	now := m.now()
	n, err := m.repo.DeleteStale(ctx, now, now.Add(-domain.SessionIdleTTL))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	observability.SessionsCleanedTotal.Add(float64(n))
	return n, nil
}

// StartCleanup sweeps once immediately and then every interval until ctx is done.
// It blocks, so run it in its own goroutine.
func (m *SessionManager) StartCleanup(ctx context.Context, interval time.Duration) {
	sweep := func() {
		n, err := m.CleanupExpired(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("session cleanup failed", slog.String("error", err.Error()))
			}
			return
		}
		if n > 0 {
			slog.Info("cleaned up expired sessions", slog.Int64("count", n))
		}
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session cleanup stopped")
			return
		case <-ticker.C:
			sweep()
		}
	}
}
