package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"tessra/internal/domain"
	"tessra/internal/observability"
	"tessra/internal/security"

	"golang.org/x/crypto/bcrypt"
)

// AdminCredential checks a presented admin key against either a plain token
// (constant-time comparison) or a bcrypt hash.
type AdminCredential struct {
	token []byte
	hash  []byte
}

func NewAdminCredential(token, hash string) *AdminCredential {
	return &AdminCredential{token: []byte(token), hash: []byte(hash)}
}

// Verify reports whether key matches the configured credential.
func (c *AdminCredential) Verify(key string) bool {
	if key == "" {
		return false
	}
	if len(c.hash) > 0 {
		return bcrypt.CompareHashAndPassword(c.hash, []byte(key)) == nil
	}
	if len(c.token) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(c.token, []byte(key)) == 1
}

// RateLimitedError carries the limiter state back to the caller for the
// Retry-After hint.
type RateLimitedError struct {
	Result security.RateLimitResult
}

func (e *RateLimitedError) Error() string {
	return domain.ErrRateLimited.Error()
}

func (e *RateLimitedError) Unwrap() error {
	return domain.ErrRateLimited
}

// AuthService implements admin login and logout.
type AuthService struct {
	sessions   *SessionManager
	limiter    *security.RateLimiter
	credential *AdminCredential
}

func NewAuthService(sessions *SessionManager, limiter *security.RateLimiter, credential *AdminCredential) *AuthService {
	return &AuthService{
		sessions:   sessions,
		limiter:    limiter,
		credential: credential,
	}
}

// Login throttles by client address, verifies the admin key and returns a new
// session token. A successful login forgives earlier failed attempts.
func (s *AuthService) Login(ctx context.Context, adminKey, clientIP string) (string, error) {
	res := s.limiter.Check(ctx, clientIP, security.LoginNamespace, security.LoginMaxAttempts, security.LoginWindow)
	if res.Limited {
		return "", &RateLimitedError{Result: res}
	}

	if !s.credential.Verify(adminKey) {
		return "", domain.ErrUnauthorized
	}

	if err := s.limiter.Reset(ctx, clientIP, security.LoginNamespace); err != nil {
		observability.FromContext(ctx).Warn("failed to reset login rate limit", slog.String("error", err.Error()))
	}

	token, err := s.sessions.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return token, nil
}

func (s *AuthService) Logout(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

// ValidateSession reports whether the session token is live.
func (s *AuthService) ValidateSession(ctx context.Context, token string) (bool, error) {
	return s.sessions.Validate(ctx, token)
}
