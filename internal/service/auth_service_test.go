package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"tessra/internal/domain"
	"tessra/internal/security"
	"tessra/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAdminCredential_Verify(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name  string
		cred  *AdminCredential
		key   string
		valid bool
	}{
		{"token_match", NewAdminCredential("plain-secret", ""), "plain-secret", true},
		{"token_mismatch", NewAdminCredential("plain-secret", ""), "plain-secreT", false},
		{"token_prefix", NewAdminCredential("plain-secret", ""), "plain", false},
		{"empty_key", NewAdminCredential("plain-secret", ""), "", false},
		{"nothing_configured", NewAdminCredential("", ""), "anything", false},
		{"hash_match", NewAdminCredential("", string(hash)), "hashed-secret", true},
		{"hash_mismatch", NewAdminCredential("", string(hash)), "plain-secret", false},
		{"hash_takes_precedence", NewAdminCredential("plain-secret", string(hash)), "plain-secret", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.cred.Verify(tt.key))
		})
	}
}

type authFixture struct {
	svc      *AuthService
	sessions *testutil.MockSessionRepository
	cache    *testutil.MockCacheStore
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	repo := testutil.NewMockSessionRepository()
	store := testutil.NewMockCacheStore(clock)

	sm := NewSessionManager(repo)
	sm.now = clock.Now

	return &authFixture{
		svc:      NewAuthService(sm, security.NewRateLimiter(store), NewAdminCredential("correct-horse", "")),
		sessions: repo,
		cache:    store,
	}
}

func TestAuthService_Login(t *testing.T) {
	t.Run("success_creates_session", func(t *testing.T) {
		f := newAuthFixture(t)

		token, err := f.svc.Login(context.Background(), "correct-horse", "10.0.0.1")
		require.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.Equal(t, 1, f.sessions.Count())

		ok, err := f.svc.ValidateSession(context.Background(), token)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong_key_is_unauthorized", func(t *testing.T) {
		f := newAuthFixture(t)

		_, err := f.svc.Login(context.Background(), "wrong", "10.0.0.1")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
		assert.Equal(t, 0, f.sessions.Count())
	})

	t.Run("sixth_attempt_is_rate_limited", func(t *testing.T) {
		f := newAuthFixture(t)
		ctx := context.Background()

		for i := 0; i < security.LoginMaxAttempts; i++ {
			_, err := f.svc.Login(ctx, "wrong", "10.0.0.2")
			require.ErrorIs(t, err, domain.ErrUnauthorized)
		}

		_, err := f.svc.Login(ctx, "correct-horse", "10.0.0.2")
		require.ErrorIs(t, err, domain.ErrRateLimited)

		var rl *RateLimitedError
		require.True(t, errors.As(err, &rl))
		assert.True(t, rl.Result.Limited)
		assert.False(t, rl.Result.ResetAt.IsZero())

		// Other clients are unaffected.
		_, err = f.svc.Login(ctx, "correct-horse", "10.0.0.3")
		assert.NoError(t, err)
	})

	t.Run("success_resets_counter", func(t *testing.T) {
		f := newAuthFixture(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, _ = f.svc.Login(ctx, "wrong", "10.0.0.4")
		}
		_, err := f.svc.Login(ctx, "correct-horse", "10.0.0.4")
		require.NoError(t, err)
		assert.False(t, f.cache.Has("ratelimit:login:10.0.0.4"))
	})

	t.Run("limiter_outage_does_not_block_login", func(t *testing.T) {
		f := newAuthFixture(t)
		f.cache.Err = testutil.ErrStoreDown

		token, err := f.svc.Login(context.Background(), "correct-horse", "10.0.0.5")
		require.NoError(t, err)
		assert.NotEmpty(t, token)
	})

	t.Run("session_store_error_propagates", func(t *testing.T) {
		f := newAuthFixture(t)
		f.sessions.ReplaceAllFunc = func(ctx context.Context, s *domain.Session) error {
			return errors.New("disk full")
		}

		_, err := f.svc.Login(context.Background(), "correct-horse", "10.0.0.6")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to start session")
	})
}

func TestAuthService_Logout(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	token, err := f.svc.Login(ctx, "correct-horse", "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, token))

	ok, err := f.svc.ValidateSession(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
}
