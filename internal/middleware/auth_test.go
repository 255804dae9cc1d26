package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessra/internal/observability"
	"tessra/internal/service"
)

type stubSessions struct {
	valid map[string]bool
	err   error
	calls int
}

func (s *stubSessions) ValidateSession(ctx context.Context, token string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.valid[token], nil
}

const testAdminToken = "test-admin-token-0123456789abcdef"

func newTestGate(sessions *stubSessions) *AuthGate {
	return NewAuthGate(
		NewSessionStrategy(sessions),
		NewBearerStrategy(service.NewAdminCredential(testAdminToken, "")),
	)
}

func okHandler(t *testing.T, wantAuth string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, ok := GetAuthType(r.Context())
		assert.True(t, ok)
		assert.Equal(t, wantAuth, name)
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name     string
		cookie   string
		bearer   string
		wantCode int
		wantAuth string
	}{
		{"session_cookie", "live", "", http.StatusOK, "session"},
		{"bearer_token", "", testAdminToken, http.StatusOK, "bearer"},
		{"dead_session_falls_back_to_bearer", "dead", testAdminToken, http.StatusOK, "bearer"},
		{"session_wins_over_bearer", "live", testAdminToken, http.StatusOK, "session"},
		{"wrong_bearer", "", "nope", http.StatusUnauthorized, ""},
		{"dead_session_only", "dead", "", http.StatusUnauthorized, ""},
		{"nothing", "", "", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := newTestGate(&stubSessions{valid: map[string]bool{"live": true}})
			handler := gate.RequireAdmin(okHandler(t, tt.wantAuth))

			req := httptest.NewRequest(http.MethodGet, "/api/admin/ping", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.cookie})
			}
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"Unauthorized"}`, w.Body.String())
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestRequireAdmin_SessionStoreOutageDefersToBearer(t *testing.T) {
	sessions := &stubSessions{err: errors.New("sessions: store unavailable")}
	gate := newTestGate(sessions)

	before := promtest.ToFloat64(observability.AuthDecisionsTotal.WithLabelValues("session", "error"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "any"})
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	w := httptest.NewRecorder()
	gate.RequireAdmin(okHandler(t, "bearer")).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, sessions.calls)
	assert.Equal(t, before+1, promtest.ToFloat64(observability.AuthDecisionsTotal.WithLabelValues("session", "error")))

	// Without a bearer token the outage denies.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "any"})
	w = httptest.NewRecorder()
	gate.RequireAdmin(okHandler(t, "")).ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionStrategy_NoCookieSkipsStore(t *testing.T) {
	sessions := &stubSessions{}
	ok, err := NewSessionStrategy(sessions).Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, sessions.calls)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc  ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, ok := bearerToken(req)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthGate_DeniedMetric(t *testing.T) {
	gate := newTestGate(&stubSessions{})
	denied := observability.AuthDecisionsTotal.WithLabelValues("none", "denied")
	before := promtest.ToFloat64(denied)

	_, ok := gate.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
	assert.Equal(t, before+1, promtest.ToFloat64(denied))
}
