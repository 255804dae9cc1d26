package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"tessra/internal/observability"
)

type contextKey string

const authTypeKey contextKey = "auth_type"

// SessionCookieName carries the admin session token.
const SessionCookieName = "session_token"

// Strategy is one way of proving admin identity. Authenticate returns false to
// defer to the next strategy; an error also defers after being logged.
type Strategy interface {
	Name() string
	Authenticate(r *http.Request) (bool, error)
}

// SessionValidator checks a session token and refreshes its activity.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (bool, error)
}

// SessionStrategy admits requests with a live session cookie.
type SessionStrategy struct {
	sessions SessionValidator
}

func NewSessionStrategy(sessions SessionValidator) *SessionStrategy {
	return &SessionStrategy{sessions: sessions}
}

func (s *SessionStrategy) Name() string { return "session" }

func (s *SessionStrategy) Authenticate(r *http.Request) (bool, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return false, nil
	}
	return s.sessions.ValidateSession(r.Context(), cookie.Value)
}

// CredentialVerifier checks a presented admin key.
type CredentialVerifier interface {
	Verify(key string) bool
}

// BearerStrategy admits requests carrying the admin token as a bearer credential.
type BearerStrategy struct {
	credential CredentialVerifier
}

func NewBearerStrategy(credential CredentialVerifier) *BearerStrategy {
	return &BearerStrategy{credential: credential}
}

func (s *BearerStrategy) Name() string { return "bearer" }

func (s *BearerStrategy) Authenticate(r *http.Request) (bool, error) {
	token, ok := bearerToken(r)
	if !ok {
		return false, nil
	}
	return s.credential.Verify(token), nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// AuthGate evaluates strategies in order and admits the request on the first
// success. It denies only when every strategy defers.
type AuthGate struct {
	strategies []Strategy
}

func NewAuthGate(strategies ...Strategy) *AuthGate {
	return &AuthGate{strategies: strategies}
}

// Authenticate returns the name of the strategy that admitted r.
func (g *AuthGate) Authenticate(r *http.Request) (string, bool) {
	for _, s := range g.strategies {
		ok, err := s.Authenticate(r)
		switch {
		case err != nil:
			observability.AuthDecisionsTotal.WithLabelValues(s.Name(), "error").Inc()
			observability.FromContext(r.Context()).Warn("auth strategy failed, deferring",
				slog.String("strategy", s.Name()),
				slog.String("error", err.Error()))
		case ok:
			observability.AuthDecisionsTotal.WithLabelValues(s.Name(), "allowed").Inc()
			return s.Name(), true
		default:
			observability.AuthDecisionsTotal.WithLabelValues(s.Name(), "deferred").Inc()
		}
	}
	observability.AuthDecisionsTotal.WithLabelValues("none", "denied").Inc()
	return "", false
}

// RequireAdmin rejects unauthenticated requests with 401 before the handler runs.
func (g *AuthGate) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, ok := g.Authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		ctx := observability.WithAuthType(r.Context(), name)
		ctx = context.WithValue(ctx, authTypeKey, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthType returns the strategy that admitted the request.
func GetAuthType(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(authTypeKey).(string)
	return name, ok
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
