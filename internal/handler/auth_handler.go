package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"tessra/internal/domain"
	"tessra/internal/middleware"
	"tessra/internal/observability"
	"tessra/internal/security"
	"tessra/internal/service"
)

// AuthHandler handles admin login, logout and CSRF token issue.
type AuthHandler struct {
	auth          *service.AuthService
	csrf          *security.CSRFStore
	secureCookies bool
	now           func() time.Time
}

// NewAuthHandler creates a new authentication handler. secureCookies marks the
// session cookie Secure and should be set in production.
func NewAuthHandler(auth *service.AuthService, csrf *security.CSRFStore, secureCookies bool) *AuthHandler {
	return &AuthHandler{
		auth:          auth,
		csrf:          csrf,
		secureCookies: secureCookies,
		now:           time.Now,
	}
}

// LoginRequest represents login request
type LoginRequest struct {
	AdminKey string `json:"adminKey"`
}

type rateLimitedResponse struct {
	Error   string    `json:"error"`
	ResetAt time.Time `json:"reset_at"`
}

func (h *AuthHandler) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, h.sessionCookie("", -1))
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.auth.Login(r.Context(), req.AdminKey, middleware.ClientIP(r))
	if err != nil {
		var limited *service.RateLimitedError
		switch {
		case errors.As(err, &limited):
			wait := limited.Result.ResetAt.Sub(h.now()).Seconds()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(wait)))))
			writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
				Error:   "Too many login attempts. Please try again later.",
				ResetAt: limited.Result.ResetAt,
			})
		case errors.Is(err, domain.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "Invalid admin key")
		default:
			observability.FromContext(r.Context()).Error("login failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "Login failed")
		}
		return
	}

	http.SetCookie(w, h.sessionCookie(token, int(domain.SessionAbsoluteTTL.Seconds())))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Login successful"})
}

// Logout handles POST /api/auth/logout. It succeeds without a cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(middleware.SessionCookieName); err == nil && c.Value != "" {
		if err := h.auth.Logout(r.Context(), c.Value); err != nil {
			observability.FromContext(r.Context()).Error("logout failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "Failed to logout")
			return
		}
	}

	h.clearCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logout successful"})
}

// Session handles GET /api/auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || c.Value == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
		return
	}

	ok, err := h.auth.ValidateSession(r.Context(), c.Value)
	if err != nil {
		// The session may still be live; keep the cookie.
		observability.FromContext(r.Context()).Warn("session check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
		return
	}
	if !ok {
		h.clearCookie(w)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": ok})
}

// CSRFToken handles GET /api/auth/csrf
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.csrf.Issue(r.Context())
	if err != nil {
		observability.FromContext(r.Context()).Error("failed to issue csrf token", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "CSRF token unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Ping handles GET /api/admin/ping
func (h *AuthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": h.now().UTC().Format(time.RFC3339Nano),
	})
}
