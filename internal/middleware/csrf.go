package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"tessra/internal/observability"
)

// CSRFHeader carries the single-use token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// CSRFRedeemer consumes a CSRF token.
type CSRFRedeemer interface {
	Redeem(ctx context.Context, token string) (bool, error)
}

// RequireCSRF redeems the token from X-CSRF-Token on every unsafe method.
// A missing, reused or expired token is rejected with 403; when the token
// store cannot be reached the request fails closed with 503.
//
// It must run after RequireAdmin so unauthenticated requests never burn a token.
func RequireCSRF(store CSRFRedeemer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := store.Redeem(r.Context(), r.Header.Get(CSRFHeader))
			if err != nil {
				logCSRFFailure(r, "store unavailable")
				writeError(w, http.StatusServiceUnavailable, "CSRF validation unavailable")
				return
			}
			if !ok {
				logCSRFFailure(r, "invalid token")
				writeError(w, http.StatusForbidden, "Invalid or missing CSRF token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isSafeMethod reports whether the method must not change state.
func isSafeMethod(method string) bool {
	return method == http.MethodGet ||
		method == http.MethodHead ||
		method == http.MethodOptions
}

func logCSRFFailure(r *http.Request, reason string) {
	observability.FromContext(r.Context()).Warn("CSRF validation failed",
		slog.String("reason", reason),
		slog.String("method", r.Method),
		slog.String("path", r.RequestURI),
		slog.String("remote_addr", r.RemoteAddr),
	)
}
