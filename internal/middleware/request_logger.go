package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"tessra/internal/observability"
)

// RequestLogger attaches chi's request id to the context logger and logs one
// line per request. It must run after chimiddleware.RequestID.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := r.Context()
		if id := chimiddleware.GetReqID(ctx); id != "" {
			ctx = observability.WithRequestID(ctx, id)
			r = r.WithContext(ctx)
		}

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if ww.statusCode >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		observability.FromContext(ctx).Log(ctx, level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.statusCode),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_ip", ClientIP(r)),
		)
	})
}
