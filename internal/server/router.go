// Package server assembles the HTTP routes.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tessra/internal/handler"
	"tessra/internal/middleware"
)

// Routes holds everything the router dispatches to. TrustProxy makes the
// client address come from X-Forwarded-For / X-Real-IP; leave it off unless a
// reverse proxy overwrites those headers.
type Routes struct {
	AllowedOrigins []string
	TrustProxy     bool

	Gate          *middleware.AuthGate
	CSRF          middleware.CSRFRedeemer
	LoginLimiter  *middleware.RateLimiter
	PublicLimiter *middleware.RateLimiter

	Auth     *handler.AuthHandler
	Settings *handler.SettingsHandler
	Uploads  *handler.UploadHandler
	Ready    http.HandlerFunc
}

// NewRouter builds the chi router. Every admin route requires authentication
// and, for unsafe methods, a single-use CSRF token.
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	if rt.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.AllowedOrigins))
	r.Use(middleware.Metrics())

	r.Get("/health", handler.Health)
	if rt.Ready != nil {
		r.Get("/health/ready", rt.Ready)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Not Found"}`, http.StatusNotFound)
	})

	r.Group(func(r chi.Router) {
		if rt.PublicLimiter != nil {
			r.Use(rt.PublicLimiter.Middleware())
		}
		r.Get("/uploads/{id}", rt.Uploads.Serve)
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if rt.LoginLimiter != nil {
					r.Use(rt.LoginLimiter.Middleware())
				}
				r.Post("/login", rt.Auth.Login)
			})
			r.Post("/logout", rt.Auth.Logout)
			r.Get("/session", rt.Auth.Session)
			r.Get("/csrf", rt.Auth.CSRFToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(rt.Gate.RequireAdmin)
			r.Use(middleware.RequireCSRF(rt.CSRF))

			r.Post("/upload", rt.Uploads.Upload)

			r.Get("/admin/ping", rt.Auth.Ping)
			r.Route("/admin/settings", func(r chi.Router) {
				r.Get("/", rt.Settings.List)
				r.Patch("/", rt.Settings.Update)
				r.Get("/s3-status", rt.Settings.S3Status)
				r.Post("/cache/clear", rt.Settings.ClearCache)
			})
		})
	})

	return r
}
