package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"tessra/internal/domain"
	"tessra/internal/observability"
	"tessra/internal/service"
	"tessra/internal/storage"
)

// SettingsHandler exposes the runtime settings to the admin UI.
type SettingsHandler struct {
	settings  *service.SettingsCache
	fallbacks map[string]string
	s3        storage.S3Config
}

// NewSettingsHandler creates a settings handler. fallbacks holds the configured
// value for each key, used when the key has never been set.
func NewSettingsHandler(settings *service.SettingsCache, fallbacks map[string]string, s3 storage.S3Config) *SettingsHandler {
	return &SettingsHandler{settings: settings, fallbacks: fallbacks, s3: s3}
}

// UpdateSettingRequest is the PATCH body
type UpdateSettingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// List handles GET /api/admin/settings
func (h *SettingsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.All(r.Context(), h.fallbacks))
}

// Update handles PATCH /api/admin/settings. Switching to S3 is refused unless
// the bucket is reachable.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := domain.ValidateSetting(req.Key, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Key == domain.SettingStorageDriver && req.Value == storage.DriverS3 {
		if status := storage.CheckS3(r.Context(), h.s3); !status.Configured || !status.Connected {
			writeError(w, http.StatusBadRequest, status.Message)
			return
		}
	}

	if err := h.settings.Set(r.Context(), req.Key, req.Value); err != nil {
		if errors.Is(err, domain.ErrInvalidSetting) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		observability.FromContext(r.Context()).Error("failed to update setting",
			slog.String("key", req.Key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "Failed to update setting")
		return
	}

	observability.FromContext(r.Context()).Info("setting updated",
		slog.String("key", req.Key),
		slog.String("value", req.Value),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// S3Status handles GET /api/admin/settings/s3-status
func (h *SettingsHandler) S3Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, storage.CheckS3(r.Context(), h.s3))
}

// ClearCache handles POST /api/admin/settings/cache/clear
func (h *SettingsHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.settings.ClearCache(r.Context())
	if err != nil {
		observability.FromContext(r.Context()).Error("failed to clear settings cache", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "Settings cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": n})
}
