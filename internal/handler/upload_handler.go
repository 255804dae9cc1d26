package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tessra/internal/domain"
	"tessra/internal/observability"
	"tessra/internal/service"
	"tessra/internal/storage"
)

// DefaultMaxUploadBytes caps a multipart upload body.
const DefaultMaxUploadBytes = 25 << 20

// UploadHandler accepts admin uploads and serves public ones.
type UploadHandler struct {
	uploads  *service.UploadService
	maxBytes int64
}

func NewUploadHandler(uploads *service.UploadService, maxBytes int64) *UploadHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &UploadHandler{uploads: uploads, maxBytes: maxBytes}
}

// UploadResponse is returned after a successful upload
type UploadResponse struct {
	ID        string `json:"id"`
	PublicURL string `json:"publicUrl"`
}

// Upload handles POST /api/upload with a multipart "file" field.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "file required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" && len(data) > 0 {
		mime = http.DetectContentType(data)
	}

	upload, err := h.uploads.Upload(r.Context(), data, mime)
	if err != nil {
		if errors.Is(err, service.ErrEmptyUpload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		observability.FromContext(r.Context()).Error("upload failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Upload failed")
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		ID:        upload.ID,
		PublicURL: requestOrigin(r) + "/uploads/" + upload.ID,
	})
}

// Serve handles GET /uploads/{id}. Private and unknown uploads are both 404.
func (h *UploadHandler) Serve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	upload, data, err := h.uploads.OpenPublic(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrUploadNotFound):
		writeError(w, http.StatusNotFound, "Upload not found")
		return
	case errors.Is(err, storage.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, "File not found in storage")
		return
	case err != nil:
		observability.FromContext(r.Context()).Error("failed to open upload",
			slog.String("upload_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "Failed to read upload")
		return
	}

	w.Header().Set("Content-Type", upload.Mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
