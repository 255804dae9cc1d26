package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"tessra/internal/domain"
	"tessra/internal/jobs"
	"tessra/internal/observability"
	"tessra/internal/ocr"
)

var ErrEmptyUpload = errors.New("file required")

// SettingsReader resolves a setting with a fallback.
type SettingsReader interface {
	Get(ctx context.Context, key, fallback string) string
}

// JobEnqueuer is the part of the job queue uploads need.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts jobs.EnqueueOptions) (*domain.Job, error)
}

// UploadDefaults are the configured values used when a setting is absent.
type UploadDefaults struct {
	StorageDriver string
	Visibility    domain.Visibility
	OCREnabled    bool
}

// UploadService stores files content-addressed and schedules OCR for images.
type UploadService struct {
	uploads   domain.UploadRepository
	providers ocr.ProviderSource
	settings  SettingsReader
	queue     JobEnqueuer
	defaults  UploadDefaults
}

func NewUploadService(uploads domain.UploadRepository, providers ocr.ProviderSource, settings SettingsReader, queue JobEnqueuer, defaults UploadDefaults) *UploadService {
	return &UploadService{
		uploads:   uploads,
		providers: providers,
		settings:  settings,
		queue:     queue,
		defaults:  defaults,
	}
}

// ObjectKey derives the storage key from the content hash and mime subtype.
func ObjectKey(hash, mime string) string {
	ext := "bin"
	if _, sub, ok := strings.Cut(mime, "/"); ok {
		sub, _, _ = strings.Cut(sub, ";")
		if sub = strings.TrimSpace(sub); sub != "" {
			ext = sub
		}
	}
	return fmt.Sprintf("uploads/%s/%s.%s", hash[:2], hash, ext)
}

// Upload stores data and records it. OCR is enqueued for images when enabled;
// an enqueue failure is logged and does not fail the upload.
func (s *UploadService) Upload(ctx context.Context, data []byte, mime string) (*domain.Upload, error) {
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}
	if mime == "" {
		mime = "application/octet-stream"
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	key := ObjectKey(hash, mime)

	driver := s.settings.Get(ctx, domain.SettingStorageDriver, s.defaults.StorageDriver)
	provider, err := s.providers.Get(driver)
	if err != nil {
		return nil, err
	}
	if err := provider.Put(ctx, key, data, mime); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	visibility := domain.Visibility(s.settings.Get(ctx, domain.SettingDefaultVisibility, string(s.defaults.Visibility)))

	upload := &domain.Upload{
		ObjectKey:     key,
		StorageDriver: driver,
		Mime:          mime,
		SizeBytes:     int64(len(data)),
		SHA256:        hash,
		Visibility:    visibility,
	}
	if err := s.uploads.Create(ctx, upload); err != nil {
		return nil, fmt.Errorf("failed to record upload: %w", err)
	}

	log := observability.FromContext(ctx).With(slog.String("upload_id", upload.ID))
	log.Info("upload stored",
		slog.String("driver", driver),
		slog.String("mime", mime),
		slog.Int64("size_bytes", upload.SizeBytes))

	if s.ocrEnabled(ctx) && strings.HasPrefix(mime, "image/") {
		_, err := s.queue.Enqueue(ctx, ocr.JobName, ocr.Payload{
			UploadID:      upload.ID,
			ObjectKey:     key,
			Mime:          mime,
			StorageDriver: driver,
		}, jobs.EnqueueOptions{
			Attempts: jobs.DefaultAttempts,
			Backoff:  &jobs.DefaultBackoff,
		})
		if err != nil {
			log.Error("failed to enqueue ocr job", slog.String("error", err.Error()))
		}
	}

	return upload, nil
}

func (s *UploadService) ocrEnabled(ctx context.Context) bool {
	fallback := "false"
	if s.defaults.OCREnabled {
		fallback = "true"
	}
	return s.settings.Get(ctx, domain.SettingOCREnabled, fallback) == "true"
}

// OpenPublic returns a public upload and its bytes. Private and unknown ids
// both yield ErrUploadNotFound.
func (s *UploadService) OpenPublic(ctx context.Context, id string) (*domain.Upload, []byte, error) {
	upload, err := s.uploads.GetPublic(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	provider, err := s.providers.Get(upload.StorageDriver)
	if err != nil {
		return nil, nil, err
	}

	data, err := provider.Get(ctx, upload.ObjectKey)
	if err != nil {
		return nil, nil, err
	}
	return upload, data, nil
}
