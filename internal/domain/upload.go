package domain

import (
	"context"
	"errors"
	"time"
)

var ErrUploadNotFound = errors.New("upload not found")

// Visibility controls whether an upload is served publicly
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Upload is the metadata row for a stored file
type Upload struct {
	ID            string     `json:"id"`
	ObjectKey     string     `json:"object_key"`
	StorageDriver string     `json:"storage_driver"`
	Mime          string     `json:"mime"`
	SizeBytes     int64      `json:"size_bytes"`
	SHA256        string     `json:"sha256"`
	Visibility    Visibility `json:"visibility"`
	OCRText       *string    `json:"ocr_text,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// UploadRepository defines the interface for upload metadata access
type UploadRepository interface {
	Create(ctx context.Context, upload *Upload) error
	GetPublic(ctx context.Context, id string) (*Upload, error)
	// SetOCRText overwrites the extracted text, so repeated calls are idempotent.
	SetOCRText(ctx context.Context, id, text string) error
}
