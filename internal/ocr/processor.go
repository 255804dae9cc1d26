package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"tessra/internal/domain"
	"tessra/internal/observability"
	"tessra/internal/storage"
)

// JobName is the queue name the processor is registered under.
const JobName = "ocr:process"

// Payload is the job body enqueued after an image upload.
type Payload struct {
	UploadID      string `json:"upload_id"`
	ObjectKey     string `json:"object_key"`
	Mime          string `json:"mime"`
	StorageDriver string `json:"storage_driver"`
}

// ProviderSource resolves a storage driver name.
type ProviderSource interface {
	Get(name string) (storage.Provider, error)
}

// Processor loads an upload's bytes, extracts text and stores it. Running it
// twice for the same payload overwrites the text with the same value.
type Processor struct {
	providers     ProviderSource
	defaultDriver string
	extractor     Extractor
	uploads       domain.UploadRepository
}

func NewProcessor(providers ProviderSource, defaultDriver string, extractor Extractor, uploads domain.UploadRepository) *Processor {
	return &Processor{
		providers:     providers,
		defaultDriver: defaultDriver,
		extractor:     extractor,
		uploads:       uploads,
	}
}

// Process handles one ocr:process job.
func (p *Processor) Process(ctx context.Context, job *domain.Job) error {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid ocr payload: %w", err)
	}
	if payload.UploadID == "" || payload.ObjectKey == "" {
		return errors.New("invalid ocr payload: upload_id and object_key are required")
	}

	driver := payload.StorageDriver
	if driver == "" {
		driver = p.defaultDriver
	}
	provider, err := p.providers.Get(driver)
	if err != nil {
		return err
	}

	data, err := provider.Get(ctx, payload.ObjectKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return fmt.Errorf("file not found in storage: %s", payload.ObjectKey)
		}
		return err
	}

	text, err := p.extractor.ExtractText(ctx, data, payload.Mime)
	if err != nil {
		return err
	}

	if err := p.uploads.SetOCRText(ctx, payload.UploadID, text); err != nil {
		return fmt.Errorf("failed to store ocr text: %w", err)
	}

	observability.FromContext(ctx).Info("ocr completed",
		slog.String("upload_id", payload.UploadID),
		slog.Int("chars", len(text)),
	)
	return nil
}
