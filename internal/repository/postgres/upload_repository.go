package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tessra/internal/domain"
)

const (
	uploadCreateQuery = `
		INSERT INTO uploads (object_key, storage_driver, mime, size_bytes, sha256, visibility)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	uploadGetPublicQuery = `
		SELECT id, object_key, storage_driver, mime, size_bytes, sha256, visibility, ocr_text, created_at
		FROM uploads
		WHERE id = $1 AND visibility = 'public'
	`
	uploadSetOCRTextQuery = `UPDATE uploads SET ocr_text = $2 WHERE id = $1`
)

type UploadRepository struct {
	db             *sql.DB
	createStmt     *sql.Stmt
	getPublicStmt  *sql.Stmt
	setOCRTextStmt *sql.Stmt
}

// NewUploadRepository creates a new UploadRepository with prepared statements.
func NewUploadRepository(db *sql.DB) (*UploadRepository, error) {
	repo := &UploadRepository{db: db}

	var err error
	repo.createStmt, err = db.Prepare(uploadCreateQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare create statement: %w", err)
	}

	repo.getPublicStmt, err = db.Prepare(uploadGetPublicQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare getPublic statement: %w", err)
	}

	repo.setOCRTextStmt, err = db.Prepare(uploadSetOCRTextQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare setOCRText statement: %w", err)
	}

	return repo, nil
}

func (r *UploadRepository) Create(ctx context.Context, upload *domain.Upload) error {
	err := r.createStmt.QueryRowContext(ctx,
		upload.ObjectKey,
		upload.StorageDriver,
		upload.Mime,
		upload.SizeBytes,
		upload.SHA256,
		string(upload.Visibility),
	).Scan(&upload.ID, &upload.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

// GetPublic returns ErrUploadNotFound for private, missing and malformed ids alike.
func (r *UploadRepository) GetPublic(ctx context.Context, id string) (*domain.Upload, error) {
	var (
		u          domain.Upload
		sha        sql.NullString
		ocrText    sql.NullString
		visibility string
	)
	err := r.getPublicStmt.QueryRowContext(ctx, id).Scan(
		&u.ID,
		&u.ObjectKey,
		&u.StorageDriver,
		&u.Mime,
		&u.SizeBytes,
		&sha,
		&visibility,
		&ocrText,
		&u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) || isInvalidText(err) {
		return nil, domain.ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}

	u.SHA256 = sha.String
	u.Visibility = domain.Visibility(visibility)
	if ocrText.Valid {
		u.OCRText = &ocrText.String
	}
	return &u, nil
}

func (r *UploadRepository) SetOCRText(ctx context.Context, id, text string) error {
	result, err := r.setOCRTextStmt.ExecContext(ctx, id, text)
	if err != nil {
		return fmt.Errorf("failed to set ocr text: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrUploadNotFound
	}
	return nil
}

// Verify interface compliance
var _ domain.UploadRepository = (*UploadRepository)(nil)
