package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tessra/internal/domain"
)

const (
	settingGetQuery    = `SELECT key, value, updated_at FROM settings WHERE key = $1`
	settingUpsertQuery = `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
)

type SettingRepository struct {
	db         *sql.DB
	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
}

// NewSettingRepository creates a new SettingRepository with prepared statements.
func NewSettingRepository(db *sql.DB) (*SettingRepository, error) {
	repo := &SettingRepository{db: db}

	var err error
	repo.getStmt, err = db.Prepare(settingGetQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare get statement: %w", err)
	}

	repo.upsertStmt, err = db.Prepare(settingUpsertQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	return repo, nil
}

func (r *SettingRepository) Get(ctx context.Context, key string) (*domain.Setting, error) {
	s := &domain.Setting{}
	err := r.getStmt.QueryRowContext(ctx, key).Scan(&s.Key, &s.Value, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSettingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (r *SettingRepository) Upsert(ctx context.Context, key, value string) error {
	if _, err := r.upsertStmt.ExecContext(ctx, key, value); err != nil {
		return fmt.Errorf("failed to upsert setting: %w", err)
	}
	return nil
}

// Verify interface compliance
var _ domain.SettingRepository = (*SettingRepository)(nil)
