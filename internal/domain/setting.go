package domain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrSettingNotFound = errors.New("setting not found")
	ErrInvalidSetting  = errors.New("invalid setting")
)

// Known setting keys.
const (
	SettingStorageDriver     = "storage_driver"
	SettingDefaultVisibility = "default_visibility"
	SettingOCREnabled        = "ocr_enabled"
)

// allowedSettings lists every key an operator may change and its permitted values.
var allowedSettings = map[string][]string{
	SettingStorageDriver:     {"local", "s3"},
	SettingDefaultVisibility: {string(VisibilityPublic), string(VisibilityPrivate)},
	SettingOCREnabled:        {"true", "false"},
}

// Setting is a durable key/value pair
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingRepository defines the interface for settings data access
type SettingRepository interface {
	// Get returns ErrSettingNotFound when the key has never been written.
	Get(ctx context.Context, key string) (*Setting, error)
	// Upsert inserts the key or updates its value in one statement.
	Upsert(ctx context.Context, key, value string) error
}

// ValidateSetting checks a key/value pair against the allowed settings.
func ValidateSetting(key, value string) error {
	values, ok := allowedSettings[key]
	if !ok {
		return fmt.Errorf("%w: unknown key %q", ErrInvalidSetting, key)
	}
	if !slices.Contains(values, value) {
		return fmt.Errorf("%w: %s must be one of: %s", ErrInvalidSetting, key, strings.Join(values, ", "))
	}
	return nil
}

// SettingKeys returns the known setting keys in a stable order.
func SettingKeys() []string {
	return []string{SettingStorageDriver, SettingDefaultVisibility, SettingOCREnabled}
}
