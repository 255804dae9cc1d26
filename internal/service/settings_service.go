package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tessra/internal/cache"
	"tessra/internal/domain"
	"tessra/internal/observability"
)

const (
	SettingsCacheTTL    = 5 * time.Minute
	settingsCachePrefix = "settings:"
)

// SettingsCache is a read-through cache over the settings table. Writes go to
// the table first and then drop the cached copy.
type SettingsCache struct {
	repo  domain.SettingRepository
	store cache.Store
}

func NewSettingsCache(repo domain.SettingRepository, store cache.Store) *SettingsCache {
	return &SettingsCache{repo: repo, store: store}
}

// Get returns the value for key, or fallback when it has never been set or
// either store fails. A fallback is never written to the cache.
func (s *SettingsCache) Get(ctx context.Context, key, fallback string) string {
	cacheKey := settingsCachePrefix + key

	v, err := s.store.Get(ctx, cacheKey)
	if err == nil {
		observability.SettingsCacheLookupsTotal.WithLabelValues("hit").Inc()
		return v
	}
	if !errors.Is(err, cache.ErrMiss) {
		observability.SettingsCacheLookupsTotal.WithLabelValues("error").Inc()
		slog.Warn("settings cache unavailable, using fallback",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return fallback
	}

	setting, err := s.repo.Get(ctx, key)
	if errors.Is(err, domain.ErrSettingNotFound) {
		observability.SettingsCacheLookupsTotal.WithLabelValues("fallback").Inc()
		return fallback
	}
	if err != nil {
		observability.SettingsCacheLookupsTotal.WithLabelValues("error").Inc()
		slog.Warn("settings read failed, using fallback",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return fallback
	}

	observability.SettingsCacheLookupsTotal.WithLabelValues("miss").Inc()
	if err := s.store.Set(ctx, cacheKey, setting.Value, SettingsCacheTTL); err != nil {
		slog.Warn("failed to populate settings cache", slog.String("key", key), slog.String("error", err.Error()))
	}
	return setting.Value
}

// Set validates and persists the value, then invalidates the cached copy. Both
// failures are returned.
func (s *SettingsCache) Set(ctx context.Context, key, value string) error {
	if err := domain.ValidateSetting(key, value); err != nil {
		return err
	}

	if err := s.repo.Upsert(ctx, key, value); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}

	if err := s.store.Del(ctx, settingsCachePrefix+key); err != nil {
		return fmt.Errorf("failed to invalidate setting %s: %w", key, err)
	}
	return nil
}

// All returns every known setting, resolving each through Get.
func (s *SettingsCache) All(ctx context.Context, fallbacks map[string]string) map[string]string {
	out := make(map[string]string, len(fallbacks))
	for _, key := range domain.SettingKeys() {
		out[key] = s.Get(ctx, key, fallbacks[key])
	}
	return out
}

// ClearCache drops every cached setting.
func (s *SettingsCache) ClearCache(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteByPrefix(ctx, settingsCachePrefix)
	if err != nil {
		return n, fmt.Errorf("failed to clear settings cache: %w", err)
	}
	slog.Info("settings cache cleared", slog.Int64("keys", n))
	return n, nil
}
