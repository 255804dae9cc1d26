package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"tessra/internal/cache"
	"tessra/internal/observability"
)

// Login throttling defaults.
const (
	LoginNamespace   = "login"
	LoginMaxAttempts = 5
	LoginWindow      = 15 * time.Minute
)

// RateLimitResult is the outcome of a fixed window check. Attempts counts the
// attempts seen in the current window.
type RateLimitResult struct {
	Limited   bool      `json:"limited"`
	Attempts  int       `json:"attempts"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RateLimiter is a fixed window counter per (namespace, identifier). When the
// cache is unreachable every check is allowed with the full budget.
type RateLimiter struct {
	store cache.Store
	now   func() time.Time
}

func NewRateLimiter(store cache.Store) *RateLimiter {
	return &RateLimiter{store: store, now: time.Now}
}

func rateLimitKey(namespace, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s", namespace, identifier)
}

// Check counts one attempt and reports whether the budget is exceeded.
func (l *RateLimiter) Check(ctx context.Context, identifier, namespace string, maxAttempts int, window time.Duration) RateLimitResult {
	now := l.now()

	count, ttl, err := l.store.IncrWindow(ctx, rateLimitKey(namespace, identifier), window)
	if err != nil {
		observability.RateLimitChecksTotal.WithLabelValues(namespace, "store_error").Inc()
		slog.Warn("rate limit store unavailable, allowing request",
			slog.String("namespace", namespace),
			slog.String("error", err.Error()),
		)
		return RateLimitResult{Remaining: maxAttempts, ResetAt: now.Add(window)}
	}

	res := result(count, maxAttempts, now.Add(ttl))
	if res.Limited {
		observability.RateLimitChecksTotal.WithLabelValues(namespace, "limited").Inc()
	} else {
		observability.RateLimitChecksTotal.WithLabelValues(namespace, "allowed").Inc()
	}
	return res
}

// Status reports the current window without counting an attempt.
func (l *RateLimiter) Status(ctx context.Context, identifier, namespace string, maxAttempts int, window time.Duration) RateLimitResult {
	now := l.now()
	key := rateLimitKey(namespace, identifier)

	raw, err := l.store.Get(ctx, key)
	if errors.Is(err, cache.ErrMiss) {
		return RateLimitResult{Remaining: maxAttempts, ResetAt: now.Add(window)}
	}
	if err != nil {
		slog.Warn("rate limit status unavailable", slog.String("error", err.Error()))
		return RateLimitResult{Remaining: maxAttempts, ResetAt: now.Add(window)}
	}

	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return RateLimitResult{Remaining: maxAttempts, ResetAt: now.Add(window)}
	}

	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl == 0 {
		ttl = window
	}

	return result(count, maxAttempts, now.Add(ttl))
}

// Reset forgives every attempt in the current window.
func (l *RateLimiter) Reset(ctx context.Context, identifier, namespace string) error {
	if err := l.store.Del(ctx, rateLimitKey(namespace, identifier)); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

func result(count int64, maxAttempts int, resetAt time.Time) RateLimitResult {
	remaining := int64(maxAttempts) - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Limited:   count > int64(maxAttempts),
		Attempts:  int(count),
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}
}
