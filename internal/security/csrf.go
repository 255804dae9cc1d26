package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tessra/internal/cache"
	"tessra/internal/observability"
)

const (
	CSRFTokenTTL   = time.Hour
	csrfKeyPrefix  = "csrf:"
	csrfTokenValue = "1"
)

// CSRFStore issues and redeems single-use anti-forgery tokens. Store failures
// are returned to the caller so the request is rejected rather than admitted.
type CSRFStore struct {
	store cache.Store
	ttl   time.Duration
}

func NewCSRFStore(store cache.Store) *CSRFStore {
	return &CSRFStore{store: store, ttl: CSRFTokenTTL}
}

// Issue creates a token that can be redeemed once within CSRFTokenTTL.
func (s *CSRFStore) Issue(ctx context.Context) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}

	if err := s.store.Set(ctx, csrfKeyPrefix+token, csrfTokenValue, s.ttl); err != nil {
		return "", fmt.Errorf("failed to store csrf token: %w", err)
	}

	return token, nil
}

// Redeem consumes the token. It reports true only for the first redemption of
// a token that exists and has not expired. The lookup and delete are one GETDEL.
func (s *CSRFStore) Redeem(ctx context.Context, token string) (bool, error) {
	if token == "" {
		observability.CSRFValidationsTotal.WithLabelValues("missing").Inc()
		return false, nil
	}

	_, err := s.store.GetDel(ctx, csrfKeyPrefix+token)
	switch {
	case err == nil:
		observability.CSRFValidationsTotal.WithLabelValues("valid").Inc()
		return true, nil
	case errors.Is(err, cache.ErrMiss):
		observability.CSRFValidationsTotal.WithLabelValues("invalid").Inc()
		return false, nil
	default:
		observability.CSRFValidationsTotal.WithLabelValues("store_error").Inc()
		slog.Error("csrf redeem failed", slog.String("error", err.Error()))
		return false, fmt.Errorf("failed to redeem csrf token: %w", err)
	}
}
