// Package security implements the single-use CSRF token store and the fixed
// window rate limiter on top of the shared cache.
package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// TokenBytes is the entropy of every session and CSRF token.
const TokenBytes = 32

// GenerateToken returns TokenBytes of crypto/rand output, base64url encoded
// without padding (43 characters).
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
