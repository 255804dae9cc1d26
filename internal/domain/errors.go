package domain

import "errors"

// Request-path failures shared by the security components.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrCSRFInvalid      = errors.New("invalid or missing CSRF token")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrStoreUnavailable = errors.New("store unavailable")
)
