package testutil

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"tessra/internal/domain"
)

// Counter for generating unique IDs
var idCounter atomic.Int64

// nextID generates a unique ID for test fixtures
func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// SessionOptions allows customizing session fixture creation
type SessionOptions struct {
	Token          string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// NewTestSession creates a live session created at now
func NewTestSession(now time.Time, opts ...func(*SessionOptions)) *domain.Session {
	o := &SessionOptions{
		Token:          nextID("token"),
		CreatedAt:      now,
		ExpiresAt:      now.Add(domain.SessionAbsoluteTTL),
		LastActivityAt: now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return &domain.Session{
		ID:             nextID("session"),
		Token:          o.Token,
		CreatedAt:      o.CreatedAt,
		ExpiresAt:      o.ExpiresAt,
		LastActivityAt: o.LastActivityAt,
	}
}

// WithSessionToken sets the session token
func WithSessionToken(token string) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.Token = token
	}
}

// WithExpiresAt sets the absolute expiry
func WithExpiresAt(t time.Time) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.ExpiresAt = t
	}
}

// WithLastActivityAt sets the last activity time
func WithLastActivityAt(t time.Time) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.LastActivityAt = t
	}
}

// NewTestUpload creates an image upload stored on the local driver
func NewTestUpload(opts ...func(*domain.Upload)) *domain.Upload {
	id := nextID("upload")
	u := &domain.Upload{
		ID:            id,
		ObjectKey:     "uploads/ab/" + id + ".png",
		StorageDriver: "local",
		Mime:          "image/png",
		SizeBytes:     128,
		SHA256:        "ab" + id,
		Visibility:    domain.VisibilityPublic,
		CreatedAt:     time.Now(),
	}

	for _, opt := range opts {
		opt(u)
	}
	return u
}

// WithVisibility sets the upload visibility
func WithVisibility(v domain.Visibility) func(*domain.Upload) {
	return func(u *domain.Upload) {
		u.Visibility = v
	}
}

// NewTestJob creates a waiting job on the default queue that is due now
func NewTestJob(name string, payload any, opts ...func(*domain.Job)) *domain.Job {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal job payload: %v", err))
	}

	j := &domain.Job{
		Queue:       "default",
		Name:        name,
		Payload:     raw,
		Status:      domain.JobWaiting,
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Type: domain.BackoffExponential, Delay: 2 * time.Second},
		RunAt:       time.Now(),
	}

	for _, opt := range opts {
		opt(j)
	}
	return j
}

// WithPriority sets the job priority
func WithPriority(p int) func(*domain.Job) {
	return func(j *domain.Job) {
		j.Priority = p
	}
}

// WithRunAt sets when the job becomes eligible
func WithRunAt(t time.Time) func(*domain.Job) {
	return func(j *domain.Job) {
		j.RunAt = t
	}
}
