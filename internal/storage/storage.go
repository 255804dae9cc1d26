// Package storage holds the byte stores behind uploads: a local filesystem
// driver and an S3 driver, selected by name at upload time.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DriverLocal = "local"
	DriverS3    = "s3"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUnknownDriver  = errors.New("unknown storage driver")
	ErrInvalidKey     = errors.New("invalid object key")
)

// Provider stores opaque objects by key.
type Provider interface {
	Put(ctx context.Context, key string, data []byte, mime string) error
	// Get returns ErrObjectNotFound when nothing is stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
}

// Registry maps driver names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get returns the provider for name or ErrUnknownDriver.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return p, nil
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewDefaultRegistry registers the local driver rooted at localRoot and, when
// its credentials are complete, the S3 driver.
func NewDefaultRegistry(ctx context.Context, localRoot string, s3cfg S3Config) (*Registry, error) {
	r := NewRegistry()

	local, err := NewLocalProvider(localRoot)
	if err != nil {
		return nil, err
	}
	r.Register(DriverLocal, local)

	if s3cfg.Configured() {
		p, err := NewS3Provider(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		r.Register(DriverS3, p)
	}
	return r, nil
}
