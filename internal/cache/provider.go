package cache

import (
	"context"
	"errors"
	"time"
)

// Provider is the minimal surface the result cache needs: insert-once
// writes and point reads. A successful SetNX for an existing key reports
// false and leaves the stored value untouched, so readers never observe a
// partial overwrite.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider but never stores data.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// SetNX pretends to store the value and reports success.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

// Close is a no-op.
func (NoopProvider) Close() error { return nil }
