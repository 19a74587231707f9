package cache

import (
	"context"
	"errors"
	"time"
)

// KeepTTL asks a backend to keep the remaining TTL of an existing key.
const KeepTTL time.Duration = -1

var ErrNotFound = errors.New("cache: not found")

// Backend is the raw byte store behind Store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// TTL returns the remaining lifetime of key, or a negative duration when
	// the key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Close() error
}
