package cache

import (
	"context"
	"path"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryBackend keeps entries in process. Used in development and when no
// Redis is configured.
type MemoryBackend struct {
	c *ttlcache.Cache[string, []byte]
}

func NewMemoryBackend() *MemoryBackend {
	c := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go c.Start()
	return &MemoryBackend{c: c}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	item := m.c.Get(key)
	if item == nil || item.IsExpired() {
		return nil, ErrNotFound
	}
	return item.Value(), nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == KeepTTL {
		ttl = ttlcache.PreviousOrDefaultTTL
	}
	m.c.Set(key, value, ttl)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.c.Delete(k)
	}
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	var out []string
	for _, k := range m.c.Keys() {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *MemoryBackend) TTL(_ context.Context, key string) (time.Duration, error) {
	item := m.c.Get(key)
	if item == nil || item.IsExpired() {
		return 0, ErrNotFound
	}
	if item.ExpiresAt().IsZero() {
		return -1, nil
	}
	return time.Until(item.ExpiresAt()), nil
}

func (m *MemoryBackend) Close() error {
	m.c.Stop()
	return nil
}
