package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := t.Context()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	backend, err := NewRedisBackend(ctx, RedisConfig{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestRedisBackend(t *testing.T) {
	backend := newRedisBackend(t)
	ctx := t.Context()

	_, err := backend.Get(ctx, "sql:missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, backend.Set(ctx, "sql:a", []byte("1"), time.Hour))
	require.NoError(t, backend.Set(ctx, "sql:b", []byte("2"), time.Hour))
	require.NoError(t, backend.Set(ctx, "schema:a", []byte("3"), time.Hour))

	keys, err := backend.Keys(ctx, "sql:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sql:a", "sql:b"}, keys)

	require.NoError(t, backend.Set(ctx, "sql:a", []byte("10"), KeepTTL))
	ttl, err := backend.TTL(ctx, "sql:a")
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	_, err = backend.TTL(ctx, "sql:missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, backend.Delete(ctx, "sql:a", "sql:b"))
	keys, err = backend.Keys(ctx, "sql:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_WithRedis(t *testing.T) {
	backend := newRedisBackend(t)
	s, _ := newTestStore(t, backend)
	ctx := t.Context()

	key := SQLKey("show total revenue for 2024", []string{"dataset_25m_table"})
	require.NoError(t, s.Set(ctx, key, generated{SQL: "SELECT 1"}, TTLSQLLow))

	var got generated
	require.True(t, s.Get(ctx, key, &got))
	entry, ok := s.Lookup(ctx, key)
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.HitCount)
	assert.Greater(t, entry.TTLRemaining, 6*24*time.Hour)
}
