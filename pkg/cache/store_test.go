package cache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type generated struct {
	SQL        string   `json:"sql"`
	TablesUsed []string `json:"tables_used"`
}

func newTestStore(t *testing.T, backend Backend) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := New(Config{
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Backend: backend,
		Clock:   clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestStore_New_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Backend: NewMemoryBackend()})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: slog.Default()})
	require.ErrorContains(t, err, "backend is required")
}

func TestStore_SetGet(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s, _ := newTestStore(t, NewMemoryBackend())

	key := SQLKey("show revenue", []string{"copa"})
	require.NoError(t, s.Set(ctx, key, generated{SQL: "SELECT 1", TablesUsed: []string{"copa"}}, 0))

	var got generated
	require.True(t, s.Get(ctx, key, &got))
	assert.Equal(t, "SELECT 1", got.SQL)
	assert.Equal(t, []string{"copa"}, got.TablesUsed)

	entry, ok := s.Lookup(ctx, key)
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.HitCount)
	assert.Greater(t, entry.TTLRemaining, 2*24*time.Hour)
}

func TestStore_SetPreservesHitCount(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s, _ := newTestStore(t, NewMemoryBackend())

	key := ValidationKey("SELECT 1")
	require.NoError(t, s.Set(ctx, key, map[string]bool{"valid": true}, 0))
	var v map[string]bool
	require.True(t, s.Get(ctx, key, &v))
	require.True(t, s.Get(ctx, key, &v))

	require.NoError(t, s.Set(ctx, key, map[string]bool{"valid": false}, 0))
	entry, ok := s.Lookup(ctx, key)
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.HitCount)

	require.True(t, s.Get(ctx, key, &v))
	assert.False(t, v["valid"])
}

func TestStore_UnknownPrefix(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s, _ := newTestStore(t, NewMemoryBackend())

	err := s.Set(ctx, "bogus:1", "x", 0)
	require.ErrorIs(t, err, ErrUnknownPrefix)

	var out string
	assert.False(t, s.Get(ctx, "bogus:1", &out))
}

func TestStore_EmbeddingUsesBinaryCodec(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	backend := NewMemoryBackend()
	s, _ := newTestStore(t, backend)

	key := EmbeddingKey("show revenue")
	require.NoError(t, s.Set(ctx, key, []float32{1, 2, 3}, 0))

	raw, err := backend.Get(ctx, key)
	require.NoError(t, err)
	assert.NotEqual(t, byte('{'), raw[0])

	var vec []float32
	require.True(t, s.Get(ctx, key, &vec))
	assert.Equal(t, []float32{1, 2, 3}, vec)
}

func TestGetOrGenerate(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s, clock := newTestStore(t, NewMemoryBackend())

	key := SQLKey("top distributors", []string{"copa"})
	calls := 0
	gen := func(context.Context) (generated, time.Duration, error) {
		calls++
		clock.Advance(2 * time.Second)
		return generated{SQL: "SELECT 2"}, TTLSQLLow, nil
	}

	v, fromCache, err := GetOrGenerate(ctx, s, key, gen)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "SELECT 2", v.SQL)

	v, fromCache, err = GetOrGenerate(ctx, s, key, gen)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, "SELECT 2", v.SQL)
	assert.Equal(t, 1, calls)

	st := s.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
	assert.Equal(t, 2*time.Second, st.MeanMissLatency)
	assert.Equal(t, 2*time.Second, st.TimeSaved)
}

func TestRegenerate(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s, _ := newTestStore(t, NewMemoryBackend())

	key := SQLKey("top distributors", []string{"copa"})
	require.NoError(t, s.Set(ctx, key, generated{SQL: "SELECT 1"}, 0))

	v, err := Regenerate(ctx, s, key, func(context.Context) (generated, time.Duration, error) {
		return generated{SQL: "SELECT 2"}, 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", v.SQL)

	var got generated
	require.True(t, s.Get(ctx, key, &got))
	assert.Equal(t, "SELECT 2", got.SQL)
}

func TestGetOrGenerate_ErrorNotCached(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s, _ := newTestStore(t, NewMemoryBackend())

	key := SQLKey("q", nil)
	boom := errors.New("boom")
	_, _, err := GetOrGenerate(ctx, s, key, func(context.Context) (string, time.Duration, error) {
		return "", 0, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := s.Lookup(ctx, key)
	assert.False(t, ok)
}

type failingBackend struct{ err error }

func (f failingBackend) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return f.err
}
func (f failingBackend) Delete(context.Context, ...string) error { return f.err }
func (f failingBackend) Keys(context.Context, string) ([]string, error) { return nil, f.err }
func (f failingBackend) TTL(context.Context, string) (time.Duration, error) { return 0, f.err }
func (f failingBackend) Close() error { return nil }

func TestStore_BackendFailureIsMiss(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s, _ := newTestStore(t, failingBackend{err: errors.New("connection refused")})

	key := SQLKey("q", nil)
	var out generated
	assert.False(t, s.Get(ctx, key, &out))

	v, fromCache, err := GetOrGenerate(ctx, s, key, func(context.Context) (generated, time.Duration, error) {
		return generated{SQL: "SELECT 3"}, 0, nil
	})
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "SELECT 3", v.SQL)
}

func TestStore_Invalidate(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s, _ := newTestStore(t, NewMemoryBackend())

	require.NoError(t, s.Set(ctx, "mv:list:sales", 1, 0))
	require.NoError(t, s.Set(ctx, "mv:list:stock", 2, 0))
	require.NoError(t, s.Set(ctx, "mv:stats:sales", 3, 0))
	require.NoError(t, s.Set(ctx, SchemaKey("p", "d", "orders"), 4, 0))
	require.NoError(t, s.Set(ctx, SchemaKey("p", "d", "lines"), 5, 0))

	n, err := s.Invalidate(ctx, PrefixMVList, "sales")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Invalidate(ctx, PrefixSchema, "p:d:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Invalidate(ctx, PrefixMVList, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[PrefixMVStats])
	assert.Equal(t, 0, counts[PrefixMVList])
	assert.Equal(t, 0, counts[PrefixSchema])
}

func TestStore_Popular(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s, _ := newTestStore(t, NewMemoryBackend())

	keys := []string{SQLKey("a", nil), SQLKey("b", nil), SQLKey("c", nil)}
	for i, k := range keys {
		require.NoError(t, s.Set(ctx, k, generated{SQL: k}, 0))
		for j := 0; j < i*2; j++ {
			var g generated
			require.True(t, s.Get(ctx, k, &g))
		}
	}

	top, err := s.Popular(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, keys[2], top[0].Key)
	assert.Equal(t, int64(4), top[0].HitCount)
	assert.Equal(t, keys[1], top[1].Key)
	assert.Contains(t, string(top[0].Value), keys[2])
}
