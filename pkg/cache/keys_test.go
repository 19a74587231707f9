package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		want Prefix
		ok   bool
	}{
		{key: "sql:abc:def", want: PrefixSQL, ok: true},
		{key: "mv:list:sales", want: PrefixMVList, ok: true},
		{key: "mv:recommendations:x", want: PrefixMVRecs, ok: true},
		{key: "opt:report:1", want: PrefixOptReport, ok: true},
		{key: "embedding:ff", want: PrefixEmbedding, ok: true},
		{key: "mv:other:1", ok: false},
		{key: "nope", ok: false},
	}
	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			got, ok := PrefixOf(test.key)
			assert.Equal(t, test.ok, ok)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestPrefix_TTL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 7*24*time.Hour, PrefixSQL.TTL("low"))
	assert.Equal(t, 3*24*time.Hour, PrefixSQL.TTL("medium"))
	assert.Equal(t, 24*time.Hour, PrefixSQL.TTL("high"))
	assert.Equal(t, 3*24*time.Hour, PrefixSQL.TTL(""))
	assert.Equal(t, 30*24*time.Hour, PrefixEmbedding.TTL(""))
	assert.Equal(t, time.Hour, PrefixValidation.TTL(""))
	assert.Equal(t, 5*time.Minute, PrefixResult.TTL(""))
	assert.Equal(t, 168*time.Hour, PrefixMVCost.TTL(""))
	assert.Equal(t, 6*time.Hour, PrefixMVStats.TTL(""))
}

func TestSQLKey(t *testing.T) {
	t.Parallel()

	a := SQLKey("  Show TOTAL revenue\tfor 2024 ", []string{"b", "a"})
	b := SQLKey("show total revenue for 2024", []string{"a", "b"})
	require.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "sql:"))
	assert.Len(t, strings.Split(a, ":"), 3)

	c := SQLKey("show total revenue for 2024", []string{"a"})
	assert.NotEqual(t, a, c)
}

func TestKeyBuilders(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "schema:proj:ds:orders", SchemaKey("proj", "ds", "orders"))
	assert.Equal(t, "session:abc:context", SessionKey("abc"))
	assert.Equal(t, "validation:"+Hash("SELECT 1"), ValidationKey("SELECT 1"))
	assert.Equal(t, "result:"+Hash("SELECT 1"), ResultKey("SELECT 1"))
	assert.Equal(t, "mv:stats:daily", MVKey(PrefixMVStats, "daily"))
	assert.Len(t, Hash("x"), 64)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "show top 5 distributors", Normalize("  Show   TOP 5\n distributors "))
}
