package cache

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "gob", CodecFor(PrefixEmbedding).Name())
	for _, p := range Prefixes {
		if p == PrefixEmbedding {
			continue
		}
		assert.Equal(t, "json", CodecFor(p).Name(), p)
	}
}

func TestGobCodec_Embedding(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	vec := []float32{0.25, -1, 3.5}
	data, err := gobCodec{}.Encode(vec, Meta{CachedAt: now, HitCount: 4})
	require.NoError(t, err)

	var got []float32
	meta, err := gobCodec{}.Decode(data, &got)
	require.NoError(t, err)
	assert.Equal(t, vec, got)
	assert.Equal(t, int64(4), meta.HitCount)
	assert.True(t, now.Equal(meta.CachedAt))

	restamped, err := gobCodec{}.Restamp(data, Meta{CachedAt: now, HitCount: 9})
	require.NoError(t, err)
	meta, err = gobCodec{}.Decode(restamped, &got)
	require.NoError(t, err)
	assert.Equal(t, int64(9), meta.HitCount)
	assert.Equal(t, vec, got)
}

func TestJSONCodec_SanitizesNumerics(t *testing.T) {
	t.Parallel()

	rows := []map[string]any{
		{"revenue": pgtype.Numeric{Int: big.NewInt(12345), Exp: -2, Valid: true}, "ratio": math.NaN()},
		{"revenue": pgtype.Numeric{}, "ratio": math.Inf(1), "name": []byte("acme")},
	}
	data, err := jsonCodec{}.Encode(rows, Meta{})
	require.NoError(t, err)

	var got []map[string]any
	_, err = jsonCodec{}.Decode(data, &got)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 123.45, got[0]["revenue"], 1e-9)
	assert.Nil(t, got[0]["ratio"])
	assert.Nil(t, got[1]["revenue"])
	assert.Nil(t, got[1]["ratio"])
	assert.Equal(t, "acme", got[1]["name"])
}

func TestJSONCodec_DecodeMetaOnly(t *testing.T) {
	t.Parallel()

	data, err := jsonCodec{}.Encode(map[string]string{"sql": "SELECT 1"}, Meta{HitCount: 2})
	require.NoError(t, err)
	meta, err := jsonCodec{}.Decode(data, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.HitCount)

	_, err = jsonCodec{}.Decode([]byte("not json"), nil)
	require.Error(t, err)
}
