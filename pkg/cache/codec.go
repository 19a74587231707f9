package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Meta is the bookkeeping stored alongside every cached value.
type Meta struct {
	CachedAt time.Time
	HitCount int64
}

// Codec encodes a value together with its Meta. Decode with a nil dst reads
// only the Meta.
type Codec interface {
	Name() string
	Encode(value any, meta Meta) ([]byte, error)
	Decode(data []byte, dst any) (Meta, error)
	// Restamp replaces the Meta of an encoded entry, leaving the value bytes
	// untouched.
	Restamp(data []byte, meta Meta) ([]byte, error)
}

// CodecFor returns the codec mandated by the key's prefix: binary for
// embeddings, JSON for everything else.
func CodecFor(p Prefix) Codec {
	if p == PrefixEmbedding {
		return gobCodec{}
	}
	return jsonCodec{}
}

type jsonEnvelope struct {
	Value    json.RawMessage `json:"value"`
	CachedAt time.Time       `json:"cached_at"`
	HitCount int64           `json:"hit_count"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(value any, meta Meta) ([]byte, error) {
	raw, err := json.Marshal(Sanitize(value))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return json.Marshal(jsonEnvelope{Value: raw, CachedAt: meta.CachedAt, HitCount: meta.HitCount})
}

func (jsonCodec) Decode(data []byte, dst any) (Meta, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Meta{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	meta := Meta{CachedAt: env.CachedAt, HitCount: env.HitCount}
	if dst != nil {
		if err := json.Unmarshal(env.Value, dst); err != nil {
			return meta, fmt.Errorf("failed to unmarshal value: %w", err)
		}
	}
	return meta, nil
}

func (jsonCodec) Restamp(data []byte, meta Meta) ([]byte, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	env.CachedAt, env.HitCount = meta.CachedAt, meta.HitCount
	return json.Marshal(env)
}

type gobEnvelope struct {
	Value    []byte
	CachedAt time.Time
	HitCount int64
}

type gobCodec struct{}

func (gobCodec) Name() string { return "gob" }

func (gobCodec) Encode(value any, meta Meta) ([]byte, error) {
	var val bytes.Buffer
	if err := gob.NewEncoder(&val).Encode(value); err != nil {
		return nil, fmt.Errorf("failed to gob-encode value: %w", err)
	}
	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(gobEnvelope{Value: val.Bytes(), CachedAt: meta.CachedAt, HitCount: meta.HitCount}); err != nil {
		return nil, fmt.Errorf("failed to gob-encode envelope: %w", err)
	}
	return out.Bytes(), nil
}

func (gobCodec) Decode(data []byte, dst any) (Meta, error) {
	var env gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return Meta{}, fmt.Errorf("failed to gob-decode envelope: %w", err)
	}
	meta := Meta{CachedAt: env.CachedAt, HitCount: env.HitCount}
	if dst != nil {
		if err := gob.NewDecoder(bytes.NewReader(env.Value)).Decode(dst); err != nil {
			return meta, fmt.Errorf("failed to gob-decode value: %w", err)
		}
	}
	return meta, nil
}

func (gobCodec) Restamp(data []byte, meta Meta) ([]byte, error) {
	var env gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to gob-decode envelope: %w", err)
	}
	env.CachedAt, env.HitCount = meta.CachedAt, meta.HitCount
	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(env); err != nil {
		return nil, fmt.Errorf("failed to gob-encode envelope: %w", err)
	}
	return out.Bytes(), nil
}

// Sanitize makes a value JSON-representable. Database numerics become
// float64 and non-finite floats become nil. Maps and slices of rows are
// walked; other values are returned unchanged.
func Sanitize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		return Sanitize(float64(x))
	case pgtype.Numeric:
		if !x.Valid || x.NaN {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return Sanitize(f.Float64)
	case *pgtype.Numeric:
		if x == nil {
			return nil
		}
		return Sanitize(*x)
	case []byte:
		return string(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Sanitize(val)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i, row := range x {
			out[i] = Sanitize(row).(map[string]any)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Sanitize(val)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Float32 || rv.Kind() == reflect.Float64 {
		return Sanitize(rv.Float())
	}
	return v
}
