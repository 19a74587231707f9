package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/nl2sql/pkg/metrics"
)

var ErrUnknownPrefix = errors.New("cache: key has no known prefix")

type Config struct {
	Logger  *slog.Logger
	Backend Backend
	Clock   clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Backend == nil {
		return errors.New("backend is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is the typed cache. Every backend failure is logged and reported to
// the caller as a miss.
type Store struct {
	log     *slog.Logger
	backend Backend
	clock   clockwork.Clock

	mu    sync.Mutex
	stats counters
}

type counters struct {
	hits        int64
	misses      int64
	hitLatency  time.Duration
	missLatency time.Duration
}

// Entry describes a cached value without decoding it.
type Entry struct {
	Key          string
	CachedAt     time.Time
	HitCount     int64
	TTLRemaining time.Duration
}

type PopularEntry struct {
	Entry
	Value json.RawMessage
}

type Stats struct {
	Hits            int64         `json:"hits"`
	Misses          int64         `json:"misses"`
	HitRate         float64       `json:"hit_rate"`
	MeanHitLatency  time.Duration `json:"mean_hit_latency"`
	MeanMissLatency time.Duration `json:"mean_miss_latency"`
	TimeSaved       time.Duration `json:"time_saved"`
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate cache config: %w", err)
	}
	return &Store{
		log:     cfg.Logger,
		backend: cfg.Backend,
		clock:   cfg.Clock,
	}, nil
}

// Get decodes the value under key into dst and bumps its hit count.
func (s *Store) Get(ctx context.Context, key string, dst any) bool {
	start := s.clock.Now()
	_, ok := s.lookup(ctx, key, dst)
	s.record(key, ok, s.clock.Since(start))
	return ok
}

// Lookup is Get without touching stats or hit counts.
func (s *Store) Lookup(ctx context.Context, key string) (Entry, bool) {
	p, ok := PrefixOf(key)
	if !ok {
		return Entry{}, false
	}
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("cache: get failed", "key", key, "error", err)
		}
		return Entry{}, false
	}
	meta, err := CodecFor(p).Decode(data, nil)
	if err != nil {
		s.log.Warn("cache: decode failed", "key", key, "error", err)
		return Entry{}, false
	}
	ttl, err := s.backend.TTL(ctx, key)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Key: key, CachedAt: meta.CachedAt, HitCount: meta.HitCount, TTLRemaining: ttl}, true
}

func (s *Store) lookup(ctx context.Context, key string, dst any) (Meta, bool) {
	p, ok := PrefixOf(key)
	if !ok {
		s.log.Warn("cache: get with unknown prefix", "key", key)
		return Meta{}, false
	}
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("cache: get failed", "key", key, "error", err)
		}
		return Meta{}, false
	}
	codec := CodecFor(p)
	meta, err := codec.Decode(data, dst)
	if err != nil {
		s.log.Warn("cache: decode failed", "key", key, "codec", codec.Name(), "error", err)
		return Meta{}, false
	}

	meta.HitCount++
	s.bump(ctx, key, codec, data, meta)
	return meta, true
}

// bump rewrites the entry with the new hit count, keeping its TTL.
func (s *Store) bump(ctx context.Context, key string, codec Codec, data []byte, meta Meta) {
	out, err := codec.Restamp(data, meta)
	if err != nil {
		return
	}
	if err := s.backend.Set(ctx, key, out, KeepTTL); err != nil {
		s.log.Debug("cache: hit count update failed", "key", key, "error", err)
	}
}

// Set writes value under key. A zero ttl uses the prefix default. An
// existing entry's hit count carries over.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	p, ok := PrefixOf(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrefix, key)
	}
	if ttl <= 0 {
		ttl = p.TTL("")
	}
	codec := CodecFor(p)

	var hits int64
	if prev, err := s.backend.Get(ctx, key); err == nil {
		if meta, err := codec.Decode(prev, nil); err == nil {
			hits = meta.HitCount
		}
	}

	data, err := codec.Encode(value, Meta{CachedAt: s.clock.Now().UTC(), HitCount: hits})
	if err != nil {
		s.log.Warn("cache: encode failed", "key", key, "error", err)
		return err
	}
	if err := s.backend.Set(ctx, key, data, ttl); err != nil {
		s.log.Warn("cache: set failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Generator produces a value on a cache miss. A zero ttl uses the prefix
// default.
type Generator[T any] func(ctx context.Context) (T, time.Duration, error)

// GetOrGenerate reads key through the cache, invoking gen on a miss and
// caching its result on success. Concurrent generations for the same key
// are not coalesced; the last writer wins.
func GetOrGenerate[T any](ctx context.Context, s *Store, key string, gen Generator[T]) (T, bool, error) {
	start := s.clock.Now()
	var cached T
	if _, ok := s.lookup(ctx, key, &cached); ok {
		s.record(key, true, s.clock.Since(start))
		return cached, true, nil
	}

	val, err := regenerate(ctx, s, key, gen, start)
	return val, false, err
}

// Regenerate invokes gen without reading key and caches its result on
// success.
func Regenerate[T any](ctx context.Context, s *Store, key string, gen Generator[T]) (T, error) {
	return regenerate(ctx, s, key, gen, s.clock.Now())
}

func regenerate[T any](ctx context.Context, s *Store, key string, gen Generator[T], start time.Time) (T, error) {
	val, ttl, err := gen(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	_ = s.Set(ctx, key, val, ttl)
	s.record(key, false, s.clock.Since(start))
	return val, nil
}

// Invalidate deletes keys under prefix. An empty selector or "*" clears the
// prefix, a selector with glob characters is matched as a pattern, anything
// else is an exact key body.
func (s *Store) Invalidate(ctx context.Context, prefix Prefix, selector string) (int, error) {
	var keys []string
	switch {
	case selector == "" || selector == "*":
		found, err := s.backend.Keys(ctx, string(prefix)+"*")
		if err != nil {
			return 0, fmt.Errorf("failed to list keys: %w", err)
		}
		keys = found
	case strings.ContainsAny(selector, "*?["):
		found, err := s.backend.Keys(ctx, string(prefix)+selector)
		if err != nil {
			return 0, fmt.Errorf("failed to list keys: %w", err)
		}
		keys = found
	default:
		keys = []string{string(prefix) + selector}
	}

	// Keys under a longer sibling prefix are not ours to delete.
	keys = slices.DeleteFunc(keys, func(k string) bool {
		p, _ := PrefixOf(k)
		return p != prefix
	})
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.backend.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}
	s.log.Info("cache: invalidated", "prefix", prefix.Label(), "selector", selector, "count", len(keys))
	return len(keys), nil
}

// Popular returns the most-hit SQL entries.
func (s *Store) Popular(ctx context.Context, limit int) ([]PopularEntry, error) {
	keys, err := s.backend.Keys(ctx, string(PrefixSQL)+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list sql keys: %w", err)
	}
	out := make([]PopularEntry, 0, len(keys))
	for _, k := range keys {
		data, err := s.backend.Get(ctx, k)
		if err != nil {
			continue
		}
		var raw json.RawMessage
		meta, err := jsonCodec{}.Decode(data, &raw)
		if err != nil {
			continue
		}
		out = append(out, PopularEntry{
			Entry: Entry{Key: k, CachedAt: meta.CachedAt, HitCount: meta.HitCount},
			Value: raw,
		})
	}
	slices.SortStableFunc(out, func(a, b PopularEntry) int {
		switch {
		case a.HitCount > b.HitCount:
			return -1
		case a.HitCount < b.HitCount:
			return 1
		}
		return strings.Compare(a.Key, b.Key)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counts returns the number of live keys per prefix.
func (s *Store) Counts(ctx context.Context) (map[Prefix]int, error) {
	out := make(map[Prefix]int, len(Prefixes))
	for _, p := range Prefixes {
		keys, err := s.backend.Keys(ctx, string(p)+"*")
		if err != nil {
			return nil, fmt.Errorf("failed to list %s keys: %w", p.Label(), err)
		}
		for _, k := range keys {
			if owner, _ := PrefixOf(k); owner == p {
				out[p]++
			}
		}
	}
	return out, nil
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	c := s.stats
	s.mu.Unlock()

	var st Stats
	st.Hits, st.Misses = c.hits, c.misses
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	if c.hits > 0 {
		st.MeanHitLatency = c.hitLatency / time.Duration(c.hits)
	}
	if c.misses > 0 {
		st.MeanMissLatency = c.missLatency / time.Duration(c.misses)
	}
	if saved := st.MeanMissLatency - st.MeanHitLatency; saved > 0 && c.misses > 0 {
		st.TimeSaved = saved * time.Duration(c.hits)
	}
	return st
}

// Backend returns the raw backend for callers that store their own blobs.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) record(key string, hit bool, d time.Duration) {
	label := "unknown"
	if p, ok := PrefixOf(key); ok {
		label = p.Label()
	}
	result := "miss"

	s.mu.Lock()
	if hit {
		result = "hit"
		s.stats.hits++
		s.stats.hitLatency += d
	} else {
		s.stats.misses++
		s.stats.missLatency += d
	}
	s.mu.Unlock()

	metrics.CacheRequestsTotal.WithLabelValues(label, result).Inc()
	metrics.CacheLatency.WithLabelValues(label, result).Observe(d.Seconds())
}
