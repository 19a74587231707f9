package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/ristretto"

	"github.com/malbeclabs/nl2sql/pkg/cache"
)

const defaultL1Entries = 10_000

type CachedConfig struct {
	Logger    *slog.Logger
	Provider  Provider
	// Cache is the shared store; nil keeps only the in-process layer.
	Cache     *cache.Store
	L1Entries int64
}

func (c *CachedConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Provider == nil {
		return errors.New("provider is required")
	}
	if c.L1Entries <= 0 {
		c.L1Entries = defaultL1Entries
	}
	return nil
}

// CachedProvider content-addresses embeddings by the SHA-256 of the
// normalized text. Lookups go L1 (ristretto), then the shared cache, then
// the wrapped provider.
type CachedProvider struct {
	log      *slog.Logger
	provider Provider
	store    *cache.Store
	l1       *ristretto.Cache
}

func NewCachedProvider(cfg CachedConfig) (*CachedProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate embedding cache config: %w", err)
	}
	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.L1Entries * 10,
		MaxCost:     cfg.L1Entries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding l1 cache: %w", err)
	}
	return &CachedProvider{
		log:      cfg.Logger,
		provider: cfg.Provider,
		store:    cfg.Cache,
		l1:       l1,
	}, nil
}

func (p *CachedProvider) Dimensions() int {
	return p.provider.Dimensions()
}

func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, t := range texts {
		norm := cache.Normalize(t)
		if vec, ok := p.cached(ctx, cache.EmbeddingKey(norm)); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, norm)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := p.provider.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedding: provider returned %d vectors for %d inputs", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		key := cache.EmbeddingKey(missTexts[j])
		p.l1.Set(key, vecs[j], 1)
		if p.store != nil {
			_ = p.store.Set(ctx, key, vecs[j], cache.TTLEmbedding)
		}
	}
	p.log.Debug("embedding: computed", "count", len(missTexts), "cached", len(texts)-len(missTexts))
	return out, nil
}

func (p *CachedProvider) cached(ctx context.Context, key string) ([]float32, bool) {
	if v, ok := p.l1.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, true
		}
	}
	if p.store == nil {
		return nil, false
	}
	var vec []float32
	if !p.store.Get(ctx, key, &vec) || len(vec) != p.provider.Dimensions() {
		return nil, false
	}
	p.l1.Set(key, vec, 1)
	return vec, true
}

// Wait blocks until pending L1 writes are applied.
func (p *CachedProvider) Wait() {
	p.l1.Wait()
}

func (p *CachedProvider) Close() {
	p.l1.Close()
}
