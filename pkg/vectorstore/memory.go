package vectorstore

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/malbeclabs/nl2sql/pkg/embedding"
)

// MemoryStore is a brute-force in-process index for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

func (m *MemoryStore) EnsureCollection(context.Context, int) error {
	return nil
}

func (m *MemoryStore) Upsert(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		d.Vector = slices.Clone(d.Vector)
		d.Payload = maps.Clone(d.Payload)
		m.docs[d.ID] = d
	}
	return nil
}

func (m *MemoryStore) Search(_ context.Context, vector []float32, limit int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.docs) == 0 {
		return nil, ErrEmpty
	}
	out := make([]Match, 0, len(m.docs))
	for id, d := range m.docs {
		dist, err := embedding.CosineDistance(vector, d.Vector)
		if err != nil {
			return nil, err
		}
		out = append(out, Match{ID: id, Distance: dist})
	}
	slices.SortFunc(out, func(a, b Match) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

func (m *MemoryStore) Close() error {
	return nil
}
