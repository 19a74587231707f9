package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/embedding"
	"github.com/malbeclabs/nl2sql/pkg/metrics"
	"github.com/malbeclabs/nl2sql/pkg/vectorstore"
)

const (
	defaultEmbedBatchSize   = 32
	defaultEmbedConcurrency = 4
)

// Source lists the tables of a data store.
type Source interface {
	ListTables(ctx context.Context) ([]TableSchema, error)
	// LastModified is the most recent schema change across all tables.
	LastModified(ctx context.Context) (time.Time, error)
}

type IndexerConfig struct {
	Logger   *slog.Logger
	Source   Source
	Embedder embedding.Provider
	Vectors  vectorstore.Store
	Cache    *cache.Store
	Clock    clockwork.Clock

	BatchSize   int
	Concurrency int
}

func (c *IndexerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Source == nil {
		return errors.New("source is required")
	}
	if c.Embedder == nil {
		return errors.New("embedder is required")
	}
	if c.Vectors == nil {
		return errors.New("vector store is required")
	}
	if c.Cache == nil {
		return errors.New("cache is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultEmbedBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultEmbedConcurrency
	}
	return nil
}

// Indexer keeps the vector store in step with the source's schemas and holds
// the process-wide snapshot of all tables.
type Indexer struct {
	log *slog.Logger
	cfg IndexerConfig

	mu     sync.RWMutex
	tables []TableSchema
	byName map[string]TableSchema

	// indexedAt is the modification time of this process's last pass.
	indexedAt time.Time
}

func NewIndexer(cfg IndexerConfig) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate indexer config: %w", err)
	}
	return &Indexer{log: cfg.Logger, cfg: cfg}, nil
}

// EnsureIndexed re-indexes when the stored index timestamp is absent or
// older than the source's last modification. It reports whether a pass ran.
func (ix *Indexer) EnsureIndexed(ctx context.Context) (bool, error) {
	modified, err := ix.cfg.Source.LastModified(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read schema modification time: %w", err)
	}

	if stamp, ok := ix.indexStamp(ctx); ok && !modified.After(stamp) {
		if ix.loaded() {
			return false, nil
		}
		// Index is current but this process has no snapshot yet.
		if err := ix.refreshSnapshot(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	if _, err := ix.Index(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// indexStamp returns the modification time the index was last built against.
// The cached stamp is shared between processes; the local one covers a cache
// outage.
func (ix *Indexer) indexStamp(ctx context.Context) (time.Time, bool) {
	var stamp time.Time
	if ix.cfg.Cache.Get(ctx, cache.SchemaIndexKey(), &stamp) {
		return stamp, true
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.indexedAt, !ix.indexedAt.IsZero()
}

// Index runs a full pass: list, cache, embed and upsert every table.
func (ix *Indexer) Index(ctx context.Context) (int, error) {
	start := ix.cfg.Clock.Now()
	n, err := ix.index(ctx)
	if err != nil {
		metrics.IndexerRunsTotal.WithLabelValues("error").Inc()
		ix.log.Error("indexer: pass failed", "error", err, "duration", ix.cfg.Clock.Since(start))
		return 0, err
	}
	metrics.IndexerRunsTotal.WithLabelValues("success").Inc()
	metrics.IndexedTables.Set(float64(n))
	ix.log.Info("indexer: pass complete", "tables", n, "duration", ix.cfg.Clock.Since(start))
	return n, nil
}

func (ix *Indexer) index(ctx context.Context) (int, error) {
	modified, err := ix.cfg.Source.LastModified(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema modification time: %w", err)
	}
	tables, err := ix.cfg.Source.ListTables(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tables: %w", err)
	}
	if len(tables) == 0 {
		return 0, errors.New("source has no tables")
	}
	for i := range tables {
		if tables[i].DomainTag == "" {
			tables[i].DomainTag = DomainOf(tables[i].TableName)
		}
	}

	if err := ix.cfg.Vectors.EnsureCollection(ctx, ix.cfg.Embedder.Dimensions()); err != nil {
		return 0, err
	}

	docs := make([]vectorstore.Document, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Concurrency)
	for lo := 0; lo < len(tables); lo += ix.cfg.BatchSize {
		hi := min(lo+ix.cfg.BatchSize, len(tables))
		g.Go(func() error {
			texts := make([]string, 0, hi-lo)
			for _, t := range tables[lo:hi] {
				texts = append(texts, t.Document())
			}
			vecs, err := ix.cfg.Embedder.EmbedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("failed to embed tables %d-%d: %w", lo, hi, err)
			}
			for j, t := range tables[lo:hi] {
				docs[lo+j] = vectorstore.Document{
					ID:     t.TableName,
					Vector: vecs[j],
					Payload: map[string]any{
						"project": t.Project,
						"dataset": t.Dataset,
						"domain":  t.DomainTag,
					},
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := ix.cfg.Vectors.Upsert(ctx, docs); err != nil {
		return 0, err
	}
	for _, t := range tables {
		_ = ix.cfg.Cache.Set(ctx, cache.SchemaKey(t.Project, t.Dataset, t.TableName), t, cache.TTLSchema)
	}
	_ = ix.cfg.Cache.Set(ctx, cache.SchemaIndexKey(), modified, cache.TTLSchema)

	ix.setSnapshot(tables)
	ix.mu.Lock()
	ix.indexedAt = modified
	ix.mu.Unlock()
	return len(tables), nil
}

// refreshSnapshot loads the table list from the source, or from the cached
// schema entries of the last pass when the source is unreachable.
func (ix *Indexer) refreshSnapshot(ctx context.Context) error {
	tables, err := ix.cfg.Source.ListTables(ctx)
	if err != nil {
		cached := ix.cachedTables(ctx)
		if len(cached) == 0 {
			return fmt.Errorf("failed to list tables: %w", err)
		}
		ix.log.Warn("indexer: source unavailable, using cached schemas", "tables", len(cached), "error", err)
		tables = cached
	}
	for i := range tables {
		if tables[i].DomainTag == "" {
			tables[i].DomainTag = DomainOf(tables[i].TableName)
		}
	}
	ix.setSnapshot(tables)
	return nil
}

func (ix *Indexer) cachedTables(ctx context.Context) []TableSchema {
	keys, err := ix.cfg.Cache.Backend().Keys(ctx, string(cache.PrefixSchema)+"*")
	if err != nil {
		return nil
	}
	var tables []TableSchema
	for _, k := range keys {
		if k == cache.SchemaIndexKey() {
			continue
		}
		var t TableSchema
		if ix.cfg.Cache.Get(ctx, k, &t) && t.TableName != "" {
			tables = append(tables, t)
		}
	}
	slices.SortFunc(tables, func(a, b TableSchema) int { return strings.Compare(a.TableName, b.TableName) })
	return tables
}

func (ix *Indexer) setSnapshot(tables []TableSchema) {
	byName := make(map[string]TableSchema, len(tables))
	for _, t := range tables {
		byName[t.TableName] = t
	}
	ix.mu.Lock()
	ix.tables = tables
	ix.byName = byName
	ix.mu.Unlock()
}

func (ix *Indexer) loaded() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.byName != nil
}

// Tables returns every known table, loading the snapshot on first use.
func (ix *Indexer) Tables(ctx context.Context) ([]TableSchema, error) {
	if !ix.loaded() {
		if err := ix.refreshSnapshot(ctx); err != nil {
			return nil, err
		}
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tables, nil
}

// Lookup returns a table by name from the snapshot.
func (ix *Indexer) Lookup(ctx context.Context, name string) (TableSchema, bool) {
	if !ix.loaded() {
		if err := ix.refreshSnapshot(ctx); err != nil {
			ix.log.Warn("indexer: snapshot load failed", "error", err)
			return TableSchema{}, false
		}
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	t, ok := ix.byName[name]
	return t, ok
}

// FirstN is the unfiltered fallback selection used when vector search is
// unavailable.
func (ix *Indexer) FirstN(ctx context.Context, n int) ([]TableSchema, error) {
	tables, err := ix.Tables(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(tables) > n {
		tables = tables[:n]
	}
	return tables, nil
}
