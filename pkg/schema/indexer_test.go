package schema_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/embedding"
	"github.com/malbeclabs/nl2sql/pkg/schema"
	"github.com/malbeclabs/nl2sql/pkg/vectorstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleTables() []schema.TableSchema {
	return []schema.TableSchema{
		{
			Project: "acme", Dataset: "finance", TableName: "dataset_25m_table",
			Description: "COPA profitability line items with revenue and cost of goods",
			Columns: []schema.Column{
				{Name: "Sales_Order_KDAUF", Type: "TEXT"},
				{Name: "Gross_Revenue", Type: "NUMERIC", Nullable: true},
				{Name: "GL_Amount_in_CC", Type: "NUMERIC", Nullable: true},
			},
		},
		{
			Project: "acme", Dataset: "sales", TableName: "sales_order_cockpit_export",
			Description: "sales order cockpit with delivery dates and status",
			Columns: []schema.Column{
				{Name: "SalesDocument_VBELN", Type: "TEXT"},
				{Name: "Delivery_Date", Type: "DATE"},
			},
		},
		{
			Project: "acme", Dataset: "finance", TableName: "gl_accounts",
			Description: "general ledger account master",
			Columns:     []schema.Column{{Name: "account_number", Type: "TEXT"}},
		},
	}
}

type fixture struct {
	source  *schema.StaticSource
	vectors *vectorstore.MemoryStore
	store   *cache.Store
	embed   embedding.Provider
	ix      *schema.Indexer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := cache.New(cache.Config{Logger: testLogger(), Backend: cache.NewMemoryBackend()})
	require.NoError(t, err)
	f := &fixture{
		source:  schema.NewStaticSource(sampleTables(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		vectors: vectorstore.NewMemoryStore(),
		store:   store,
		embed:   embedding.NewHashProvider(128),
	}
	f.ix, err = schema.NewIndexer(schema.IndexerConfig{
		Logger:    testLogger(),
		Source:    f.source,
		Embedder:  f.embed,
		Vectors:   f.vectors,
		Cache:     store,
		BatchSize: 2,
	})
	require.NoError(t, err)
	return f
}

func TestIndexer_IndexThenSearchFindsTableAtRankZero(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	n, err := f.ix.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, table := range sampleTables() {
		table.DomainTag = schema.DomainOf(table.TableName)
		vec, err := f.embed.Embed(ctx, table.Document())
		require.NoError(t, err)
		matches, err := f.vectors.Search(ctx, vec, 3)
		require.NoError(t, err)
		require.NotEmpty(t, matches)
		assert.Equal(t, table.TableName, matches[0].ID)
		assert.Less(t, matches[0].Distance, 0.01)
	}

	var cached schema.TableSchema
	require.True(t, f.store.Get(ctx, cache.SchemaKey("acme", "sales", "sales_order_cockpit_export"), &cached))
	assert.Equal(t, schema.DomainSales, cached.DomainTag)
}

func TestIndexer_EnsureIndexed_Staleness(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	ran, err := f.ix.EnsureIndexed(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = f.ix.EnsureIndexed(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	f.source.SetModified(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	ran, err = f.ix.EnsureIndexed(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}

type downBackend struct{}

func (downBackend) Get(context.Context, string) ([]byte, error) { return nil, errCacheDown }
func (downBackend) Set(context.Context, string, []byte, time.Duration) error { return errCacheDown }
func (downBackend) Delete(context.Context, ...string) error { return errCacheDown }
func (downBackend) Keys(context.Context, string) ([]string, error) { return nil, errCacheDown }
func (downBackend) TTL(context.Context, string) (time.Duration, error) { return 0, errCacheDown }
func (downBackend) Close() error { return nil }

var errCacheDown = errors.New("connection refused")

func TestIndexer_EnsureIndexed_CacheDown(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	store, err := cache.New(cache.Config{Logger: testLogger(), Backend: downBackend{}})
	require.NoError(t, err)
	source := schema.NewStaticSource(sampleTables(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ix, err := schema.NewIndexer(schema.IndexerConfig{
		Logger:   testLogger(),
		Source:   source,
		Embedder: embedding.NewHashProvider(64),
		Vectors:  vectorstore.NewMemoryStore(),
		Cache:    store,
	})
	require.NoError(t, err)

	ran, err := ix.EnsureIndexed(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = ix.EnsureIndexed(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, source.ListCalls())

	source.SetModified(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	ran, err = ix.EnsureIndexed(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestIndexer_SnapshotFromCachedSchemas(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	_, err := f.ix.Index(ctx)
	require.NoError(t, err)

	source := schema.NewStaticSource(nil, time.Time{})
	source.SetError(errors.New("warehouse down"))
	other, err := schema.NewIndexer(schema.IndexerConfig{
		Logger:   testLogger(),
		Source:   source,
		Embedder: f.embed,
		Vectors:  f.vectors,
		Cache:    f.store,
	})
	require.NoError(t, err)

	tables, err := other.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dataset_25m_table", "gl_accounts", "sales_order_cockpit_export"}, schema.Names(tables))

	got, ok := other.Lookup(ctx, "gl_accounts")
	require.True(t, ok)
	assert.Equal(t, "general ledger account master", got.Description)
}

func TestIndexer_FailureLeavesFallbackAvailable(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	_, err := f.ix.Index(ctx)
	require.NoError(t, err)

	f.source.SetModified(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	f.source.SetError(errors.New("warehouse down"))
	_, err = f.ix.EnsureIndexed(ctx)
	require.Error(t, err)

	first, err := f.ix.FirstN(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"dataset_25m_table", "sales_order_cockpit_export"}, schema.Names(first))
}

func TestIndexer_Lookup(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	f := newFixture(t)

	tbl, ok := f.ix.Lookup(ctx, "gl_accounts")
	require.True(t, ok)
	assert.Equal(t, schema.DomainFinance, tbl.DomainTag)

	_, ok = f.ix.Lookup(ctx, "missing")
	assert.False(t, ok)
}

func TestDomainOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, schema.DomainProfitability, schema.DomainOf("dataset_25m_table"))
	assert.Equal(t, schema.DomainSales, schema.DomainOf("SALES_ORDER_COCKPIT_EXPORT"))
	assert.Equal(t, schema.DomainInventory, schema.DomainOf("daily_stock_levels"))
	assert.Equal(t, "", schema.DomainOf("misc"))
}

func TestQuestionDomains(t *testing.T) {
	t.Parallel()

	got := schema.QuestionDomains("Show margin per customer, and open orders?")
	assert.True(t, got[schema.DomainProfitability])
	assert.True(t, got[schema.DomainCustomer])
	assert.True(t, got[schema.DomainSales])
	assert.False(t, got[schema.DomainInventory])
}

func TestTableSchema_Format(t *testing.T) {
	t.Parallel()

	out := sampleTables()[0].Format()
	assert.Contains(t, out, "Table: dataset_25m_table")
	assert.Contains(t, out, "Gross_Revenue (NUMERIC, NULL)")
	assert.Contains(t, out, "Sales_Order_KDAUF (TEXT, NOT NULL)")
}
