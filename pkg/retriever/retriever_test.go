package retriever_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/embedding"
	"github.com/malbeclabs/nl2sql/pkg/retriever"
	"github.com/malbeclabs/nl2sql/pkg/schema"
	"github.com/malbeclabs/nl2sql/pkg/vectorstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedVectors returns fixed matches regardless of the query vector.
type scriptedVectors struct {
	mu        sync.Mutex
	matches   []vectorstore.Match
	err       error
	lastLimit int
}

func (s *scriptedVectors) EnsureCollection(context.Context, int) error { return nil }
func (s *scriptedVectors) Upsert(context.Context, []vectorstore.Document) error { return nil }
func (s *scriptedVectors) Count(context.Context) (int, error) { return len(s.matches), nil }
func (s *scriptedVectors) Close() error { return nil }

func (s *scriptedVectors) Search(_ context.Context, _ []float32, limit int) ([]vectorstore.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	if len(s.matches) > limit {
		return s.matches[:limit], nil
	}
	return s.matches, nil
}

func table(name string, cols ...string) schema.TableSchema {
	t := schema.TableSchema{Project: "acme", Dataset: "erp", TableName: name, Description: strings.ReplaceAll(name, "_", " ")}
	for _, c := range cols {
		t.Columns = append(t.Columns, schema.Column{Name: c, Type: "TEXT"})
	}
	return t
}

func catalog() []schema.TableSchema {
	return []schema.TableSchema{
		table("dataset_25m_table", "Sales_Order_KDAUF", "Gross_Revenue"),
		table("sales_order_cockpit_export", "SalesDocument_VBELN", "Delivery_Date"),
		table("sales_order_items", "SalesDocument_VBELN", "Item"),
		table("gl_accounts", "Account_Number"),
		table("gl_line_items", "GL_Account"),
		table("customer_master", "Customer_KUNNR"),
		table("material_master", "Material_MATNR"),
	}
}

func newRetriever(t *testing.T, vectors vectorstore.Store) *retriever.Retriever {
	t.Helper()
	store, err := cache.New(cache.Config{Logger: testLogger(), Backend: cache.NewMemoryBackend()})
	require.NoError(t, err)
	embed := embedding.NewHashProvider(64)
	ix, err := schema.NewIndexer(schema.IndexerConfig{
		Logger:   testLogger(),
		Source:   schema.NewStaticSource(catalog(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Embedder: embed,
		Vectors:  vectors,
		Cache:    store,
	})
	require.NoError(t, err)
	r, err := retriever.New(retriever.Config{
		Logger:   testLogger(),
		Embedder: embed,
		Vectors:  vectors,
		Indexer:  ix,
	})
	require.NoError(t, err)
	return r
}

var vectorOpts = retriever.Options{MaxTables: 5, UseVectorSearch: true}

func TestRetriever_TopOnlyWhenOthersAreFar(t *testing.T) {
	t.Parallel()
	vectors := &scriptedVectors{matches: []vectorstore.Match{
		{ID: "dataset_25m_table", Distance: 0.20},
		{ID: "customer_master", Distance: 0.50},
	}}
	r := newRetriever(t, vectors)

	res, err := r.Retrieve(t.Context(), "Show total revenue for 2024", vectorOpts)
	require.NoError(t, err)
	require.Equal(t, []string{"dataset_25m_table"}, res.Names())
	require.Empty(t, res.JoinHints)
	require.False(t, res.Fallback)
	require.Equal(t, 5, vectors.lastLimit)
}

func TestRetriever_TwoTablesWithLeadingZeroJoin(t *testing.T) {
	t.Parallel()
	vectors := &scriptedVectors{matches: []vectorstore.Match{
		{ID: "dataset_25m_table", Distance: 0.20},
		{ID: "sales_order_cockpit_export", Distance: 0.23},
	}}
	r := newRetriever(t, vectors)

	res, err := r.Retrieve(t.Context(), "Show revenue and delivery date per order", vectorOpts)
	require.NoError(t, err)
	require.Equal(t, []string{"dataset_25m_table", "sales_order_cockpit_export"}, res.Names())
	require.Equal(t, 10, vectors.lastLimit)
	require.Len(t, res.JoinHints, 1)

	hint := res.JoinHints[0]
	require.Equal(t, "LTRIM(copa.Sales_Order_KDAUF, '0') = cockpit.SalesDocument_VBELN", hint.Condition())
	require.Equal(t, retriever.JoinInner, hint.Kind)
}

func TestRetriever_WiderWindowOnlyForMultiEntityQuestions(t *testing.T) {
	t.Parallel()
	matches := []vectorstore.Match{
		{ID: "dataset_25m_table", Distance: 0.20},
		{ID: "sales_order_cockpit_export", Distance: 0.28},
	}

	r := newRetriever(t, &scriptedVectors{matches: matches})
	res, err := r.Retrieve(t.Context(), "Show revenue", vectorOpts)
	require.NoError(t, err)
	require.Equal(t, []string{"dataset_25m_table"}, res.Names())

	res, err = r.Retrieve(t.Context(), "Show revenue by order", vectorOpts)
	require.NoError(t, err)
	require.Equal(t, []string{"dataset_25m_table", "sales_order_cockpit_export"}, res.Names())
}

func TestRetriever_RejectsVariants(t *testing.T) {
	t.Parallel()
	vectors := &scriptedVectors{matches: []vectorstore.Match{
		{ID: "sales_order_cockpit_export", Distance: 0.10},
		{ID: "sales_order_items", Distance: 0.11},
		{ID: "gl_accounts", Distance: 0.12},
		{ID: "gl_line_items", Distance: 0.12},
	}}
	r := newRetriever(t, vectors)

	res, err := r.Retrieve(t.Context(), "orders with their ledger accounts", vectorOpts)
	require.NoError(t, err)
	require.Equal(t, []string{"sales_order_cockpit_export", "gl_accounts"}, res.Names())
}

func TestRetriever_AllRejectedReturnsTopOne(t *testing.T) {
	t.Parallel()
	vectors := &scriptedVectors{matches: []vectorstore.Match{
		{ID: "gl_accounts", Distance: 0.10},
		{ID: "gl_line_items", Distance: 0.10},
	}}
	r := newRetriever(t, vectors)

	res, err := r.Retrieve(t.Context(), "ledger accounts", vectorOpts)
	require.NoError(t, err)
	require.Equal(t, []string{"gl_accounts"}, res.Names())
}

func TestRetriever_StopsAtMaxTables(t *testing.T) {
	t.Parallel()
	vectors := &scriptedVectors{matches: []vectorstore.Match{
		{ID: "dataset_25m_table", Distance: 0.10},
		{ID: "sales_order_cockpit_export", Distance: 0.11},
		{ID: "gl_accounts", Distance: 0.12},
		{ID: "customer_master", Distance: 0.13},
	}}
	r := newRetriever(t, vectors)

	res, err := r.Retrieve(t.Context(), "revenue by customer and order", retriever.Options{MaxTables: 2, UseVectorSearch: true})
	require.NoError(t, err)
	require.Len(t, res.Tables, 2)
	require.Equal(t, 4, vectors.lastLimit)
}

func TestRetriever_FallsBackToFirstTables(t *testing.T) {
	t.Parallel()

	t.Run("search error", func(t *testing.T) {
		t.Parallel()
		r := newRetriever(t, &scriptedVectors{err: errors.New("connection refused")})
		res, err := r.Retrieve(t.Context(), "Show revenue", retriever.Options{MaxTables: 3, UseVectorSearch: true})
		require.NoError(t, err)
		require.True(t, res.Fallback)
		require.Equal(t, []string{"dataset_25m_table", "sales_order_cockpit_export", "sales_order_items"}, res.Names())
		require.Len(t, res.JoinHints, 1)
	})

	t.Run("empty store", func(t *testing.T) {
		t.Parallel()
		r := newRetriever(t, &scriptedVectors{})
		res, err := r.Retrieve(t.Context(), "Show revenue", retriever.Options{MaxTables: 2, UseVectorSearch: true})
		require.NoError(t, err)
		require.True(t, res.Fallback)
		require.Len(t, res.Tables, 2)
	})

	t.Run("vector search disabled", func(t *testing.T) {
		t.Parallel()
		vectors := &scriptedVectors{matches: []vectorstore.Match{{ID: "gl_accounts", Distance: 0.1}}}
		r := newRetriever(t, vectors)
		res, err := r.Retrieve(t.Context(), "Show revenue", retriever.Options{MaxTables: 1})
		require.NoError(t, err)
		require.True(t, res.Fallback)
		require.Equal(t, []string{"dataset_25m_table"}, res.Names())
		require.Zero(t, vectors.lastLimit)
	})
}

func TestRetriever_IsMultiEntity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		question string
		want     bool
	}{
		{"Show total revenue for 2024", false},
		{"Revenue by region", true},
		{"Margin per customer", true},
		{"combine orders", true},
		{"stock levels for each vendor", true},
		{"android sales", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, retriever.IsMultiEntity(tt.question), tt.question)
	}
}
