package prompt_test

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/nl2sql/pkg/finance"
	"github.com/malbeclabs/nl2sql/pkg/kg"
	"github.com/malbeclabs/nl2sql/pkg/prompt"
	"github.com/malbeclabs/nl2sql/pkg/retriever"
	"github.com/malbeclabs/nl2sql/pkg/schema"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

func newBuilder(t *testing.T) *prompt.Builder {
	t.Helper()
	b, err := prompt.New(prompt.Config{Logger: logger})
	require.NoError(t, err)
	return b
}

func table(name string, cols ...string) schema.TableSchema {
	ts := schema.TableSchema{TableName: name, Description: strings.ReplaceAll(name, "_", " ")}
	for _, c := range cols {
		ts.Columns = append(ts.Columns, schema.Column{Name: c, Type: "TEXT", Nullable: true})
	}
	return ts
}

func parse(t *testing.T, q string) *finance.Context {
	t.Helper()
	now := time.Date(2025, 5, 14, 15, 30, 0, 0, time.UTC)
	return finance.NewParser(finance.DefaultHierarchy(), clockwork.NewFakeClockAt(now)).Parse(q)
}

func TestBuilder_RequiresLogger(t *testing.T) {
	t.Parallel()
	_, err := prompt.New(prompt.Config{})
	require.Error(t, err)
}

func TestBuilder_RevenueQuestion(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)
	q := "Show total revenue for 2024"

	p := b.Build(prompt.Input{
		Question:  q,
		Tables:    []schema.TableSchema{table("dataset_25m_table", "Gross_Revenue", "Posting_Date", "Region")},
		Financial: parse(t, q),
	})

	assert.Equal(t, []string{"revenue_by_period"}, p.Examples)
	assert.Contains(t, p.System, "Never use backticks")
	assert.Contains(t, p.System, "## Schema")
	assert.Contains(t, p.System, "Table: dataset_25m_table")
	assert.NotContains(t, p.System, "## Joins")
	assert.Contains(t, p.System, "GROSS_REVENUE")
	assert.Contains(t, p.System, "Posting_Date >= DATE '2024-01-01' AND Posting_Date < DATE '2025-01-01'")
	assert.Contains(t, p.System, "SUM(COALESCE(Gross_Revenue, 0))")

	assert.True(t, strings.HasPrefix(p.User, "Question: "+q))
	assert.True(t, strings.HasSuffix(p.User, "Answer by calling the "+prompt.ToolName+" tool exactly once."))
}

func TestBuilder_SectionOrder(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)
	q := "Show revenue and delivery date per order"
	tables := []schema.TableSchema{
		table("dataset_25m_table", "Sales_Order_KDAUF", "Gross_Revenue", "Region"),
		table("sales_order_cockpit_export", "SalesDocument_VBELN", "Delivery_Date", "Region"),
	}

	p := b.Build(prompt.Input{
		Question:  q,
		Tables:    tables,
		JoinHints: retriever.DefaultRegistry().HintsFor([]string{"dataset_25m_table", "sales_order_cockpit_export"}),
		Financial: parse(t, q),
	})

	rules := strings.Index(p.System, "## SQL rules")
	schemaAt := strings.Index(p.System, "## Schema")
	joins := strings.Index(p.System, "## Joins")
	fin := strings.Index(p.System, "## Financial context")
	examples := strings.Index(p.System, "## Examples")
	require.True(t, rules >= 0 && schemaAt > rules && joins > schemaAt && fin > joins && examples > fin, p.System)

	assert.Contains(t, p.System, "dataset_25m_table (copa) -> sales_order_cockpit_export (cockpit), inner join")
	assert.Contains(t, p.System, "key: copa.Sales_Order_KDAUF = cockpit.SalesDocument_VBELN")
	assert.Contains(t, p.System, "LTRIM(copa.Sales_Order_KDAUF, '0') = cockpit.SalesDocument_VBELN")
	assert.Contains(t, p.System, "columns of cockpit: SalesDocument_VBELN, Delivery_Date, Region")
	assert.Contains(t, p.System, "present in both, always qualify: Region")
	assert.Contains(t, p.Examples, "revenue_with_delivery")
	assert.Contains(t, p.Examples, "revenue_by_period")
}

func TestBuilder_SelectExamples(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)

	tests := []struct {
		question string
		want     []string
	}{
		{"Show top 5 distributors by revenue", []string{"revenue_by_period", "top_n_distributors"}},
		{"Gross margin percentage by region", []string{"gross_margin_pct"}},
		{"List open purchase requisitions", nil},
		{
			"Compare revenue growth versus prior year for top customers orders margin percent",
			[]string{"revenue_by_period", "period_comparison", "top_n_distributors"},
		},
	}
	for _, tt := range tests {
		got := b.SelectExamples(tt.question)
		ids := make([]string, 0, len(got))
		for _, e := range got {
			ids = append(ids, e.ID)
		}
		if tt.want == nil {
			assert.Empty(t, ids, tt.question)
			continue
		}
		assert.Equal(t, tt.want, ids, tt.question)
	}
}

func TestBuilder_PreviousTurnPrecedesQuestion(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)

	p := b.Build(prompt.Input{
		Question: "and by plant?",
		Tables:   []schema.TableSchema{table("gl_line_items", "Plant")},
		Previous: &prompt.Turn{Question: "material cogs last quarter", SQL: "SELECT 1"},
	})

	prev := strings.Index(p.User, "Previous question: material cogs last quarter")
	q := strings.Index(p.User, "Question: and by plant?")
	require.GreaterOrEqual(t, prev, 0)
	assert.Greater(t, q, prev)
	assert.Contains(t, p.User, "```sql\nSELECT 1\n```")
}

func TestBuilder_GraphFormulaWins(t *testing.T) {
	t.Parallel()
	b := newBuilder(t)
	q := "gross margin by region"
	fc := parse(t, q)
	require.NotEmpty(t, fc.Metrics)

	p := b.Build(prompt.Input{
		Question:  q,
		Tables:    []schema.TableSchema{table("dataset_25m_table", "Region")},
		Financial: fc,
		Resolved: &kg.ResolvedContext{
			Metrics: []finance.Metric{{Code: fc.Metrics[0].Code, Name: fc.Metrics[0].Name, Formula: "SUM(Revenue_Total) - SUM(COGS_Total)"}},
			Rules:   []kg.Rule{{ID: "r1", Label: "Revenue column", Description: "Use Gross_Revenue"}},
		},
	})

	assert.Contains(t, p.System, fc.Metrics[0].Code+" ("+fc.Metrics[0].Name+"): SUM(Revenue_Total) - SUM(COGS_Total)")
	assert.Contains(t, p.System, "Business rules:\n  - Revenue column: Use Gross_Revenue")
}
