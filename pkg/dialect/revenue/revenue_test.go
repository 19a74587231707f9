package revenue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/malbeclabs/nl2sql/pkg/dialect/revenue"
)

func TestIsRevenueQuestion(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"Show total revenue for 2024":    true,
		"net sales by region":            true,
		"operating income last quarter":  true,
		"Turnover per distributor?":      true,
		"top line growth":                true,
		"delivery dates for open orders": false,
		"salesforce accounts":            false,
		"inventory on hand by plant":     false,
	}
	for q, want := range tests {
		assert.Equal(t, want, revenue.IsRevenueQuestion(q), q)
	}
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain",
			in:   "SELECT SUM(CASE WHEN GL_Amount_in_CC > 0 THEN GL_Amount_in_CC ELSE 0 END) AS revenue FROM t",
			want: "SELECT SUM(COALESCE(Gross_Revenue, 0)) AS revenue FROM t",
		},
		{
			name: "rounded with float comparison",
			in:   "SELECT ROUND(SUM(CASE WHEN GL_Amount_in_CC > 0.0 THEN GL_Amount_in_CC ELSE 0.0 END), 2) FROM t",
			want: "SELECT ROUND(SUM(COALESCE(Gross_Revenue, 0)), 2) FROM t",
		},
		{
			name: "numeric casts and alias",
			in:   "SELECT SUM(CASE WHEN copa.GL_Amount_in_CC::numeric > 0::numeric THEN copa.GL_Amount_in_CC::numeric ELSE 0 END) FROM t copa",
			want: "SELECT SUM(COALESCE(copa.Gross_Revenue, 0)) FROM t copa",
		},
		{
			name: "multiline lower case",
			in:   "sum(case\n  when GL_Amount_in_CC > 0\n  then GL_Amount_in_CC\nend)",
			want: "sum(COALESCE(Gross_Revenue, 0))",
		},
		{
			name: "greatest",
			in:   "SUM(GREATEST(GL_Amount_in_CC, 0))",
			want: "SUM(COALESCE(Gross_Revenue, 0))",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, changed := revenue.Canonicalize(tt.in)
			assert.True(t, changed)
			assert.Equal(t, tt.want, got)
			assert.False(t, revenue.HasAntiPattern(got))

			again, changed := revenue.Canonicalize(got)
			assert.False(t, changed)
			assert.Equal(t, got, again)
		})
	}
}

func TestApply_OnlyForRevenueQuestions(t *testing.T) {
	t.Parallel()
	sql := "SELECT SUM(CASE WHEN GL_Amount_in_CC > 0 THEN GL_Amount_in_CC ELSE 0 END) FROM t"

	out, changed := revenue.Apply("total GL postings", sql)
	assert.False(t, changed)
	assert.Equal(t, sql, out)

	out, changed = revenue.Apply("Show total revenue for 2024", sql)
	assert.True(t, changed)
	assert.Contains(t, out, "SUM(COALESCE(Gross_Revenue, 0))")
	assert.NotContains(t, out, "GL_Amount_in_CC > 0")
}
