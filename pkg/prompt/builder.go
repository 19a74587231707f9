// Package prompt assembles the generation request: system rules, the
// selected schemas, join hints, the financial reading of the question,
// few-shot examples and finally the question itself.
package prompt

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/malbeclabs/nl2sql/pkg/dialect/revenue"
	"github.com/malbeclabs/nl2sql/pkg/finance"
	"github.com/malbeclabs/nl2sql/pkg/kg"
	"github.com/malbeclabs/nl2sql/pkg/retriever"
	"github.com/malbeclabs/nl2sql/pkg/schema"
)

// ToolName is the only tool the model may answer through.
const ToolName = "generate_sql"

const (
	defaultMaxExamples = 3
	defaultDateColumn  = "Posting_Date"
)

type Config struct {
	Logger      *slog.Logger
	MaxExamples int
	DateColumn  string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.MaxExamples <= 0 {
		c.MaxExamples = defaultMaxExamples
	}
	if c.DateColumn == "" {
		c.DateColumn = defaultDateColumn
	}
	return nil
}

// Turn is a previous question and the SQL that answered it.
type Turn struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

type Input struct {
	Question  string
	Tables    []schema.TableSchema
	JoinHints []retriever.JoinHint
	Financial *finance.Context
	Resolved  *kg.ResolvedContext
	Previous  *Turn
}

// Prompt is a rendered request. Examples holds the IDs of the few-shot
// examples that were included.
type Prompt struct {
	System   string
	User     string
	Examples []string
}

type Builder struct {
	cfg      Config
	rules    string
	examples []Example
}

func New(cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate prompt config: %w", err)
	}
	rules, err := loadTemplate("templates/SYSTEM.md")
	if err != nil {
		return nil, err
	}
	examples, err := loadExamples()
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, rules: rules, examples: examples}, nil
}

func (b *Builder) Build(in Input) Prompt {
	sections := []string{b.rules, schemaBlock(in.Tables)}
	if len(in.Tables) > 1 && len(in.JoinHints) > 0 {
		sections = append(sections, joinBlock(in.JoinHints, in.Tables))
	}
	if fin := b.financialBlock(in.Financial, in.Resolved); fin != "" {
		sections = append(sections, fin)
	}
	examples := b.SelectExamples(in.Question)
	if len(examples) > 0 {
		sections = append(sections, examplesBlock(examples))
	}

	var user strings.Builder
	if in.Previous != nil && in.Previous.SQL != "" {
		fmt.Fprintf(&user, "Previous question: %s\nPrevious SQL:\n```sql\n%s\n```\n\n", in.Previous.Question, in.Previous.SQL)
	}
	fmt.Fprintf(&user, "Question: %s\n\nAnswer by calling the %s tool exactly once.", strings.TrimSpace(in.Question), ToolName)

	ids := make([]string, len(examples))
	for i, e := range examples {
		ids[i] = e.ID
	}
	b.cfg.Logger.Debug("prompt: built", "tables", len(in.Tables), "join_hints", len(in.JoinHints), "examples", ids)

	return Prompt{
		System:   strings.Join(sections, "\n\n"),
		User:     user.String(),
		Examples: ids,
	}
}

// SelectExamples picks up to MaxExamples examples by keyword overlap with
// the question. Revenue examples are always included for revenue questions.
func (b *Builder) SelectExamples(question string) []Example {
	padded := " " + strings.Join(words(question), " ") + " "
	isRevenue := revenue.IsRevenueQuestion(question)

	type scored struct {
		ex    Example
		score int
		order int
	}
	var picked []Example
	var rest []scored
	for i, ex := range b.examples {
		if ex.Revenue && isRevenue {
			picked = append(picked, ex)
			continue
		}
		score := 0
		for _, kw := range ex.Keywords {
			if strings.Contains(padded, " "+strings.ToLower(kw)+" ") {
				score++
			}
		}
		if score > 0 {
			rest = append(rest, scored{ex: ex, score: score, order: i})
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].score != rest[j].score {
			return rest[i].score > rest[j].score
		}
		return rest[i].order < rest[j].order
	})
	for _, s := range rest {
		if len(picked) >= b.cfg.MaxExamples {
			break
		}
		picked = append(picked, s.ex)
	}
	if len(picked) > b.cfg.MaxExamples {
		picked = picked[:b.cfg.MaxExamples]
	}
	return picked
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func schemaBlock(tables []schema.TableSchema) string {
	var sb strings.Builder
	sb.WriteString("## Schema\n")
	for _, t := range tables {
		sb.WriteString("\n")
		sb.WriteString(t.Format())
	}
	return strings.TrimRight(sb.String(), "\n")
}

// joinBlock lists each related pair with its join clause and which columns
// belong to which alias.
func joinBlock(hints []retriever.JoinHint, tables []schema.TableSchema) string {
	byName := make(map[string]schema.TableSchema, len(tables))
	for _, t := range tables {
		byName[strings.ToLower(t.TableName)] = t
	}

	var sb strings.Builder
	sb.WriteString("## Joins\n")
	for _, h := range hints {
		fmt.Fprintf(&sb, "\n%s (%s) -> %s (%s), %s join\n", h.SourceTable, h.SourceAlias, h.TargetTable, h.TargetAlias, h.Kind)
		for _, kp := range h.KeyPairs {
			fmt.Fprintf(&sb, "  key: %s.%s = %s.%s\n", h.SourceAlias, kp.Source, h.TargetAlias, kp.Target)
		}
		fmt.Fprintf(&sb, "  use: FROM %s AS %s %s\n", h.SourceTable, h.SourceAlias, h.Clause())
		if h.LeadingZeros {
			fmt.Fprintf(&sb, "  note: %s keys are zero-padded, always LTRIM(..., '0') the source side\n", h.SourceAlias)
		}
		if h.Note != "" {
			fmt.Fprintf(&sb, "  note: %s\n", h.Note)
		}

		src, srcOK := byName[strings.ToLower(h.SourceTable)]
		dst, dstOK := byName[strings.ToLower(h.TargetTable)]
		if !srcOK || !dstOK {
			continue
		}
		fmt.Fprintf(&sb, "  columns of %s: %s\n", h.SourceAlias, strings.Join(columnNames(src), ", "))
		fmt.Fprintf(&sb, "  columns of %s: %s\n", h.TargetAlias, strings.Join(columnNames(dst), ", "))
		if shared := sharedColumns(src, dst); len(shared) > 0 {
			fmt.Fprintf(&sb, "  present in both, always qualify: %s\n", strings.Join(shared, ", "))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func columnNames(t schema.TableSchema) []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

func sharedColumns(a, b schema.TableSchema) []string {
	seen := make(map[string]bool, len(a.Columns))
	for _, c := range a.Columns {
		seen[strings.ToLower(c.Name)] = true
	}
	var out []string
	for _, c := range b.Columns {
		if seen[strings.ToLower(c.Name)] {
			out = append(out, c.Name)
		}
	}
	return out
}

func (b *Builder) financialBlock(fc *finance.Context, rc *kg.ResolvedContext) string {
	noParse := fc == nil || (!fc.IsFinancial() && fc.TimeWindow == nil)
	noGraph := rc == nil || len(rc.Metrics)+len(rc.Buckets)+len(rc.GLAccounts) == 0
	if noParse && noGraph {
		return ""
	}

	var metrics []finance.Metric
	var buckets []finance.Bucket
	var accounts []finance.GLAccount
	synonyms := make(map[string]string)
	if fc != nil {
		metrics = append(metrics, fc.Metrics...)
		buckets = append(buckets, fc.Buckets...)
		accounts = append(accounts, fc.GLAccounts...)
		for k, v := range fc.SynonymsResolved {
			synonyms[k] = v
		}
	}
	var rules []kg.Rule
	if rc != nil {
		metrics = mergeMetrics(metrics, rc.Metrics)
		for _, bk := range rc.Buckets {
			if !slices.ContainsFunc(buckets, func(x finance.Bucket) bool { return x.Code == bk.Code }) {
				buckets = append(buckets, bk)
			}
		}
		for _, a := range rc.GLAccounts {
			if !slices.ContainsFunc(accounts, func(x finance.GLAccount) bool { return x.Number == a.Number }) {
				accounts = append(accounts, a)
			}
		}
		for k, v := range rc.Synonyms {
			synonyms[k] = v
		}
		rules = rc.Rules
	}

	var sb strings.Builder
	sb.WriteString("## Financial context\n")
	if fc != nil {
		fmt.Fprintf(&sb, "Hierarchy level: %s\n", fc.Level)
		fmt.Fprintf(&sb, "Intent: %s\n", fc.Intent)
	}
	if len(metrics) > 0 {
		sb.WriteString("Metrics:\n")
		for _, m := range metrics {
			fmt.Fprintf(&sb, "  - %s (%s): %s\n", m.Code, m.Name, m.Formula)
		}
	}
	if len(buckets) > 0 {
		sb.WriteString("Account buckets:\n")
		for _, bk := range buckets {
			ranges := make([]string, len(bk.Ranges))
			for i, r := range bk.Ranges {
				ranges[i] = r.String()
			}
			fmt.Fprintf(&sb, "  - %s (%s): accounts %s\n", bk.Code, bk.Name, strings.Join(ranges, ", "))
		}
	}
	if len(accounts) > 0 {
		parts := make([]string, len(accounts))
		for i, a := range accounts {
			parts[i] = fmt.Sprintf("%s %s", a.Number, a.Description)
		}
		fmt.Fprintf(&sb, "GL accounts: %s\n", strings.Join(parts, "; "))
	}
	if fc != nil && fc.TimeWindow != nil {
		w := fc.TimeWindow
		fmt.Fprintf(&sb, "Time window: %s, filter %s\n", w.Label, w.Filter(b.cfg.DateColumn))
		if w.IsComparison() {
			fmt.Fprintf(&sb, "Comparison window: %s to %s, filter %s\n",
				w.CompareStart.Format(time.DateOnly), w.CompareEnd.Format(time.DateOnly), w.CompareFilter(b.cfg.DateColumn))
		}
	}
	if fc != nil && len(fc.Dimensions) > 0 {
		fmt.Fprintf(&sb, "Group by: %s\n", strings.Join(fc.Dimensions, ", "))
	}
	if fc != nil && fc.QueryType == finance.QueryRanking {
		order := "descending"
		if fc.Ascending {
			order = "ascending"
		}
		fmt.Fprintf(&sb, "Top N: %d (%s)\n", fc.TopN, order)
	}
	if len(synonyms) > 0 {
		keys := make([]string, 0, len(synonyms))
		for k := range synonyms {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Resolved terms:")
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%s;", k, synonyms[k])
		}
		sb.WriteString("\n")
	}
	if len(rules) > 0 {
		sb.WriteString("Business rules:\n")
		for _, r := range rules {
			fmt.Fprintf(&sb, "  - %s: %s\n", r.Label, r.Description)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// mergeMetrics appends graph metrics, letting the graph's formula win for
// codes already present.
func mergeMetrics(base, graph []finance.Metric) []finance.Metric {
	for _, gm := range graph {
		i := slices.IndexFunc(base, func(m finance.Metric) bool { return m.Code == gm.Code })
		if i < 0 {
			base = append(base, gm)
			continue
		}
		if gm.Formula != "" {
			base[i].Formula = gm.Formula
		}
	}
	return base
}

func examplesBlock(examples []Example) string {
	var sb strings.Builder
	sb.WriteString("## Examples\n")
	for _, e := range examples {
		fmt.Fprintf(&sb, "\nQuestion: %s\n```sql\n%s\n```\n", e.Question, e.SQL)
	}
	return strings.TrimRight(sb.String(), "\n")
}
