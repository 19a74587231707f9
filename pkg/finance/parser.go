package finance

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/jonboulle/clockwork"
)

type QueryType string

const (
	QueryAggregation QueryType = "aggregation"
	QueryBreakdown   QueryType = "breakdown"
	QueryRanking     QueryType = "ranking"
	QueryTrend       QueryType = "trend"
	QueryComparison  QueryType = "comparison"
)

const (
	defaultTopN       = 10
	maxSampleAccounts = 5
)

// Context is the financial reading of one question.
type Context struct {
	Level            Level             `json:"hierarchy_level"`
	QueryType        QueryType         `json:"query_type"`
	Intent           string            `json:"intent"`
	Metrics          []Metric          `json:"metrics,omitempty"`
	Buckets          []Bucket          `json:"buckets,omitempty"`
	GLAccounts       []GLAccount       `json:"gl_accounts,omitempty"`
	TimeWindow       *TimeWindow       `json:"time_window,omitempty"`
	Dimensions       []string          `json:"dimensions,omitempty"`
	SynonymsResolved map[string]string `json:"synonyms_resolved,omitempty"`
	TopN             int               `json:"top_n,omitempty"`
	Ascending        bool              `json:"ascending,omitempty"`
	Confidence       float64           `json:"confidence"`
}

// IsFinancial reports whether any metric, bucket or account was recognized.
func (c *Context) IsFinancial() bool {
	return len(c.Metrics) > 0 || len(c.Buckets) > 0 || len(c.GLAccounts) > 0
}

type phraseKind int

const (
	kindMetric phraseKind = iota
	kindBucket
	kindDimension
)

type phrase struct {
	text string
	kind phraseKind
	code string
}

var (
	accountRe = regexp.MustCompile(`\b\d{6}\b`)
	topNRe    = regexp.MustCompile(`\b(top|bottom|best|worst|highest|lowest)\s+(\d+)\b`)

	rankingWords    = []string{"top", "bottom", "highest", "lowest", "best", "worst", "rank", "ranking", "largest", "smallest", "biggest"}
	ascendingWords  = []string{"bottom", "lowest", "worst", "smallest"}
	comparisonWords = []string{"compare", "compared", "comparison", "vs", "versus", "yoy", "mom", "difference", "against", "year over year", "month over month"}
	trendWords      = []string{"trend", "trends", "over time", "monthly", "weekly", "daily", "growth", "evolution", "by month", "per month", "by quarter", "by week"}
	breakdownWords  = []string{"by", "per", "breakdown", "split", "each", "across"}
)

type Parser struct {
	h     *Hierarchy
	clock clockwork.Clock
}

func NewParser(h *Hierarchy, clock clockwork.Clock) *Parser {
	if h == nil {
		h = DefaultHierarchy()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Parser{h: h, clock: clock}
}

func (p *Parser) Hierarchy() *Hierarchy {
	return p.h
}

// Parse classifies a question. It never fails; an unrecognized question
// yields a low-confidence aggregation context.
func (p *Parser) Parse(question string) *Context {
	text := normalize(question)
	ctx := &Context{SynonymsResolved: make(map[string]string)}

	var metricCodes, bucketCodes, dims []string
	work := " " + text + " "
	for _, ph := range p.h.phrases {
		needle := " " + ph.text + " "
		if !strings.Contains(work, needle) {
			continue
		}
		// Blank the claimed words, keeping the surrounding spaces.
		work = strings.ReplaceAll(work, needle, " "+strings.Repeat("#", len(ph.text))+" ")
		switch ph.kind {
		case kindMetric:
			metricCodes = appendUnique(metricCodes, ph.code)
			ctx.SynonymsResolved[ph.text] = ph.code
		case kindBucket:
			bucketCodes = appendUnique(bucketCodes, ph.code)
			ctx.SynonymsResolved[ph.text] = ph.code
		case kindDimension:
			dims = appendUnique(dims, ph.code)
		}
	}

	for _, code := range metricCodes {
		if m, ok := p.h.Metric(code); ok {
			ctx.Metrics = append(ctx.Metrics, m)
		}
	}
	for _, code := range bucketCodes {
		if b, ok := p.h.Bucket(code); ok {
			ctx.Buckets = append(ctx.Buckets, b)
		}
	}
	for _, num := range accountRe.FindAllString(text, -1) {
		if a, ok := p.h.Account(num); ok {
			ctx.GLAccounts = append(ctx.GLAccounts, a)
		} else if b, ok := p.h.BucketOf(num); ok {
			ctx.GLAccounts = append(ctx.GLAccounts, GLAccount{Number: num, BucketCode: b.Code})
		}
	}

	switch {
	case len(ctx.GLAccounts) > 0:
		ctx.Level = LevelAccount
		for _, a := range ctx.GLAccounts {
			if !slices.ContainsFunc(ctx.Buckets, func(b Bucket) bool { return b.Code == a.BucketCode }) {
				if b, ok := p.h.Bucket(a.BucketCode); ok {
					ctx.Buckets = append(ctx.Buckets, b)
				}
			}
		}
	case len(ctx.Buckets) > 0:
		ctx.Level = LevelBucket
		for _, b := range ctx.Buckets {
			accts := p.h.AccountsForBucket(b.Code)
			if len(accts) > maxSampleAccounts {
				accts = accts[:maxSampleAccounts]
			}
			ctx.GLAccounts = append(ctx.GLAccounts, accts...)
		}
	default:
		ctx.Level = LevelMetric
	}

	ctx.Dimensions = dims
	ctx.TimeWindow = ExtractTimeWindow(question, p.clock.Now())
	ctx.QueryType = classify(strings.ReplaceAll(text, "top line", "topline"))
	if ctx.QueryType == QueryRanking {
		ctx.TopN = defaultTopN
		if m := topNRe.FindStringSubmatch(text); m != nil {
			ctx.TopN, _ = strconv.Atoi(m[2])
		}
		ctx.Ascending = containsAny(text, ascendingWords)
	}
	ctx.Intent = intent(ctx)
	ctx.Confidence = confidence(ctx)
	return ctx
}

func classify(text string) QueryType {
	switch {
	case containsAny(text, rankingWords):
		return QueryRanking
	case containsAny(text, comparisonWords):
		return QueryComparison
	case containsAny(text, trendWords):
		return QueryTrend
	case containsAny(text, breakdownWords):
		return QueryBreakdown
	}
	return QueryAggregation
}

func intent(c *Context) string {
	var subjects []string
	for _, m := range c.Metrics {
		subjects = append(subjects, m.Name)
	}
	for _, b := range c.Buckets {
		subjects = append(subjects, b.Name)
	}
	if len(subjects) == 0 {
		subjects = []string{"records"}
	}
	s := fmt.Sprintf("%s of %s", c.QueryType, strings.Join(subjects, ", "))
	if len(c.Dimensions) > 0 {
		s += " by " + strings.Join(c.Dimensions, ", ")
	}
	if c.TimeWindow != nil {
		s += " for " + c.TimeWindow.Label
	}
	return s
}

func confidence(c *Context) float64 {
	score := 0.3
	if c.IsFinancial() {
		score += 0.4
	}
	if c.TimeWindow != nil {
		score += 0.15
	}
	if len(c.Dimensions) > 0 || c.QueryType != QueryAggregation {
		score += 0.15
	}
	return min(score, 1.0)
}

func normalize(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "%", " percent "))
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&'
	})
	return strings.Join(words, " ")
}

func containsAny(text string, words []string) bool {
	padded := " " + text + " "
	for _, w := range words {
		if strings.Contains(padded, " "+w+" ") {
			return true
		}
	}
	return false
}

func appendUnique(s []string, v string) []string {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}
