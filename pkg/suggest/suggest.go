// Package suggest turns a failed request into a user-facing message with
// next steps.
package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/schema"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
)

const (
	defaultMaxTables  = 3
	defaultMaxSimilar = 3
	popularScanFactor = 4
	minKeywordLength  = 3
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "show": true, "what": true, "which": true,
	"from": true, "per": true, "all": true, "are": true, "was": true, "how": true, "many": true,
	"much": true, "list": true, "give": true, "get": true, "by": true, "top": true, "last": true,
	"this": true, "that": true, "their": true, "each": true, "total": true,
}

type Config struct {
	Logger     *slog.Logger
	// Cache is optional. Without it no similar questions are proposed.
	Cache      *cache.Store
	MaxTables  int
	MaxSimilar int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.MaxTables <= 0 {
		c.MaxTables = defaultMaxTables
	}
	if c.MaxSimilar <= 0 {
		c.MaxSimilar = defaultMaxSimilar
	}
	return nil
}

// Suggestion is attached to every user-visible failure.
type Suggestion struct {
	Message             string   `json:"message"`
	Suggestions         []string `json:"suggestions"`
	ClarifyingQuestions []string `json:"clarifying_questions"`
	SimilarQuestions    []string `json:"similar_questions,omitempty"`
}

type Service struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate suggest config: %w", err)
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

// Suggest describes a failure of the given kind. tables is the set the
// user can query; used tables are the ones the failed query referenced.
func (s *Service) Suggest(ctx context.Context, kind sqlstore.ErrorKind, question string, tables []schema.TableSchema, used []string) Suggestion {
	out := Suggestion{Suggestions: []string{}, ClarifyingQuestions: []string{}}

	switch kind {
	case sqlstore.KindPermission:
		out.Message = "You do not have access to the data this question needs."
		out.Suggestions = append(out.Suggestions, "Ask an administrator for read access to the tables involved.")
		out.ClarifyingQuestions = append(out.ClarifyingQuestions, "Can the question be answered from a table you already use?")
	case sqlstore.KindNotFound:
		out.Message = "The data this question refers to could not be found."
		out.Suggestions = append(out.Suggestions, "Check the spelling of table, customer or product names.")
		out.ClarifyingQuestions = append(out.ClarifyingQuestions, "Which dataset should this question use?")
	case sqlstore.KindTimeout:
		out.Message = "The query took too long to run."
		out.Suggestions = append(out.Suggestions,
			"Add a time filter, for example \"in 2024\" or \"last quarter\".",
			"Limit the result, for example \"top 10\".")
		out.ClarifyingQuestions = append(out.ClarifyingQuestions, "Which time period are you interested in?")
	case sqlstore.KindGeneration:
		out.Message = "A query could not be generated for this question."
		out.Suggestions = append(out.Suggestions, "Rephrase the question with the metric and the grouping you need.")
		out.ClarifyingQuestions = append(out.ClarifyingQuestions,
			"Which metric should be measured?",
			"How should the results be grouped?")
	case sqlstore.KindValidation:
		out.Message = "The generated query was not valid for this data."
		out.Suggestions = append(out.Suggestions, "Name the columns or tables you expect the answer to come from.")
		out.ClarifyingQuestions = append(out.ClarifyingQuestions, "Which table holds the data you are asking about?")
	case sqlstore.KindRateLimit:
		out.Message = "The service is busy. Try again in a moment."
	default:
		out.Message = "The query failed while running."
		out.Suggestions = append(out.Suggestions, "Simplify the question or split it into smaller questions.")
		out.ClarifyingQuestions = append(out.ClarifyingQuestions, "Can the question be narrowed to one metric?")
	}

	if kind != sqlstore.KindRateLimit {
		for _, name := range AlternativeTables(question, tables, used, s.cfg.MaxTables) {
			out.Suggestions = append(out.Suggestions, "Try asking about table "+name+".")
		}
		out.SimilarQuestions = s.similar(ctx, question)
	}
	return out
}

// AlternativeTables ranks tables not in used by how many question keywords
// appear in their name or description.
func AlternativeTables(question string, tables []schema.TableSchema, used []string, limit int) []string {
	keywords := Keywords(question)
	if len(keywords) == 0 {
		return nil
	}
	type scored struct {
		name  string
		score int
	}
	var ranked []scored
	for _, t := range tables {
		if slices.Contains(used, t.TableName) {
			continue
		}
		words := Keywords(t.TableName + " " + t.Description)
		score := 0
		for _, k := range keywords {
			if slices.Contains(words, k) {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{t.TableName, score})
		}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		if a.score != b.score {
			return b.score - a.score
		}
		return strings.Compare(a.name, b.name)
	})
	out := make([]string, 0, min(len(ranked), limit))
	for _, r := range ranked {
		if len(out) == limit {
			break
		}
		out = append(out, r.name)
	}
	return out
}

// Keywords splits text on non-alphanumerics, including underscores, and
// drops short and stop words. The result is lower-case and de-duplicated.
func Keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) < minKeywordLength || stopWords[f] || slices.Contains(out, f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// similar returns the most-hit cached questions other than question.
func (s *Service) similar(ctx context.Context, question string) []string {
	if s.cfg.Cache == nil {
		return nil
	}
	entries, err := s.cfg.Cache.Popular(ctx, s.cfg.MaxSimilar*popularScanFactor)
	if err != nil {
		s.log.Debug("suggest: popular lookup failed", "error", err)
		return nil
	}
	self := cache.Normalize(question)
	var out []string
	for _, e := range entries {
		var v struct {
			Question string `json:"question"`
		}
		if json.Unmarshal(e.Value, &v) != nil || v.Question == "" {
			continue
		}
		n := cache.Normalize(v.Question)
		if n == self || slices.ContainsFunc(out, func(q string) bool { return cache.Normalize(q) == n }) {
			continue
		}
		out = append(out, v.Question)
		if len(out) == s.cfg.MaxSimilar {
			break
		}
	}
	return out
}
