// Package retriever selects the tables relevant to a question by vector
// similarity and attaches predeclared join hints.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/malbeclabs/nl2sql/pkg/embedding"
	"github.com/malbeclabs/nl2sql/pkg/schema"
	"github.com/malbeclabs/nl2sql/pkg/vectorstore"
)

const (
	DefaultMaxTables = 5

	maxSearchK         = 10
	closeFactor        = 1.2
	multiEntityFactor  = 1.5
	variantPrefixChars = 10
)

var multiEntityWords = map[string]bool{
	"and": true, "with": true, "by": true, "per": true, "join": true, "combine": true,
}

type Config struct {
	Logger    *slog.Logger
	Embedder  embedding.Provider
	Vectors   vectorstore.Store
	Indexer   *schema.Indexer
	Joins     *Registry
	MaxTables int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Embedder == nil {
		return errors.New("embedder is required")
	}
	if c.Vectors == nil {
		return errors.New("vector store is required")
	}
	if c.Indexer == nil {
		return errors.New("indexer is required")
	}
	if c.Joins == nil {
		c.Joins = DefaultRegistry()
	}
	if c.MaxTables <= 0 {
		c.MaxTables = DefaultMaxTables
	}
	return nil
}

type Options struct {
	MaxTables       int
	UseVectorSearch bool
}

type Table struct {
	Schema   schema.TableSchema
	Distance float64
}

// Result is an ordered table set. JoinHints only reference tables in the set.
type Result struct {
	Tables    []Table
	JoinHints []JoinHint
	// Fallback is set when the set came from the unfiltered listing.
	Fallback  bool
}

func (r *Result) Schemas() []schema.TableSchema {
	out := make([]schema.TableSchema, len(r.Tables))
	for i, t := range r.Tables {
		out[i] = t.Schema
	}
	return out
}

func (r *Result) Names() []string {
	out := make([]string, len(r.Tables))
	for i, t := range r.Tables {
		out[i] = t.Schema.TableName
	}
	return out
}

type Retriever struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate retriever config: %w", err)
	}
	return &Retriever{log: cfg.Logger, cfg: cfg}, nil
}

// Retrieve picks up to opts.MaxTables tables for question. It only fails
// when neither vector search nor the schema listing is available.
func (r *Retriever) Retrieve(ctx context.Context, question string, opts Options) (*Result, error) {
	maxTables := opts.MaxTables
	if maxTables <= 0 {
		maxTables = r.cfg.MaxTables
	}

	if !opts.UseVectorSearch {
		return r.fallback(ctx, maxTables)
	}
	if _, err := r.cfg.Indexer.EnsureIndexed(ctx); err != nil {
		r.log.Warn("retriever: indexing failed, using fallback", "error", err)
		return r.fallback(ctx, maxTables)
	}

	multi := IsMultiEntity(question)
	k := maxTables
	if multi {
		k = min(2*maxTables, maxSearchK)
	}

	vec, err := r.cfg.Embedder.Embed(ctx, question)
	if err != nil {
		r.log.Warn("retriever: embedding failed, using fallback", "error", err)
		return r.fallback(ctx, maxTables)
	}
	matches, err := r.cfg.Vectors.Search(ctx, vec, k)
	if err != nil || len(matches) == 0 {
		r.log.Warn("retriever: vector search unavailable, using fallback", "error", err, "matches", len(matches))
		return r.fallback(ctx, maxTables)
	}

	res := &Result{}
	for _, m := range r.selectMatches(matches, multi, maxTables) {
		t, ok := r.cfg.Indexer.Lookup(ctx, m.ID)
		if !ok {
			r.log.Debug("retriever: match not in schema snapshot", "table", m.ID)
			continue
		}
		res.Tables = append(res.Tables, Table{Schema: t, Distance: m.Distance})
	}
	if len(res.Tables) == 0 {
		return r.fallback(ctx, maxTables)
	}
	if len(res.Tables) > 1 {
		res.JoinHints = r.cfg.Joins.HintsFor(res.Names())
	}

	r.log.Debug("retriever: selected tables", "tables", res.Names(), "multi_entity", multi, "k", k)
	return res, nil
}

func (r *Retriever) selectMatches(matches []vectorstore.Match, multi bool, maxTables int) []vectorstore.Match {
	top := matches[0]
	selected := []vectorstore.Match{top}

	factor := closeFactor
	if multi {
		factor = multiEntityFactor
	}
	limit := top.Distance * factor

	for _, m := range matches[1:] {
		if len(selected) >= maxTables {
			break
		}
		if m.Distance > limit {
			continue
		}
		if variantOfAny(m.ID, selected) {
			continue
		}
		selected = append(selected, m)
	}
	return selected
}

func (r *Retriever) fallback(ctx context.Context, n int) (*Result, error) {
	tables, err := r.cfg.Indexer.FirstN(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list fallback tables: %w", err)
	}
	res := &Result{Fallback: true}
	for _, t := range tables {
		res.Tables = append(res.Tables, Table{Schema: t})
	}
	if len(res.Tables) > 1 {
		res.JoinHints = r.cfg.Joins.HintsFor(res.Names())
	}
	return res, nil
}

// IsMultiEntity reports whether a question likely spans more than one table.
func IsMultiEntity(question string) bool {
	words := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if multiEntityWords[w] {
			return true
		}
	}
	return len(schema.QuestionDomains(question)) >= 2
}

// IsVariant reports whether two tables are likely copies or slices of the
// same data.
func IsVariant(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if len(la) >= variantPrefixChars && len(lb) >= variantPrefixChars &&
		la[:variantPrefixChars] == lb[:variantPrefixChars] {
		return true
	}
	da, db := schema.DomainOf(a), schema.DomainOf(b)
	return da != "" && da == db
}

func variantOfAny(name string, selected []vectorstore.Match) bool {
	for _, s := range selected {
		if IsVariant(name, s.ID) {
			return true
		}
	}
	return false
}
