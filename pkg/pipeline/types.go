package pipeline

import (
	"context"

	"github.com/malbeclabs/nl2sql/pkg/executor"
	"github.com/malbeclabs/nl2sql/pkg/finance"
	"github.com/malbeclabs/nl2sql/pkg/kg"
	"github.com/malbeclabs/nl2sql/pkg/llm"
	"github.com/malbeclabs/nl2sql/pkg/prompt"
	"github.com/malbeclabs/nl2sql/pkg/retriever"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
	"github.com/malbeclabs/nl2sql/pkg/suggest"
	"github.com/malbeclabs/nl2sql/pkg/validator"
)

// Retriever picks the tables for a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string, opts retriever.Options) (*retriever.Result, error)
}

// Resolver enriches a financial reading with the knowledge graph.
type Resolver interface {
	Enrich(ctx context.Context, question string, fc *finance.Context) *kg.ResolvedContext
}

// Generator turns a prompt into SQL.
type Generator interface {
	Generate(ctx context.Context, p prompt.Prompt) (*llm.Result, error)
}

type Options struct {
	UseVectorSearch bool `json:"use_vector_search"`
	MaxTables       int  `json:"max_tables,omitempty"`
	Execute         bool `json:"execute"`
	ForceRefresh    bool `json:"force_refresh"`
}

// DefaultOptions searches the vector index and does not execute.
func DefaultOptions() Options {
	return Options{UseVectorSearch: true, MaxTables: retriever.DefaultMaxTables}
}

type Request struct {
	Question       string  `json:"question"`
	Options        Options `json:"options"`
	ConversationID string  `json:"conversation_id,omitempty"`
}

type Response struct {
	SQL                 string               `json:"sql"`
	Explanation         string               `json:"explanation"`
	TablesUsed          []string             `json:"tables_used"`
	EstimatedComplexity llm.Complexity       `json:"estimated_complexity"`
	OptimizationNotes   string               `json:"optimization_notes,omitempty"`
	Optimizations       []string             `json:"optimizations,omitempty"`
	OptimizationDiff    string               `json:"optimization_diff,omitempty"`
	OriginalSQL         string               `json:"original_sql,omitempty"`
	Validation          validator.Validation `json:"validation"`
	Execution           *executor.Execution  `json:"execution,omitempty"`
	ConfidenceScore     float64              `json:"confidence_score"`
	FromCache           bool                 `json:"from_cache"`
	AutoCorrected       bool                 `json:"auto_corrected,omitempty"`
	Financial           *finance.Context     `json:"financial_context,omitempty"`
	Error               string               `json:"error,omitempty"`
	ErrorKind           sqlstore.ErrorKind   `json:"error_kind,omitempty"`
	ErrorDetails        *suggest.Suggestion  `json:"error_details,omitempty"`
	// CorrectionError is why the one correction attempt did not fix Error.
	CorrectionError     string               `json:"correction_error,omitempty"`
}

// cachedQuery is the value stored under the SQL prefix. Question is kept so
// the suggestion service can offer it as a similar question.
type cachedQuery struct {
	Question            string         `json:"question"`
	SQL                 string         `json:"sql"`
	Explanation         string         `json:"explanation"`
	TablesUsed          []string       `json:"tables_used"`
	EstimatedComplexity llm.Complexity `json:"estimated_complexity"`
	OptimizationNotes   string         `json:"optimization_notes,omitempty"`
	Optimizations       []string       `json:"optimizations,omitempty"`
	OriginalSQL         string         `json:"original_sql,omitempty"`
	Confidence          float64        `json:"confidence"`
	AutoCorrected       bool           `json:"auto_corrected,omitempty"`
}
