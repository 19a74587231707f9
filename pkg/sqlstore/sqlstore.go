// Package sqlstore defines the contract shared by the data stores SQL is
// validated and executed against.
package sqlstore

import (
	"context"
	"time"
)

type Dialect string

const (
	// DialectWarehouse is the dialect the LLM is prompted in.
	DialectWarehouse Dialect = "warehouse"
	// DialectPostgres is the execution target after rewriting.
	DialectPostgres  Dialect = "postgres"
)

// Estimate is the outcome of a dry run.
type Estimate struct {
	BytesProcessed int64
	EstimatedRows  int64
	EstimatedCost  float64
}

type Result struct {
	Columns        []string
	Rows           []map[string]any
	ExecutionTime  time.Duration
	BytesProcessed int64
}

type Store interface {
	Dialect() Dialect
	// DryRun validates sql without executing it.
	DryRun(ctx context.Context, sql string) (Estimate, error)
	Query(ctx context.Context, sql string) (Result, error)
}
