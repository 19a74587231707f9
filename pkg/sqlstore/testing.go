package sqlstore

import (
	"context"
	"sync"
)

// FuncStore adapts functions to Store. Used by tests and by the CLI's
// rewrite-only mode.
type FuncStore struct {
	DialectName Dialect
	DryRunFunc  func(ctx context.Context, sql string) (Estimate, error)
	QueryFunc   func(ctx context.Context, sql string) (Result, error)

	mu      sync.Mutex
	dryRuns []string
	queries []string
}

func (s *FuncStore) Dialect() Dialect {
	if s.DialectName == "" {
		return DialectPostgres
	}
	return s.DialectName
}

func (s *FuncStore) DryRun(ctx context.Context, sql string) (Estimate, error) {
	s.mu.Lock()
	s.dryRuns = append(s.dryRuns, sql)
	s.mu.Unlock()
	if s.DryRunFunc == nil {
		return Estimate{}, nil
	}
	return s.DryRunFunc(ctx, sql)
}

func (s *FuncStore) Query(ctx context.Context, sql string) (Result, error) {
	s.mu.Lock()
	s.queries = append(s.queries, sql)
	s.mu.Unlock()
	if s.QueryFunc == nil {
		return Result{}, nil
	}
	return s.QueryFunc(ctx, sql)
}

// DryRuns returns the SQL of every dry run so far.
func (s *FuncStore) DryRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dryRuns...)
}

// Queries returns the SQL of every query so far.
func (s *FuncStore) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}
