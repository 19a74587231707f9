// Package executor runs validated SQL and makes one LLM-mediated correction
// attempt when execution fails.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/dialect"
	"github.com/malbeclabs/nl2sql/pkg/llm"
	"github.com/malbeclabs/nl2sql/pkg/metrics"
	"github.com/malbeclabs/nl2sql/pkg/schema"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
	"github.com/malbeclabs/nl2sql/pkg/validator"
)

// Corrector rewrites SQL that failed with an error message.
type Corrector interface {
	Correct(ctx context.Context, sql, errMsg string, tables []schema.TableSchema) (*llm.Result, error)
}

type Config struct {
	Logger    *slog.Logger
	Store     sqlstore.Store
	Validator *validator.Validator
	Rewriter  *dialect.Rewriter
	// Corrector is optional. Without it failures are returned as is.
	Corrector Corrector
	// Cache is optional. Results are cached for the result prefix TTL.
	Cache     *cache.Store
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Validator == nil {
		return errors.New("validator is required")
	}
	if c.Rewriter == nil {
		c.Rewriter = dialect.New(dialect.Config{})
	}
	return nil
}

type PerformanceStats struct {
	ExecutionTimeMS int64 `json:"execution_time_ms"`
	BytesProcessed  int64 `json:"bytes_processed"`
}

// Execution is the outcome of running one query. On failure Error and
// ErrorKind describe the original failure, even when a correction was
// attempted; CorrectionError says why the correction did not help.
type Execution struct {
	Columns          []string           `json:"columns,omitempty"`
	Rows             []map[string]any   `json:"rows"`
	RowCount         int                `json:"row_count"`
	PerformanceStats PerformanceStats   `json:"performance_stats"`
	FromCache        bool               `json:"from_cache,omitempty"`
	CorrectedSQL     string             `json:"corrected_sql,omitempty"`
	Error            string             `json:"error,omitempty"`
	ErrorKind        sqlstore.ErrorKind `json:"error_kind,omitempty"`
	CorrectionError  string             `json:"correction_error,omitempty"`
}

// Correction is the outcome of one rewrite attempt. SQL is set when the
// rewrite validated; otherwise Error says why it was not usable.
type Correction struct {
	SQL   string
	Error string
}

func (c Correction) OK() bool { return c.SQL != "" }

func (e *Execution) Failed() bool { return e.ErrorKind != "" }

type Executor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate executor config: %w", err)
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// Execute runs sql. The returned error is only set when ctx ends; store
// failures are reported on the Execution.
func (e *Executor) Execute(ctx context.Context, question, sql string, tables []schema.TableSchema) (*Execution, error) {
	if cached, ok := e.cached(ctx, sql); ok {
		return cached, nil
	}

	exec, err := e.run(ctx, sql)
	if err == nil {
		return exec, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	kind := sqlstore.KindOf(err)
	failed := &Execution{Rows: []map[string]any{}, Error: err.Error(), ErrorKind: kind}
	if !kind.Correctable() || e.cfg.Corrector == nil {
		e.log.Info("executor: query failed", "kind", kind, "error", err)
		return failed, nil
	}

	c, cerr := e.Correct(ctx, question, sql, err.Error(), tables)
	if cerr != nil {
		return nil, cerr
	}
	if !c.OK() {
		failed.CorrectionError = c.Error
		return failed, nil
	}
	exec, err = e.run(ctx, c.SQL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.Info("executor: corrected query failed", "kind", sqlstore.KindOf(err), "error", err)
		failed.CorrectionError = err.Error()
		return failed, nil
	}
	exec.CorrectedSQL = c.SQL
	return exec, nil
}

// Correct asks the LLM for one rewrite of sql, passes it through the
// dialect rewriter and validates it. The error is only set when ctx ends.
func (e *Executor) Correct(ctx context.Context, question, sql, errMsg string, tables []schema.TableSchema) (Correction, error) {
	if e.cfg.Corrector == nil {
		return Correction{}, nil
	}
	res, err := e.cfg.Corrector.Correct(ctx, sql, errMsg, tables)
	if err != nil {
		if ctx.Err() != nil {
			return Correction{}, ctx.Err()
		}
		e.log.Warn("executor: correction failed", "error", err)
		return Correction{Error: err.Error()}, nil
	}

	fixed := e.cfg.Rewriter.Rewrite(question, res.SQL).SQL
	if strings.TrimSpace(fixed) == strings.TrimSpace(sql) {
		e.log.Info("executor: correction returned the same sql")
		return Correction{Error: "correction returned the same sql"}, nil
	}
	val, err := e.cfg.Validator.Validate(ctx, fixed)
	if err != nil {
		return Correction{}, err
	}
	if !val.Valid {
		e.log.Info("executor: corrected sql rejected", "kind", val.ErrorKind, "error", val.Error)
		return Correction{Error: val.Error}, nil
	}
	e.log.Info("executor: corrected sql validated")
	return Correction{SQL: fixed}, nil
}

func (e *Executor) run(ctx context.Context, sql string) (*Execution, error) {
	res, err := e.cfg.Store.Query(ctx, sql)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(string(sqlstore.KindOf(err))).Inc()
		return nil, err
	}
	metrics.ExecutionsTotal.WithLabelValues("").Inc()

	rows := res.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	exec := &Execution{
		Columns:  res.Columns,
		Rows:     rows,
		RowCount: len(rows),
		PerformanceStats: PerformanceStats{
			ExecutionTimeMS: res.ExecutionTime.Milliseconds(),
			BytesProcessed:  res.BytesProcessed,
		},
	}
	if e.cfg.Cache != nil {
		_ = e.cfg.Cache.Set(ctx, cache.ResultKey(sql), exec, 0)
	}
	return exec, nil
}

func (e *Executor) cached(ctx context.Context, sql string) (*Execution, bool) {
	if e.cfg.Cache == nil {
		return nil, false
	}
	var exec Execution
	if !e.cfg.Cache.Get(ctx, cache.ResultKey(sql), &exec) {
		return nil, false
	}
	exec.FromCache = true
	return &exec, true
}
