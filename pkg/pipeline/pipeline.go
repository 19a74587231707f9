// Package pipeline answers a natural-language question with validated SQL:
// retrieve tables, read the question financially, prompt the LLM, rewrite
// the SQL for the execution dialect, validate, optimize and optionally
// execute.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/dialect"
	"github.com/malbeclabs/nl2sql/pkg/executor"
	"github.com/malbeclabs/nl2sql/pkg/finance"
	"github.com/malbeclabs/nl2sql/pkg/kg"
	"github.com/malbeclabs/nl2sql/pkg/llm"
	"github.com/malbeclabs/nl2sql/pkg/metrics"
	"github.com/malbeclabs/nl2sql/pkg/prompt"
	"github.com/malbeclabs/nl2sql/pkg/retriever"
	"github.com/malbeclabs/nl2sql/pkg/schema"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
	"github.com/malbeclabs/nl2sql/pkg/suggest"
	"github.com/malbeclabs/nl2sql/pkg/telemetry"
	"github.com/malbeclabs/nl2sql/pkg/validator"
)

var ErrEmptyQuestion = errors.New("question is required")

type Config struct {
	Logger    *slog.Logger
	Retriever Retriever
	Parser    *finance.Parser
	// Resolver is optional. Without it prompts carry only the parser's
	// reading.
	Resolver  Resolver
	Prompts   *prompt.Builder
	Generator Generator
	Rewriter  *dialect.Rewriter
	Validator *validator.Validator
	Executor  *executor.Executor
	Suggest   *suggest.Service
	// Cache is optional. Without it nothing is cached and sessions are not
	// remembered.
	Cache     *cache.Store
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Retriever == nil {
		return errors.New("retriever is required")
	}
	if c.Parser == nil {
		return errors.New("parser is required")
	}
	if c.Prompts == nil {
		return errors.New("prompt builder is required")
	}
	if c.Generator == nil {
		return errors.New("generator is required")
	}
	if c.Validator == nil {
		return errors.New("validator is required")
	}
	if c.Executor == nil {
		return errors.New("executor is required")
	}
	if c.Suggest == nil {
		return errors.New("suggest service is required")
	}
	if c.Rewriter == nil {
		c.Rewriter = dialect.New(dialect.Config{})
	}
	return nil
}

type Pipeline struct {
	log    *slog.Logger
	cfg    Config
	tracer trace.Tracer
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate pipeline config: %w", err)
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg, tracer: telemetry.Tracer()}, nil
}

// Ask answers one request. Failures the user can act on are reported on the
// Response with an error kind and suggestions; the returned error is only
// set for an empty question or when ctx ends.
func (p *Pipeline) Ask(ctx context.Context, req Request) (*Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.ask", trace.WithAttributes(
		attribute.Bool("force_refresh", req.Options.ForceRefresh),
		attribute.Bool("execute", req.Options.Execute),
	))
	defer span.End()
	start := time.Now()

	resp, err := p.ask(ctx, question, req)
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineRequestsTotal.WithLabelValues("canceled").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	outcome := "generated"
	switch {
	case resp.ErrorKind != "":
		outcome = string(resp.ErrorKind)
		span.SetStatus(codes.Error, resp.Error)
	case resp.FromCache:
		outcome = "cached"
	}
	metrics.PipelineRequestsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("outcome", outcome), attribute.Bool("from_cache", resp.FromCache))
	p.log.Info("pipeline: answered",
		"outcome", outcome, "from_cache", resp.FromCache, "tables", resp.TablesUsed,
		"confidence", resp.ConfidenceScore, "duration", time.Since(start))
	return resp, nil
}

func (p *Pipeline) ask(ctx context.Context, question string, req Request) (*Response, error) {
	previous := p.loadSession(ctx, req.ConversationID)

	var tables *retriever.Result
	err := p.stage(ctx, "retrieve", func(ctx context.Context) error {
		var err error
		tables, err = p.cfg.Retriever.Retrieve(ctx, question, retriever.Options{
			MaxTables:       req.Options.MaxTables,
			UseVectorSearch: req.Options.UseVectorSearch,
		})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.log.Error("pipeline: retrieval failed", "error", err)
		return p.fail(ctx, &Response{}, sqlstore.KindNotFound, err.Error(), question, nil, nil), nil
	}
	schemas := tables.Schemas()
	key := cache.SQLKey(question, tables.Names())

	resp, fromCache, err := p.readThrough(ctx, key, question, req.Options.ForceRefresh, func(ctx context.Context) (*Response, error) {
		return p.generate(ctx, question, tables, previous)
	})
	if err != nil {
		return nil, err
	}
	if resp.ErrorKind != "" {
		return resp, nil
	}
	if fromCache {
		val, err := p.cfg.Validator.Validate(ctx, resp.SQL)
		if err != nil {
			return nil, err
		}
		resp.Validation = val
		if !val.Valid {
			return p.fail(ctx, resp, val.ErrorKind, val.Error, question, schemas, resp.TablesUsed), nil
		}
	}
	p.saveSession(ctx, req.ConversationID, prompt.Turn{Question: question, SQL: resp.SQL})

	if !req.Options.Execute {
		return resp, nil
	}
	var exec *executor.Execution
	err = p.stage(ctx, "execute", func(ctx context.Context) error {
		var err error
		exec, err = p.cfg.Executor.Execute(ctx, question, resp.SQL, schemas)
		return err
	})
	if err != nil {
		return nil, err
	}
	resp.Execution = exec
	if exec.CorrectedSQL != "" {
		resp.SQL = exec.CorrectedSQL
		resp.AutoCorrected = true
	}
	if exec.Failed() {
		resp.CorrectionError = exec.CorrectionError
		return p.fail(ctx, resp, exec.ErrorKind, exec.Error, question, schemas, resp.TablesUsed), nil
	}
	return resp, nil
}

// generate runs the uncached path from parsing to optimization.
func (p *Pipeline) generate(ctx context.Context, question string, tables *retriever.Result, previous *prompt.Turn) (*Response, error) {
	schemas := tables.Schemas()

	fc := p.cfg.Parser.Parse(question)
	var resolved *kg.ResolvedContext
	if p.cfg.Resolver != nil {
		_ = p.stage(ctx, "resolve", func(ctx context.Context) error {
			resolved = p.cfg.Resolver.Enrich(ctx, question, fc)
			return nil
		})
	}

	pr := p.cfg.Prompts.Build(prompt.Input{
		Question:  question,
		Tables:    schemas,
		JoinHints: tables.JoinHints,
		Financial: fc,
		Resolved:  resolved,
		Previous:  previous,
	})

	var gen *llm.Result
	err := p.stage(ctx, "generate", func(ctx context.Context) error {
		var err error
		gen, err = p.cfg.Generator.Generate(ctx, pr)
		return err
	})
	resp := &Response{Financial: financialOrNil(fc)}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := sqlstore.KindOf(err)
		if kind == sqlstore.KindExecution {
			kind = sqlstore.KindGeneration
		}
		return p.fail(ctx, resp, kind, err.Error(), question, schemas, nil), nil
	}

	rw := p.cfg.Rewriter.Rewrite(question, gen.SQL)
	if len(rw.Applied) > 0 {
		p.log.Debug("pipeline: rewrote sql", "rules", rw.Applied)
	}
	resp.SQL = rw.SQL
	resp.Explanation = gen.Explanation
	resp.TablesUsed = tablesUsed(gen.TablesUsed, rw.SQL, schemas)
	resp.EstimatedComplexity = gen.EstimatedComplexity
	resp.OptimizationNotes = gen.OptimizationNotes
	resp.ConfidenceScore = gen.Confidence
	resp.AutoCorrected = rw.AutoCorrected

	var val validator.Validation
	err = p.stage(ctx, "validate", func(ctx context.Context) error {
		var err error
		val, err = p.cfg.Validator.Validate(ctx, resp.SQL)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !val.Valid && val.ErrorKind.Correctable() {
		original := val
		c, err := p.cfg.Executor.Correct(ctx, question, resp.SQL, val.Error, schemas)
		if err != nil {
			return nil, err
		}
		resp.CorrectionError = c.Error
		if c.OK() {
			if val, err = p.cfg.Validator.Validate(ctx, c.SQL); err != nil {
				return nil, err
			}
			if val.Valid {
				p.log.Info("pipeline: corrected invalid sql")
				resp.SQL = c.SQL
				resp.AutoCorrected = true
				resp.TablesUsed = tablesUsed(resp.TablesUsed, c.SQL, schemas)
			} else {
				resp.CorrectionError = val.Error
				val = original
			}
		}
	}
	resp.Validation = val
	if !val.Valid {
		return p.fail(ctx, resp, val.ErrorKind, val.Error, question, schemas, resp.TablesUsed), nil
	}
	resp.CorrectionError = ""

	var opt validator.Optimization
	err = p.stage(ctx, "optimize", func(ctx context.Context) error {
		var err error
		opt, err = p.cfg.Validator.Optimize(ctx, resp.SQL, val)
		return err
	})
	if err != nil {
		return nil, err
	}
	if opt.Swapped {
		resp.OriginalSQL = opt.OriginalSQL
		resp.SQL = opt.SQL
		resp.Optimizations = opt.Applied
		resp.OptimizationDiff = opt.Diff
		resp.Validation = opt.Validation
	}
	return resp, nil
}

// failedGeneration carries a response that must not be cached out of the
// cache generator.
type failedGeneration struct{ resp *Response }

func (f *failedGeneration) Error() string { return f.resp.Error }

// readThrough answers from the SQL cache or generates and caches a fresh
// response. Failed responses are returned but never cached; forceRefresh
// skips the read but still writes.
func (p *Pipeline) readThrough(ctx context.Context, key, question string, forceRefresh bool, gen func(context.Context) (*Response, error)) (*Response, bool, error) {
	if p.cfg.Cache == nil {
		resp, err := gen(ctx)
		return resp, false, err
	}

	var fresh *Response
	generate := func(ctx context.Context) (cachedQuery, time.Duration, error) {
		resp, err := gen(ctx)
		if err != nil {
			return cachedQuery{}, 0, err
		}
		if resp.ErrorKind != "" {
			return cachedQuery{}, 0, &failedGeneration{resp: resp}
		}
		fresh = resp
		return toCached(question, resp), cache.PrefixSQL.TTL(string(resp.EstimatedComplexity)), nil
	}

	var (
		c         cachedQuery
		fromCache bool
		err       error
	)
	if forceRefresh {
		c, err = cache.Regenerate(ctx, p.cfg.Cache, key, generate)
	} else {
		c, fromCache, err = cache.GetOrGenerate(ctx, p.cfg.Cache, key, generate)
	}
	var failed *failedGeneration
	switch {
	case errors.As(err, &failed):
		return failed.resp, false, nil
	case err != nil:
		return nil, false, err
	case !fromCache:
		return fresh, false, nil
	}
	return &Response{
		SQL:                 c.SQL,
		Explanation:         c.Explanation,
		TablesUsed:          c.TablesUsed,
		EstimatedComplexity: c.EstimatedComplexity,
		OptimizationNotes:   c.OptimizationNotes,
		Optimizations:       c.Optimizations,
		OriginalSQL:         c.OriginalSQL,
		ConfidenceScore:     c.Confidence,
		AutoCorrected:       c.AutoCorrected,
		FromCache:           true,
	}, true, nil
}

func toCached(question string, resp *Response) cachedQuery {
	return cachedQuery{
		Question:            question,
		SQL:                 resp.SQL,
		Explanation:         resp.Explanation,
		TablesUsed:          resp.TablesUsed,
		EstimatedComplexity: resp.EstimatedComplexity,
		OptimizationNotes:   resp.OptimizationNotes,
		Optimizations:       resp.Optimizations,
		OriginalSQL:         resp.OriginalSQL,
		Confidence:          resp.ConfidenceScore,
		AutoCorrected:       resp.AutoCorrected,
	}
}

func (p *Pipeline) loadSession(ctx context.Context, id string) *prompt.Turn {
	if p.cfg.Cache == nil || id == "" {
		return nil
	}
	var turn prompt.Turn
	if !p.cfg.Cache.Get(ctx, cache.SessionKey(id), &turn) {
		return nil
	}
	return &turn
}

func (p *Pipeline) saveSession(ctx context.Context, id string, turn prompt.Turn) {
	if p.cfg.Cache == nil || id == "" {
		return
	}
	_ = p.cfg.Cache.Set(ctx, cache.SessionKey(id), turn, 0)
}

func (p *Pipeline) fail(ctx context.Context, resp *Response, kind sqlstore.ErrorKind, msg, question string, tables []schema.TableSchema, used []string) *Response {
	s := p.cfg.Suggest.Suggest(ctx, kind, question, tables, used)
	resp.Error = msg
	resp.ErrorKind = kind
	resp.ErrorDetails = &s
	if resp.TablesUsed == nil {
		resp.TablesUsed = []string{}
	}
	p.log.Info("pipeline: request failed", "kind", kind, "error", msg)
	return resp
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// tablesUsed keeps the reported tables that belong to the retrieved set,
// in retrieval order. When none are reported it falls back to the
// retrieved tables the SQL mentions.
func tablesUsed(reported []string, sql string, tables []schema.TableSchema) []string {
	out := []string{}
	for _, t := range tables {
		if slices.ContainsFunc(reported, func(r string) bool { return strings.EqualFold(r, t.TableName) }) {
			out = append(out, t.TableName)
		}
	}
	if len(out) > 0 {
		return out
	}
	lower := strings.ToLower(sql)
	for _, t := range tables {
		if strings.Contains(lower, strings.ToLower(t.TableName)) {
			out = append(out, t.TableName)
		}
	}
	return out
}

func financialOrNil(fc *finance.Context) *finance.Context {
	if fc == nil || !fc.IsFinancial() {
		return nil
	}
	return fc
}
