// Package llm turns a rendered prompt into a SQL generation through a
// single forced tool call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/malbeclabs/nl2sql/pkg/metrics"
	"github.com/malbeclabs/nl2sql/pkg/prompt"
	"github.com/malbeclabs/nl2sql/pkg/schema"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
)

const (
	defaultMaxTokens         = 4096
	defaultMaxRetries        = 3
	defaultRetryBaseInterval = time.Second
)

// MessagesAPI is the part of the Anthropic client the completer uses.
type MessagesAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type Config struct {
	Logger            *slog.Logger
	Messages          MessagesAPI
	Model             anthropic.Model
	MaxTokens         int64
	MaxRetries        uint
	RetryBaseInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Messages == nil {
		return errors.New("messages client is required")
	}
	if c.Model == "" {
		return errors.New("model is required")
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBaseInterval <= 0 {
		c.RetryBaseInterval = defaultRetryBaseInterval
	}
	return nil
}

// Result is a parsed generation plus how it was obtained.
type Result struct {
	Generation
	Confidence float64
	ReplyKind  ReplyKind
	RetryCount int
}

type Completer struct {
	log  *slog.Logger
	cfg  Config
	tool anthropic.ToolUnionParam
}

func New(cfg Config) (*Completer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate llm config: %w", err)
	}
	tool, err := generateSQLTool()
	if err != nil {
		return nil, err
	}
	return &Completer{log: cfg.Logger, cfg: cfg, tool: tool}, nil
}

func generateSQLTool() (anthropic.ToolUnionParam, error) {
	s, err := jsonschema.For[Generation](nil)
	if err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("failed to create %s input schema: %w", prompt.ToolName, err)
	}
	if p, ok := s.Properties["estimated_complexity"]; ok {
		p.Enum = []any{string(ComplexityLow), string(ComplexityMedium), string(ComplexityHigh)}
	}
	param := anthropic.ToolParam{
		Name:        prompt.ToolName,
		Description: anthropic.String("Return the SQL query that answers the question."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: s.Properties,
			Required:   s.Required,
		},
	}
	return anthropic.ToolUnionParam{OfTool: &param}, nil
}

// Generate requests SQL for a rendered prompt.
func (c *Completer) Generate(ctx context.Context, p prompt.Prompt) (*Result, error) {
	res, err := c.complete(ctx, p.System, []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(p.User)),
	})
	if err != nil {
		return nil, err
	}
	res.Confidence = Confidence(res.EstimatedComplexity, len(res.TablesUsed), len(p.Examples))
	return res, nil
}

// Refine replays the question, the current SQL and the feedback as a
// three-turn conversation.
func (c *Completer) Refine(ctx context.Context, system, question, sql, feedback string) (*Result, error) {
	res, err := c.complete(ctx, system, []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(question)),
		anthropic.NewAssistantMessage(anthropic.NewTextBlock("```sql\n" + sql + "\n```")),
		anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(
			"Revise the query according to this feedback: %s\n\nAnswer by calling the %s tool exactly once.", feedback, prompt.ToolName))),
	})
	if err != nil {
		return nil, err
	}
	res.Confidence = Confidence(res.EstimatedComplexity, len(res.TablesUsed), 1)
	return res, nil
}

// Correct asks for one rewrite of sql that failed with errMsg.
func (c *Completer) Correct(ctx context.Context, sql, errMsg string, tables []schema.TableSchema) (*Result, error) {
	var sb strings.Builder
	sb.WriteString("You fix PostgreSQL queries. Keep the intent of the query and change only what the error requires. ")
	sb.WriteString("Use only these tables and columns.\n")
	for _, t := range tables {
		sb.WriteString("\n")
		sb.WriteString(t.Format())
	}
	user := fmt.Sprintf("This query failed.\n```sql\n%s\n```\nError: %s\n\nAnswer by calling the %s tool exactly once with the corrected query.",
		sql, errMsg, prompt.ToolName)

	res, err := c.complete(ctx, sb.String(), []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
	})
	if err != nil {
		return nil, err
	}
	res.Confidence = Confidence(res.EstimatedComplexity, len(res.TablesUsed), 0)
	return res, nil
}

func (c *Completer) complete(ctx context.Context, system string, messages []anthropic.MessageParam) (*Result, error) {
	params := anthropic.MessageNewParams{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: anthropic.Float(0),
		System: []anthropic.TextBlockParam{
			{Text: system, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages:   messages,
		Tools:      []anthropic.ToolUnionParam{c.tool},
		ToolChoice: anthropic.ToolChoiceParamOfTool(prompt.ToolName),
	}

	start := time.Now()
	attempts := 0
	msg, err := backoff.Retry(ctx, func() (*anthropic.Message, error) {
		attempts++
		msg, err := c.cfg.Messages.New(ctx, params)
		if err == nil {
			return msg, nil
		}
		if ctx.Err() == nil && retryable(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval: c.cfg.RetryBaseInterval,
			Multiplier:      2,
			MaxInterval:     c.cfg.RetryBaseInterval << c.cfg.MaxRetries,
		}),
		backoff.WithMaxTries(c.cfg.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.LLMRetriesTotal.Inc()
			c.log.Warn("llm: retrying completion", "attempt", attempts, "next", next, "error", err)
		}),
	)
	retries := attempts - 1
	metrics.LLMRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		kind := sqlstore.KindGeneration
		switch {
		case isTimeout(err):
			kind = sqlstore.KindTimeout
		case isRateLimit(err):
			kind = sqlstore.KindRateLimit
		}
		c.log.Error("llm: completion failed", "retry_count", retries, "error", err)
		return nil, &sqlstore.Error{Kind: kind, Err: fmt.Errorf("llm completion failed: %w", err)}
	}

	reply := replyFromMessage(msg, prompt.ToolName)
	gen, err := reply.Parse()
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues("unparsed").Inc()
		c.log.Warn("llm: unusable reply", "reply_kind", reply.Kind.String(), "retry_count", retries, "error", err)
		return nil, &sqlstore.Error{Kind: sqlstore.KindGeneration, Err: fmt.Errorf("failed to parse %s reply: %w", reply.Kind, err)}
	}
	metrics.LLMRequestsTotal.WithLabelValues("success").Inc()
	c.log.Info("llm: completion succeeded",
		"reply_kind", reply.Kind.String(), "retry_count", retries, "duration", time.Since(start),
		"stop_reason", msg.StopReason, "complexity", gen.EstimatedComplexity)

	return &Result{Generation: gen, ReplyKind: reply.Kind, RetryCount: retries}, nil
}

// retryable reports rate limits, overload and timeouts.
func retryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusGatewayTimeout, 529:
			return true
		}
		return false
	}
	return isTimeout(err)
}

func isRateLimit(err error) bool {
	var apiErr *anthropic.Error
	return errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == 529)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Confidence scores a generation from its complexity, table count and
// whether few-shot examples guided it.
func Confidence(complexity Complexity, tables, examples int) float64 {
	score := 1.0
	switch complexity {
	case ComplexityHigh:
		score -= 0.2
	case ComplexityMedium:
		score -= 0.1
	}
	switch {
	case tables > 5:
		score -= 0.25
	case tables > 3:
		score -= 0.15
	}
	if examples == 0 {
		score -= 0.1
	}
	return min(max(score, 0.1), 1.0)
}
