package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/nl2sql/pkg/metrics"
	"github.com/malbeclabs/nl2sql/pkg/pipeline"
)

// maxToolRows bounds the rows returned to a model.
const maxToolRows = 100

type AskInput struct {
	Question       string `json:"question" jsonschema:"the question to answer"`
	Execute        bool   `json:"execute,omitempty" jsonschema:"run the generated SQL and return rows"`
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"reuse to ask follow-up questions"`
}

type AskOutput struct {
	SQL             string           `json:"sql"`
	Explanation     string           `json:"explanation"`
	TablesUsed      []string         `json:"tables_used"`
	Confidence      float64          `json:"confidence"`
	FromCache       bool             `json:"from_cache"`
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	RowCount        int              `json:"row_count"`
	Truncated       bool             `json:"truncated"`
	Error           string           `json:"error,omitempty"`
	ErrorKind       string           `json:"error_kind,omitempty"`
	CorrectionError string           `json:"correction_error,omitempty"`
	Suggestions     []string         `json:"suggestions"`
}

func RegisterAskTool(log *slog.Logger, server *mcp.Server, asker Asker, name, description string) error {
	in, err := jsonschema.For[AskInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask input schema: %w", err)
	}
	out, err := jsonschema.For[AskOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  in,
		OutputSchema: out,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req AskInput) (*mcp.CallToolResult, AskOutput, error) {
		start := time.Now()
		log.Debug("mcp/tool: handling ask", "question", req.Question, "execute", req.Execute)
		res, err := handleAsk(ctx, asker, req)
		metrics.ToolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
			return nil, AskOutput{}, err
		}
		metrics.ToolCallsTotal.WithLabelValues(name, "success").Inc()
		return nil, res, nil
	})
	return nil
}

func handleAsk(ctx context.Context, asker Asker, req AskInput) (AskOutput, error) {
	if req.Question == "" {
		return AskOutput{}, fmt.Errorf("question is required")
	}
	opts := pipeline.DefaultOptions()
	opts.Execute = req.Execute
	resp, err := asker.Ask(ctx, pipeline.Request{
		Question:       req.Question,
		Options:        opts,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return AskOutput{}, fmt.Errorf("failed to answer question: %w", err)
	}

	out := AskOutput{
		SQL:             resp.SQL,
		Explanation:     resp.Explanation,
		TablesUsed:      nonNil(resp.TablesUsed),
		Confidence:      resp.ConfidenceScore,
		FromCache:       resp.FromCache,
		Columns:         []string{},
		Rows:            []map[string]any{},
		Error:           resp.Error,
		ErrorKind:       string(resp.ErrorKind),
		CorrectionError: resp.CorrectionError,
		Suggestions:     []string{},
	}
	if d := resp.ErrorDetails; d != nil {
		out.Suggestions = append(out.Suggestions, d.Suggestions...)
		out.Suggestions = append(out.Suggestions, d.ClarifyingQuestions...)
	}
	if exec := resp.Execution; exec != nil {
		if exec.Error != "" {
			out.Error = exec.Error
			out.ErrorKind = string(exec.ErrorKind)
		}
		out.Columns = nonNil(exec.Columns)
		out.RowCount = exec.RowCount
		rows := exec.Rows
		if len(rows) > maxToolRows {
			rows = rows[:maxToolRows]
			out.Truncated = true
		}
		out.Rows = append(out.Rows, rows...)
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
