package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/nl2sql/pkg/metrics"
	"github.com/malbeclabs/nl2sql/pkg/proactive"
)

type AlertsInput struct {
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Status  string `json:"status,omitempty" jsonschema:"active, acknowledged or resolved"`
	Limit   int    `json:"limit,omitempty"`
}

type AlertsOutput struct {
	Alerts []AlertItem `json:"alerts"`
	Count  int         `json:"count"`
}

// AlertItem flattens proactive.Alert into JSON-schema friendly fields.
type AlertItem struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Severity    string         `json:"severity"`
	Status      string         `json:"status"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	TriggeredAt string         `json:"triggered_at"`
	Data        map[string]any `json:"data"`
}

const defaultAlertLimit = 50

func RegisterAlertsTool(log *slog.Logger, server *mcp.Server, alerts AlertLister, name, description string) error {
	in, err := jsonschema.For[AlertsInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create alerts input schema: %w", err)
	}
	out, err := jsonschema.For[AlertsOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create alerts output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  in,
		OutputSchema: out,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req AlertsInput) (*mcp.CallToolResult, AlertsOutput, error) {
		start := time.Now()
		res, err := handleAlerts(ctx, alerts, req)
		metrics.ToolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			log.Debug("mcp/tool: list alerts failed", "error", err)
			metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
			return nil, AlertsOutput{}, err
		}
		metrics.ToolCallsTotal.WithLabelValues(name, "success").Inc()
		return nil, res, nil
	})
	return nil
}

func handleAlerts(ctx context.Context, alerts AlertLister, req AlertsInput) (AlertsOutput, error) {
	f := proactive.AlertFilter{
		UserID: req.UserID,
		Status: proactive.AlertStatus(req.Status),
		Limit:  req.Limit,
	}
	if f.Limit <= 0 {
		f.Limit = defaultAlertLimit
	}
	if req.AgentID != "" {
		id, err := uuid.Parse(req.AgentID)
		if err != nil {
			return AlertsOutput{}, fmt.Errorf("invalid agent_id: %w", err)
		}
		f.AgentID = id
	}

	list, err := alerts.ListAlerts(ctx, f)
	if err != nil {
		return AlertsOutput{}, fmt.Errorf("failed to list alerts: %w", err)
	}
	out := AlertsOutput{Alerts: make([]AlertItem, 0, len(list)), Count: len(list)}
	for _, a := range list {
		data := a.Data
		if data == nil {
			data = map[string]any{}
		}
		out.Alerts = append(out.Alerts, AlertItem{
			ID:          a.ID.String(),
			AgentID:     a.AgentID.String(),
			Severity:    string(a.Severity),
			Status:      string(a.Status),
			Title:       a.Title,
			Message:     a.Message,
			TriggeredAt: a.TriggeredAt.UTC().Format(time.RFC3339),
			Data:        data,
		})
	}
	return out, nil
}
