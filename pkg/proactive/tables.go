package proactive

import (
	"context"
	"strings"

	"github.com/malbeclabs/nl2sql/pkg/retriever"
	"github.com/malbeclabs/nl2sql/pkg/schema"
)

// Retriever finds the tables behind an agent's question. *retriever.Retriever
// satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, question string, opts retriever.Options) (*retriever.Result, error)
}

// agentTables returns the schemas an agent's SQL reads, with the join hints
// between them. Tables the SQL does not name are dropped unless it names
// none of them. Lookup failures leave the caller without schema context.
func (s *Scheduler) agentTables(ctx context.Context, a *Agent) ([]schema.TableSchema, []retriever.JoinHint) {
	if s.cfg.Retriever == nil {
		return nil, nil
	}
	res, err := s.cfg.Retriever.Retrieve(ctx, a.NLQuery, retriever.Options{
		MaxTables:       retriever.DefaultMaxTables,
		UseVectorSearch: true,
	})
	if err != nil {
		s.log.Warn("scheduler: failed to look up agent tables", "agent_id", a.ID, "error", err)
		return nil, nil
	}

	sql := strings.ToLower(a.SQL)
	var named []schema.TableSchema
	for _, t := range res.Schemas() {
		if strings.Contains(sql, strings.ToLower(t.TableName)) {
			named = append(named, t)
		}
	}
	if len(named) == 0 {
		return res.Schemas(), res.JoinHints
	}

	var hints []retriever.JoinHint
	for _, h := range res.JoinHints {
		if strings.Contains(sql, strings.ToLower(h.SourceTable)) && strings.Contains(sql, strings.ToLower(h.TargetTable)) {
			hints = append(hints, h)
		}
	}
	return named, hints
}
