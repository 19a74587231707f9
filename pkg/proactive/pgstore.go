package proactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (c *PGStoreConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

// PGStore keeps agents and alerts in Postgres.
type PGStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// NewPGStore creates the tables it needs if they do not exist.
func NewPGStore(ctx context.Context, cfg PGStoreConfig) (*PGStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate agent store config: %w", err)
	}
	s := &PGStore{log: cfg.Logger, pool: cfg.Pool}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

var migrations = []struct {
	name string
	sql  string
}{
	{"agents", `
		CREATE TABLE IF NOT EXISTS proactive_agents (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			nl_query TEXT NOT NULL,
			sql TEXT NOT NULL,
			data_source TEXT NOT NULL DEFAULT '',
			alert_condition TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high')),
			frequency TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_run TIMESTAMPTZ,
			next_run TIMESTAMPTZ NOT NULL,
			query_version INTEGER NOT NULL DEFAULT 1,
			last_result JSONB NOT NULL DEFAULT '[]',
			true_positives INTEGER NOT NULL DEFAULT 0,
			false_positives INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"agents due index", `
		CREATE INDEX IF NOT EXISTS idx_proactive_agents_due
		ON proactive_agents (next_run) WHERE enabled`},
	{"versions", `
		CREATE TABLE IF NOT EXISTS proactive_agent_versions (
			agent_id UUID NOT NULL REFERENCES proactive_agents (id) ON DELETE CASCADE,
			version INTEGER NOT NULL,
			nl_query TEXT NOT NULL,
			sql TEXT NOT NULL,
			feedback TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (agent_id, version)
		)`},
	{"alerts", `
		CREATE TABLE IF NOT EXISTS proactive_alerts (
			id UUID PRIMARY KEY,
			agent_id UUID NOT NULL REFERENCES proactive_agents (id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			data JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK (status IN ('active', 'acknowledged', 'resolved')),
			triggered_at TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			resolved_at TIMESTAMPTZ,
			user_feedback TEXT NOT NULL DEFAULT ''
		)`},
	{"alerts index", `
		CREATE INDEX IF NOT EXISTS idx_proactive_alerts_triggered
		ON proactive_alerts (triggered_at DESC)`},
	{"executions", `
		CREATE TABLE IF NOT EXISTS proactive_agent_executions (
			id UUID PRIMARY KEY,
			agent_id UUID NOT NULL REFERENCES proactive_agents (id) ON DELETE CASCADE,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL,
			outcome TEXT NOT NULL,
			row_count INTEGER NOT NULL DEFAULT 0,
			alert_id UUID,
			error TEXT NOT NULL DEFAULT ''
		)`},
}

func (s *PGStore) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", m.name, err)
		}
	}
	s.log.Debug("proactive: migrations applied", "count", len(migrations))
	return nil
}

const agentColumns = `id, user_id, name, nl_query, sql, data_source, alert_condition, severity, frequency,
	enabled, last_run, next_run, query_version, last_result, true_positives, false_positives, created_at, updated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var (
		a      Agent
		result []byte
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.NLQuery, &a.SQL, &a.DataSource, &a.AlertCondition,
		&a.Severity, &a.Frequency, &a.Enabled, &a.LastRun, &a.NextRun, &a.QueryVersion, &result,
		&a.TruePositives, &a.FalsePositives, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(result, &a.LastResult); err != nil {
		return nil, fmt.Errorf("failed to decode last_result: %w", err)
	}
	return &a, nil
}

func collectAgents(rows pgx.Rows) ([]*Agent, error) {
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func lastResultJSON(rows []map[string]any) ([]byte, error) {
	if rows == nil {
		rows = []map[string]any{}
	}
	return json.Marshal(rows)
}

func (s *PGStore) CreateAgent(ctx context.Context, a *Agent, v Version) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertAgent(ctx, tx, a); err != nil {
			return err
		}
		return insertVersion(ctx, tx, v)
	})
}

func insertAgent(ctx context.Context, tx pgx.Tx, a *Agent) error {
	result, err := lastResultJSON(a.LastResult)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO proactive_agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15, $16, $17, $18)`,
		a.ID, a.UserID, a.Name, a.NLQuery, a.SQL, a.DataSource, a.AlertCondition, string(a.Severity), string(a.Frequency),
		a.Enabled, a.LastRun, a.NextRun, a.QueryVersion, result, a.TruePositives, a.FalsePositives, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func insertVersion(ctx context.Context, tx pgx.Tx, v Version) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO proactive_agent_versions (agent_id, version, nl_query, sql, feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.AgentID, v.Version, v.NLQuery, v.SQL, v.Feedback, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent version: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateAgent(ctx context.Context, a *Agent) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return updateAgent(ctx, tx, a)
	})
}

func updateAgent(ctx context.Context, tx pgx.Tx, a *Agent) error {
	result, err := lastResultJSON(a.LastResult)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE proactive_agents SET
			name = $2, nl_query = $3, sql = $4, data_source = $5, alert_condition = $6, severity = $7,
			frequency = $8, enabled = $9, last_run = $10, next_run = $11, query_version = $12,
			last_result = $13::jsonb, true_positives = $14, false_positives = $15, updated_at = $16
		WHERE id = $1`,
		a.ID, a.Name, a.NLQuery, a.SQL, a.DataSource, a.AlertCondition, string(a.Severity), string(a.Frequency),
		a.Enabled, a.LastRun, a.NextRun, a.QueryVersion, result, a.TruePositives, a.FalsePositives, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) CountFeedback(ctx context.Context, id uuid.UUID, truePositive bool, at time.Time) error {
	column := "false_positives"
	if truePositive {
		column = "true_positives"
	}
	tag, err := s.pool.Exec(ctx, `UPDATE proactive_agents SET `+column+` = `+column+` + 1, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to count agent feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) SaveRefinement(ctx context.Context, a *Agent, v Version) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := updateAgent(ctx, tx, a); err != nil {
			return err
		}
		return insertVersion(ctx, tx, v)
	})
}

func (s *PGStore) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM proactive_agents WHERE id = $1`, id))
}

func (s *PGStore) ListAgents(ctx context.Context, userID string) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM proactive_agents
		WHERE $1 = '' OR user_id = $1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return collectAgents(rows)
}

func (s *PGStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM proactive_agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) DueAgents(ctx context.Context, now time.Time, limit int) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM proactive_agents
		WHERE enabled AND next_run <= $1
		ORDER BY next_run, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due agents: %w", err)
	}
	return collectAgents(rows)
}

func (s *PGStore) ListVersions(ctx context.Context, agentID uuid.UUID) ([]Version, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, version, nl_query, sql, feedback, created_at
		FROM proactive_agent_versions WHERE agent_id = $1 ORDER BY version`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()
	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.AgentID, &v.Version, &v.NLQuery, &v.SQL, &v.Feedback, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const alertColumns = `id, agent_id, user_id, severity, title, message, data, status, triggered_at,
	acknowledged_at, resolved_at, user_feedback`

func scanAlert(row pgx.Row) (*Alert, error) {
	var (
		a    Alert
		data []byte
	)
	err := row.Scan(&a.ID, &a.AgentID, &a.UserID, &a.Severity, &a.Title, &a.Message, &data, &a.Status,
		&a.TriggeredAt, &a.AcknowledgedAt, &a.ResolvedAt, &a.UserFeedback)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &a.Data); err != nil {
		return nil, fmt.Errorf("failed to decode alert data: %w", err)
	}
	return &a, nil
}

func (s *PGStore) CreateAlert(ctx context.Context, a *Alert) error {
	data, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("failed to encode alert data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO proactive_alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12)`,
		a.ID, a.AgentID, a.UserID, string(a.Severity), a.Title, a.Message, data, string(a.Status),
		a.TriggeredAt, a.AcknowledgedAt, a.ResolvedAt, a.UserFeedback)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateAlert(ctx context.Context, a *Alert) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE proactive_alerts SET status = $2, acknowledged_at = $3, resolved_at = $4, user_feedback = $5
		WHERE id = $1`,
		a.ID, string(a.Status), a.AcknowledgedAt, a.ResolvedAt, a.UserFeedback)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM proactive_alerts WHERE id = $1`, id))
}

func (s *PGStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	var agentID *uuid.UUID
	if f.AgentID != uuid.Nil {
		agentID = &f.AgentID
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+` FROM proactive_alerts
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2::uuid IS NULL OR agent_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY triggered_at DESC, id
		LIMIT $4`, f.UserID, agentID, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()
	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) RecordExecution(ctx context.Context, e Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proactive_agent_executions
			(id, agent_id, started_at, finished_at, duration_ms, outcome, row_count, alert_id, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AgentID, e.StartedAt, e.FinishedAt, e.Duration.Milliseconds(), string(e.Outcome), e.RowCount, e.AlertID, e.Error)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

func (s *PGStore) ListExecutions(ctx context.Context, agentID uuid.UUID, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, started_at, finished_at, duration_ms, outcome, row_count, alert_id, error
		FROM proactive_agent_executions
		WHERE agent_id = $1
		ORDER BY started_at DESC, id
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		var (
			e  Execution
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.StartedAt, &e.FinishedAt, &ms, &e.Outcome, &e.RowCount, &e.AlertID, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
