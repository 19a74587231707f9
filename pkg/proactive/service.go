package proactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/nl2sql/pkg/dialect"
	"github.com/malbeclabs/nl2sql/pkg/llm"
	"github.com/malbeclabs/nl2sql/pkg/pipeline"
	"github.com/malbeclabs/nl2sql/pkg/prompt"
	"github.com/malbeclabs/nl2sql/pkg/validator"
)

// Asker answers a question through the full pipeline.
type Asker interface {
	Ask(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// Refiner revises SQL given user feedback.
type Refiner interface {
	Refine(ctx context.Context, system, question, sql, feedback string) (*llm.Result, error)
}

type ServiceConfig struct {
	Logger    *slog.Logger
	Store     Store
	Asker     Asker
	Scheduler *Scheduler
	Validator *validator.Validator
	Rewriter  *dialect.Rewriter
	// Refiner and Prompts are only needed for Refine.
	Refiner   Refiner
	Prompts   *prompt.Builder
	Clock     clockwork.Clock
}

func (c *ServiceConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Asker == nil {
		return errors.New("asker is required")
	}
	if c.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if c.Validator == nil {
		return errors.New("validator is required")
	}
	if c.Rewriter == nil {
		c.Rewriter = dialect.New(dialect.Config{})
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service implements the agent and alert operations.
type Service struct {
	log *slog.Logger
	cfg ServiceConfig
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate agent service config: %w", err)
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

// Draft describes an agent to build from a question.
type Draft struct {
	UserID         string
	Name           string
	Question       string
	DataSource     string
	AlertCondition string
	Severity       Severity
	Frequency      Frequency
}

// CreateFromNL answers the question and returns an unsaved agent carrying the
// generated SQL, along with the pipeline response for preview.
func (s *Service) CreateFromNL(ctx context.Context, d Draft) (*Agent, *pipeline.Response, error) {
	if strings.TrimSpace(d.Question) == "" {
		return nil, nil, fmt.Errorf("%w: question is required", ErrInvalidAgent)
	}
	opts := pipeline.DefaultOptions()
	opts.Execute = true
	resp, err := s.cfg.Asker.Ask(ctx, pipeline.Request{Question: d.Question, Options: opts})
	if err != nil {
		return nil, nil, err
	}
	if resp.Error != "" {
		return nil, resp, fmt.Errorf("%w: %s: %s", ErrInvalidAgent, resp.ErrorKind, resp.Error)
	}

	name := d.Name
	if name == "" {
		name = d.Question
	}
	if d.Severity == "" {
		d.Severity = SeverityMedium
	}
	if d.Frequency == "" {
		d.Frequency = FrequencyDaily
	}
	a := &Agent{
		ID:             uuid.New(),
		UserID:         d.UserID,
		Name:           name,
		NLQuery:        d.Question,
		SQL:            resp.SQL,
		DataSource:     d.DataSource,
		AlertCondition: d.AlertCondition,
		Severity:       d.Severity,
		Frequency:      d.Frequency,
		Enabled:        true,
	}
	if resp.Execution != nil && !resp.Execution.Failed() {
		a.LastResult = firstRows(resp.Execution.Rows, LastResultRows)
	}
	return a, resp, nil
}

// Save persists a new agent as version 1 and schedules its first run.
func (s *Service) Save(ctx context.Context, a *Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	now := s.cfg.Clock.Now().UTC()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.QueryVersion = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	a.NextRun = NextRun(a.Frequency, now, now)
	v := Version{AgentID: a.ID, Version: 1, NLQuery: a.NLQuery, SQL: a.SQL, CreatedAt: now}
	if err := s.cfg.Store.CreateAgent(ctx, a, v); err != nil {
		return err
	}
	s.log.Info("proactive: agent saved", "agent_id", a.ID, "name", a.Name, "next_run", a.NextRun)
	return nil
}

func (s *Service) List(ctx context.Context, userID string) ([]*Agent, error) {
	return s.cfg.Store.ListAgents(ctx, userID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Agent, error) {
	return s.cfg.Store.GetAgent(ctx, id)
}

// ExecuteNow runs the agent immediately, alerting as a scheduled run would.
func (s *Service) ExecuteNow(ctx context.Context, id uuid.UUID) (*RunReport, error) {
	a, err := s.cfg.Store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.cfg.Scheduler.RunNow(ctx, a), nil
}

type Refinement struct {
	Agent       *Agent               `json:"agent"`
	SQL         string               `json:"sql"`
	Explanation string               `json:"explanation"`
	Applied     []string             `json:"applied_rewrites,omitempty"`
	Validation  validator.Validation `json:"validation"`
	// Preview holds the first rows the revised SQL returned.
	Preview     []map[string]any     `json:"preview"`
	RowCount    int                  `json:"row_count"`
}

// Refine revises the agent's SQL with feedback. The revision must validate
// and run before it is stored as a new version.
func (s *Service) Refine(ctx context.Context, id uuid.UUID, feedback string) (*Refinement, error) {
	if s.cfg.Refiner == nil {
		return nil, errors.New("refinement is not configured")
	}
	if strings.TrimSpace(feedback) == "" {
		return nil, fmt.Errorf("%w: feedback is required", ErrInvalidAgent)
	}
	a, err := s.cfg.Store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}

	var system string
	if s.cfg.Prompts != nil {
		tables, hints := s.cfg.Scheduler.agentTables(ctx, a)
		system = s.cfg.Prompts.Build(prompt.Input{Question: a.NLQuery, Tables: tables, JoinHints: hints}).System
	}
	res, err := s.cfg.Refiner.Refine(ctx, system, a.NLQuery, a.SQL, feedback)
	if err != nil {
		return nil, fmt.Errorf("failed to refine agent query: %w", err)
	}
	rw := s.cfg.Rewriter.Rewrite(a.NLQuery, res.SQL)
	val, err := s.cfg.Validator.Validate(ctx, rw.SQL)
	if err != nil {
		return nil, err
	}
	out := &Refinement{Agent: a, SQL: rw.SQL, Explanation: res.Explanation, Applied: rw.Applied, Validation: val, Preview: []map[string]any{}}
	if !val.Valid {
		return out, fmt.Errorf("%w: refined query is invalid: %s", ErrInvalidAgent, val.Error)
	}

	exec, err := s.cfg.Scheduler.Preview(ctx, a, rw.SQL)
	if err != nil {
		return nil, err
	}
	if exec.Failed() {
		return out, fmt.Errorf("%w: refined query failed to run: %s: %s", ErrInvalidAgent, exec.ErrorKind, exec.Error)
	}
	if exec.CorrectedSQL != "" {
		out.SQL = exec.CorrectedSQL
	}
	out.Preview = firstRows(exec.Rows, LastResultRows)
	out.RowCount = exec.RowCount

	now := s.cfg.Clock.Now().UTC()
	a.SQL = out.SQL
	a.LastResult = out.Preview
	a.QueryVersion++
	a.UpdatedAt = now
	v := Version{AgentID: a.ID, Version: a.QueryVersion, NLQuery: a.NLQuery, SQL: a.SQL, Feedback: feedback, CreatedAt: now}
	if err := s.cfg.Store.SaveRefinement(ctx, a, v); err != nil {
		return nil, err
	}
	s.log.Info("proactive: agent refined", "agent_id", a.ID, "version", a.QueryVersion)
	return out, nil
}

// Toggle enables or disables an agent. Enabling reschedules from now.
func (s *Service) Toggle(ctx context.Context, id uuid.UUID, enabled bool) (*Agent, error) {
	a, err := s.cfg.Store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Enabled == enabled {
		return a, nil
	}
	now := s.cfg.Clock.Now().UTC()
	a.Enabled = enabled
	if enabled {
		a.NextRun = NextRun(a.Frequency, now, now)
	}
	a.UpdatedAt = now
	if err := s.cfg.Store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.cfg.Store.DeleteAgent(ctx, id)
}

// RecordFeedback marks an alert as a true or false positive and counts it on
// its agent.
func (s *Service) RecordFeedback(ctx context.Context, alertID uuid.UUID, truePositive bool, comment string) error {
	alert, err := s.cfg.Store.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	label := "false_positive"
	if truePositive {
		label = "true_positive"
	}
	if comment = strings.TrimSpace(comment); comment != "" {
		label += ": " + comment
	}
	alert.UserFeedback = label

	if err := s.cfg.Store.UpdateAlert(ctx, alert); err != nil {
		return err
	}
	return s.cfg.Store.CountFeedback(ctx, alert.AgentID, truePositive, s.cfg.Clock.Now().UTC())
}

func (s *Service) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	return s.cfg.Store.ListAlerts(ctx, f)
}

// AcknowledgeAlert moves an active alert to acknowledged.
func (s *Service) AcknowledgeAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return s.transition(ctx, id, AlertAcknowledged)
}

// ResolveAlert closes an active or acknowledged alert.
func (s *Service) ResolveAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return s.transition(ctx, id, AlertResolved)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to AlertStatus) (*Alert, error) {
	alert, err := s.cfg.Store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.cfg.Clock.Now().UTC()
	switch {
	case to == AlertAcknowledged && alert.Status == AlertActive:
		alert.AcknowledgedAt = &now
	case to == AlertResolved && alert.Status != AlertResolved:
		alert.ResolvedAt = &now
	default:
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, alert.Status, to)
	}
	alert.Status = to
	if err := s.cfg.Store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

func (s *Service) ListVersions(ctx context.Context, id uuid.UUID) ([]Version, error) {
	return s.cfg.Store.ListVersions(ctx, id)
}

func (s *Service) ListExecutions(ctx context.Context, id uuid.UUID, limit int) ([]Execution, error) {
	return s.cfg.Store.ListExecutions(ctx, id, limit)
}
