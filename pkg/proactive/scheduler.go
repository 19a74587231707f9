package proactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/nl2sql/pkg/executor"
	"github.com/malbeclabs/nl2sql/pkg/metrics"
	"github.com/malbeclabs/nl2sql/pkg/schema"
)

const (
	defaultCheckInterval = 60 * time.Second
	defaultBatchSize     = 10
	defaultConcurrency   = 5
)

// Runner executes an agent's SQL. *executor.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, question, sql string, tables []schema.TableSchema) (*executor.Execution, error)
}

type SchedulerConfig struct {
	Logger        *slog.Logger
	Store         Store
	Runner        Runner
	Notifier      Notifier
	// Retriever is optional. Without it corrections run without schemas.
	Retriever     Retriever
	Clock         clockwork.Clock
	CheckInterval time.Duration
	BatchSize     int
	Concurrency   int
}

func (c *SchedulerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.Notifier == nil {
		c.Notifier = LogNotifier{Logger: c.Logger}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return nil
}

// RunReport summarizes one agent run.
type RunReport struct {
	Agent     *Agent
	Execution Execution
	Alert     *Alert
	Rows      []map[string]any
}

type Scheduler struct {
	log  *slog.Logger
	cfg  SchedulerConfig
	pool pond.ResultPool[*RunReport]

	stopOnce sync.Once
	stop     chan struct{}
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate scheduler config: %w", err)
	}
	return &Scheduler{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewResultPool[*RunReport](cfg.Concurrency),
		stop: make(chan struct{}),
	}, nil
}

// Run ticks every CheckInterval until ctx is done or Stop is called. A batch
// in flight when Stop is called finishes first.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler: starting", "interval", s.cfg.CheckInterval, "batch_size", s.cfg.BatchSize)

	ticker := s.cfg.Clock.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	defer s.pool.StopAndWait()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler: context done, stopping", "reason", ctx.Err())
			return nil
		case <-s.stop:
			s.log.Info("scheduler: stopped")
			return nil
		case <-ticker.Chan():
			if s.stopped() {
				return nil
			}
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Tick runs one batch of due agents and waits for all of them.
func (s *Scheduler) Tick(ctx context.Context) []*RunReport {
	now := s.cfg.Clock.Now().UTC()
	agents, err := s.cfg.Store.DueAgents(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("scheduler: failed to select due agents", "error", err)
		return nil
	}
	metrics.SchedulerBatchSize.Set(float64(len(agents)))
	if len(agents) == 0 {
		return nil
	}

	// Runs are detached from ctx cancellation so a stop lets the batch drain.
	runCtx := context.WithoutCancel(ctx)
	group := s.pool.NewGroup()
	for _, a := range agents {
		group.Submit(func() *RunReport {
			return s.RunAgent(runCtx, a)
		})
	}
	reports, err := group.Wait()
	if err != nil {
		s.log.Error("scheduler: batch failed", "error", err)
	}
	s.log.Debug("scheduler: batch complete", "agents", len(agents), "duration", s.cfg.Clock.Since(now))
	return reports
}

// RunAgent executes one agent, raises an alert if any row matches its
// condition and advances its schedule. Failures are recorded on the run log
// rather than returned.
func (s *Scheduler) RunAgent(ctx context.Context, a *Agent) *RunReport {
	return s.run(ctx, a, true)
}

// RunNow executes an agent out of band. Its next_run is left alone.
func (s *Scheduler) RunNow(ctx context.Context, a *Agent) *RunReport {
	return s.run(ctx, a, false)
}

func (s *Scheduler) run(ctx context.Context, a *Agent, scheduled bool) *RunReport {
	started := s.cfg.Clock.Now().UTC()
	rep := &RunReport{Agent: a, Execution: Execution{ID: uuid.New(), AgentID: a.ID, StartedAt: started}}
	log := s.log.With("agent_id", a.ID, "agent", a.Name)

	alert, rows, err := s.evaluate(ctx, a, started)
	switch {
	case err != nil:
		rep.Execution.Outcome = OutcomeFailed
		rep.Execution.Error = err.Error()
		log.Warn("scheduler: agent run failed", "error", err)
	case alert != nil:
		rep.Execution.Outcome = OutcomeTriggered
		rep.Execution.AlertID = &alert.ID
	default:
		rep.Execution.Outcome = OutcomeOK
	}
	rep.Alert = alert
	rep.Rows = rows
	rep.Execution.RowCount = len(rows)

	finished := s.cfg.Clock.Now().UTC()
	rep.Execution.FinishedAt = finished
	rep.Execution.Duration = finished.Sub(started)

	if uerr := s.advance(ctx, a, started, finished, rows, err == nil, scheduled); uerr != nil {
		log.Error("scheduler: failed to update agent", "error", uerr)
	}
	if rerr := s.cfg.Store.RecordExecution(ctx, rep.Execution); rerr != nil {
		log.Error("scheduler: failed to record execution", "error", rerr)
	}

	metrics.SchedulerRunsTotal.WithLabelValues(string(rep.Execution.Outcome)).Inc()
	log.Info("scheduler: agent run", "outcome", rep.Execution.Outcome, "rows", len(rows), "scheduled", scheduled, "next_run", a.NextRun)
	return rep
}

func (s *Scheduler) evaluate(ctx context.Context, a *Agent, now time.Time) (*Alert, []map[string]any, error) {
	var cond *Condition
	if a.AlertCondition != "" {
		c, err := Compile(a.AlertCondition)
		if err != nil {
			return nil, nil, err
		}
		cond = c
	}

	tables, _ := s.agentTables(ctx, a)
	exec, err := s.cfg.Runner.Execute(ctx, a.NLQuery, a.SQL, tables)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute agent query: %w", err)
	}
	if exec.Failed() {
		return nil, nil, fmt.Errorf("%s: %s", exec.ErrorKind, exec.Error)
	}
	if cond == nil {
		return nil, exec.Rows, nil
	}
	row, matched := cond.FirstMatch(exec.Rows)
	if matched == 0 {
		return nil, exec.Rows, nil
	}

	// The agent may have been disabled while the query ran.
	current, err := s.cfg.Store.GetAgent(ctx, a.ID)
	if err != nil {
		return nil, exec.Rows, fmt.Errorf("failed to reload agent: %w", err)
	}
	if !current.Enabled {
		s.log.Info("scheduler: agent disabled during run, not alerting", "agent_id", a.ID)
		return nil, exec.Rows, nil
	}

	alert := &Alert{
		ID:       uuid.New(),
		AgentID:  a.ID,
		UserID:   a.UserID,
		Severity: a.Severity,
		Title:    fmt.Sprintf("%s: condition met", a.Name),
		Message:  fmt.Sprintf("%d of %d rows matched %q", matched, len(exec.Rows), a.AlertCondition),
		Data: map[string]any{
			"triggered_row": maps.Clone(row),
			"matched_rows":  matched,
			"query_version": a.QueryVersion,
		},
		Status:      AlertActive,
		TriggeredAt: now,
	}
	if err := s.cfg.Store.CreateAlert(ctx, alert); err != nil {
		return nil, exec.Rows, fmt.Errorf("failed to create alert: %w", err)
	}
	metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()

	if err := s.cfg.Notifier.Notify(ctx, a, alert); err != nil {
		s.log.Warn("scheduler: failed to deliver alert", "alert_id", alert.ID, "error", err)
	}
	return alert, exec.Rows, nil
}

// Preview runs sql on behalf of a without recording, alerting or touching
// its schedule.
func (s *Scheduler) Preview(ctx context.Context, a *Agent, sql string) (*executor.Execution, error) {
	tables, _ := s.agentTables(ctx, a)
	return s.cfg.Runner.Execute(ctx, a.NLQuery, sql, tables)
}

// advance stamps the run onto the stored agent. Edits made while the query
// ran, such as a refinement or a toggle, are kept.
func (s *Scheduler) advance(ctx context.Context, a *Agent, started, finished time.Time, rows []map[string]any, ok, scheduled bool) error {
	if current, err := s.cfg.Store.GetAgent(ctx, a.ID); err == nil {
		*a = *current
	} else if errors.Is(err, ErrNotFound) {
		return nil
	}
	a.LastRun = &started
	if scheduled {
		a.NextRun = NextRun(a.Frequency, a.NextRun, finished)
	}
	if ok {
		a.LastResult = firstRows(rows, LastResultRows)
	}
	a.UpdatedAt = finished
	return s.cfg.Store.UpdateAgent(ctx, a)
}

func firstRows(rows []map[string]any, n int) []map[string]any {
	if len(rows) > n {
		rows = rows[:n]
	}
	out := make([]map[string]any, len(rows))
	copy(out, rows)
	return out
}
