package proactive_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/nl2sql/pkg/executor"
	"github.com/malbeclabs/nl2sql/pkg/proactive"
	"github.com/malbeclabs/nl2sql/pkg/schema"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
)

var testNow = time.Date(2025, 5, 14, 10, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRunner struct {
	mu     sync.Mutex
	run    func(sql string) (*executor.Execution, error)
	calls  []string
	tables [][]schema.TableSchema
}

func (f *fakeRunner) Execute(_ context.Context, _, sql string, tables []schema.TableSchema) (*executor.Execution, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sql)
	f.tables = append(f.tables, tables)
	run := f.run
	f.mu.Unlock()
	if run == nil {
		return &executor.Execution{Rows: []map[string]any{}}, nil
	}
	return run(sql)
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) Tables() [][]schema.TableSchema {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]schema.TableSchema(nil), f.tables...)
}

func rowsRunner(rows ...map[string]any) *fakeRunner {
	return &fakeRunner{run: func(string) (*executor.Execution, error) {
		return &executor.Execution{Rows: rows, RowCount: len(rows)}, nil
	}}
}

type fakeNotifier struct {
	mu     sync.Mutex
	err    error
	alerts []*proactive.Alert
}

func (f *fakeNotifier) Notify(_ context.Context, _ *proactive.Agent, a *proactive.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return f.err
}

func (f *fakeNotifier) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type schedHarness struct {
	sched    *proactive.Scheduler
	store    *proactive.MemoryStore
	clock    *clockwork.FakeClock
	notifier *fakeNotifier
}

func newSchedHarness(t *testing.T, runner proactive.Runner, batch int) *schedHarness {
	t.Helper()
	h := &schedHarness{
		store:    proactive.NewMemoryStore(),
		clock:    clockwork.NewFakeClockAt(testNow),
		notifier: &fakeNotifier{},
	}
	s, err := proactive.NewScheduler(proactive.SchedulerConfig{
		Logger:        testLogger(),
		Store:         h.store,
		Runner:        runner,
		Notifier:      h.notifier,
		Clock:         h.clock,
		CheckInterval: time.Minute,
		BatchSize:     batch,
		Concurrency:   2,
	})
	require.NoError(t, err)
	h.sched = s
	return h
}

func (h *schedHarness) addAgent(t *testing.T, mut func(a *proactive.Agent)) *proactive.Agent {
	t.Helper()
	a := &proactive.Agent{
		ID:             uuid.New(),
		UserID:         "u1",
		Name:           "revenue drop",
		NLQuery:        "revenue change by region",
		SQL:            "SELECT region, pct_change FROM revenue_changes",
		AlertCondition: "pct_change < -10",
		Severity:       proactive.SeverityHigh,
		Frequency:      proactive.FrequencyDaily,
		Enabled:        true,
		NextRun:        testNow.Add(-time.Minute),
		QueryVersion:   1,
		CreatedAt:      testNow.Add(-time.Hour),
	}
	if mut != nil {
		mut(a)
	}
	require.NoError(t, h.store.CreateAgent(t.Context(), a, proactive.Version{AgentID: a.ID, Version: 1, SQL: a.SQL}))
	return a
}

func TestScheduler_New_Validation(t *testing.T) {
	t.Parallel()

	_, err := proactive.NewScheduler(proactive.SchedulerConfig{})
	require.ErrorContains(t, err, "logger is required")

	_, err = proactive.NewScheduler(proactive.SchedulerConfig{Logger: testLogger(), Store: proactive.NewMemoryStore()})
	require.ErrorContains(t, err, "runner is required")
}

func TestScheduler_RaisesAlertOnMatchingRow(t *testing.T) {
	t.Parallel()

	h := newSchedHarness(t, rowsRunner(
		map[string]any{"region": "EMEA", "pct_change": -15},
		map[string]any{"region": "AMER", "pct_change": 3},
	), 10)
	a := h.addAgent(t, nil)

	reports := h.sched.Tick(t.Context())
	require.Len(t, reports, 1)
	require.NotNil(t, reports[0].Alert)
	assert.Equal(t, proactive.OutcomeTriggered, reports[0].Execution.Outcome)

	alerts, err := h.store.ListAlerts(t.Context(), proactive.AlertFilter{AgentID: a.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	alert := alerts[0]
	assert.Equal(t, proactive.AlertActive, alert.Status)
	assert.Equal(t, proactive.SeverityHigh, alert.Severity)
	assert.Equal(t, "u1", alert.UserID)
	assert.True(t, testNow.Equal(alert.TriggeredAt))
	row, ok := alert.Data["triggered_row"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, -15, row["pct_change"])
	assert.Equal(t, "EMEA", row["region"])
	assert.EqualValues(t, 1, alert.Data["matched_rows"])
	assert.Equal(t, 1, h.notifier.Count())

	got, err := h.store.GetAgent(t.Context(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	assert.True(t, testNow.Equal(*got.LastRun))
	assert.True(t, time.Date(2025, 5, 15, 8, 0, 0, 0, time.UTC).Equal(got.NextRun))
	assert.Len(t, got.LastResult, 2)

	execs, err := h.store.ListExecutions(t.Context(), a.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, proactive.OutcomeTriggered, execs[0].Outcome)
	assert.Equal(t, 2, execs[0].RowCount)
	require.NotNil(t, execs[0].AlertID)
	assert.Equal(t, alert.ID, *execs[0].AlertID)

	// Not due again until tomorrow.
	assert.Empty(t, h.sched.Tick(t.Context()))
}

func TestScheduler_NoAlertWithoutMatch(t *testing.T) {
	t.Parallel()

	h := newSchedHarness(t, rowsRunner(map[string]any{"pct_change": 3}), 10)
	a := h.addAgent(t, nil)

	reports := h.sched.Tick(t.Context())
	require.Len(t, reports, 1)
	assert.Nil(t, reports[0].Alert)
	assert.Equal(t, proactive.OutcomeOK, reports[0].Execution.Outcome)

	alerts, err := h.store.ListAlerts(t.Context(), proactive.AlertFilter{AgentID: a.ID})
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Zero(t, h.notifier.Count())
}

func TestScheduler_LastResultKeepsFirstRows(t *testing.T) {
	t.Parallel()

	var rows []map[string]any
	for i := range 8 {
		rows = append(rows, map[string]any{"n": i})
	}
	h := newSchedHarness(t, rowsRunner(rows...), 10)
	a := h.addAgent(t, func(a *proactive.Agent) { a.AlertCondition = "" })

	h.sched.Tick(t.Context())

	got, err := h.store.GetAgent(t.Context(), a.ID)
	require.NoError(t, err)
	require.Len(t, got.LastResult, proactive.LastResultRows)
	assert.EqualValues(t, 0, got.LastResult[0]["n"])
	assert.EqualValues(t, 4, got.LastResult[4]["n"])
}

func TestScheduler_FailedRunStillAdvances(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		run  func(string) (*executor.Execution, error)
	}{
		{"execution error", func(string) (*executor.Execution, error) {
			return &executor.Execution{Error: "canceling statement due to statement timeout", ErrorKind: sqlstore.KindTimeout}, nil
		}},
		{"runner error", func(string) (*executor.Execution, error) {
			return nil, errors.New("connection refused")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newSchedHarness(t, &fakeRunner{run: tt.run}, 10)
			a := h.addAgent(t, func(a *proactive.Agent) {
				a.LastResult = []map[string]any{{"pct_change": 1}}
			})

			reports := h.sched.Tick(t.Context())
			require.Len(t, reports, 1)
			assert.Equal(t, proactive.OutcomeFailed, reports[0].Execution.Outcome)
			assert.NotEmpty(t, reports[0].Execution.Error)

			got, err := h.store.GetAgent(t.Context(), a.ID)
			require.NoError(t, err)
			assert.True(t, got.NextRun.After(testNow))
			require.Len(t, got.LastResult, 1)
			assert.EqualValues(t, 1, got.LastResult[0]["pct_change"])

			execs, err := h.store.ListExecutions(t.Context(), a.ID, 0)
			require.NoError(t, err)
			require.Len(t, execs, 1)
			assert.Equal(t, proactive.OutcomeFailed, execs[0].Outcome)
			assert.Nil(t, execs[0].AlertID)
		})
	}
}

func TestScheduler_InvalidConditionFailsRun(t *testing.T) {
	t.Parallel()

	runner := rowsRunner(map[string]any{"pct_change": -50})
	h := newSchedHarness(t, runner, 10)
	h.addAgent(t, func(a *proactive.Agent) { a.AlertCondition = "pct_change <" })

	reports := h.sched.Tick(t.Context())
	require.Len(t, reports, 1)
	assert.Equal(t, proactive.OutcomeFailed, reports[0].Execution.Outcome)
	assert.Contains(t, reports[0].Execution.Error, "invalid alert condition")
	assert.Empty(t, runner.Calls())
}

func TestScheduler_DisabledDuringRunDoesNotAlert(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	h := newSchedHarness(t, runner, 10)
	a := h.addAgent(t, nil)
	runner.run = func(string) (*executor.Execution, error) {
		current, err := h.store.GetAgent(context.Background(), a.ID)
		if err != nil {
			return nil, err
		}
		current.Enabled = false
		if err := h.store.UpdateAgent(context.Background(), current); err != nil {
			return nil, err
		}
		return &executor.Execution{Rows: []map[string]any{{"pct_change": -40}}}, nil
	}

	reports := h.sched.Tick(t.Context())
	require.Len(t, reports, 1)
	assert.Nil(t, reports[0].Alert)
	assert.Equal(t, proactive.OutcomeOK, reports[0].Execution.Outcome)

	alerts, err := h.store.ListAlerts(t.Context(), proactive.AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Zero(t, h.notifier.Count())

	got, err := h.store.GetAgent(t.Context(), a.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestScheduler_SelectsDueAgentsInOrder(t *testing.T) {
	t.Parallel()

	runner := rowsRunner()
	h := newSchedHarness(t, runner, 2)
	h.addAgent(t, func(a *proactive.Agent) { a.SQL = "SELECT 3"; a.NextRun = testNow.Add(-time.Minute) })
	h.addAgent(t, func(a *proactive.Agent) { a.SQL = "SELECT 1"; a.NextRun = testNow.Add(-3 * time.Hour) })
	h.addAgent(t, func(a *proactive.Agent) { a.SQL = "SELECT 2"; a.NextRun = testNow.Add(-2 * time.Hour) })
	h.addAgent(t, func(a *proactive.Agent) { a.SQL = "SELECT disabled"; a.Enabled = false; a.NextRun = testNow.Add(-5 * time.Hour) })
	h.addAgent(t, func(a *proactive.Agent) { a.SQL = "SELECT future"; a.NextRun = testNow.Add(time.Hour) })

	reports := h.sched.Tick(t.Context())
	require.Len(t, reports, 2)
	assert.ElementsMatch(t, []string{"SELECT 1", "SELECT 2"}, runner.Calls())

	reports = h.sched.Tick(t.Context())
	require.Len(t, reports, 1)
	assert.Equal(t, "SELECT 3", reports[0].Agent.SQL)
}

func TestScheduler_NotifierFailureKeepsAlert(t *testing.T) {
	t.Parallel()

	h := newSchedHarness(t, rowsRunner(map[string]any{"pct_change": -20}), 10)
	h.notifier.err = errors.New("slack unavailable")
	a := h.addAgent(t, nil)

	reports := h.sched.Tick(t.Context())
	require.Len(t, reports, 1)
	assert.Equal(t, proactive.OutcomeTriggered, reports[0].Execution.Outcome)

	alerts, err := h.store.ListAlerts(t.Context(), proactive.AlertFilter{AgentID: a.ID, Status: proactive.AlertActive})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestScheduler_RunNowKeepsSchedule(t *testing.T) {
	t.Parallel()

	h := newSchedHarness(t, rowsRunner(map[string]any{"pct_change": 1}), 10)
	next := testNow.Add(3 * time.Hour)
	a := h.addAgent(t, func(a *proactive.Agent) { a.NextRun = next })

	rep := h.sched.RunNow(t.Context(), a)
	assert.Equal(t, proactive.OutcomeOK, rep.Execution.Outcome)

	got, err := h.store.GetAgent(t.Context(), a.ID)
	require.NoError(t, err)
	assert.True(t, next.Equal(got.NextRun))
	require.NotNil(t, got.LastRun)
}

func TestScheduler_RunLoop(t *testing.T) {
	t.Parallel()

	runner := rowsRunner()
	h := newSchedHarness(t, runner, 10)
	a := h.addAgent(t, func(a *proactive.Agent) { a.Frequency = proactive.FrequencyRealTime })
	runs := func() int {
		execs, _ := h.store.ListExecutions(context.Background(), a.ID, 0)
		return len(execs)
	}

	done := make(chan error, 1)
	go func() { done <- h.sched.Run(t.Context()) }()

	require.Eventually(t, func() bool { return runs() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.clock.BlockUntilContext(t.Context(), 1))
	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, runner.Calls(), 2)

	h.sched.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
