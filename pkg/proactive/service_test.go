package proactive_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/nl2sql/pkg/executor"
	"github.com/malbeclabs/nl2sql/pkg/llm"
	"github.com/malbeclabs/nl2sql/pkg/pipeline"
	"github.com/malbeclabs/nl2sql/pkg/proactive"
	"github.com/malbeclabs/nl2sql/pkg/prompt"
	"github.com/malbeclabs/nl2sql/pkg/sqlstore"
	"github.com/malbeclabs/nl2sql/pkg/validator"
)

type fakeAsker struct {
	mu   sync.Mutex
	resp *pipeline.Response
	err  error
	reqs []pipeline.Request
}

func (f *fakeAsker) Ask(_ context.Context, req pipeline.Request) (*pipeline.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

type fakeRefiner struct {
	sql     string
	err     error
	calls   [][3]string
	systems []string
}

func (f *fakeRefiner) Refine(_ context.Context, system, question, sql, feedback string) (*llm.Result, error) {
	f.calls = append(f.calls, [3]string{question, sql, feedback})
	f.systems = append(f.systems, system)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Generation: llm.Generation{SQL: f.sql, Explanation: "narrowed to EMEA"}}, nil
}

type svcHarness struct {
	svc     *proactive.Service
	store   *proactive.MemoryStore
	sql     *sqlstore.FuncStore
	asker   *fakeAsker
	refiner *fakeRefiner
	runner  *fakeRunner
	clock   *clockwork.FakeClock
}

func newSvcHarness(t *testing.T) *svcHarness {
	t.Helper()
	return newSvcHarnessWith(t, func(m *proactive.MemoryStore) proactive.Store { return m })
}

// newSvcHarnessWith lets a test put its own store in front of the memory
// store. h.store still reaches the memory store directly.
func newSvcHarnessWith(t *testing.T, wrap func(*proactive.MemoryStore) proactive.Store) *svcHarness {
	t.Helper()
	h := &svcHarness{
		store:   proactive.NewMemoryStore(),
		sql:     &sqlstore.FuncStore{},
		asker:   &fakeAsker{},
		refiner: &fakeRefiner{},
		runner:  rowsRunner(map[string]any{"region": "EMEA", "pct_change": -12}),
		clock:   clockwork.NewFakeClockAt(testNow),
	}
	store := wrap(h.store)
	sched, err := proactive.NewScheduler(proactive.SchedulerConfig{
		Logger:    testLogger(),
		Store:     store,
		Runner:    h.runner,
		Notifier:  &fakeNotifier{},
		Retriever: retrievedTables(revenueChanges, regionsTable),
		Clock:     h.clock,
	})
	require.NoError(t, err)
	v, err := validator.New(validator.Config{Logger: testLogger(), Store: h.sql})
	require.NoError(t, err)
	pb, err := prompt.New(prompt.Config{Logger: testLogger()})
	require.NoError(t, err)
	h.svc, err = proactive.NewService(proactive.ServiceConfig{
		Logger:    testLogger(),
		Store:     store,
		Asker:     h.asker,
		Scheduler: sched,
		Validator: v,
		Refiner:   h.refiner,
		Prompts:   pb,
		Clock:     h.clock,
	})
	require.NoError(t, err)
	return h
}

func (h *svcHarness) saved(t *testing.T) *proactive.Agent {
	t.Helper()
	a := &proactive.Agent{
		UserID:         "u1",
		Name:           "revenue drop",
		NLQuery:        "revenue change by region",
		SQL:            "SELECT region, pct_change FROM revenue_changes",
		AlertCondition: "pct_change < -10",
		Severity:       proactive.SeverityHigh,
		Frequency:      proactive.FrequencyDaily,
		Enabled:        true,
	}
	require.NoError(t, h.svc.Save(t.Context(), a))
	return a
}

func TestService_New_Validation(t *testing.T) {
	t.Parallel()

	_, err := proactive.NewService(proactive.ServiceConfig{Logger: testLogger(), Store: proactive.NewMemoryStore()})
	require.ErrorContains(t, err, "asker is required")
}

func TestService_CreateFromNL(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	h.asker.resp = &pipeline.Response{
		SQL: "SELECT region, pct_change FROM revenue_changes",
		Execution: &executor.Execution{Rows: []map[string]any{
			{"region": "EMEA", "pct_change": -12},
		}},
	}

	a, resp, err := h.svc.CreateFromNL(t.Context(), proactive.Draft{
		UserID:         "u1",
		Question:       "revenue change by region",
		AlertCondition: "pct_change < -10",
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "revenue change by region", a.Name)
	assert.Equal(t, resp.SQL, a.SQL)
	assert.Equal(t, proactive.SeverityMedium, a.Severity)
	assert.Equal(t, proactive.FrequencyDaily, a.Frequency)
	assert.True(t, a.Enabled)
	assert.Len(t, a.LastResult, 1)

	require.Len(t, h.asker.reqs, 1)
	assert.True(t, h.asker.reqs[0].Options.Execute)
	assert.True(t, h.asker.reqs[0].Options.UseVectorSearch)

	// Nothing is stored until Save.
	agents, err := h.svc.List(t.Context(), "u1")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestService_CreateFromNL_Failures(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	_, _, err := h.svc.CreateFromNL(t.Context(), proactive.Draft{Question: "  "})
	require.ErrorIs(t, err, proactive.ErrInvalidAgent)

	h.asker.resp = &pipeline.Response{Error: "no usable SQL", ErrorKind: sqlstore.KindGeneration}
	a, resp, err := h.svc.CreateFromNL(t.Context(), proactive.Draft{Question: "revenue"})
	require.ErrorIs(t, err, proactive.ErrInvalidAgent)
	assert.Nil(t, a)
	require.NotNil(t, resp)
	assert.Equal(t, sqlstore.KindGeneration, resp.ErrorKind)

	h.asker.err = context.DeadlineExceeded
	_, _, err = h.svc.CreateFromNL(t.Context(), proactive.Draft{Question: "revenue"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_Save(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)

	bad := &proactive.Agent{Name: "x", SQL: "SELECT 1", Severity: proactive.SeverityLow, Frequency: proactive.FrequencyDaily, AlertCondition: "revenue >"}
	require.ErrorIs(t, h.svc.Save(t.Context(), bad), proactive.ErrInvalidAgent)

	noSev := &proactive.Agent{Name: "x", SQL: "SELECT 1", Severity: "urgent", Frequency: proactive.FrequencyDaily}
	require.ErrorIs(t, h.svc.Save(t.Context(), noSev), proactive.ErrInvalidAgent)

	a := h.saved(t)
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.Equal(t, 1, a.QueryVersion)
	assert.True(t, time.Date(2025, 5, 15, 8, 0, 0, 0, time.UTC).Equal(a.NextRun))

	got, err := h.svc.Get(t.Context(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.SQL, got.SQL)

	versions, err := h.svc.ListVersions(t.Context(), a.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, a.SQL, versions[0].SQL)
}

func TestService_ExecuteNow(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	a := h.saved(t)

	rep, err := h.svc.ExecuteNow(t.Context(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, proactive.OutcomeTriggered, rep.Execution.Outcome)
	require.NotNil(t, rep.Alert)

	got, err := h.svc.Get(t.Context(), a.ID)
	require.NoError(t, err)
	assert.True(t, a.NextRun.Equal(got.NextRun))

	execs, err := h.svc.ListExecutions(t.Context(), a.ID, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	_, err = h.svc.ExecuteNow(t.Context(), uuid.New())
	require.ErrorIs(t, err, proactive.ErrNotFound)
}

func TestService_Refine(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	a := h.saved(t)
	h.refiner.sql = "SELECT region, pct_change FROM `revenue_changes` WHERE region = 'EMEA'"

	ref, err := h.svc.Refine(t.Context(), a.ID, "only EMEA")
	require.NoError(t, err)
	assert.Equal(t, "SELECT region, pct_change FROM revenue_changes WHERE region = 'EMEA'", ref.Agent.SQL)
	assert.Equal(t, 2, ref.Agent.QueryVersion)
	assert.True(t, ref.Validation.Valid)
	assert.Contains(t, ref.Applied, "strip_backticks")
	assert.Equal(t, "narrowed to EMEA", ref.Explanation)

	require.Len(t, h.refiner.calls, 1)
	assert.Equal(t, [3]string{a.NLQuery, a.SQL, "only EMEA"}, h.refiner.calls[0])

	versions, err := h.svc.ListVersions(t.Context(), a.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[1].Version)
	assert.Equal(t, "only EMEA", versions[1].Feedback)
	assert.Equal(t, ref.Agent.SQL, versions[1].SQL)
	assert.Equal(t, []string{ref.Agent.SQL}, h.sql.DryRuns())

	assert.Equal(t, ref.Agent.SQL, ref.SQL)
	assert.Equal(t, 1, ref.RowCount)
	require.Len(t, ref.Preview, 1)
	assert.Equal(t, "EMEA", ref.Preview[0]["region"])
	assert.Equal(t, ref.Preview, ref.Agent.LastResult)
	assert.Equal(t, []string{ref.Agent.SQL}, h.runner.Calls())

	require.Len(t, h.refiner.systems, 1)
	assert.Contains(t, h.refiner.systems[0], "revenue_changes")
	assert.NotContains(t, h.refiner.systems[0], "region_lookup")
}

func TestService_RefineBlocksOnFailedPreview(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	a := h.saved(t)
	h.refiner.sql = "SELECT region, pct_change / 0 FROM revenue_changes"
	h.runner.run = func(string) (*executor.Execution, error) {
		return &executor.Execution{Rows: []map[string]any{}, Error: "division by zero", ErrorKind: sqlstore.KindExecution}, nil
	}

	ref, err := h.svc.Refine(t.Context(), a.ID, "show the ratio")
	require.ErrorIs(t, err, proactive.ErrInvalidAgent)
	require.ErrorContains(t, err, "division by zero")
	require.NotNil(t, ref)
	assert.True(t, ref.Validation.Valid)
	assert.NotEmpty(t, ref.SQL)
	assert.Empty(t, ref.Preview)

	got, err := h.svc.Get(t.Context(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.SQL, got.SQL)
	assert.Equal(t, 1, got.QueryVersion)
	versions, err := h.svc.ListVersions(t.Context(), a.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestService_RefineRejectsInvalidSQL(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	a := h.saved(t)
	h.refiner.sql = "SELECT regoin FROM revenue_changes"
	h.sql.DryRunFunc = func(context.Context, string) (sqlstore.Estimate, error) {
		return sqlstore.Estimate{}, errors.New(`column "regoin" does not exist`)
	}

	ref, err := h.svc.Refine(t.Context(), a.ID, "fewer columns")
	require.ErrorIs(t, err, proactive.ErrInvalidAgent)
	require.NotNil(t, ref)
	assert.False(t, ref.Validation.Valid)

	got, err := h.svc.Get(t.Context(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.SQL, got.SQL)
	assert.Equal(t, 1, got.QueryVersion)

	_, err = h.svc.Refine(t.Context(), a.ID, " ")
	require.ErrorIs(t, err, proactive.ErrInvalidAgent)
}

func TestService_Toggle(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	a := h.saved(t)

	got, err := h.svc.Toggle(t.Context(), a.ID, false)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	h.clock.Advance(48 * time.Hour)
	got, err = h.svc.Toggle(t.Context(), a.ID, true)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, time.Date(2025, 5, 17, 8, 0, 0, 0, time.UTC).Equal(got.NextRun))
}

func TestService_FeedbackAndAlertLifecycle(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	a := h.saved(t)
	rep, err := h.svc.ExecuteNow(t.Context(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, rep.Alert)
	alertID := rep.Alert.ID

	require.NoError(t, h.svc.RecordFeedback(t.Context(), alertID, true, "good catch"))
	require.NoError(t, h.svc.RecordFeedback(t.Context(), alertID, false, ""))

	got, err := h.svc.Get(t.Context(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TruePositives)
	assert.Equal(t, 1, got.FalsePositives)

	alerts, err := h.svc.ListAlerts(t.Context(), proactive.AlertFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "false_positive", alerts[0].UserFeedback)

	acked, err := h.svc.AcknowledgeAlert(t.Context(), alertID)
	require.NoError(t, err)
	assert.Equal(t, proactive.AlertAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedAt)

	_, err = h.svc.AcknowledgeAlert(t.Context(), alertID)
	require.ErrorIs(t, err, proactive.ErrInvalidTransition)

	resolved, err := h.svc.ResolveAlert(t.Context(), alertID)
	require.NoError(t, err)
	assert.Equal(t, proactive.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = h.svc.ResolveAlert(t.Context(), alertID)
	require.ErrorIs(t, err, proactive.ErrInvalidTransition)
	_, err = h.svc.AcknowledgeAlert(t.Context(), alertID)
	require.ErrorIs(t, err, proactive.ErrInvalidTransition)

	require.ErrorIs(t, h.svc.RecordFeedback(t.Context(), uuid.New(), true, ""), proactive.ErrNotFound)
}

// interleavedStore runs during once, just before the first alert update
// lands.
type interleavedStore struct {
	*proactive.MemoryStore
	during func()
}

func (s *interleavedStore) UpdateAlert(ctx context.Context, a *proactive.Alert) error {
	if s.during != nil {
		s.during()
		s.during = nil
	}
	return s.MemoryStore.UpdateAlert(ctx, a)
}

func TestService_FeedbackKeepsConcurrentAgentWrites(t *testing.T) {
	t.Parallel()

	var store *interleavedStore
	h := newSvcHarnessWith(t, func(m *proactive.MemoryStore) proactive.Store {
		store = &interleavedStore{MemoryStore: m}
		return store
	})
	a := h.saved(t)
	rep, err := h.svc.ExecuteNow(t.Context(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, rep.Alert)

	nextRun := testNow.Add(48 * time.Hour)
	store.during = func() {
		cur, err := h.store.GetAgent(context.Background(), a.ID)
		if !assert.NoError(t, err) {
			return
		}
		cur.NextRun = nextRun
		cur.LastResult = []map[string]any{{"region": "APAC", "pct_change": -30}}
		assert.NoError(t, h.store.UpdateAgent(context.Background(), cur))
	}
	require.NoError(t, h.svc.RecordFeedback(t.Context(), rep.Alert.ID, true, ""))

	got, err := h.svc.Get(t.Context(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TruePositives)
	assert.Zero(t, got.FalsePositives)
	assert.True(t, nextRun.Equal(got.NextRun))
	require.Len(t, got.LastResult, 1)
	assert.Equal(t, "APAC", got.LastResult[0]["region"])
}

func TestService_Delete(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	a := h.saved(t)
	_, err := h.svc.ExecuteNow(t.Context(), a.ID)
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(t.Context(), a.ID))
	_, err = h.svc.Get(t.Context(), a.ID)
	require.ErrorIs(t, err, proactive.ErrNotFound)

	alerts, err := h.svc.ListAlerts(t.Context(), proactive.AlertFilter{AgentID: a.ID})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	require.ErrorIs(t, h.svc.Delete(t.Context(), a.ID), proactive.ErrNotFound)
}
