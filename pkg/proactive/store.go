package proactive

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists agents, their SQL history, alerts and the run log.
type Store interface {
	// CreateAgent saves a new agent together with its first version.
	CreateAgent(ctx context.Context, a *Agent, v Version) error
	UpdateAgent(ctx context.Context, a *Agent) error
	// SaveRefinement updates the agent and appends v in one step.
	SaveRefinement(ctx context.Context, a *Agent, v Version) error
	GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error)
	// ListAgents returns a user's agents, or all agents for an empty user.
	ListAgents(ctx context.Context, userID string) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id uuid.UUID) error
	// CountFeedback bumps one of the agent's feedback counters in place and
	// leaves every other field as stored.
	CountFeedback(ctx context.Context, id uuid.UUID, truePositive bool, at time.Time) error
	// DueAgents returns enabled agents with next_run <= now, oldest first.
	DueAgents(ctx context.Context, now time.Time, limit int) ([]*Agent, error)
	ListVersions(ctx context.Context, agentID uuid.UUID) ([]Version, error)

	CreateAlert(ctx context.Context, a *Alert) error
	UpdateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error)
	// ListAlerts returns matching alerts, newest first.
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)

	RecordExecution(ctx context.Context, e Execution) error
	// ListExecutions returns an agent's runs, newest first.
	ListExecutions(ctx context.Context, agentID uuid.UUID, limit int) ([]Execution, error)
}

// MemoryStore keeps everything in process. Values are deep-copied through
// JSON on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.Mutex
	agents     map[uuid.UUID]*Agent
	versions   map[uuid.UUID][]Version
	alerts     map[uuid.UUID]*Alert
	executions map[uuid.UUID][]Execution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[uuid.UUID]*Agent),
		versions:   make(map[uuid.UUID][]Version),
		alerts:     make(map[uuid.UUID]*Alert),
		executions: make(map[uuid.UUID][]Execution),
	}
}

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

func (m *MemoryStore) CreateAgent(_ context.Context, a *Agent, v Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = clone(a)
	m.versions[a.ID] = append(m.versions[a.ID], v)
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return ErrNotFound
	}
	m.agents[a.ID] = clone(a)
	return nil
}

func (m *MemoryStore) CountFeedback(_ context.Context, id uuid.UUID, truePositive bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	if truePositive {
		a.TruePositives++
	} else {
		a.FalsePositives++
	}
	a.UpdatedAt = at
	return nil
}

func (m *MemoryStore) SaveRefinement(_ context.Context, a *Agent, v Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return ErrNotFound
	}
	m.agents[a.ID] = clone(a)
	m.versions[a.ID] = append(m.versions[a.ID], v)
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id uuid.UUID) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (m *MemoryStore) ListAgents(_ context.Context, userID string) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Agent
	for _, a := range m.agents {
		if userID == "" || a.UserID == userID {
			out = append(out, clone(a))
		}
	}
	slices.SortFunc(out, func(a, b *Agent) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	delete(m.versions, id)
	delete(m.executions, id)
	for k, al := range m.alerts {
		if al.AgentID == id {
			delete(m.alerts, k)
		}
	}
	return nil
}

func (m *MemoryStore) DueAgents(_ context.Context, now time.Time, limit int) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Agent
	for _, a := range m.agents {
		if a.Enabled && !a.NextRun.After(now) {
			out = append(out, clone(a))
		}
	}
	slices.SortFunc(out, func(a, b *Agent) int { return a.NextRun.Compare(b.NextRun) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListVersions(_ context.Context, agentID uuid.UUID) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.versions[agentID]), nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = clone(a)
	return nil
}

func (m *MemoryStore) UpdateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return ErrNotFound
	}
	m.alerts[a.ID] = clone(a)
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id uuid.UUID) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, a := range m.alerts {
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.AgentID != uuid.Nil && a.AgentID != f.AgentID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, clone(a))
	}
	slices.SortFunc(out, func(a, b *Alert) int { return b.TriggeredAt.Compare(a.TriggeredAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordExecution(_ context.Context, e Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.AgentID] = append(m.executions[e.AgentID], e)
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, agentID uuid.UUID, limit int) ([]Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.executions[agentID])
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
