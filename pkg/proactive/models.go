// Package proactive runs saved questions on a schedule and raises alerts
// when their results meet a condition.
package proactive

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidAgent      = errors.New("invalid agent")
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

type Frequency string

const (
	FrequencyRealTime Frequency = "real-time"
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyMonthly  Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyRealTime, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// LastResultRows bounds how many rows of a run are kept on the agent.
const LastResultRows = 5

type Agent struct {
	ID             uuid.UUID        `json:"id"`
	UserID         string           `json:"user_id"`
	Name           string           `json:"name"`
	NLQuery        string           `json:"nl_query"`
	SQL            string           `json:"sql"`
	DataSource     string           `json:"data_source"`
	AlertCondition string           `json:"alert_condition"`
	Severity       Severity         `json:"severity"`
	Frequency      Frequency        `json:"frequency"`
	Enabled        bool             `json:"enabled"`
	LastRun        *time.Time       `json:"last_run,omitempty"`
	NextRun        time.Time        `json:"next_run"`
	QueryVersion   int              `json:"query_version"`
	LastResult     []map[string]any `json:"last_result,omitempty"`
	TruePositives  int              `json:"true_positives"`
	FalsePositives int              `json:"false_positives"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Validate checks the fields a caller sets. A bad condition is reported
// with its parse error.
func (a *Agent) Validate() error {
	switch {
	case a.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidAgent)
	case a.SQL == "":
		return fmt.Errorf("%w: sql is required", ErrInvalidAgent)
	case !a.Severity.Valid():
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidAgent, a.Severity)
	case !a.Frequency.Valid():
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidAgent, a.Frequency)
	}
	if a.AlertCondition != "" {
		if _, err := Compile(a.AlertCondition); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAgent, err)
		}
	}
	return nil
}

// Version is one entry of an agent's SQL history.
type Version struct {
	AgentID   uuid.UUID `json:"agent_id"`
	Version   int       `json:"version"`
	NLQuery   string    `json:"nl_query"`
	SQL       string    `json:"sql"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Alert struct {
	ID             uuid.UUID      `json:"id"`
	AgentID        uuid.UUID      `json:"agent_id"`
	UserID         string         `json:"user_id"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data"`
	Status         AlertStatus    `json:"status"`
	TriggeredAt    time.Time      `json:"triggered_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	UserFeedback   string         `json:"user_feedback,omitempty"`
}

// AlertFilter narrows ListAlerts. Zero fields match everything.
type AlertFilter struct {
	UserID  string
	AgentID uuid.UUID
	Status  AlertStatus
	Limit   int
}

type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTriggered Outcome = "triggered"
	OutcomeFailed    Outcome = "failed"
)

// Execution is one entry of the run log.
type Execution struct {
	ID         uuid.UUID     `json:"id"`
	AgentID    uuid.UUID     `json:"agent_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Outcome    Outcome       `json:"outcome"`
	RowCount   int           `json:"row_count"`
	AlertID    *uuid.UUID    `json:"alert_id,omitempty"`
	Error      string        `json:"error,omitempty"`
}
