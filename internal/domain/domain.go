package domain

import (
	"time"

	"mergeline/internal/lifecycle"
)

// Session is one issue's journey to a merged pull request.
type Session struct {
	ID             string          `json:"id"`
	CorrelationID  string          `json:"correlation_id"`
	IssueRef       string          `json:"issue_ref"`
	State          lifecycle.State `json:"state"`
	Branch         string          `json:"branch"`
	Workspace      string          `json:"workspace,omitempty"`
	CIAttempts     int             `json:"ci_attempts"`
	ReviewAttempts int             `json:"review_attempts"`
	Outcome        *string         `json:"outcome,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (s Session) Terminal() bool {
	return s.State.Terminal()
}

// Counter is a per-session, per-event-type reaction attempt count.
type Counter struct {
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SagaStatus string

const (
	SagaRunning      SagaStatus = "running"
	SagaCompensating SagaStatus = "compensating"
	SagaCompleted    SagaStatus = "completed"
	SagaFailed       SagaStatus = "failed"
	SagaAbandoned    SagaStatus = "abandoned"
)

// SagaRecord is the persisted progress of one saga run.
type SagaRecord struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	CorrelationID string         `json:"correlation_id"`
	Steps         []string       `json:"steps"`
	Completed     []string       `json:"completed"`
	Compensated   []string       `json:"compensated"`
	Current       int            `json:"current"`
	Status        SagaStatus     `json:"status"`
	Progress      map[string]any `json:"progress,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (r SagaRecord) IsCompleted(step string) bool {
	return contains(r.Completed, step)
}

func (r SagaRecord) IsCompensated(step string) bool {
	return contains(r.Compensated, step)
}

// DeadLetter is one pending outbound delivery.
type DeadLetter struct {
	ID            string         `json:"id"`
	Destination   string         `json:"destination"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Attempts      int            `json:"attempts"`
	NextRetryAt   time.Time      `json:"next_retry_at"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
