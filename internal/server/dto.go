package server

import (
	"time"

	"mergeline/internal/domain"
	"mergeline/internal/events"
)

// Request payloads

type StartSessionRequest struct {
	IssueRef  string `json:"issue_ref" minLength:"1" example:"acme/api#42"`
	Branch    string `json:"branch" minLength:"1" example:"fix-42"`
	Workspace string `json:"workspace,omitempty"`
}

type CancelSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ResumeSessionRequest struct {
	Note string `json:"note,omitempty"`
}

// FactRequest is an inbound fact from a code host, CI system or operator.
// Either correlation_id or session_id names the session.
type FactRequest struct {
	Type          string         `json:"type" minLength:"1" example:"ci.failed"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty" doc:"Delivery id used to drop redelivered webhooks"`
	OccurredAt    *time.Time     `json:"occurred_at,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type DevLoginRequest struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type SessionResponse struct {
	ID             string    `json:"id"`
	CorrelationID  string    `json:"correlation_id"`
	IssueRef       string    `json:"issue_ref"`
	State          string    `json:"state"`
	Branch         string    `json:"branch"`
	Workspace      string    `json:"workspace,omitempty"`
	CIAttempts     int       `json:"ci_attempts"`
	ReviewAttempts int       `json:"review_attempts"`
	Outcome        string    `json:"outcome,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type CounterResponse struct {
	EventType string    `json:"event_type"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SessionDetailResponse struct {
	SessionResponse
	Counters []CounterResponse `json:"counters"`
}

type EventResponse struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	CausationID   *int64         `json:"causation_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type FactResponse struct {
	Event     EventResponse `json:"event"`
	Duplicate bool          `json:"duplicate"`
}

type DeadLetterResponse struct {
	ID            string         `json:"id"`
	Destination   string         `json:"destination"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Attempts      int            `json:"attempts"`
	NextRetryAt   time.Time      `json:"next_retry_at"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Payload       map[string]any `json:"payload"`
}

type SagaResponse struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	CorrelationID string         `json:"correlation_id"`
	Status        string         `json:"status" enum:"running,compensating,completed,failed,abandoned"`
	Steps         []string       `json:"steps"`
	Completed     []string       `json:"completed"`
	Compensated   []string       `json:"compensated"`
	Error         string         `json:"error,omitempty"`
	Progress      map[string]any `json:"progress"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func sessionResponse(s domain.Session) SessionResponse {
	out := SessionResponse{
		ID:             s.ID,
		CorrelationID:  s.CorrelationID,
		IssueRef:       s.IssueRef,
		State:          string(s.State),
		Branch:         s.Branch,
		Workspace:      s.Workspace,
		CIAttempts:     s.CIAttempts,
		ReviewAttempts: s.ReviewAttempts,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if s.Outcome != nil {
		out.Outcome = *s.Outcome
	}
	return out
}

func mapSessions(items []domain.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(items))
	for _, s := range items {
		out = append(out, sessionResponse(s))
	}
	return out
}

func eventResponse(evt events.Event) EventResponse {
	payload := map[string]any(evt.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:            evt.ID,
		Type:          evt.Type,
		CorrelationID: evt.CorrelationID,
		OccurredAt:    evt.OccurredAt,
		CausationID:   evt.CausationID,
		RequestID:     evt.RequestID,
		Payload:       payload,
	}
}

func deadLetterResponse(dl domain.DeadLetter) DeadLetterResponse {
	payload := dl.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return DeadLetterResponse{
		ID:            dl.ID,
		Destination:   dl.Destination,
		CorrelationID: dl.CorrelationID,
		Attempts:      dl.Attempts,
		NextRetryAt:   dl.NextRetryAt,
		LastError:     dl.LastError,
		CreatedAt:     dl.CreatedAt,
		Payload:       payload,
	}
}

func sagaResponse(rec domain.SagaRecord) SagaResponse {
	progress := rec.Progress
	if progress == nil {
		progress = map[string]any{}
	}
	return SagaResponse{
		ID:            rec.ID,
		Name:          rec.Name,
		CorrelationID: rec.CorrelationID,
		Status:        string(rec.Status),
		Steps:         rec.Steps,
		Completed:     rec.Completed,
		Compensated:   rec.Compensated,
		Error:         rec.Error,
		Progress:      progress,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

type MeResponse struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source" enum:"jwt,none"`
}
