package mergelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal mergeline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Session represents the API session model.
type Session struct {
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
}

// Event represents a log entry.
type Event struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	CausationID   *int64         `json:"causation_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// Fact is an inbound fact. Set CorrelationID or SessionID.
type Fact struct {
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	OccurredAt    *time.Time     `json:"occurred_at,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// FactResult reports the stored event; Duplicate is set when the request id
// was seen before.
type FactResult struct {
	Event     Event `json:"event"`
	Duplicate bool  `json:"duplicate"`
}

// DeadLetter is a pending outbound delivery.
type DeadLetter struct {
	ID            string    `json:"id"`
	Destination   string    `json:"destination"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Attempts      int       `json:"attempts"`
	NextRetryAt   time.Time `json:"next_retry_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// Breaker is the state of one capability circuit.
type Breaker struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	Threshold           int    `json:"threshold"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409, e.g. a branch already worked on
// by another session.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartSession starts a session for an issue on branch.
func (c *Client) StartSession(ctx context.Context, issueRef, branch string) (Session, error) {
	body := map[string]any{
		"issue_ref": issueRef,
		"branch":    branch,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions", body, &resp)
	return resp, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CancelSession cancels a session.
func (c *Client) CancelSession(ctx context.Context, id, reason string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ResumeSession resumes an escalated session.
func (c *Client) ResumeSession(ctx context.Context, id, note string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions/"+url.PathEscape(id)+"/resume", map[string]any{"note": note}, &resp)
	return resp, err
}

// PostFact appends an external fact such as ci.failed.
func (c *Client) PostFact(ctx context.Context, fact Fact) (FactResult, error) {
	var resp FactResult
	err := c.do(ctx, http.MethodPost, "facts", fact, &resp)
	return resp, err
}

// SessionEventsPage returns a page of a session's events, newest first.
func (c *Client) SessionEventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "sessions/" + url.PathEscape(id) + "/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeadLetters lists pending deliveries.
func (c *Client) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var resp []DeadLetter
	err := c.do(ctx, http.MethodGet, "dead-letters", nil, &resp)
	return resp, err
}

// Breakers returns the live circuit state per target.
func (c *Client) Breakers(ctx context.Context) ([]Breaker, error) {
	var resp []Breaker
	err := c.do(ctx, http.MethodGet, "breakers", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
