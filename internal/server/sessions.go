package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"mergeline/internal/engine"
	"mergeline/internal/events"
	"mergeline/internal/lifecycle"
	"mergeline/internal/repo"
)

type sessionPath struct {
	ID string `path:"id"`
}

type sessionOutput struct {
	Body SessionResponse `json:"body"`
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a session for an issue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*sessionOutput, error) {
		s, err := e.Start(ctx, engine.StartRequest{
			IssueRef:  input.Body.IssueRef,
			Branch:    input.Body.Branch,
			Workspace: input.Body.Workspace,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State  string `query:"state" doc:"Comma separated states"`
		Active bool   `query:"active"`
		Branch string `query:"branch"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		f := repo.SessionFilters{
			Branch:     strings.TrimSpace(input.Branch),
			ActiveOnly: input.Active,
			Limit:      normalizeLimit(input.Limit),
		}
		for _, raw := range strings.Split(input.State, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			st := lifecycle.State(raw)
			if !st.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid state", map[string]any{"state": raw})
			}
			f.States = append(f.States, st)
		}
		items, err := e.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: mapSessions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session with its reaction counters",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionDetailResponse `json:"body"`
	}, error) {
		s, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		counters, err := e.Repo.ListCounters(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		detail := SessionDetailResponse{SessionResponse: sessionResponse(s), Counters: []CounterResponse{}}
		for _, c := range counters {
			detail.Counters = append(detail.Counters, CounterResponse{EventType: c.EventType, Count: c.Count, UpdatedAt: c.UpdatedAt})
		}
		return &struct {
			Body SessionDetailResponse `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/cancel",
		Summary:     "Cancel a session and stop its in-flight work",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body CancelSessionRequest `json:"body" required:"false"`
	}) (*sessionOutput, error) {
		s, err := e.Cancel(ctx, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/resume",
		Summary:     "Resume an escalated session with a fresh retry budget",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ResumeSessionRequest `json:"body" required:"false"`
	}) (*sessionOutput, error) {
		s, err := e.Resume(ctx, input.ID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rebuild-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/rebuild",
		Summary:     "Replay a session's events and report drift",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Repair bool   `query:"repair"`
	}) (*struct {
		Body engine.RebuildReport `json:"body"`
	}, error) {
		report, err := e.Rebuild(ctx, input.ID, input.Repair)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RebuildReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{id}",
		Summary:       "Delete a session; its events are kept",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct{}, error) {
		if err := e.Delete(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/events",
		Summary:     "List a session's events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		s, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := tailEvents(ctx, e.Events, events.Filter{CorrelationID: s.CorrelationID}, input.Limit, input.Cursor)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerFacts(api huma.API, e engine.Engine, log *events.Log) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-fact",
		Method:        http.MethodPost,
		Path:          "/facts",
		Summary:       "Append an external fact to the event log",
		Description:   "Redelivered facts with a known request_id return the stored event with duplicate set.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body FactRequest `json:"body"`
	}) (*struct {
		Body FactResponse `json:"body"`
	}, error) {
		corr := strings.TrimSpace(input.Body.CorrelationID)
		if sid := strings.TrimSpace(input.Body.SessionID); sid != "" {
			s, err := e.Get(ctx, sid)
			if err != nil {
				return nil, handleError(err)
			}
			if corr != "" && corr != s.CorrelationID {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "correlation_id does not match session", map[string]any{
					"session_id":     s.ID,
					"correlation_id": corr,
				})
			}
			corr = s.CorrelationID
		}
		if corr == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "correlation_id or session_id is required", nil)
		}
		evt := events.Event{
			Type:          strings.TrimSpace(input.Body.Type),
			CorrelationID: corr,
			RequestID:     strings.TrimSpace(input.Body.RequestID),
			Payload:       events.Payload(input.Body.Payload),
		}
		if input.Body.OccurredAt != nil {
			evt.OccurredAt = *input.Body.OccurredAt
		}
		// Facts claiming to be engine transitions would be skipped by Apply.
		delete(evt.Payload, events.KeyTransition)
		stored, err := log.Append(ctx, evt)
		duplicate := errors.Is(err, events.ErrDuplicate)
		if err != nil && !duplicate {
			return nil, handleError(err)
		}
		return &struct {
			Body FactResponse `json:"body"`
		}{Body: FactResponse{Event: eventResponse(stored), Duplicate: duplicate}}, nil
	})
}

func registerEvents(api huma.API, log *events.Log) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type          string `query:"type" doc:"Comma separated event types"`
		CorrelationID string `query:"correlation_id"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		f := events.Filter{CorrelationID: strings.TrimSpace(input.CorrelationID)}
		for _, t := range strings.Split(input.Type, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, t)
			}
		}
		resp, err := tailEvents(ctx, log, f, input.Limit, input.Cursor)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// tailEvents pages backwards through the log. The cursor is the id of the
// first event of the next page.
func tailEvents(ctx context.Context, log *events.Log, f events.Filter, limit int, cursor string) (paginatedEvents, error) {
	limit = normalizeLimit(limit)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || parsed <= 0 {
			return paginatedEvents{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
		}
		f.Before = parsed + 1
	}
	f.Limit = limit + 1
	items, err := log.Tail(ctx, f)
	if err != nil {
		return paginatedEvents{}, handleError(err)
	}
	resp := paginatedEvents{Items: []EventResponse{}}
	if len(items) > limit {
		resp.NextCursor = strconv.FormatInt(items[limit].ID, 10)
		items = items[:limit]
	}
	for _, evt := range items {
		resp.Items = append(resp.Items, eventResponse(evt))
	}
	return resp, nil
}
