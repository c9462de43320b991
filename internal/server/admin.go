package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"mergeline/internal/breaker"
	"mergeline/internal/deadletter"
	"mergeline/internal/domain"
	"mergeline/internal/repo"
	"mergeline/internal/saga"
)

func registerDeadLetters(api huma.API, q *deadletter.Queue) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/dead-letters",
		Summary:     "List pending outbound deliveries",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []DeadLetterResponse `json:"body"`
	}, error) {
		items, err := q.List(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DeadLetterResponse, 0, len(items))
		for _, dl := range items {
			out = append(out, deadLetterResponse(dl))
		}
		return &struct {
			Body []DeadLetterResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "drain-dead-letters",
		Method:      http.MethodPost,
		Path:        "/dead-letters/drain",
		Summary:     "Attempt every due delivery now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body deadletter.DrainResult `json:"body"`
	}, error) {
		res, err := q.DrainDue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body deadletter.DrainResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-dead-letter",
		Method:        http.MethodPost,
		Path:          "/dead-letters/{id}/retry",
		Summary:       "Make a delivery due immediately",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := q.Retry(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSagas(api huma.API, x *saga.Executor) {
	type sagaOutput struct {
		Body SagaResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-sagas",
		Method:      http.MethodGet,
		Path:        "/sagas",
		Summary:     "List saga runs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status" doc:"Comma separated statuses"`
		CorrelationID string `query:"correlation_id"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body []SagaResponse `json:"body"`
	}, error) {
		f := repo.SagaFilters{CorrelationID: strings.TrimSpace(input.CorrelationID), Limit: normalizeLimit(input.Limit)}
		for _, raw := range strings.Split(input.Status, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			st := domain.SagaStatus(raw)
			switch st {
			case domain.SagaRunning, domain.SagaCompensating, domain.SagaCompleted, domain.SagaFailed, domain.SagaAbandoned:
				f.Statuses = append(f.Statuses, st)
			default:
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": raw})
			}
		}
		items, err := x.Repo.ListSagas(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SagaResponse, 0, len(items))
		for _, rec := range items {
			out = append(out, sagaResponse(rec))
		}
		return &struct {
			Body []SagaResponse `json:"body"`
		}{Body: out}, nil
	})

	settle := func(rec domain.SagaRecord, err error) (*sagaOutput, error) {
		// A run that failed and compensated is still a completed operator action.
		var stepErr *saga.StepError
		if err != nil && !errors.As(err, &stepErr) {
			return nil, handleError(err)
		}
		return &sagaOutput{Body: sagaResponse(rec)}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "resume-saga",
		Method:      http.MethodPost,
		Path:        "/sagas/{id}/resume",
		Summary:     "Resume an abandoned saga from its first incomplete step",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*sagaOutput, error) {
		rec, err := x.Resume(context.WithoutCancel(ctx), input.ID)
		return settle(rec, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-saga",
		Method:      http.MethodPost,
		Path:        "/sagas/{id}/abort",
		Summary:     "Compensate an abandoned saga",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*sagaOutput, error) {
		rec, err := x.Abort(context.WithoutCancel(ctx), input.ID)
		return settle(rec, err)
	})
}

func registerBreakers(api huma.API, r *breaker.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-breakers",
		Method:      http.MethodGet,
		Path:        "/breakers",
		Summary:     "Circuit breaker state per capability target",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []breaker.Snapshot `json:"body"`
	}, error) {
		return &struct {
			Body []breaker.Snapshot `json:"body"`
		}{Body: r.Snapshots()}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, subject, input.Body.Roles, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "The authenticated principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		roles := p.Roles
		if roles == nil {
			roles = []string{}
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{Subject: p.Subject, Roles: roles, Source: p.Source}}, nil
	})
}
