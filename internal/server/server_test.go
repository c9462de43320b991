package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergeline/internal/breaker"
	"mergeline/internal/db"
	"mergeline/internal/deadletter"
	"mergeline/internal/engine"
	"mergeline/internal/events"
	"mergeline/internal/lifecycle"
	"mergeline/internal/migrate"
	"mergeline/internal/saga"
)

const testSecret = "test-secret"

type testServer struct {
	URL       string
	Token     string
	Engine    engine.Engine
	Log       *events.Log
	Sagas     *saga.Executor
	Queue     *deadletter.Queue
	delivered atomic.Int32
	client    *http.Client
}

func (s *testServer) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.Token}
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	log := events.New(conn, nil)
	e := engine.New(conn, log, nil)

	ts := &testServer{Engine: e, Log: log, client: &http.Client{}}
	ts.Sagas = &saga.Executor{Repo: e.Repo, Events: log, Definitions: saga.NewDefinitions()}
	ts.Queue = &deadletter.Queue{
		Repo:   e.Repo,
		Events: log,
		Policy: deadletter.DefaultPolicy(),
		Deliver: deadletter.DeliverFunc(func(ctx context.Context, destination string, payload map[string]any) error {
			ts.delivered.Add(1)
			return nil
		}),
	}
	cfg := Config{
		Sessions:    e,
		Log:         log,
		Sagas:       ts.Sagas,
		DeadLetters: ts.Queue,
		Breakers:    breaker.NewRegistry(breaker.Defaults(), nil),
		BasePath:    "/v0",
		Auth:        AuthConfig{JWTSecret: testSecret},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := New(cfg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts.URL = "http://" + ln.Addr().String()
	ts.Token, err = SignToken(testSecret, "tester", []string{"operator"}, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.client.CloseIdleConnections()
		log.Close()
		conn.Close()
	})
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope), string(data))
	return envelope.Error
}

func (s *testServer) startSession(t *testing.T, branch string) SessionResponse {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/sessions", map[string]any{
		"issue_ref": "acme/api#42",
		"branch":    branch,
	}, s.auth())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var out SessionResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestRequestsWithoutTokenRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	forged, err := SignToken("other-secret", "mallory", nil, time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMeReportsPrincipal(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, MeResponse{Subject: "tester", Roles: []string{"operator"}, Source: "jwt"}, me)
}

func TestEmptySecretDisablesAuth(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth = AuthConfig{} })
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "anonymous", me.Subject)
}

func TestDevLogin(t *testing.T) {
	srv := newTestServer(t, nil)
	res, _ := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"subject": "dev"}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "dev login is off unless enabled")

	srv = newTestServer(t, func(c *Config) { c.Auth.AllowDevLogin = true })
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"subject": "dev"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	p, err := authenticateJWT(login.Token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "dev", p.Subject)
}

func TestStartSessionConflictOnActiveBranch(t *testing.T) {
	srv := newTestServer(t, nil)
	first := srv.startSession(t, "fix-42")
	assert.Equal(t, string(lifecycle.StateCreated), first.State)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"issue_ref": "acme/api#42",
		"branch":    "fix-42",
	}, srv.auth())
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, "already_active", apiErr.Code)
	assert.Equal(t, first.ID, apiErr.Details["session_id"])

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"issue_ref": "acme/api#42",
	}, srv.auth())
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestFactAppliedAndDeduplicated(t *testing.T) {
	srv := newTestServer(t, nil)
	unsubscribe, err := srv.Log.Subscribe("*", func(ctx context.Context, evt events.Event) error {
		_, _, err := srv.Engine.Apply(ctx, evt)
		return err
	})
	require.NoError(t, err)
	defer unsubscribe()
	s := srv.startSession(t, "fix-7")

	fact := map[string]any{"type": lifecycle.EventPlanning, "session_id": s.ID, "request_id": "delivery-1"}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/facts", fact, srv.auth())
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var first FactResponse
	require.NoError(t, json.Unmarshal(data, &first))
	assert.False(t, first.Duplicate)
	assert.Equal(t, s.CorrelationID, first.Event.CorrelationID)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/facts", fact, srv.auth())
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var second FactResponse
	require.NoError(t, json.Unmarshal(data, &second))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	srv.Log.Wait()
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID, nil, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var detail SessionDetailResponse
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Equal(t, string(lifecycle.StatePlanning), detail.State)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/facts", map[string]any{"type": "ci.failed"}, srv.auth())
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/facts", map[string]any{"type": "ci.failed", "session_id": "missing"}, srv.auth())
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCancelThenCancelAgain(t *testing.T) {
	srv := newTestServer(t, nil)
	s := srv.startSession(t, "fix-9")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/cancel", map[string]any{"reason": "duplicate issue"}, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var cancelled SessionResponse
	require.NoError(t, json.Unmarshal(data, &cancelled))
	assert.Equal(t, string(lifecycle.StateCancelled), cancelled.State)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/cancel", nil, srv.auth())
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "session_terminal", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/resume", nil, srv.auth())
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))

	// The branch is free again.
	srv.startSession(t, "fix-9")
}

func TestListSessionsAndEvents(t *testing.T) {
	srv := newTestServer(t, nil)
	a := srv.startSession(t, "a")
	b := srv.startSession(t, "b")
	_, err := srv.Engine.Cancel(context.Background(), b.ID, "")
	require.NoError(t, err)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions?active=true", nil, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var active []SessionResponse
	require.NoError(t, json.Unmarshal(data, &active))
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions?state=bogus", nil, srv.auth())
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions/"+b.ID+"/events?limit=1", nil, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, lifecycle.EventCancelled, page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions/"+b.ID+"/events?cursor="+page.NextCursor, nil, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, lifecycle.EventCreated, page.Items[0].Type)
	assert.Empty(t, page.NextCursor)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?type="+lifecycle.EventCreated, nil, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Len(t, page.Items, 2)
}

func TestDeleteAndRebuild(t *testing.T) {
	srv := newTestServer(t, nil)
	s := srv.startSession(t, "fix-3")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/rebuild", nil, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var report engine.RebuildReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.False(t, report.Drift)
	assert.Equal(t, 1, report.Events)

	res, _ = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v0/sessions/"+s.ID, nil, srv.auth())
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID, nil, srv.auth())
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestDeadLetterRetryAndDrain(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	dl, err := srv.Queue.Enqueue(ctx, "ops", "corr-1", map[string]any{"type": "session.escalated"}, errors.New("connection refused"))
	require.NoError(t, err)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/dead-letters", nil, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var items []DeadLetterResponse
	require.NoError(t, json.Unmarshal(data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "connection refused", items[0].LastError)

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/dead-letters/"+dl.ID+"/retry", nil, srv.auth())
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/dead-letters/drain", nil, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var drained deadletter.DrainResult
	require.NoError(t, json.Unmarshal(data, &drained))
	assert.Equal(t, 1, drained.Delivered)
	assert.EqualValues(t, 1, srv.delivered.Load())

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/dead-letters/missing/retry", nil, srv.auth())
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSagasListAndResumeRequiresAbandoned(t *testing.T) {
	srv := newTestServer(t, nil)
	def := saga.Definition{Name: "noop", Steps: []saga.Step{{
		Name:    "only",
		Execute: func(ctx context.Context, run *saga.Run) error { return nil },
	}}}
	srv.Sagas.Definitions.Register(def)
	rec, err := srv.Sagas.Run(context.Background(), def, "corr-9", nil)
	require.NoError(t, err)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sagas?status=completed&correlation_id=corr-9", nil, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var runs []SagaResponse
	require.NoError(t, json.Unmarshal(data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"only"}, runs[0].Completed)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sagas/"+rec.ID+"/resume", nil, srv.auth())
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "saga_not_abandoned", decodeError(t, data).Code)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sagas?status=weird", nil, srv.auth())
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestBreakersListed(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/breakers", nil, srv.auth())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var snaps []breaker.Snapshot
	require.NoError(t, json.Unmarshal(data, &snaps))
	require.Len(t, snaps, 3)
	for _, s := range snaps {
		assert.Equal(t, "closed", s.State, s.Name)
	}
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{engine.ErrTerminal, http.StatusUnprocessableEntity, "session_terminal"},
		{engine.ErrNotEscalated, http.StatusConflict, "not_escalated"},
		{breaker.ErrOpen, http.StatusServiceUnavailable, "circuit_open"},
		{errors.New("branch is required"), http.StatusBadRequest, "bad_request"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		got := handleError(tc.err).(*apiError)
		assert.Equal(t, tc.status, got.GetStatus(), tc.err.Error())
		assert.Equal(t, tc.code, got.Body.Code, tc.err.Error())
	}
}
