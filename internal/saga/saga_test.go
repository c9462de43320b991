package saga_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergeline/internal/db"
	"mergeline/internal/domain"
	"mergeline/internal/events"
	"mergeline/internal/migrate"
	"mergeline/internal/repo"
	"mergeline/internal/saga"
)

type testEnv struct {
	Exec *saga.Executor
	Repo repo.Repo
	Log  *events.Log
	Ctx  context.Context
}

func newTestEnv(t *testing.T, defs ...saga.Definition) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	log := events.New(conn, nil)
	t.Cleanup(log.Close)
	r := repo.Repo{DB: conn}
	exec := &saga.Executor{
		Repo:        r,
		Events:      log,
		Definitions: saga.NewDefinitions(defs...),
		Now:         func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	return testEnv{Exec: exec, Repo: r, Log: log, Ctx: ctx}
}

// journal records forward and compensating actions in call order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func step(j *journal, name string, fail error) saga.Step {
	return saga.Step{
		Name: name,
		Execute: func(ctx context.Context, run *saga.Run) error {
			j.add("do:" + name)
			return fail
		},
		Compensate: func(ctx context.Context, run *saga.Run) error {
			j.add("undo:" + name)
			return nil
		},
	}
}

func TestRunFailureCompensatesInReverse(t *testing.T) {
	j := &journal{}
	errAgent := errors.New("agent crashed")
	def := saga.Definition{Name: "start_work", Steps: []saga.Step{
		step(j, "create_branch", nil),
		step(j, "prepare", nil),
		step(j, "run_agents", errAgent),
		step(j, "merge_back", nil),
	}}
	env := newTestEnv(t, def)

	rec, err := env.Exec.Run(env.Ctx, def, "sess-1", nil)
	require.Error(t, err)
	require.ErrorIs(t, err, errAgent)

	var stepErr *saga.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "run_agents", stepErr.Step)
	assert.Empty(t, stepErr.CompensationErrors)

	want := []string{"do:create_branch", "do:prepare", "do:run_agents", "undo:prepare", "undo:create_branch"}
	if diff := cmp.Diff(want, j.list()); diff != "" {
		t.Fatalf("journal mismatch (-want +got):\n%s", diff)
	}

	stored, err := env.Repo.GetSaga(env.Ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, stored.Status)
	assert.Equal(t, []string{"create_branch", "prepare"}, stored.Completed)
	assert.Equal(t, []string{"prepare", "create_branch"}, stored.Compensated)
	assert.Contains(t, stored.Error, "agent crashed")

	env.Log.Wait()
	evts, err := env.Log.ReadAll(env.Ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, saga.EventFailed, evts[0].Type)
	assert.Equal(t, "agent crashed", evts[0].String("error"))
}

func TestScenarioC_MergeBackNeverRuns(t *testing.T) {
	j := &journal{}
	def := saga.Definition{Name: "start_work", Steps: []saga.Step{
		step(j, "create_branch", nil),
		step(j, "run_agents", errors.New("no diff produced")),
		step(j, "merge_back", nil),
	}}
	env := newTestEnv(t, def)

	rec, err := env.Exec.Run(env.Ctx, def, "sess-c", nil)
	require.Error(t, err)
	assert.Equal(t, domain.SagaFailed, rec.Status)
	assert.Equal(t, []string{"do:create_branch", "do:run_agents", "undo:create_branch"}, j.list())
	assert.NotContains(t, j.list(), "do:merge_back")
}

func TestCompensationErrorsDoNotBlock(t *testing.T) {
	j := &journal{}
	broken := step(j, "push", nil)
	broken.Compensate = func(ctx context.Context, run *saga.Run) error {
		j.add("undo:push")
		return errors.New("remote gone")
	}
	def := saga.Definition{Name: "merge", Steps: []saga.Step{
		step(j, "create_branch", nil),
		broken,
		step(j, "create_pr", errors.New("422")),
	}}
	env := newTestEnv(t, def)

	_, err := env.Exec.Run(env.Ctx, def, "sess-2", nil)
	var stepErr *saga.StepError
	require.ErrorAs(t, err, &stepErr)
	require.Len(t, stepErr.CompensationErrors, 1)
	assert.Contains(t, stepErr.Error(), "remote gone")
	assert.Equal(t, []string{"do:create_branch", "do:push", "do:create_pr", "undo:push", "undo:create_branch"}, j.list())
}

func TestProgressPersistedBetweenSteps(t *testing.T) {
	var env testEnv
	var seen domain.SagaRecord
	def := saga.Definition{Name: "respawn_agent", Steps: []saga.Step{
		{Name: "first", Execute: func(ctx context.Context, run *saga.Run) error {
			run.Set("branch", "issue/9")
			return nil
		}},
		{Name: "second", Execute: func(ctx context.Context, run *saga.Run) error {
			var err error
			seen, err = env.Repo.GetSaga(ctx, run.ID)
			if err != nil {
				return err
			}
			if run.String("branch") != "issue/9" {
				return errors.New("progress lost")
			}
			return nil
		}},
	}}
	env = newTestEnv(t, def)

	rec, err := env.Exec.Start(env.Ctx, "respawn_agent", "sess-3", map[string]any{"session_id": "sess-3"})
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, rec.Status)

	assert.Equal(t, domain.SagaRunning, seen.Status)
	assert.Equal(t, []string{"first"}, seen.Completed)
	assert.Equal(t, 1, seen.Current)
	assert.Equal(t, "issue/9", seen.Progress["branch"])
}

func TestCancelledContextStopsBeforeNextStep(t *testing.T) {
	j := &journal{}
	ctx, cancel := context.WithCancel(context.Background())
	def := saga.Definition{Name: "start_work", Steps: []saga.Step{
		step(j, "create_branch", nil),
		{Name: "run_agents", Execute: func(context.Context, *saga.Run) error {
			j.add("do:run_agents")
			cancel()
			return nil
		}, Compensate: func(context.Context, *saga.Run) error {
			j.add("undo:run_agents")
			return nil
		}},
		step(j, "push", nil),
	}}
	env := newTestEnv(t, def)

	rec, err := env.Exec.Run(ctx, def, "sess-4", nil)
	require.ErrorIs(t, err, saga.ErrCancelled)
	assert.Equal(t, domain.SagaFailed, rec.Status)
	assert.Equal(t, []string{"do:create_branch", "do:run_agents", "undo:run_agents", "undo:create_branch"}, j.list())
}

func TestUnknownDefinition(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Exec.Start(env.Ctx, "nope", "sess", nil)
	require.ErrorIs(t, err, saga.ErrUnknownSaga)
}

// seed writes a record as a crashed process would have left it.
func seed(t *testing.T, env testEnv, rec domain.SagaRecord) {
	t.Helper()
	rec.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec.UpdatedAt = rec.CreatedAt
	require.NoError(t, env.Repo.InsertSaga(env.Ctx, rec))
}

func TestRecoverAbandonsRunningAndFinishesCompensating(t *testing.T) {
	j := &journal{}
	def := saga.Definition{Name: "start_work", Steps: []saga.Step{
		step(j, "create_branch", nil),
		step(j, "run_agents", nil),
		step(j, "push", nil),
	}}
	env := newTestEnv(t, def)

	seed(t, env, domain.SagaRecord{
		ID: "running-1", Name: "start_work", CorrelationID: "sess-5",
		Steps: []string{"create_branch", "run_agents", "push"}, Completed: []string{"create_branch"},
		Current: 1, Status: domain.SagaRunning,
	})
	seed(t, env, domain.SagaRecord{
		ID: "comp-1", Name: "start_work", CorrelationID: "sess-6",
		Steps: []string{"create_branch", "run_agents", "push"}, Completed: []string{"create_branch", "run_agents"},
		Compensated: []string{"run_agents"}, Current: 2, Status: domain.SagaCompensating, Error: "push rejected",
	})

	report, err := env.Exec.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"comp-1"}, report.Compensated)
	assert.Equal(t, []string{"running-1"}, report.Abandoned)

	// only the step not yet compensated is undone; nothing runs forward
	assert.Equal(t, []string{"undo:create_branch"}, j.list())

	comp, err := env.Repo.GetSaga(env.Ctx, "comp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, comp.Status)
	assert.Equal(t, []string{"run_agents", "create_branch"}, comp.Compensated)

	abandoned, err := env.Repo.GetSaga(env.Ctx, "running-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaAbandoned, abandoned.Status)

	env.Log.Wait()
	evts, err := env.Log.ReadAll(env.Ctx, "sess-5")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, saga.EventAbandoned, evts[0].Type)
	assert.Equal(t, "run_agents", evts[0].String("next_step"))
}

func TestResumeReexecutesFirstIncompleteStep(t *testing.T) {
	j := &journal{}
	def := saga.Definition{Name: "start_work", Steps: []saga.Step{
		step(j, "create_branch", nil),
		step(j, "run_agents", nil),
		step(j, "push", nil),
	}}
	env := newTestEnv(t, def)
	seed(t, env, domain.SagaRecord{
		ID: "ab-1", Name: "start_work", CorrelationID: "sess-7",
		Steps: []string{"create_branch", "run_agents", "push"}, Completed: []string{"create_branch"},
		Current: 1, Status: domain.SagaAbandoned,
	})

	rec, err := env.Exec.Resume(env.Ctx, "ab-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, rec.Status)
	assert.Equal(t, []string{"do:run_agents", "do:push"}, j.list())
	assert.Equal(t, []string{"create_branch", "run_agents", "push"}, rec.Completed)

	_, err = env.Exec.Resume(env.Ctx, "ab-1")
	require.ErrorIs(t, err, saga.ErrNotResumable)
}

func TestAbortCompensatesAbandoned(t *testing.T) {
	j := &journal{}
	def := saga.Definition{Name: "start_work", Steps: []saga.Step{
		step(j, "create_branch", nil),
		step(j, "run_agents", nil),
	}}
	env := newTestEnv(t, def)
	seed(t, env, domain.SagaRecord{
		ID: "ab-2", Name: "start_work", CorrelationID: "sess-8",
		Steps: []string{"create_branch", "run_agents"}, Completed: []string{"create_branch"},
		Current: 1, Status: domain.SagaAbandoned,
	})

	rec, err := env.Exec.Abort(env.Ctx, "ab-2")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, rec.Status)
	assert.Equal(t, []string{"undo:create_branch"}, j.list())
	assert.Equal(t, "aborted by operator", rec.Error)
}
