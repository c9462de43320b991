package reaction_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mergeline/internal/breaker"
	"mergeline/internal/capability"
	"mergeline/internal/config"
	"mergeline/internal/db"
	"mergeline/internal/domain"
	"mergeline/internal/engine"
	"mergeline/internal/events"
	"mergeline/internal/lifecycle"
	"mergeline/internal/migrate"
	"mergeline/internal/reaction"
	"mergeline/internal/saga"
	"mergeline/internal/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingAgent struct {
	mu      sync.Mutex
	prompts []string
	fail    bool
	// hold keeps the next run open until its context ends, then is closed.
	hold chan struct{}
}

func (a *countingAgent) Invoke(ctx context.Context, prompt string, _ capability.AgentContext) (<-chan capability.Progress, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, prompt)
	fail, hold := a.fail, a.hold
	a.hold = nil
	a.mu.Unlock()
	if hold != nil {
		go func() {
			<-ctx.Done()
			close(hold)
		}()
		return make(chan capability.Progress), nil
	}
	ch := make(chan capability.Progress, 1)
	ch <- capability.Progress{Kind: "exit", Outcome: &capability.Outcome{Success: !fail}}
	close(ch)
	return ch, nil
}

func (a *countingAgent) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

type nopSource struct{}

func (nopSource) CreateBranch(context.Context, string, string, string) error { return nil }
func (nopSource) DeleteBranch(context.Context, string, string) error         { return nil }
func (nopSource) DeleteRemoteBranch(context.Context, string, string) error   { return nil }
func (nopSource) Merge(context.Context, string, string, string) error        { return nil }
func (nopSource) Push(context.Context, string, string) error                 { return nil }
func (nopSource) DiffSummary(context.Context, string, capability.DiffOptions) (capability.DiffSummary, error) {
	return capability.DiffSummary{}, nil
}
func (nopSource) DefaultBranch(context.Context, string) (string, error) { return "main", nil }

type sent struct {
	Destination string
	Payload     map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *recordingNotifier) Send(_ context.Context, destination, _ string, payload map[string]any) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{Destination: destination, Payload: payload})
	return false, nil
}

func (n *recordingNotifier) all() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sent(nil), n.sent...)
}

type testEnv struct {
	Ctx      context.Context
	Sessions engine.Engine
	Log      *events.Log
	Agent    *countingAgent
	Notifier *recordingNotifier
	Reactor  *reaction.Engine
	clock    time.Time
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	log := events.New(conn, nil)
	t.Cleanup(log.Close)

	env := &testEnv{Ctx: ctx, Log: log, clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	sessions := engine.New(conn, log, nil)
	sessions.Now = func() time.Time { return env.clock }

	cfg := config.Default()
	cfg.Destinations = map[string]config.Destination{"ops": {URL: "http://example.test/hook"}}
	if mutate != nil {
		mutate(cfg)
	}
	table, err := reaction.FromConfig(cfg)
	require.NoError(t, err)

	env.Agent = &countingAgent{}
	env.Notifier = &recordingNotifier{}
	flows := &workflow.Workflows{
		Engine:   sessions,
		Agent:    env.Agent,
		Source:   nopSource{},
		Host:     capability.NoCodeHost{},
		Breakers: breaker.NewRegistry([]breaker.Settings{{Name: breaker.TargetAgent, Threshold: 100}}, nil),
		Events:   log,
	}
	defs := saga.NewDefinitions()
	flows.Register(defs)
	exec := &saga.Executor{Repo: sessions.Repo, Events: log, Definitions: defs}

	env.Sessions = sessions
	env.Reactor = reaction.New(sessions, exec, log, env.Notifier, table, nil)
	unsubscribe, err := env.Reactor.Subscribe()
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return env
}

func (env *testEnv) start(t *testing.T) domain.Session {
	t.Helper()
	s, err := env.Sessions.Start(env.Ctx, engine.StartRequest{IssueRef: "org/repo#3", Branch: "fix-3"})
	require.NoError(t, err)
	return s
}

func (env *testEnv) feed(t *testing.T, corr string, types ...string) {
	t.Helper()
	for _, typ := range types {
		_, err := env.Log.Append(env.Ctx, events.Event{Type: typ, CorrelationID: corr})
		require.NoError(t, err)
	}
	env.Log.Wait()
}

func (env *testEnv) feedPayload(t *testing.T, corr, typ string, payload events.Payload) {
	t.Helper()
	_, err := env.Log.Append(env.Ctx, events.Event{Type: typ, CorrelationID: corr, Payload: payload})
	require.NoError(t, err)
	env.Log.Wait()
}

func (env *testEnv) state(t *testing.T, id string) domain.Session {
	t.Helper()
	s, err := env.Sessions.Get(env.Ctx, id)
	require.NoError(t, err)
	return s
}

func lastEscalation(t *testing.T, env *testEnv, corr string) events.Event {
	t.Helper()
	evts, err := env.Log.Tail(env.Ctx, events.Filter{CorrelationID: corr, Types: []string{lifecycle.EventEscalated}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	return evts[0]
}

func toCIRunning(t *testing.T, env *testEnv, corr string) {
	env.feed(t, corr, lifecycle.EventPlanning, lifecycle.EventImplementing, lifecycle.EventPRCreated, lifecycle.EventCIRunning)
}

func TestSelectIsPure(t *testing.T) {
	table, err := reaction.FromConfig(config.Default())
	require.NoError(t, err)

	rule, ok := reaction.Select(table, lifecycle.EventCIFailed)
	require.True(t, ok)
	assert.IsType(t, reaction.RetryWithPrompt{}, rule.Action)
	assert.Equal(t, 3, rule.MaxRetries)

	rule, ok = reaction.Select(table, lifecycle.EventCIRunning)
	require.True(t, ok)
	assert.Equal(t, reaction.Escalate{After: time.Hour}, rule.Action)

	_, ok = reaction.Select(table, "agent.progress")
	assert.False(t, ok)
}

func TestStuckThresholdPerState(t *testing.T) {
	table, err := reaction.FromConfig(config.Default())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, table.StuckThreshold(lifecycle.StateImplementing))
	assert.Equal(t, time.Hour, table.StuckThreshold(lifecycle.StateCIRunning))
}

// Three consecutive CI failures with a ceiling of three: three respawns,
// then escalation.
func TestRetryBudgetEscalates(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.start(t)
	toCIRunning(t, env, s.CorrelationID)

	for i := 1; i <= 3; i++ {
		env.feedPayload(t, s.CorrelationID, lifecycle.EventCIFailed, events.Payload{"logs": "unit test failed"})
		if i < 3 {
			assert.Equal(t, lifecycle.StateImplementing, env.state(t, s.ID).State)
		}
	}

	assert.Len(t, env.Agent.calls(), 3)
	got := env.state(t, s.ID)
	assert.Equal(t, lifecycle.StateEscalated, got.State)
	assert.Equal(t, 3, got.CIAttempts)
	assert.Equal(t, reaction.ReasonRetryBudgetSpent, lastEscalation(t, env, s.CorrelationID).String("reason"))
	assert.Contains(t, env.Agent.calls()[0], "unit test failed")
	assert.Contains(t, env.Agent.calls()[2], "attempt 3 of 3")

	// Further failures are ignored by the escalated session.
	env.feed(t, s.CorrelationID, lifecycle.EventCIFailed)
	assert.Len(t, env.Agent.calls(), 3)
}

func TestRetryCeilingEscalatesWithoutAction(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Retries.MaxRetriesCI = 1 })
	s := env.start(t)
	toCIRunning(t, env, s.CorrelationID)
	env.feed(t, s.CorrelationID, lifecycle.EventCIFailed)
	require.Equal(t, lifecycle.StateEscalated, env.state(t, s.ID).State)

	// An outside fact moves the session on without resetting its counters.
	env.feed(t, s.CorrelationID, lifecycle.EventImplementing, lifecycle.EventCIFailed)

	assert.Len(t, env.Agent.calls(), 1)
	got := env.state(t, s.ID)
	assert.Equal(t, lifecycle.StateEscalated, got.State)
	assert.Equal(t, 2, got.CIAttempts)
	esc := lastEscalation(t, env, s.CorrelationID)
	assert.Equal(t, reaction.ReasonRetryCeiling, esc.String("reason"))
}

func TestZeroRetryBudgetEscalatesOnFirstFailure(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Retries.MaxRetriesCI = 0 })
	s := env.start(t)
	toCIRunning(t, env, s.CorrelationID)
	for i := 0; i < 5; i++ {
		env.feed(t, s.CorrelationID, lifecycle.EventCIFailed)
	}

	assert.Empty(t, env.Agent.calls())
	got := env.state(t, s.ID)
	assert.Equal(t, lifecycle.StateEscalated, got.State)
	assert.Equal(t, 1, got.CIAttempts)
	esc := lastEscalation(t, env, s.CorrelationID)
	assert.Equal(t, reaction.ReasonRetryCeiling, esc.String("reason"))
}

func TestRuleRetryBudgetOverridesDefault(t *testing.T) {
	zero := 0
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Retries.MaxRetriesCI = 3
		for i := range cfg.Reactions {
			if cfg.Reactions[i].Event == lifecycle.EventCIFailed {
				cfg.Reactions[i].MaxRetries = &zero
			}
		}
	})
	rule, ok := reaction.Select(env.Reactor.Rules(), lifecycle.EventCIFailed)
	require.True(t, ok)
	assert.Equal(t, 0, rule.MaxRetries)

	s := env.start(t)
	toCIRunning(t, env, s.CorrelationID)
	env.feed(t, s.CorrelationID, lifecycle.EventCIFailed)
	assert.Empty(t, env.Agent.calls())
	assert.Equal(t, lifecycle.StateEscalated, env.state(t, s.ID).State)
}

func TestCancelFactInterruptsRunningRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.start(t)
	toCIRunning(t, env, s.CorrelationID)
	stopped := make(chan struct{})
	env.Agent.mu.Lock()
	env.Agent.hold = stopped
	env.Agent.mu.Unlock()

	_, err := env.Log.Append(env.Ctx, events.Event{Type: lifecycle.EventCIFailed, CorrelationID: s.CorrelationID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(env.Agent.calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	// The cancel fact queues behind ci.failed, whose handler is blocked on
	// the agent.
	_, err = env.Log.Append(env.Ctx, events.Event{
		Type:          lifecycle.EventCancelled,
		CorrelationID: s.CorrelationID,
		Payload:       events.Payload{"reason": "operator"},
	})
	require.NoError(t, err)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("running agent was not stopped by the cancel fact")
	}
	env.Log.Wait()

	assert.Equal(t, lifecycle.StateCancelled, env.state(t, s.ID).State)
	assert.Len(t, env.Agent.calls(), 1)
	escalations, err := env.Log.Tail(env.Ctx, events.Filter{CorrelationID: s.CorrelationID, Types: []string{lifecycle.EventEscalated}})
	require.NoError(t, err)
	assert.Empty(t, escalations)
}

func TestResumeRestoresRetryBudget(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Retries.MaxRetriesCI = 1 })
	s := env.start(t)
	toCIRunning(t, env, s.CorrelationID)
	env.feed(t, s.CorrelationID, lifecycle.EventCIFailed)
	require.Equal(t, lifecycle.StateEscalated, env.state(t, s.ID).State)

	_, err := env.Sessions.Resume(env.Ctx, s.ID, "")
	require.NoError(t, err)
	env.Log.Wait()
	env.feed(t, s.CorrelationID, lifecycle.EventCIFailed)
	assert.Len(t, env.Agent.calls(), 2)
	assert.Equal(t, reaction.ReasonRetryBudgetSpent, lastEscalation(t, env, s.CorrelationID).String("reason"))
}

func TestRetrySagaFailureEscalatesWithError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Agent.fail = true
	s := env.start(t)
	toCIRunning(t, env, s.CorrelationID)
	env.feed(t, s.CorrelationID, lifecycle.EventCIFailed)

	assert.Equal(t, lifecycle.StateEscalated, env.state(t, s.ID).State)
	esc := lastEscalation(t, env, s.CorrelationID)
	assert.Equal(t, reaction.ReasonRetryFailed, esc.String("reason"))
	assert.Contains(t, esc.String("error"), "agent run failed")
}

func TestReviewRetryUsesComments(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.start(t)
	toCIRunning(t, env, s.CorrelationID)
	env.feed(t, s.CorrelationID, lifecycle.EventCIPassed, lifecycle.EventReviewRequested)
	env.feedPayload(t, s.CorrelationID, lifecycle.EventChangesRequested, events.Payload{"comments": []any{"rename foo", "add a test"}})

	calls := env.Agent.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "rename foo")
	assert.Contains(t, calls[0], "add a test")
	got := env.state(t, s.ID)
	assert.Equal(t, lifecycle.StateImplementing, got.State)
	assert.Equal(t, 1, got.ReviewAttempts)
}

func TestEscalationNotifies(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.start(t)
	_, err := env.Sessions.Transition(env.Ctx, s.ID, lifecycle.StateEscalated, nil, events.Payload{"reason": "stuck"})
	require.NoError(t, err)
	env.Log.Wait()

	notes := env.Notifier.all()
	require.Len(t, notes, 1)
	assert.Equal(t, "ops", notes[0].Destination)
	assert.Equal(t, lifecycle.EventEscalated, notes[0].Payload["type"])
	msg, _ := notes[0].Payload["message"].(string)
	assert.True(t, strings.Contains(msg, s.ID) && strings.Contains(msg, "stuck"), msg)
}

func TestNotifyWithoutDestinationsSkips(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Destinations = nil })
	s := env.start(t)
	_, err := env.Sessions.Transition(env.Ctx, s.ID, lifecycle.StateEscalated, nil, nil)
	require.NoError(t, err)
	env.Log.Wait()
	assert.Empty(t, env.Notifier.all())
}

func TestMergeRespectsAutoMerge(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.start(t)
	toCIRunning(t, env, s.CorrelationID)
	env.feed(t, s.CorrelationID, lifecycle.EventCIPassed)
	assert.Equal(t, lifecycle.StateCIPassed, env.state(t, s.ID).State)

	env = newTestEnv(t, func(cfg *config.Config) { cfg.AutoMerge = true })
	s = env.start(t)
	toCIRunning(t, env, s.CorrelationID)
	env.feed(t, s.CorrelationID, lifecycle.EventCIPassed)
	got := env.state(t, s.ID)
	assert.Equal(t, lifecycle.StateMerged, got.State)
	_, held := env.Sessions.Guard.Active("fix-3")
	assert.False(t, held)
}

func TestKickoffRunsStartWork(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Agent.Command = "agent" })
	s := env.start(t)
	env.Log.Wait()

	calls := env.Agent.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Resolve org/repo#3 on branch fix-3.", calls[0])
	assert.Equal(t, lifecycle.StateImplementing, env.state(t, s.ID).State)
}

func TestSweepEscalatesIdleSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	idle := env.start(t)
	env.feed(t, idle.CorrelationID, lifecycle.EventPlanning)

	waiting, err := env.Sessions.Start(env.Ctx, engine.StartRequest{IssueRef: "org/repo#4", Branch: "fix-4"})
	require.NoError(t, err)
	toCIRunning(t, env, waiting.CorrelationID)

	report, err := env.Reactor.Sweep(env.Ctx, env.clock.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Empty(t, report.Escalated)

	report, err = env.Reactor.Sweep(env.Ctx, env.clock.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{idle.ID}, report.Escalated)
	env.Log.Wait()
	assert.Equal(t, reaction.ReasonStuck, lastEscalation(t, env, idle.CorrelationID).String("reason"))
	assert.Equal(t, lifecycle.StateCIRunning, env.state(t, waiting.ID).State)

	report, err = env.Reactor.Sweep(env.Ctx, env.clock.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, []string{waiting.ID}, report.Escalated)
	env.Log.Wait()
}

func TestSetRulesSwapsTable(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := config.Default()
	cfg.Reactions = []config.Rule{{Event: lifecycle.EventCIFailed, Action: config.ActionEscalate}}
	table, err := reaction.FromConfig(cfg)
	require.NoError(t, err)
	env.Reactor.SetRules(table)

	s := env.start(t)
	toCIRunning(t, env, s.CorrelationID)
	env.feed(t, s.CorrelationID, lifecycle.EventCIFailed)
	assert.Empty(t, env.Agent.calls())
	assert.Equal(t, reaction.ReasonRule, lastEscalation(t, env, s.CorrelationID).String("reason"))
}
