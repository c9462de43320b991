// Package workflow defines the sagas that move a session's work forward:
// starting work on an issue, respawning the agent after a failure and
// merging the result. Every capability call goes through its breaker.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mergeline/internal/breaker"
	"mergeline/internal/capability"
	"mergeline/internal/engine"
	"mergeline/internal/events"
	"mergeline/internal/lifecycle"
	"mergeline/internal/saga"
)

const (
	StartWork    = "start_work"
	RespawnAgent = "respawn_agent"
	Merge        = "merge"
)

// EventAgentProgress carries one item of an agent's progress stream.
const EventAgentProgress = "agent.progress"

// Progress keys shared by the sagas.
const (
	KeySessionID = "session_id"
	KeyIssueRef  = "issue_ref"
	KeyBranch    = "branch"
	KeyWorkspace = "workspace"
	KeyBase      = "base"
	KeyPrompt    = "prompt"
	KeyAttempt   = "attempt"
	KeyPRNumber  = "pr_number"
	KeyPRURL     = "pr_url"
	KeyPRSkipped = "pr_skipped"
	KeyChanged   = "changed_files"
)

type Workflows struct {
	Engine   engine.Engine
	Agent    capability.Agent
	Source   capability.SourceControl
	Host     capability.CodeHost
	Breakers *breaker.Registry
	Events   *events.Log
	Diff     capability.DiffOptions
	Logger   *zap.Logger
}

func (w *Workflows) logger(run *saga.Run) *zap.Logger {
	l := w.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return l.With(zap.String("saga", run.Name), zap.String("saga_id", run.ID),
		zap.String("session_id", run.String(KeySessionID)), zap.String("correlation_id", run.CorrelationID))
}

// Register adds every workflow to defs.
func (w *Workflows) Register(defs *saga.Definitions) {
	for _, def := range w.Definitions() {
		defs.Register(def)
	}
}

func (w *Workflows) Definitions() []saga.Definition {
	return []saga.Definition{
		{Name: StartWork, Steps: []saga.Step{
			{Name: "create_branch", Execute: w.createBranch, Compensate: w.deleteBranch},
			{Name: "run_agents", Execute: w.runAgents},
			{Name: "push", Execute: w.pushBranch, Compensate: w.deleteRemoteBranch},
			{Name: "create_pr", Execute: w.createPR, Compensate: w.commentRolledBack},
		}},
		{Name: RespawnAgent, Steps: []saga.Step{
			{Name: "respawn", Execute: w.respawn},
		}},
		{Name: Merge, Steps: []saga.Step{
			{Name: "merge_back", Execute: w.mergeBack},
			{Name: "push", Execute: w.pushBase},
		}},
	}
}

func (w *Workflows) createBranch(ctx context.Context, run *saga.Run) error {
	ws, branch := run.String(KeyWorkspace), run.String(KeyBranch)
	base := run.String(KeyBase)
	if base == "" {
		b, err := breaker.Execute(ctx, w.Breakers, breaker.TargetGit, func(ctx context.Context) (string, error) {
			return w.Source.DefaultBranch(ctx, ws)
		})
		if err != nil {
			return fmt.Errorf("detect base branch: %w", err)
		}
		base = b
		run.Set(KeyBase, base)
	}
	return breaker.Do(ctx, w.Breakers, breaker.TargetGit, func(ctx context.Context) error {
		return w.Source.CreateBranch(ctx, ws, branch, base)
	})
}

func (w *Workflows) deleteBranch(ctx context.Context, run *saga.Run) error {
	return breaker.Do(ctx, w.Breakers, breaker.TargetGit, func(ctx context.Context) error {
		return w.Source.DeleteBranch(ctx, run.String(KeyWorkspace), run.String(KeyBranch))
	})
}

func (w *Workflows) runAgents(ctx context.Context, run *saga.Run) error {
	sessionID := run.String(KeySessionID)
	if _, err := w.Engine.Advance(ctx, sessionID, nil, lifecycle.StatePlanning, lifecycle.StateImplementing); err != nil {
		return err
	}
	if err := w.invokeAgent(ctx, run, run.String(KeyPrompt)); err != nil {
		return err
	}
	summary, err := breaker.Execute(ctx, w.Breakers, breaker.TargetGit, func(ctx context.Context) (capability.DiffSummary, error) {
		return w.Source.DiffSummary(ctx, run.String(KeyWorkspace), w.Diff)
	})
	if err != nil {
		w.logger(run).Warn("diff summary unavailable", zap.Error(err))
		return nil
	}
	paths := make([]string, len(summary.Files))
	for i, f := range summary.Files {
		paths[i] = f.Path
	}
	run.Set(KeyChanged, paths)
	return nil
}

func (w *Workflows) pushBranch(ctx context.Context, run *saga.Run) error {
	return breaker.Do(ctx, w.Breakers, breaker.TargetGit, func(ctx context.Context) error {
		return w.Source.Push(ctx, run.String(KeyWorkspace), run.String(KeyBranch))
	})
}

func (w *Workflows) deleteRemoteBranch(ctx context.Context, run *saga.Run) error {
	return breaker.Do(ctx, w.Breakers, breaker.TargetGit, func(ctx context.Context) error {
		return w.Source.DeleteRemoteBranch(ctx, run.String(KeyWorkspace), run.String(KeyBranch))
	})
}

func (w *Workflows) hostConfigured() bool {
	if w.Host == nil {
		return false
	}
	_, none := w.Host.(capability.NoCodeHost)
	return !none
}

func (w *Workflows) createPR(ctx context.Context, run *saga.Run) error {
	if !w.hostConfigured() {
		run.Set(KeyPRSkipped, true)
		w.logger(run).Info("no code host configured; pull request left to inbound facts")
		return nil
	}
	pr, err := breaker.Execute(ctx, w.Breakers, breaker.TargetGitHub, func(ctx context.Context) (capability.PullRequest, error) {
		return w.Host.CreatePR(ctx, capability.PRRequest{
			IssueRef: run.String(KeyIssueRef),
			Branch:   run.String(KeyBranch),
			Base:     run.String(KeyBase),
			Title:    fmt.Sprintf("Resolve %s", run.String(KeyIssueRef)),
		})
	})
	if errors.Is(err, capability.ErrNotConfigured) {
		run.Set(KeyPRSkipped, true)
		return nil
	}
	if err != nil {
		return err
	}
	run.Set(KeyPRNumber, pr.Number)
	run.Set(KeyPRURL, pr.URL)
	_, err = w.Engine.Transition(ctx, run.String(KeySessionID), lifecycle.StatePRCreated, nil,
		events.Payload{"pr_number": pr.Number, "pr_url": pr.URL})
	if errors.Is(err, engine.ErrIllegalTransition) {
		// An inbound pr.created may have moved the session already.
		return nil
	}
	return err
}

func (w *Workflows) commentRolledBack(ctx context.Context, run *saga.Run) error {
	if !w.hostConfigured() || run.Int(KeyPRNumber) == 0 {
		return nil
	}
	ref := fmt.Sprintf("%s#%d", run.String(KeyBranch), run.Int(KeyPRNumber))
	return breaker.Do(ctx, w.Breakers, breaker.TargetGitHub, func(ctx context.Context) error {
		return w.Host.PostComment(ctx, ref, "This attempt was rolled back by mergeline.")
	})
}

func (w *Workflows) respawn(ctx context.Context, run *saga.Run) error {
	return w.invokeAgent(ctx, run, run.String(KeyPrompt))
}

func (w *Workflows) mergeBack(ctx context.Context, run *saga.Run) error {
	ws := run.String(KeyWorkspace)
	base := run.String(KeyBase)
	if base == "" {
		b, err := breaker.Execute(ctx, w.Breakers, breaker.TargetGit, func(ctx context.Context) (string, error) {
			return w.Source.DefaultBranch(ctx, ws)
		})
		if err != nil {
			return fmt.Errorf("detect base branch: %w", err)
		}
		base = b
		run.Set(KeyBase, base)
	}
	return breaker.Do(ctx, w.Breakers, breaker.TargetGit, func(ctx context.Context) error {
		return w.Source.Merge(ctx, ws, run.String(KeyBranch), base)
	})
}

func (w *Workflows) pushBase(ctx context.Context, run *saga.Run) error {
	return breaker.Do(ctx, w.Breakers, breaker.TargetGit, func(ctx context.Context) error {
		return w.Source.Push(ctx, run.String(KeyWorkspace), run.String(KeyBase))
	})
}

// invokeAgent runs the agent to its outcome under the agent breaker.
// Progress items are recorded as facts and count as session activity.
func (w *Workflows) invokeAgent(ctx context.Context, run *saga.Run, prompt string) error {
	sessionID := run.String(KeySessionID)
	ac := capability.AgentContext{
		SessionID:     sessionID,
		CorrelationID: run.CorrelationID,
		IssueRef:      run.String(KeyIssueRef),
		Branch:        run.String(KeyBranch),
		Workspace:     run.String(KeyWorkspace),
		Attempt:       run.Int(KeyAttempt),
	}
	log := w.logger(run)
	outcome, err := breaker.Execute(ctx, w.Breakers, breaker.TargetAgent, func(ctx context.Context) (capability.Outcome, error) {
		stream, err := w.Agent.Invoke(ctx, prompt, ac)
		if err != nil {
			return capability.Outcome{}, err
		}
		out, err := capability.Drain(ctx, stream, func(p capability.Progress) {
			w.recordProgress(ctx, run, p)
		})
		if err != nil {
			return out, err
		}
		if !out.Success {
			return out, &capability.AgentFailedError{Details: out.Details}
		}
		return out, nil
	})
	if err != nil {
		log.Warn("agent run failed", zap.Int("attempt", ac.Attempt), zap.Error(err))
		return err
	}
	log.Info("agent run succeeded", zap.Int("attempt", ac.Attempt), zap.String("details", outcome.Details))
	return nil
}

func (w *Workflows) recordProgress(ctx context.Context, run *saga.Run, p capability.Progress) {
	sessionID := run.String(KeySessionID)
	if sessionID != "" {
		if err := w.Engine.Touch(ctx, sessionID); err != nil {
			w.logger(run).Debug("touch session", zap.Error(err))
		}
	}
	if w.Events == nil || run.CorrelationID == "" {
		return
	}
	_, err := w.Events.Append(ctx, events.Event{
		Type:          EventAgentProgress,
		CorrelationID: run.CorrelationID,
		Payload:       events.Payload{"saga_id": run.ID, "kind": p.Kind, "message": p.Message},
	})
	if err != nil {
		w.logger(run).Warn("record agent progress", zap.Error(err))
	}
}
