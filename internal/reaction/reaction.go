// Package reaction decides what happens after each fact. It applies the
// fact to the session, looks up the rule for its type and runs the rule's
// action: a retry through the respawn saga, a notification, an escalation
// or a merge. A periodic sweep escalates sessions that stopped moving.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mergeline/internal/domain"
	"mergeline/internal/engine"
	"mergeline/internal/events"
	"mergeline/internal/lifecycle"
	"mergeline/internal/logging"
	"mergeline/internal/saga"
	"mergeline/internal/workflow"
)

// Escalation reasons recorded on session.escalated facts.
const (
	ReasonRetryCeiling     = "retry_ceiling"
	ReasonRetryBudgetSpent = "retry_budget_spent"
	ReasonRetryFailed      = "retry_failed"
	ReasonMergeFailed      = "merge_failed"
	ReasonStartFailed      = "start_failed"
	ReasonRule             = "rule"
	ReasonStuck            = "stuck"
)

// Sender delivers a notification or queues it for retry.
type Sender interface {
	Send(ctx context.Context, destination, correlationID string, payload map[string]any) (queued bool, err error)
}

type Engine struct {
	Sessions engine.Engine
	Sagas    *saga.Executor
	Events   *events.Log
	Notifier Sender
	Logger   *zap.Logger
	Now      func() time.Time

	table atomic.Pointer[Table]
}

func New(sessions engine.Engine, sagas *saga.Executor, log *events.Log, notifier Sender, table Table, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Engine{
		Sessions: sessions,
		Sagas:    sagas,
		Events:   log,
		Notifier: notifier,
		Logger:   logger.Named("reaction"),
		Now:      time.Now,
	}
	r.SetRules(table)
	return r
}

func (r *Engine) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// SetRules swaps the rule table. Events already being handled finish with
// the table they started with.
func (r *Engine) SetRules(t Table) {
	r.table.Store(&t)
}

func (r *Engine) Rules() Table {
	return *r.table.Load()
}

// Subscribe attaches Handle to every fact in the log, and lets cancel facts
// interrupt the session's running work ahead of its mailbox.
func (r *Engine) Subscribe() (func(), error) {
	stopInterrupt, err := r.Events.Interrupt(lifecycle.EventCancelled, r.Sessions.Interrupt)
	if err != nil {
		return nil, err
	}
	unsubscribe, err := r.Events.Subscribe("*", r.Handle)
	if err != nil {
		stopInterrupt()
		return nil, err
	}
	return func() {
		unsubscribe()
		stopInterrupt()
	}, nil
}

// Handle is the event log subscriber.
func (r *Engine) Handle(ctx context.Context, evt events.Event) error {
	s, outcome, err := r.Sessions.Apply(ctx, evt)
	if err != nil {
		return fmt.Errorf("apply %s: %w", evt.Type, err)
	}
	if !outcome.Accepted() {
		return nil
	}
	table := r.Rules()
	log := logging.Session(r.Logger, s.ID, s.CorrelationID).With(zap.String("event", evt.Type), zap.Int64("event_id", evt.ID))

	if evt.Type == lifecycle.EventCreated && table.Kickoff {
		r.startWork(ctx, table, s, evt, log)
		return nil
	}

	rule, ok := Select(table, evt.Type)
	if !ok {
		return nil
	}
	if _, notify := rule.Action.(Notify); s.Terminal() && !notify {
		log.Debug("rule skipped for terminal session", zap.String("action", rule.Action.Name()))
		return nil
	}

	attempt := 0
	if _, retry := rule.Action.(RetryWithPrompt); retry {
		attempt, err = r.Sessions.CountAttempt(ctx, s.ID, evt.Type)
		if err != nil {
			return fmt.Errorf("count attempt: %w", err)
		}
		if attempt > rule.MaxRetries {
			log.Warn("retry ceiling reached", zap.Int("attempt", attempt), zap.Int("max_retries", rule.MaxRetries))
			return r.escalate(ctx, s, &evt, ReasonRetryCeiling, events.Payload{"attempts": attempt, "max_retries": rule.MaxRetries})
		}
	}

	switch a := rule.Action.(type) {
	case RetryWithPrompt:
		return r.retry(ctx, s, evt, rule, a, attempt, log)
	case Notify:
		return r.notify(ctx, table, s, evt, a, log)
	case Escalate:
		if a.After > 0 {
			return nil
		}
		return r.escalate(ctx, s, &evt, ReasonRule, events.Payload{"rule": rule.EventType})
	case Merge:
		return r.merge(ctx, table, s, evt, log)
	}
	return nil
}

// PromptData is what prompt and message templates see.
type PromptData struct {
	SessionID      string
	IssueRef       string
	Branch         string
	State          string
	EventType      string
	Reason         string
	Attempt        int
	MaxRetries     int
	FailureLogs    []string
	ReviewComments []string
	Payload        map[string]any
}

func (r *Engine) promptData(ctx context.Context, s domain.Session, evt events.Event, attempt, maxRetries int) PromptData {
	data := PromptData{
		SessionID:  s.ID,
		IssueRef:   s.IssueRef,
		Branch:     s.Branch,
		State:      string(s.State),
		EventType:  evt.Type,
		Reason:     evt.String("reason"),
		Attempt:    attempt,
		MaxRetries: maxRetries,
		Payload:    evt.Payload,
	}
	data.FailureLogs, data.ReviewComments = r.harvest(ctx, s.CorrelationID)
	return data
}

const harvestDepth = 3

// harvest collects failure logs and review comments from the newest facts
// of a session, oldest first.
func (r *Engine) harvest(ctx context.Context, correlationID string) (logs, comments []string) {
	recent, err := r.Events.Tail(ctx, events.Filter{
		CorrelationID: correlationID,
		Types:         []string{lifecycle.EventCIFailed, lifecycle.EventChangesRequested},
		Limit:         harvestDepth * 2,
	})
	if err != nil {
		r.Logger.Warn("harvest prompt context", zap.String("correlation_id", correlationID), zap.Error(err))
		return nil, nil
	}
	for i := len(recent) - 1; i >= 0; i-- {
		evt := recent[i]
		switch evt.Type {
		case lifecycle.EventCIFailed:
			logs = appendText(logs, evt.Payload["logs"])
		case lifecycle.EventChangesRequested:
			comments = appendText(comments, evt.Payload["comments"])
			comments = appendText(comments, evt.Payload["comment"])
		}
	}
	return tail(logs, harvestDepth), tail(comments, harvestDepth*3)
}

func appendText(dst []string, v any) []string {
	switch x := v.(type) {
	case string:
		if x != "" {
			dst = append(dst, x)
		}
	case []any:
		for _, item := range x {
			if s, ok := item.(string); ok && s != "" {
				dst = append(dst, s)
			}
		}
	case []string:
		dst = append(dst, x...)
	}
	return dst
}

func tail(list []string, n int) []string {
	if len(list) > n {
		return list[len(list)-n:]
	}
	return list
}

func sagaProgress(s domain.Session, prompt string, attempt int) map[string]any {
	return map[string]any{
		workflow.KeySessionID: s.ID,
		workflow.KeyIssueRef:  s.IssueRef,
		workflow.KeyBranch:    s.Branch,
		workflow.KeyWorkspace: s.Workspace,
		workflow.KeyPrompt:    prompt,
		workflow.KeyAttempt:   attempt,
	}
}

func (r *Engine) retry(ctx context.Context, s domain.Session, evt events.Event, rule Rule, a RetryWithPrompt, attempt int, log *zap.Logger) error {
	prompt, err := render(a.Template, r.promptData(ctx, s, evt, attempt, rule.MaxRetries))
	if err != nil {
		return r.escalate(ctx, s, &evt, ReasonRetryFailed, events.Payload{"error": err.Error()})
	}
	wctx, done := r.Sessions.WorkContext(ctx, s.ID)
	defer done()
	log.Info("respawning agent", zap.Int("attempt", attempt), zap.Int("max_retries", rule.MaxRetries))
	if _, err := r.Sagas.Start(wctx, workflow.RespawnAgent, s.CorrelationID, sagaProgress(s, prompt, attempt)); err != nil {
		if r.abandon(ctx, s.ID, err) {
			log.Info("retry stopped", zap.Error(err))
			return nil
		}
		return r.escalate(ctx, s, &evt, ReasonRetryFailed, events.Payload{"error": err.Error(), "attempt": attempt})
	}
	if attempt >= rule.MaxRetries {
		return r.escalate(ctx, s, &evt, ReasonRetryBudgetSpent, events.Payload{"attempts": attempt, "max_retries": rule.MaxRetries})
	}
	_, err = r.Sessions.Transition(ctx, s.ID, lifecycle.StateImplementing, &evt, events.Payload{"reason": "retry", "attempt": attempt})
	return ignoreSettled(err)
}

// abandon reports whether a failed saga should simply stop: the session was
// cancelled or ended while it ran.
func (r *Engine) abandon(ctx context.Context, sessionID string, err error) bool {
	if errors.Is(err, saga.ErrCancelled) {
		return true
	}
	cur, getErr := r.Sessions.Get(ctx, sessionID)
	return getErr == nil && cur.Terminal()
}

func (r *Engine) notify(ctx context.Context, table Table, s domain.Session, evt events.Event, a Notify, log *zap.Logger) error {
	dests := table.Destinations
	if a.Destination != "" {
		dests = []string{a.Destination}
	}
	if len(dests) == 0 {
		log.Info("notification skipped; no destination configured")
		return nil
	}
	if r.Notifier == nil {
		log.Warn("notification skipped; no notifier")
		return nil
	}
	msg, err := render(a.Message, r.promptData(ctx, s, evt, 0, 0))
	if err != nil {
		return err
	}
	payload := map[string]any{
		"type":           evt.Type,
		"correlation_id": s.CorrelationID,
		"session_id":     s.ID,
		"issue_ref":      s.IssueRef,
		"state":          string(s.State),
		"message":        msg,
		"event_id":       evt.ID,
	}
	var errs []error
	for _, dest := range dests {
		queued, err := r.Notifier.Send(ctx, dest, s.CorrelationID, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", dest, err))
			continue
		}
		log.Info("notification sent", zap.String("destination", dest), zap.Bool("queued", queued))
	}
	return errors.Join(errs...)
}

func (r *Engine) merge(ctx context.Context, table Table, s domain.Session, evt events.Event, log *zap.Logger) error {
	if !table.AutoMerge {
		log.Info("merge rule matched; auto merge disabled")
		return nil
	}
	wctx, done := r.Sessions.WorkContext(ctx, s.ID)
	defer done()
	if _, err := r.Sagas.Start(wctx, workflow.Merge, s.CorrelationID, sagaProgress(s, "", 0)); err != nil {
		if r.abandon(ctx, s.ID, err) {
			return nil
		}
		return r.escalate(ctx, s, &evt, ReasonMergeFailed, events.Payload{"error": err.Error()})
	}
	_, err := r.Sessions.Transition(ctx, s.ID, lifecycle.StateMerged, &evt, events.Payload{"reason": "auto_merge"})
	return ignoreSettled(err)
}

func (r *Engine) startWork(ctx context.Context, table Table, s domain.Session, evt events.Event, log *zap.Logger) {
	prompt, err := render(table.KickoffPrompt, r.promptData(ctx, s, evt, 0, 0))
	if err != nil {
		log.Error("render kickoff prompt", zap.Error(err))
		return
	}
	wctx, done := r.Sessions.WorkContext(ctx, s.ID)
	defer done()
	if _, err := r.Sagas.Start(wctx, workflow.StartWork, s.CorrelationID, sagaProgress(s, prompt, 0)); err != nil {
		if r.abandon(ctx, s.ID, err) {
			return
		}
		if err := r.escalate(ctx, s, &evt, ReasonStartFailed, events.Payload{"error": err.Error()}); err != nil {
			log.Error("escalate after failed start", zap.Error(err))
		}
	}
}

// escalate moves the session to escalated. A session that already ended or
// is already escalated is left alone.
func (r *Engine) escalate(ctx context.Context, s domain.Session, cause *events.Event, reason string, extra events.Payload) error {
	payload := events.Payload{"reason": reason}
	for k, v := range extra {
		payload[k] = v
	}
	_, err := r.Sessions.Transition(ctx, s.ID, lifecycle.StateEscalated, cause, payload)
	return ignoreSettled(err)
}

func ignoreSettled(err error) error {
	if errors.Is(err, engine.ErrTerminal) || errors.Is(err, engine.ErrIllegalTransition) {
		return nil
	}
	return err
}
