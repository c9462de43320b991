// Package engine owns session state. It admits new work through the
// idempotency guard, applies inbound facts through the lifecycle table and
// performs the transitions the reaction engine and operators ask for. Every
// state change is written together with its fact in one transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mergeline/internal/domain"
	"mergeline/internal/events"
	"mergeline/internal/guard"
	"mergeline/internal/lifecycle"
	"mergeline/internal/lock"
	"mergeline/internal/logging"
	"mergeline/internal/repo"
)

var (
	ErrTerminal          = errors.New("session is terminal")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrNotEscalated      = errors.New("session is not escalated")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events *events.Log
	Guard  *guard.Guard
	Locks  *lock.MutexMap
	Work   *WorkRegistry
	Logger *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, log *events.Log, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: log,
		Guard:  guard.New(),
		Locks:  lock.NewMutexMap(),
		Work:   NewWorkRegistry(),
		Logger: logger.Named("engine"),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log(s domain.Session) *zap.Logger {
	return logging.Session(e.Logger, s.ID, s.CorrelationID)
}

// StartRequest describes new work. Branch is the work key.
type StartRequest struct {
	IssueRef  string
	Branch    string
	Workspace string
}

// Start admits a session. A second start for a branch that already has an
// active session fails with *guard.ActiveError naming it.
func (e Engine) Start(ctx context.Context, req StartRequest) (domain.Session, error) {
	req.IssueRef = strings.TrimSpace(req.IssueRef)
	req.Branch = strings.TrimSpace(req.Branch)
	if req.IssueRef == "" {
		return domain.Session{}, errors.New("issue is required")
	}
	if req.Branch == "" {
		return domain.Session{}, errors.New("branch is required")
	}
	id := uuid.NewString()
	if err := e.Guard.TryAcquire(req.Branch, id); err != nil {
		return domain.Session{}, err
	}
	release := e.Events.Serialize(id)
	s, stored, err := e.insertSession(ctx, id, req)
	if err != nil {
		release()
		e.Guard.ReleaseIfHeld(req.Branch, id)
		return domain.Session{}, err
	}
	e.Events.Dispatch(stored)
	release()
	e.log(s).Info("session started", zap.String("issue", s.IssueRef), zap.String("branch", s.Branch))
	return s, nil
}

func (e Engine) insertSession(ctx context.Context, id string, req StartRequest) (domain.Session, events.Event, error) {
	now := e.now()
	s := domain.Session{
		ID:             id,
		CorrelationID:  id,
		IssueRef:       req.IssueRef,
		State:          lifecycle.StateCreated,
		Branch:         req.Branch,
		Workspace:      req.Workspace,
		CreatedAt:      now,
		LastActivityAt: now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, events.Event{}, err
	}
	defer tx.Rollback()
	// Another process sharing the database may hold the branch.
	var holder string
	err = tx.QueryRowContext(ctx, `SELECT id FROM sessions WHERE branch=? AND state NOT IN (?,?,?) LIMIT 1`,
		req.Branch, string(lifecycle.StateMerged), string(lifecycle.StateFailed), string(lifecycle.StateCancelled)).Scan(&holder)
	if err == nil {
		return s, events.Event{}, &guard.ActiveError{Key: req.Branch, SessionID: holder}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return s, events.Event{}, err
	}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return s, events.Event{}, fmt.Errorf("insert session: %w", err)
	}
	stored, err := e.Events.Record(ctx, tx, events.Event{
		Type:          lifecycle.EventCreated,
		CorrelationID: s.CorrelationID,
		OccurredAt:    now,
		Payload: events.Payload{
			"session_id": s.ID,
			"issue_ref":  s.IssueRef,
			"branch":     s.Branch,
			"workspace":  s.Workspace,
		},
	})
	if err != nil {
		return s, events.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return s, events.Event{}, err
	}
	return s, stored, nil
}

// Outcome says what Apply did with an event.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeInformational  Outcome = "informational"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeUnknownSession Outcome = "unknown_session"
)

// Accepted reports whether reactions should run for the event.
func (o Outcome) Accepted() bool {
	return o == OutcomeApplied || o == OutcomeAlreadyApplied || o == OutcomeInformational
}

// Apply folds one fact into its session. Illegal transitions leave the
// session untouched and are only logged; duplicate and out-of-order
// webhooks are expected.
func (e Engine) Apply(ctx context.Context, evt events.Event) (domain.Session, Outcome, error) {
	e.Locks.Lock(evt.CorrelationID)
	defer e.Locks.Unlock(evt.CorrelationID)

	s, err := e.Repo.GetSessionByCorrelation(ctx, nil, evt.CorrelationID)
	if errors.Is(err, repo.ErrNotFound) {
		return s, OutcomeUnknownSession, nil
	}
	if err != nil {
		return s, "", err
	}
	if _, _, ok := evt.Transition(); ok || evt.Type == lifecycle.EventCreated {
		return s, OutcomeAlreadyApplied, nil
	}
	log := e.log(s)

	if _, mapped := lifecycle.Target(evt.Type); !mapped {
		if !s.Terminal() {
			now := e.now()
			if err := e.Repo.TouchSession(ctx, nil, s.ID, now); err != nil {
				return s, "", err
			}
			s.LastActivityAt = now
			s.UpdatedAt = now
		}
		return s, OutcomeInformational, nil
	}

	next, ok := lifecycle.Next(s.State, evt.Type)
	if !ok {
		log.Debug("transition ignored",
			zap.String("state", string(s.State)), zap.String("event", evt.Type), zap.Int64("event_id", evt.ID))
		return s, OutcomeIgnored, nil
	}
	from := s.State
	if err := e.setState(ctx, nil, &s, next); err != nil {
		return s, "", err
	}
	log.Info("transition applied",
		zap.String("from", string(from)), zap.String("to", string(next)), zap.String("event", evt.Type))
	e.afterTransition(s)
	return s, OutcomeApplied, nil
}

func (e Engine) setState(ctx context.Context, tx *sql.Tx, s *domain.Session, to lifecycle.State) error {
	now := e.now()
	var outcome *string
	if to.Terminal() {
		v := string(to)
		outcome = &v
	}
	if err := e.Repo.UpdateSessionState(ctx, tx, s.ID, to, outcome, now); err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	s.State = to
	s.LastActivityAt = now
	s.UpdatedAt = now
	if outcome != nil {
		s.Outcome = outcome
	}
	return nil
}

// afterTransition releases the work key and stops in-flight work once a
// session ends.
func (e Engine) afterTransition(s domain.Session) {
	if !s.Terminal() {
		return
	}
	e.Guard.ReleaseIfHeld(s.Branch, s.ID)
	e.Work.Cancel(s.ID)
}

// Transition moves a session on the engine's own initiative and records the
// fact describing it. cause, when set, becomes the fact's causation.
func (e Engine) Transition(ctx context.Context, sessionID string, to lifecycle.State, cause *events.Event, payload events.Payload) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return s, err
	}
	e.Locks.Lock(s.CorrelationID)
	defer e.Locks.Unlock(s.CorrelationID)
	defer e.Events.Serialize(s.CorrelationID)()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	s, err = e.Repo.GetSession(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	from := s.State
	if from.Terminal() {
		return s, fmt.Errorf("%w: %s is %s", ErrTerminal, s.ID, from)
	}
	if err := lifecycle.Validate(from, to); err != nil {
		return s, fmt.Errorf("%w: %v", ErrIllegalTransition, err)
	}
	if err := e.setState(ctx, tx, &s, to); err != nil {
		return s, err
	}
	evt := events.Event{
		Type:          lifecycle.EventFor(to),
		CorrelationID: s.CorrelationID,
		Payload:       events.TransitionPayload(string(from), string(to), payload),
	}
	if cause != nil {
		evt = evt.CausedBy(*cause)
	}
	stored, err := e.Events.Record(ctx, tx, evt)
	if err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	e.Events.Dispatch(stored)

	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
	if reason, ok := payload["reason"]; ok {
		fields = append(fields, zap.Any("reason", reason))
	}
	if to == lifecycle.StateEscalated {
		e.log(s).Warn("session escalated", fields...)
	} else {
		e.log(s).Info("session transitioned", fields...)
	}
	e.afterTransition(s)
	return s, nil
}

// CountAttempt bumps the per-rule attempt counter and returns it. CI and
// review counters are mirrored onto the session.
func (e Engine) CountAttempt(ctx context.Context, sessionID, eventType string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.IncrementCounter(ctx, tx, sessionID, eventType, e.now())
	if err != nil {
		return 0, err
	}
	if eventType == lifecycle.EventCIFailed || eventType == lifecycle.EventChangesRequested {
		s, err := e.Repo.GetSession(ctx, tx, sessionID)
		if err != nil {
			return 0, err
		}
		ci, review := s.CIAttempts, s.ReviewAttempts
		if eventType == lifecycle.EventCIFailed {
			ci = n
		} else {
			review = n
		}
		if err := e.Repo.SetAttempts(ctx, tx, sessionID, ci, review, e.now()); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// Cancel ends a session and stops its in-flight work from advancing.
func (e Engine) Cancel(ctx context.Context, sessionID, reason string) (domain.Session, error) {
	payload := events.Payload{}
	if reason != "" {
		payload["reason"] = reason
	}
	s, err := e.Transition(ctx, sessionID, lifecycle.StateCancelled, nil, payload)
	if err != nil {
		return s, err
	}
	e.Work.Cancel(sessionID)
	return s, nil
}

// Resume is the administrative reset of an escalated session: counters go
// back to zero and the session returns to implementing.
func (e Engine) Resume(ctx context.Context, sessionID, note string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return s, err
	}
	e.Locks.Lock(s.CorrelationID)
	defer e.Locks.Unlock(s.CorrelationID)
	defer e.Events.Serialize(s.CorrelationID)()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	s, err = e.Repo.GetSession(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	if s.State != lifecycle.StateEscalated {
		if s.Terminal() {
			return s, fmt.Errorf("%w: %s is %s", ErrTerminal, s.ID, s.State)
		}
		return s, fmt.Errorf("%w: %s is %s", ErrNotEscalated, s.ID, s.State)
	}
	if err := e.Repo.ResetCounters(ctx, tx, s.ID); err != nil {
		return s, err
	}
	if err := e.Repo.SetAttempts(ctx, tx, s.ID, 0, 0, e.now()); err != nil {
		return s, err
	}
	s.CIAttempts, s.ReviewAttempts = 0, 0
	if err := e.setState(ctx, tx, &s, lifecycle.StateImplementing); err != nil {
		return s, err
	}
	payload := events.Payload{"reason": "resumed"}
	if note != "" {
		payload["note"] = note
	}
	stored, err := e.Events.Record(ctx, tx, events.Event{
		Type:          lifecycle.EventImplementing,
		CorrelationID: s.CorrelationID,
		Payload:       events.TransitionPayload(string(lifecycle.StateEscalated), string(lifecycle.StateImplementing), payload),
	})
	if err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	e.Events.Dispatch(stored)
	e.log(s).Info("session resumed")
	return s, nil
}

// Delete removes a session and its counters. Its events stay in the log.
func (e Engine) Delete(ctx context.Context, sessionID string) error {
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return err
	}
	e.Locks.Lock(s.CorrelationID)
	defer e.Locks.Unlock(s.CorrelationID)
	if err := e.Repo.DeleteSession(ctx, nil, sessionID); err != nil {
		return err
	}
	e.Guard.ReleaseIfHeld(s.Branch, s.ID)
	e.Work.Cancel(s.ID)
	e.Work.Forget(s.ID)
	e.log(s).Info("session deleted", zap.String("state", string(s.State)))
	return nil
}

func (e Engine) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	return e.Repo.GetSession(ctx, nil, sessionID)
}

func (e Engine) List(ctx context.Context, f repo.SessionFilters) ([]domain.Session, error) {
	return e.Repo.ListSessions(ctx, f)
}

// Recover reloads the guard from every non-terminal session.
func (e Engine) Recover(ctx context.Context) (int, error) {
	active, err := e.Repo.ListSessions(ctx, repo.SessionFilters{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	entries := make([]guard.Entry, 0, len(active))
	for _, s := range active {
		entries = append(entries, guard.Entry{Key: s.Branch, SessionID: s.ID})
	}
	e.Guard.Load(entries)
	e.Logger.Info("guard recovered", zap.Int("active_sessions", len(entries)))
	return len(entries), nil
}

// RebuildReport compares stored state with the state the log implies.
type RebuildReport struct {
	SessionID string          `json:"session_id"`
	Stored    lifecycle.State `json:"stored"`
	Replayed  lifecycle.State `json:"replayed"`
	Events    int             `json:"events"`
	Drift     bool            `json:"drift"`
	Repaired  bool            `json:"repaired"`
}

// Rebuild replays a session's events. With repair set, drifted state is
// overwritten with the replayed state.
func (e Engine) Rebuild(ctx context.Context, sessionID string, repair bool) (RebuildReport, error) {
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return RebuildReport{}, err
	}
	e.Locks.Lock(s.CorrelationID)
	defer e.Locks.Unlock(s.CorrelationID)
	s, err = e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return RebuildReport{}, err
	}
	evts, err := e.Events.ReadAll(ctx, s.CorrelationID)
	if err != nil {
		return RebuildReport{}, err
	}
	replayed := lifecycle.Replay(evts)
	report := RebuildReport{SessionID: s.ID, Stored: s.State, Replayed: replayed, Events: len(evts)}
	report.Drift = replayed != "" && replayed != s.State
	if report.Drift && repair {
		if err := e.setState(ctx, nil, &s, replayed); err != nil {
			return report, err
		}
		report.Repaired = true
		if !replayed.Terminal() {
			e.Work.Forget(s.ID)
		}
		e.log(s).Warn("session state repaired from log",
			zap.String("stored", string(report.Stored)), zap.String("replayed", string(replayed)))
	}
	return report, nil
}

// Interrupt stops the in-flight work of the session a cancel fact names as
// soon as the fact is dispatched. The fact itself still reaches Apply in
// order; work started before then is already stopped.
func (e Engine) Interrupt(ctx context.Context, evt events.Event) {
	s, err := e.Repo.GetSessionByCorrelation(ctx, nil, evt.CorrelationID)
	if err != nil || s.Terminal() {
		return
	}
	if n := e.Work.Cancel(s.ID); n > 0 {
		e.log(s).Info("in-flight work interrupted", zap.String("event", evt.Type), zap.Int("contexts", n))
	}
}

// WorkContext returns a context for work done on behalf of a session. It is
// cancelled by Cancel, by Delete, by a cancel fact and when the session ends.
func (e Engine) WorkContext(parent context.Context, sessionID string) (context.Context, func()) {
	return e.Work.Context(parent, sessionID)
}

// Touch records activity on a non-terminal session without a fact.
func (e Engine) Touch(ctx context.Context, sessionID string) error {
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return err
	}
	if s.Terminal() {
		return nil
	}
	return e.Repo.TouchSession(ctx, nil, sessionID, e.now())
}

// Advance walks a session forward along to, one transition at a time,
// skipping states it has already reached. It stops at the first step the
// table does not allow from the current state.
func (e Engine) Advance(ctx context.Context, sessionID string, cause *events.Event, to ...lifecycle.State) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return s, err
	}
	for _, st := range to {
		if s.State == st {
			continue
		}
		if !lifecycle.CanTransition(s.State, st) {
			break
		}
		if s, err = e.Transition(ctx, sessionID, st, cause, nil); err != nil {
			return s, err
		}
	}
	return s, nil
}
