// Package events is the durable, append-only event log. Every fact is
// written to SQLite before any in-process subscriber sees it, and delivery is
// ordered per correlation id.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mergeline/internal/lock"
)

var (
	// ErrDuplicate is returned when an inbound fact reuses a request id.
	ErrDuplicate = errors.New("duplicate request id")
	ErrClosed    = errors.New("event log closed")
)

// Handler receives events after they are durably appended.
type Handler func(ctx context.Context, evt Event) error

// InterruptFunc runs inside Dispatch, before the event joins its
// correlation's mailbox. It must return quickly.
type InterruptFunc func(ctx context.Context, evt Event)

type subscription struct {
	id        int
	pattern   string
	handler   Handler
	interrupt InterruptFunc
}

func (s *subscription) match(evtType string) bool {
	if s.pattern == "*" || s.pattern == evtType {
		return true
	}
	ok, _ := path.Match(s.pattern, evtType)
	return ok
}

// Log appends events and fans them out to subscribers. Each correlation id
// has its own mailbox drained by a single goroutine, so handlers for one
// session run strictly in append order while sessions proceed independently.
type Log struct {
	DB  *sql.DB
	Now func() time.Time

	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	order  *lock.MutexMap

	mu         sync.Mutex
	idle       *sync.Cond
	subs       []*subscription
	interrupts []*subscription
	nextSubID  int
	mailboxes map[string][]Event
	pending   int
	closed    bool
}

func New(db *sql.DB, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		DB:        db,
		Now:       time.Now,
		logger:    logger.Named("events"),
		ctx:       ctx,
		cancel:    cancel,
		order:     lock.NewMutexMap(),
		mailboxes: make(map[string][]Event),
	}
	l.idle = sync.NewCond(&l.mu)
	return l
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Record inserts evt inside the caller's transaction. Callers must Dispatch
// the returned event once the transaction commits.
func (l *Log) Record(ctx context.Context, tx *sql.Tx, evt Event) (Event, error) {
	if strings.TrimSpace(evt.Type) == "" {
		return evt, errors.New("event type is required")
	}
	if strings.TrimSpace(evt.CorrelationID) == "" {
		return evt, errors.New("correlation id is required")
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = l.now()
	}
	evt.OccurredAt = evt.OccurredAt.UTC()
	if evt.Payload == nil {
		evt.Payload = Payload{}
	}
	if evt.RequestID != "" {
		existing, err := scanEvent(tx.QueryRowContext(ctx, selectEvents+` WHERE request_id=?`, evt.RequestID))
		if err == nil {
			return existing, ErrDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return evt, err
		}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return evt, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,correlation_id,causation_id,request_id,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.OccurredAt.Format(time.RFC3339Nano), evt.Type, evt.CorrelationID, nullableID(evt.CausationID), nullable(evt.RequestID), string(data))
	if err != nil {
		if evt.RequestID != "" && strings.Contains(err.Error(), "UNIQUE") {
			return evt, ErrDuplicate
		}
		return evt, fmt.Errorf("insert event: %w", err)
	}
	evt.ID, err = res.LastInsertId()
	if err != nil {
		return evt, err
	}
	// Normalise through JSON so subscribers see the same shapes a reader of
	// the log would.
	var roundTrip Payload
	if err := json.Unmarshal(data, &roundTrip); err == nil {
		evt.Payload = roundTrip
	}
	return evt, nil
}

// Serialize claims correlationID's commit slot and returns its release.
// Writers that Record in their own transaction hold the slot from before
// BeginTx until Dispatch returns, so handlers see events in append order.
func (l *Log) Serialize(correlationID string) (release func()) {
	l.order.Lock(correlationID)
	return func() { l.order.Unlock(correlationID) }
}

// Append durably writes evt and then dispatches it. A failed write
// dispatches nothing; callers wanting at-least-once delivery retry Append.
func (l *Log) Append(ctx context.Context, evt Event) (Event, error) {
	defer l.Serialize(evt.CorrelationID)()
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return evt, err
	}
	defer tx.Rollback()
	stored, err := l.Record(ctx, tx, evt)
	if err != nil {
		return stored, err
	}
	if err := tx.Commit(); err != nil {
		return evt, fmt.Errorf("commit event: %w", err)
	}
	l.Dispatch(stored)
	return stored, nil
}

// Subscribe registers h for event types matching pattern: "*", an exact
// type, or a glob such as "ci.*".
func (l *Log) Subscribe(pattern string, h Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	return l.register(&l.subs, &subscription{pattern: pattern, handler: h})
}

// Interrupt registers fn for event types matching pattern. Unlike
// subscribers it is not queued behind the correlation's earlier events, so
// it can stop work a running handler is waiting on.
func (l *Log) Interrupt(pattern string, fn InterruptFunc) (func(), error) {
	if fn == nil {
		return nil, errors.New("interrupt func is required")
	}
	return l.register(&l.interrupts, &subscription{pattern: pattern, interrupt: fn})
}

func (l *Log) register(list *[]*subscription, sub *subscription) (func(), error) {
	sub.pattern = strings.TrimSpace(sub.pattern)
	if sub.pattern == "" {
		return nil, errors.New("pattern is required")
	}
	if _, err := path.Match(sub.pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", sub.pattern, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSubID++
	sub.id = l.nextSubID
	*list = append(*list, sub)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range *list {
			if s.id == sub.id {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
				return
			}
		}
	}, nil
}

// Dispatch queues committed events for delivery. Interrupts run first, on
// the caller's goroutine.
func (l *Log) Dispatch(evts ...Event) {
	for _, evt := range evts {
		l.runInterrupts(evt)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, evt := range evts {
		if l.closed {
			l.logger.Warn("dispatch after close dropped",
				zap.Int64("event_id", evt.ID), zap.String("type", evt.Type), zap.String("correlation_id", evt.CorrelationID))
			continue
		}
		q, running := l.mailboxes[evt.CorrelationID]
		l.mailboxes[evt.CorrelationID] = append(q, evt)
		l.pending++
		if !running {
			go l.drain(evt.CorrelationID)
		}
	}
}

func (l *Log) drain(correlationID string) {
	for {
		l.mu.Lock()
		q := l.mailboxes[correlationID]
		if len(q) == 0 {
			delete(l.mailboxes, correlationID)
			l.mu.Unlock()
			return
		}
		evt := q[0]
		l.mailboxes[correlationID] = q[1:]
		var targets []*subscription
		for _, s := range l.subs {
			if s.match(evt.Type) {
				targets = append(targets, s)
			}
		}
		l.mu.Unlock()

		for _, s := range targets {
			l.deliver(s, evt)
		}

		l.mu.Lock()
		l.pending--
		if l.pending == 0 {
			l.idle.Broadcast()
		}
		l.mu.Unlock()
	}
}

func (l *Log) runInterrupts(evt Event) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	var targets []*subscription
	for _, s := range l.interrupts {
		if s.match(evt.Type) {
			targets = append(targets, s)
		}
	}
	l.mu.Unlock()
	for _, s := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("interrupt panic",
						zap.String("pattern", s.pattern), zap.Int64("event_id", evt.ID), zap.Any("panic", r))
				}
			}()
			s.interrupt(l.ctx, evt)
		}()
	}
}

func (l *Log) deliver(s *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("subscriber panic",
				zap.String("pattern", s.pattern), zap.Int64("event_id", evt.ID), zap.Any("panic", r))
		}
	}()
	if err := s.handler(l.ctx, evt); err != nil {
		l.logger.Warn("subscriber failed",
			zap.String("pattern", s.pattern),
			zap.Int64("event_id", evt.ID),
			zap.String("type", evt.Type),
			zap.String("correlation_id", evt.CorrelationID),
			zap.Error(err))
	}
}

// Wait blocks until every dispatched event, including events appended by
// handlers while waiting, has been delivered.
func (l *Log) Wait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.pending > 0 {
		l.idle.Wait()
	}
}

// Close drains queued deliveries, then refuses further dispatch.
func (l *Log) Close() {
	l.Wait()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
}

// ReadAll returns a correlation's events in append order.
func (l *Log) ReadAll(ctx context.Context, correlationID string) ([]Event, error) {
	rows, err := l.DB.QueryContext(ctx, selectEvents+` WHERE correlation_id=? ORDER BY id ASC`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Filter narrows Tail.
type Filter struct {
	CorrelationID string
	Types         []string
	Before        int64
	Limit         int
}

// Tail returns the newest matching events first.
func (l *Log) Tail(ctx context.Context, f Filter) ([]Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CorrelationID != "" {
		clauses = append(clauses, "correlation_id=?")
		args = append(args, f.CorrelationID)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, t)
		}
		clauses = append(clauses, "type IN ("+strings.Join(marks, ",")+")")
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := l.DB.QueryContext(ctx, selectEvents+` WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

const selectEvents = `SELECT id,ts,type,correlation_id,causation_id,COALESCE(request_id,''),payload_json FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		evt       Event
		ts        string
		causation sql.NullInt64
		payload   string
	)
	if err := row.Scan(&evt.ID, &ts, &evt.Type, &evt.CorrelationID, &causation, &evt.RequestID, &payload); err != nil {
		return evt, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return evt, fmt.Errorf("event %d timestamp: %w", evt.ID, err)
	}
	evt.OccurredAt = parsed
	if causation.Valid {
		id := causation.Int64
		evt.CausationID = &id
	}
	evt.Payload = Payload{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return evt, fmt.Errorf("event %d payload: %w", evt.ID, err)
		}
	}
	return evt, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var res []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
