package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"mergeline/internal/domain"
	"mergeline/internal/lifecycle"
)

const selectSessions = `SELECT id,correlation_id,issue_ref,state,branch,workspace,ci_attempts,review_attempts,outcome,created_at,last_activity_at,updated_at FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		s                          domain.Session
		state                      string
		outcome                    sql.NullString
		created, activity, updated string
	)
	err := row.Scan(&s.ID, &s.CorrelationID, &s.IssueRef, &state, &s.Branch, &s.Workspace,
		&s.CIAttempts, &s.ReviewAttempts, &outcome, &created, &activity, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.State = lifecycle.State(state)
	if outcome.Valid {
		v := outcome.String
		s.Outcome = &v
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return s, err
	}
	if s.LastActivityAt, err = parseTime(activity); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO sessions(id,correlation_id,issue_ref,state,branch,workspace,ci_attempts,review_attempts,outcome,created_at,last_activity_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.CorrelationID, s.IssueRef, string(s.State), s.Branch, s.Workspace, s.CIAttempts, s.ReviewAttempts,
		nullableStringPtr(s.Outcome), formatTime(s.CreatedAt), formatTime(s.LastActivityAt), formatTime(s.UpdatedAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(r.q(tx).QueryRowContext(ctx, selectSessions+` WHERE id=?`, id))
}

func (r Repo) GetSessionByCorrelation(ctx context.Context, tx *sql.Tx, correlationID string) (domain.Session, error) {
	return scanSession(r.q(tx).QueryRowContext(ctx, selectSessions+` WHERE correlation_id=?`, correlationID))
}

// UpdateSessionState moves a session and stamps its activity time. outcome
// is written only when non-nil.
func (r Repo) UpdateSessionState(ctx context.Context, tx *sql.Tx, id string, state lifecycle.State, outcome *string, at time.Time) error {
	ts := formatTime(at)
	var (
		res sql.Result
		err error
	)
	if outcome != nil {
		res, err = r.q(tx).ExecContext(ctx, `UPDATE sessions SET state=?, outcome=?, last_activity_at=?, updated_at=? WHERE id=?`,
			string(state), *outcome, ts, ts, id)
	} else {
		res, err = r.q(tx).ExecContext(ctx, `UPDATE sessions SET state=?, last_activity_at=?, updated_at=? WHERE id=?`,
			string(state), ts, ts, id)
	}
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (r Repo) TouchSession(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	ts := formatTime(at)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE sessions SET last_activity_at=?, updated_at=? WHERE id=?`, ts, ts, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (r Repo) SetAttempts(ctx context.Context, tx *sql.Tx, id string, ci, review int, at time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE sessions SET ci_attempts=?, review_attempts=?, updated_at=? WHERE id=?`,
		ci, review, formatTime(at), id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (r Repo) DeleteSession(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM reaction_counters WHERE session_id=?`, id); err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

type SessionFilters struct {
	States []lifecycle.State
	Branch string
	// ActiveOnly excludes terminal sessions.
	ActiveOnly bool
	Limit      int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ",")+")")
	}
	if f.Branch != "" {
		clauses = append(clauses, "branch=?")
		args = append(args, f.Branch)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "state NOT IN (?,?,?)")
		args = append(args, string(lifecycle.StateMerged), string(lifecycle.StateFailed), string(lifecycle.StateCancelled))
	}
	query := selectSessions + ` WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
