package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mergeline/internal/domain"
)

// IncrementCounter bumps the reaction attempt count for (session, event type)
// and returns the new value.
func (r Repo) IncrementCounter(ctx context.Context, tx *sql.Tx, sessionID, eventType string, at time.Time) (int, error) {
	q := r.q(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO reaction_counters(session_id,event_type,count,updated_at) VALUES (?,?,1,?)
ON CONFLICT(session_id,event_type) DO UPDATE SET count=count+1, updated_at=excluded.updated_at`,
		sessionID, eventType, formatTime(at))
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT count FROM reaction_counters WHERE session_id=? AND event_type=?`, sessionID, eventType).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r Repo) GetCounter(ctx context.Context, tx *sql.Tx, sessionID, eventType string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT count FROM reaction_counters WHERE session_id=? AND event_type=?`, sessionID, eventType).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (r Repo) ListCounters(ctx context.Context, sessionID string) ([]domain.Counter, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,event_type,count,updated_at FROM reaction_counters WHERE session_id=? ORDER BY event_type`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Counter
	for rows.Next() {
		var (
			c  domain.Counter
			ts string
		)
		if err := rows.Scan(&c.SessionID, &c.EventType, &c.Count, &ts); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ResetCounters is the administrative reset; nothing else lowers a count.
func (r Repo) ResetCounters(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM reaction_counters WHERE session_id=?`, sessionID)
	return err
}
