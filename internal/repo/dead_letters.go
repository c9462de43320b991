package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mergeline/internal/domain"
)

const selectDeadLetters = `SELECT id,destination,correlation_id,payload_json,attempts,next_retry_at,last_error,created_at FROM dead_letters`

func scanDeadLetter(row rowScanner) (domain.DeadLetter, error) {
	var (
		dl                    domain.DeadLetter
		payload, next, create string
	)
	err := row.Scan(&dl.ID, &dl.Destination, &dl.CorrelationID, &payload, &dl.Attempts, &next, &dl.LastError, &create)
	if errors.Is(err, sql.ErrNoRows) {
		return dl, ErrNotFound
	}
	if err != nil {
		return dl, err
	}
	if err := json.Unmarshal([]byte(payload), &dl.Payload); err != nil {
		return dl, fmt.Errorf("dead letter %s payload: %w", dl.ID, err)
	}
	if dl.NextRetryAt, err = parseTime(next); err != nil {
		return dl, err
	}
	if dl.CreatedAt, err = parseTime(create); err != nil {
		return dl, err
	}
	return dl, nil
}

func (r Repo) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	payload := dl.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := marshalJSON(payload)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO dead_letters(id,destination,correlation_id,payload_json,attempts,next_retry_at,last_error,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		dl.ID, dl.Destination, dl.CorrelationID, data, dl.Attempts, formatTime(dl.NextRetryAt), dl.LastError, formatTime(dl.CreatedAt))
	return err
}

func (r Repo) GetDeadLetter(ctx context.Context, id string) (domain.DeadLetter, error) {
	return scanDeadLetter(r.DB.QueryRowContext(ctx, selectDeadLetters+` WHERE id=?`, id))
}

// RecordDeliveryFailure stores a failed attempt and reschedules the entry.
func (r Repo) RecordDeliveryFailure(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE dead_letters SET attempts=?, next_retry_at=?, last_error=? WHERE id=?`,
		attempts, formatTime(next), lastErr, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (r Repo) DeleteDeadLetter(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM dead_letters WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// DueDeadLetters returns entries whose next retry time has passed, oldest
// schedule first.
func (r Repo) DueDeadLetters(ctx context.Context, now time.Time, limit int) ([]domain.DeadLetter, error) {
	query := selectDeadLetters + ` WHERE next_retry_at<=? ORDER BY next_retry_at ASC, id ASC`
	args := []any{formatTime(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryDeadLetters(ctx, query, args...)
}

func (r Repo) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	query := selectDeadLetters + ` ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryDeadLetters(ctx, query, args...)
}

func (r Repo) queryDeadLetters(ctx context.Context, query string, args ...any) ([]domain.DeadLetter, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, dl)
	}
	return res, rows.Err()
}
