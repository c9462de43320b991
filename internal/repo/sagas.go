package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mergeline/internal/domain"
)

const selectSagas = `SELECT id,name,correlation_id,steps_json,completed_json,compensated_json,current,status,progress_json,COALESCE(error,''),created_at,updated_at FROM sagas`

func scanSaga(row rowScanner) (domain.SagaRecord, error) {
	var (
		rec                                     domain.SagaRecord
		steps, completed, compensated, progress string
		status, created, updated                string
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.CorrelationID, &steps, &completed, &compensated,
		&rec.Current, &status, &progress, &rec.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Status = domain.SagaStatus(status)
	for _, f := range []struct {
		raw string
		dst any
	}{
		{steps, &rec.Steps},
		{completed, &rec.Completed},
		{compensated, &rec.Compensated},
		{progress, &rec.Progress},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return rec, fmt.Errorf("saga %s: %w", rec.ID, err)
		}
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return rec, err
	}
	return rec, nil
}

type sagaColumns struct {
	steps, completed, compensated, progress string
}

func encodeSaga(rec domain.SagaRecord) (sagaColumns, error) {
	var (
		c   sagaColumns
		err error
	)
	orEmpty := func(v []string) []string {
		if v == nil {
			return []string{}
		}
		return v
	}
	if c.steps, err = marshalJSON(orEmpty(rec.Steps)); err != nil {
		return c, err
	}
	if c.completed, err = marshalJSON(orEmpty(rec.Completed)); err != nil {
		return c, err
	}
	if c.compensated, err = marshalJSON(orEmpty(rec.Compensated)); err != nil {
		return c, err
	}
	progress := rec.Progress
	if progress == nil {
		progress = map[string]any{}
	}
	if c.progress, err = marshalJSON(progress); err != nil {
		return c, fmt.Errorf("saga progress: %w", err)
	}
	return c, nil
}

func (r Repo) InsertSaga(ctx context.Context, rec domain.SagaRecord) error {
	c, err := encodeSaga(rec)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO sagas(id,name,correlation_id,steps_json,completed_json,compensated_json,current,status,progress_json,error,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Name, rec.CorrelationID, c.steps, c.completed, c.compensated, rec.Current, string(rec.Status),
		c.progress, nullable(rec.Error), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	return err
}

// UpdateSaga persists the full progress of a run.
func (r Repo) UpdateSaga(ctx context.Context, rec domain.SagaRecord) error {
	c, err := encodeSaga(rec)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE sagas SET completed_json=?, compensated_json=?, current=?, status=?, progress_json=?, error=?, updated_at=? WHERE id=?`,
		c.completed, c.compensated, rec.Current, string(rec.Status), c.progress, nullable(rec.Error), formatTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (r Repo) GetSaga(ctx context.Context, id string) (domain.SagaRecord, error) {
	return scanSaga(r.DB.QueryRowContext(ctx, selectSagas+` WHERE id=?`, id))
}

type SagaFilters struct {
	Statuses      []domain.SagaStatus
	CorrelationID string
	Limit         int
}

func (r Repo) ListSagas(ctx context.Context, f SagaFilters) ([]domain.SagaRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.CorrelationID != "" {
		clauses = append(clauses, "correlation_id=?")
		args = append(args, f.CorrelationID)
	}
	query := selectSagas + ` WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SagaRecord
	for rows.Next() {
		rec, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
