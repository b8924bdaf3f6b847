package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"modelgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,status,provider,request_json,result_json,error,progress_json,created_at,started_at,completed_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var result, errText, progress, startedAt, completedAt sql.NullString
	err := scan(&t.ID, &t.Status, &t.Provider, &t.RequestJSON, &result, &errText, &progress, &t.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if result.Valid && result.String != "" {
		var res domain.BackendResponse
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return t, fmt.Errorf("decode task %s result: %w", t.ID, err)
		}
		t.Result = &res
	}
	if errText.Valid {
		t.Error = errText.String
	}
	if progress.Valid && progress.String != "" {
		if err := json.Unmarshal([]byte(progress.String), &t.Progress); err != nil {
			return t, fmt.Errorf("decode task %s progress: %w", t.ID, err)
		}
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Status, t.Provider, t.RequestJSON, nil, nullable(t.Error), nil, t.CreatedAt, t.StartedAt, t.CompletedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func taskColumnsJSON(t domain.Task) (resultJSON, progressJSON any, err error) {
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal task result: %w", err)
		}
		resultJSON = string(b)
	}
	if len(t.Progress) > 0 {
		b, err := json.Marshal(t.Progress)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal task progress: %w", err)
		}
		progressJSON = string(b)
	}
	return resultJSON, progressJSON, nil
}

// UpdateTask rewrites the mutable columns of a task row. The worker that
// owns the task is the only writer, so a plain upsert-by-id suffices.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	resultJSON, progressJSON, err := taskColumnsJSON(t)
	if err != nil {
		return err
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE tasks SET status=?,result_json=?,error=?,progress_json=?,started_at=?,completed_at=? WHERE id=?`,
		t.Status, resultJSON, nullable(t.Error), progressJSON, t.StartedAt, t.CompletedAt, t.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishTask writes a terminal transition. The update refuses rows that
// are already terminal, so when a cancel and a worker race to finalize
// the same task only the first write lands. Returns ErrNotFound when the
// row is missing or already settled.
func (r Repo) FinishTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	resultJSON, progressJSON, err := taskColumnsJSON(t)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?,result_json=?,error=?,progress_json=?,started_at=?,completed_at=?
WHERE id=? AND status NOT IN ('completed','failed','timeout','cancelled')`,
		t.Status, resultJSON, nullable(t.Error), progressJSON, t.StartedAt, t.CompletedAt, t.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC LIMIT ?`
	args := []any{limit}
	if status != "" {
		query = `SELECT ` + taskColumns + ` FROM tasks WHERE status=? ORDER BY created_at DESC LIMIT ?`
		args = []any{status, limit}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// DeleteTerminalBefore removes terminal task rows whose completed_at is
// older than the cutoff. Used by the retention sweep.
func (r Repo) DeleteTerminalBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM tasks WHERE completed_at IS NOT NULL AND completed_at < ? AND status IN ('completed','failed','timeout','cancelled')`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) GetCircuit(ctx context.Context, target string) (domain.Circuit, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT target,status,failures_json,opened_at,next_trial_at,updated_at FROM circuits WHERE target=?`, target)
	var c domain.Circuit
	var failures, openedAt, nextTrialAt sql.NullString
	err := row.Scan(&c.Target, &c.Status, &failures, &openedAt, &nextTrialAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if failures.Valid && failures.String != "" {
		if err := json.Unmarshal([]byte(failures.String), &c.Failures); err != nil {
			return c, fmt.Errorf("decode circuit %s failures: %w", target, err)
		}
	}
	if openedAt.Valid {
		c.OpenedAt = &openedAt.String
	}
	if nextTrialAt.Valid {
		c.NextTrialAt = &nextTrialAt.String
	}
	return c, nil
}

func (r Repo) UpsertCircuit(ctx context.Context, c domain.Circuit) error {
	var failuresJSON any
	if len(c.Failures) > 0 {
		b, err := json.Marshal(c.Failures)
		if err != nil {
			return fmt.Errorf("marshal circuit failures: %w", err)
		}
		failuresJSON = string(b)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO circuits(target,status,failures_json,opened_at,next_trial_at,updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(target) DO UPDATE SET status=excluded.status,failures_json=excluded.failures_json,
opened_at=excluded.opened_at,next_trial_at=excluded.next_trial_at,updated_at=excluded.updated_at`,
		c.Target, c.Status, failuresJSON, c.OpenedAt, c.NextTrialAt, c.UpdatedAt)
	return err
}

func (r Repo) ListCircuits(ctx context.Context) ([]domain.Circuit, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT target,status,failures_json,opened_at,next_trial_at,updated_at FROM circuits ORDER BY target`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Circuit
	for rows.Next() {
		var c domain.Circuit
		var failures, openedAt, nextTrialAt sql.NullString
		if err := rows.Scan(&c.Target, &c.Status, &failures, &openedAt, &nextTrialAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if failures.Valid && failures.String != "" {
			if err := json.Unmarshal([]byte(failures.String), &c.Failures); err != nil {
				return nil, fmt.Errorf("decode circuit %s failures: %w", c.Target, err)
			}
		}
		if openedAt.Valid {
			c.OpenedAt = &openedAt.String
		}
		if nextTrialAt.Valid {
			c.NextTrialAt = &nextTrialAt.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than cursor,
// oldest first. Used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
