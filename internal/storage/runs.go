package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mpataki/foreman/internal/models"
)

const runColumns = `id, workflow_id, task, status, context, notify_url, created_at, updated_at`

// RunActivity summarizes liveness for a running run.
type RunActivity struct {
	Run          *models.Run
	LastActivity time.Time
	RunningSteps int
}

func (c *conn) InsertRun(ctx context.Context, run *models.Run) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return err
	}

	now := c.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err = c.q.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.Task, run.Status, string(contextJSON), run.NotifyURL,
		toMillis(run.CreatedAt), toMillis(run.UpdatedAt),
	)
	return err
}

func (c *conn) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, notFound(err)
	}
	return run, nil
}

func (c *conn) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// HasRunningRun reports whether the workflow has a run in status running.
func (c *conn) HasRunningRun(ctx context.Context, workflowID string) (bool, error) {
	var n int
	err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE workflow_id = ? AND status = ?`,
		workflowID, models.RunStatusRunning,
	).Scan(&n)
	return n > 0, err
}

// TransitionRun moves a run from one status to another and reports whether
// the row was still in the expected status.
func (c *conn) TransitionRun(ctx context.Context, id string, from, to models.RunStatus) (bool, error) {
	res, err := c.q.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, toMillis(c.now()), id, from,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (c *conn) UpdateRunContext(ctx context.Context, id string, values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx,
		`UPDATE runs SET context = ?, updated_at = ? WHERE id = ?`,
		string(data), toMillis(c.now()), id,
	)
	return err
}

// RunningRunActivity returns every running run with its last activity time
// and the number of steps currently running.
func (c *conn) RunningRunActivity(ctx context.Context) ([]*RunActivity, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT r.id, r.workflow_id, r.task, r.status, r.context, r.notify_url, r.created_at, r.updated_at,
		       MAX(r.created_at, r.updated_at, COALESCE(MAX(s.updated_at), 0)),
		       COALESCE(SUM(CASE WHEN s.status = 'running' THEN 1 ELSE 0 END), 0)
		FROM runs r
		LEFT JOIN steps s ON s.run_id = r.id
		WHERE r.status = ?
		GROUP BY r.id
		ORDER BY r.created_at, r.rowid`, models.RunStatusRunning,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunActivity
	for rows.Next() {
		var run models.Run
		var contextJSON string
		var createdAt, updatedAt, last int64
		var running int
		if err := rows.Scan(
			&run.ID, &run.WorkflowID, &run.Task, &run.Status, &contextJSON, &run.NotifyURL,
			&createdAt, &updatedAt, &last, &running,
		); err != nil {
			return nil, err
		}
		run.Context = map[string]string{}
		if err := json.Unmarshal([]byte(contextJSON), &run.Context); err != nil {
			return nil, fmt.Errorf("decode context of run %s: %w", run.ID, err)
		}
		run.CreatedAt = fromMillis(createdAt)
		run.UpdatedAt = fromMillis(updatedAt)
		out = append(out, &RunActivity{Run: &run, LastActivity: fromMillis(last), RunningSteps: running})
	}
	return out, rows.Err()
}

// DeleteRun physically removes a run with its steps and stories. Events are
// kept.
func (c *conn) DeleteRun(ctx context.Context, id string) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM stories WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := c.q.ExecContext(ctx, `DELETE FROM steps WHERE run_id = ?`, id); err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var contextJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&run.ID, &run.WorkflowID, &run.Task, &run.Status, &contextJSON, &run.NotifyURL,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Context = map[string]string{}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &run.Context); err != nil {
			return nil, fmt.Errorf("decode context of run %s: %w", run.ID, err)
		}
	}
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	return &run, nil
}
