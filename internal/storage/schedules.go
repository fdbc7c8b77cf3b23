package storage

import (
	"context"

	"github.com/mpataki/foreman/internal/models"
)

// SetScheduleArmed records whether a workflow needs polling.
func (c *conn) SetScheduleArmed(ctx context.Context, workflowID string, armed bool) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO schedules (workflow_id, armed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET armed = excluded.armed, updated_at = excluded.updated_at`,
		workflowID, armed, toMillis(c.now()),
	)
	return err
}

// DisarmIdle stops polling a workflow unless it has a running run, checked
// in the same statement. It reports whether the workflow was disarmed.
func (c *conn) DisarmIdle(ctx context.Context, workflowID string) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE schedules SET armed = 0, updated_at = ?
		WHERE workflow_id = ? AND NOT EXISTS (
			SELECT 1 FROM runs WHERE workflow_id = ? AND status = ?)`,
		toMillis(c.now()), workflowID, workflowID, models.RunStatusRunning,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (c *conn) ArmedWorkflows(ctx context.Context) ([]string, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT workflow_id FROM schedules WHERE armed = 1 ORDER BY workflow_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
