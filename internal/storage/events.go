package storage

import (
	"context"

	"github.com/mpataki/foreman/internal/models"
)

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	RunID string
	Limit int
}

func (c *conn) InsertEvent(ctx context.Context, e *models.Event) error {
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	res, err := c.q.ExecContext(ctx,
		`INSERT INTO events (ts, event, run_id, workflow_id, step_id, agent_id, story_title, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(e.Time), e.Kind, e.RunID, e.WorkflowID, e.StepID, e.AgentID, e.StoryTitle, e.Detail,
	)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// ListEvents returns events oldest first. With a limit, the most recent
// events are returned.
func (c *conn) ListEvents(ctx context.Context, f EventFilter) ([]*models.Event, error) {
	query := `SELECT id, ts, event, run_id, workflow_id, step_id, agent_id, story_title, detail FROM events`
	var args []any
	if f.RunID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, f.RunID)
	}
	query += ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.RunID, &e.WorkflowID, &e.StepID, &e.AgentID,
			&e.StoryTitle, &e.Detail); err != nil {
			return nil, err
		}
		e.Time = fromMillis(ts)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// oldest first
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
