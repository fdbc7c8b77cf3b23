package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/foreman/internal/models"
)

const stepColumns = `id, run_id, step_id, agent_id, step_index, input_template, expects, status,
	max_retries, retry_count, type, kind, linked_step_id, loop_config, current_story_id, output,
	created_at, updated_at`

func (c *conn) InsertStep(ctx context.Context, step *models.Step) error {
	expects, err := json.Marshal(step.Expects)
	if err != nil {
		return err
	}
	var loopJSON sql.NullString
	if step.Loop != nil {
		data, err := json.Marshal(step.Loop)
		if err != nil {
			return err
		}
		loopJSON = sql.NullString{String: string(data), Valid: true}
	}

	now := c.now()
	step.CreatedAt = now
	step.UpdatedAt = now

	_, err = c.q.ExecContext(ctx,
		`INSERT INTO steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepID, step.AgentID, step.Index, step.InputTemplate, string(expects),
		step.Status, step.MaxRetries, step.RetryCount, step.Type, step.Kind, nullString(step.LinkedStepID),
		loopJSON, nullString(step.CurrentStoryID), step.Output, toMillis(now), toMillis(now),
	)
	return err
}

func (c *conn) GetStep(ctx context.Context, id string) (*models.Step, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err != nil {
		return nil, notFound(err)
	}
	return step, nil
}

func (c *conn) StepsForRun(ctx context.Context, runID string) ([]*models.Step, error) {
	return c.querySteps(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY step_index`, runID)
}

// NextPendingStep returns the oldest claimable step for an agent: pending,
// in a running run, ordered by run creation then step index. It returns
// nil when nothing is eligible.
func (c *conn) NextPendingStep(ctx context.Context, agentID string) (*models.Step, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT s.id FROM steps s
		JOIN runs r ON r.id = s.run_id
		WHERE s.agent_id = ? AND s.status = ? AND r.status = ?
		ORDER BY r.created_at ASC, r.rowid ASC, s.step_index ASC
		LIMIT 1`,
		agentID, models.StepStatusPending, models.RunStatusRunning,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c.GetStep(ctx, id)
}

// NextWaitingStep returns the lowest-index waiting step of a run that the
// pipeline activates directly. Verify steps are excluded; their loop step
// activates them.
func (c *conn) NextWaitingStep(ctx context.Context, runID string) (*models.Step, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps
		 WHERE run_id = ? AND status = ? AND kind != ?
		 ORDER BY step_index LIMIT 1`,
		runID, models.StepStatusWaiting, models.StepKindVerify,
	)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return step, err
}

// FailedSteps returns the failed steps of a run by index.
func (c *conn) FailedSteps(ctx context.Context, runID string) ([]*models.Step, error) {
	return c.querySteps(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND status = ? ORDER BY step_index`,
		runID, models.StepStatusFailed)
}

// RunningStepsBefore returns running steps of running runs whose last update
// is older than cutoff.
func (c *conn) RunningStepsBefore(ctx context.Context, cutoff time.Time) ([]*models.Step, error) {
	return c.querySteps(ctx, `
		SELECT `+prefixed("s", stepColumns)+` FROM steps s
		JOIN runs r ON r.id = s.run_id
		WHERE s.status = ? AND r.status = ? AND s.updated_at < ?
		ORDER BY s.updated_at`,
		models.StepStatusRunning, models.RunStatusRunning, toMillis(cutoff))
}

// PendingAgents lists the agents that have claimable work in running runs of
// a workflow.
func (c *conn) PendingAgents(ctx context.Context, workflowID string) ([]string, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT DISTINCT s.agent_id FROM steps s
		JOIN runs r ON r.id = s.run_id
		WHERE r.workflow_id = ? AND r.status = ? AND s.status = ?
		ORDER BY s.agent_id`,
		workflowID, models.RunStatusRunning, models.StepStatusPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// TransitionStep moves a step to status to when it is currently in one of
// from. It reports whether the row matched.
func (c *conn) TransitionStep(ctx context.Context, id string, to models.StepStatus, from ...models.StepStatus) (bool, error) {
	args := []any{to, toMillis(c.now()), id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := c.q.ExecContext(ctx,
		`UPDATE steps SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimStep marks a pending step running and binds its current story. It
// reports false when the step was no longer pending.
func (c *conn) ClaimStep(ctx context.Context, id, storyID string) (bool, error) {
	res, err := c.q.ExecContext(ctx,
		`UPDATE steps SET status = ?, current_story_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.StepStatusRunning, nullString(storyID), toMillis(c.now()), id, models.StepStatusPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateStep writes the mutable fields of a step.
func (c *conn) UpdateStep(ctx context.Context, step *models.Step) error {
	step.UpdatedAt = c.now()
	_, err := c.q.ExecContext(ctx,
		`UPDATE steps SET status = ?, retry_count = ?, current_story_id = ?, output = ?, updated_at = ?
		 WHERE id = ?`,
		step.Status, step.RetryCount, nullString(step.CurrentStoryID), step.Output,
		toMillis(step.UpdatedAt), step.ID,
	)
	return err
}

// FailOpenSteps marks every waiting, pending or running step of a run failed.
// Steps without output get the given explanation.
func (c *conn) FailOpenSteps(ctx context.Context, runID, output string) (int64, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE steps
		SET status = ?,
		    output = CASE WHEN output = '' THEN ? ELSE output END,
		    updated_at = ?
		WHERE run_id = ? AND status IN (?, ?, ?)`,
		models.StepStatusFailed, output, toMillis(c.now()), runID,
		models.StepStatusWaiting, models.StepStatusPending, models.StepStatusRunning,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *conn) querySteps(ctx context.Context, query string, args ...any) ([]*models.Step, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanStep(row scanner) (*models.Step, error) {
	var step models.Step
	var expects string
	var linked, loopJSON, storyID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&step.ID, &step.RunID, &step.StepID, &step.AgentID, &step.Index, &step.InputTemplate, &expects,
		&step.Status, &step.MaxRetries, &step.RetryCount, &step.Type, &step.Kind, &linked, &loopJSON,
		&storyID, &step.Output, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(expects), &step.Expects); err != nil {
		return nil, fmt.Errorf("decode expects of step %s: %w", step.ID, err)
	}
	if loopJSON.Valid {
		var loop models.LoopConfig
		if err := json.Unmarshal([]byte(loopJSON.String), &loop); err != nil {
			return nil, fmt.Errorf("decode loop config of step %s: %w", step.ID, err)
		}
		step.Loop = &loop
	}
	step.LinkedStepID = linked.String
	step.CurrentStoryID = storyID.String
	step.CreatedAt = fromMillis(createdAt)
	step.UpdatedAt = fromMillis(updatedAt)
	return &step, nil
}
