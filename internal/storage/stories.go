package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mpataki/foreman/internal/models"
)

const storyColumns = `id, run_id, step_id, story_index, story_key, title, description, acceptance_criteria,
	status, retry_count, output, created_at, updated_at`

func (c *conn) InsertStory(ctx context.Context, story *models.Story) error {
	criteria, err := json.Marshal(story.AcceptanceCriteria)
	if err != nil {
		return err
	}

	now := c.now()
	story.CreatedAt = now
	story.UpdatedAt = now

	_, err = c.q.ExecContext(ctx,
		`INSERT INTO stories (`+storyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		story.ID, story.RunID, story.StepID, story.Index, story.Key, story.Title, story.Description,
		string(criteria), story.Status, story.RetryCount, story.Output, toMillis(now), toMillis(now),
	)
	return err
}

func (c *conn) GetStory(ctx context.Context, id string) (*models.Story, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
	story, err := scanStory(row)
	if err != nil {
		return nil, notFound(err)
	}
	return story, nil
}

func (c *conn) StoriesForRun(ctx context.Context, runID string) ([]*models.Story, error) {
	return c.queryStories(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE run_id = ? ORDER BY step_id, story_index`, runID)
}

func (c *conn) StoriesForStep(ctx context.Context, stepID string) ([]*models.Story, error) {
	return c.queryStories(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE step_id = ? ORDER BY story_index`, stepID)
}

// NextOpenStory returns the lowest-index story of a loop step that is not
// done or failed, or nil when every story is terminal.
func (c *conn) NextOpenStory(ctx context.Context, stepID string) (*models.Story, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories
		 WHERE step_id = ? AND status IN (?, ?)
		 ORDER BY story_index LIMIT 1`,
		stepID, models.StoryStatusPending, models.StoryStatusRunning,
	)
	story, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return story, err
}

func (c *conn) CountStories(ctx context.Context, stepID string) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories WHERE step_id = ?`, stepID).Scan(&n)
	return n, err
}

// FailedStories returns the failed stories of a run.
func (c *conn) FailedStories(ctx context.Context, runID string) ([]*models.Story, error) {
	return c.queryStories(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE run_id = ? AND status = ? ORDER BY step_id, story_index`,
		runID, models.StoryStatusFailed)
}

// UpdateStory writes the mutable fields of a story.
func (c *conn) UpdateStory(ctx context.Context, story *models.Story) error {
	story.UpdatedAt = c.now()
	_, err := c.q.ExecContext(ctx,
		`UPDATE stories SET status = ?, retry_count = ?, output = ?, updated_at = ? WHERE id = ?`,
		story.Status, story.RetryCount, story.Output, toMillis(story.UpdatedAt), story.ID,
	)
	return err
}

func (c *conn) queryStories(ctx context.Context, query string, args ...any) ([]*models.Story, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stories []*models.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, story)
	}
	return stories, rows.Err()
}

func scanStory(row scanner) (*models.Story, error) {
	var story models.Story
	var criteria string
	var createdAt, updatedAt int64

	err := row.Scan(
		&story.ID, &story.RunID, &story.StepID, &story.Index, &story.Key, &story.Title, &story.Description,
		&criteria, &story.Status, &story.RetryCount, &story.Output, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(criteria), &story.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("decode acceptance criteria of story %s: %w", story.ID, err)
	}
	story.CreatedAt = fromMillis(createdAt)
	story.UpdatedAt = fromMillis(updatedAt)
	return &story, nil
}
