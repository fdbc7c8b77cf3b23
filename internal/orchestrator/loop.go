package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

// MaxStories caps how many stories a single loop step may materialize.
const MaxStories = 50

// storyItem is one entry of a planner's story list.
type storyItem struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	AcceptanceCriteria  []string `json:"acceptanceCriteria"`
	AcceptanceCriteria2 []string `json:"acceptance_criteria"`
}

// parseStories decodes the JSON story list a loop iterates over.
func parseStories(raw string) ([]storyItem, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidStories)
	}
	var items []storyItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStories, err)
	}
	if len(items) > MaxStories {
		return nil, fmt.Errorf("%w: %d stories exceeds the limit of %d", ErrInvalidStories, len(items), MaxStories)
	}
	for i := range items {
		if len(items[i].AcceptanceCriteria) == 0 {
			items[i].AcceptanceCriteria = items[i].AcceptanceCriteria2
		}
	}
	return items, nil
}

// materializeStories creates the story rows of a loop step from run context
// the first time the loop is reached.
func (o *Orchestrator) materializeStories(ctx context.Context, tx *storage.Tx, run *models.Run, loop *models.Step) error {
	n, err := tx.CountStories(ctx, loop.ID)
	if err != nil || n > 0 {
		return err
	}

	raw, ok := lookup(run.Context, loop.Loop.Over)
	if !ok {
		return fmt.Errorf("%w: context has no %q", ErrInvalidStories, loop.Loop.Over)
	}
	items, err := parseStories(raw)
	if err != nil {
		return err
	}

	for i, item := range items {
		story := &models.Story{
			ID:                 uuid.NewString(),
			RunID:              run.ID,
			StepID:             loop.ID,
			Index:              i,
			Key:                item.ID,
			Title:              item.Title,
			Description:        item.Description,
			AcceptanceCriteria: item.AcceptanceCriteria,
			Status:             models.StoryStatusPending,
		}
		if story.Key == "" {
			story.Key = "S-" + strconv.Itoa(i+1)
		}
		if story.Title == "" {
			story.Title = story.Key
		}
		if err := tx.InsertStory(ctx, story); err != nil {
			return fmt.Errorf("failed to create story %s: %w", story.Key, err)
		}
	}
	o.logger.Info("stories created", "run", run.ID, "step", loop.StepID, "count", len(items))
	return nil
}

// bindStory picks the story a loop claim will work on. It returns nil when
// the loop resolved without a claim: either every story is terminal and the
// loop completed, or the story list was unusable and the run failed.
func (o *Orchestrator) bindStory(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, loop *models.Step) (*models.Story, error) {
	if err := o.materializeStories(ctx, tx, run, loop); err != nil {
		if !isInvalidStories(err) {
			return nil, err
		}
		return nil, o.terminateStep(ctx, tx, j, run, loop, nil, err.Error(), models.EventStepFailed)
	}

	story, err := tx.NextOpenStory(ctx, loop.ID)
	if err != nil {
		return nil, err
	}
	if story == nil {
		return nil, o.finishLoop(ctx, tx, j, run, loop)
	}

	story.Status = models.StoryStatusRunning
	if err := tx.UpdateStory(ctx, story); err != nil {
		return nil, err
	}
	j.add(run, models.EventStoryStarted, loop, story, story.Key)
	return story, nil
}

// nextStory moves a loop on after its current story reached a terminal
// state: the loop goes back to pending bound to the next open story, or
// completes when none is left.
func (o *Orchestrator) nextStory(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, loop *models.Step) error {
	next, err := tx.NextOpenStory(ctx, loop.ID)
	if err != nil {
		return err
	}
	if next == nil {
		return o.finishLoop(ctx, tx, j, run, loop)
	}

	loop.Status = models.StepStatusPending
	loop.CurrentStoryID = next.ID
	if err := tx.UpdateStep(ctx, loop); err != nil {
		return err
	}
	j.add(run, models.EventStepPending, loop, next, "next story "+next.Key)
	return nil
}

// finishLoop completes a loop step whose stories are all terminal, retires
// its verify step and advances the pipeline.
func (o *Orchestrator) finishLoop(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, loop *models.Step) error {
	loop.Status = models.StepStatusDone
	loop.CurrentStoryID = ""
	if err := tx.UpdateStep(ctx, loop); err != nil {
		return err
	}
	j.add(run, models.EventStepDone, loop, nil, "all stories finished")

	if loop.VerifiesEachStory() {
		if _, err := tx.TransitionStep(ctx, loop.LinkedStepID, models.StepStatusDone,
			models.StepStatusWaiting, models.StepStatusPending); err != nil {
			return err
		}
	}
	return o.advance(ctx, tx, j, run, loop)
}

// storyVars adds the template variables describing the current story.
func storyVars(vars map[string]string, story *models.Story, stories []*models.Story) {
	var completed []string
	remaining := 0
	for _, s := range stories {
		switch {
		case s.Status == models.StoryStatusDone:
			completed = append(completed, fmt.Sprintf("- %s: %s", s.Key, s.Title))
		case !s.Status.Terminal():
			remaining++
		}
	}
	if len(completed) == 0 {
		completed = append(completed, "(none)")
	}

	vars["current_story"] = formatStory(story)
	vars["current_story_id"] = story.Key
	vars["current_story_title"] = story.Title
	vars["completed_stories"] = strings.Join(completed, "\n")
	vars["stories_remaining"] = strconv.Itoa(remaining)
	if _, ok := vars["verify_feedback"]; !ok {
		vars["verify_feedback"] = ""
	}
}

func formatStory(s *models.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story %s: %s", s.Key, s.Title)
	if s.Description != "" {
		b.WriteString("\n\n" + s.Description)
	}
	if len(s.AcceptanceCriteria) > 0 {
		b.WriteString("\n\nAcceptance Criteria:")
		for i, c := range s.AcceptanceCriteria {
			fmt.Fprintf(&b, "\n%d. %s", i+1, c)
		}
	}
	return b.String()
}
