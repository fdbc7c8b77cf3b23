package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

// Failure is the state of a run after Fail.
type Failure struct {
	RunID      string            `json:"run_id"`
	RunStatus  models.RunStatus  `json:"run_status"`
	StepStatus models.StepStatus `json:"step_status"`
	RetryCount int               `json:"retry_count"`
	Retrying   bool              `json:"retrying"`
}

// Fail records a failed attempt at a step. The step is re-queued while its
// retry budget lasts; after that the step and its run are failed.
func (o *Orchestrator) Fail(ctx context.Context, stepID, errText string) (*Failure, error) {
	var res *Failure
	j := newJournal(o.storage.Now)

	err := o.storage.WithTx(ctx, func(tx *storage.Tx) error {
		step, run, err := o.loadActiveStep(ctx, tx, stepID, models.StepStatusPending, models.StepStatusRunning)
		if err != nil {
			return err
		}

		retries, err := o.failStep(ctx, tx, j, run, step, errText, models.EventStepFailed)
		if err != nil {
			return err
		}
		res = &Failure{
			RunID:      run.ID,
			RunStatus:  run.Status,
			StepStatus: step.Status,
			RetryCount: retries,
			Retrying:   run.Status == models.RunStatusRunning,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.flush(ctx, j)
	if res.Retrying {
		o.logger.Info("step failed, retrying", "step", stepID, "run", res.RunID, "attempt", res.RetryCount)
	} else {
		o.logger.Warn("step failed, run failed", "step", stepID, "run", res.RunID, "error", truncate(errText, 200))
	}
	return res, nil
}

// failStep charges one failed attempt to a step, or to its bound story for
// loop steps, and returns the resulting retry count.
func (o *Orchestrator) failStep(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, step *models.Step, errText string, kind models.EventKind) (int, error) {
	if step.Kind == models.StepKindLoop && step.CurrentStoryID != "" {
		return o.failStory(ctx, tx, j, run, step, errText, kind)
	}

	step.RetryCount++
	if step.RetryCount > step.MaxRetries {
		detail := fmt.Sprintf("retries exhausted (%d/%d): %s", step.RetryCount-1, step.MaxRetries, truncate(errText, 200))
		step.Output = errText
		return step.RetryCount, o.terminateStep(ctx, tx, j, run, step, nil, detail, kind)
	}

	step.Status = models.StepStatusPending
	if err := tx.UpdateStep(ctx, step); err != nil {
		return 0, err
	}
	j.add(run, kind, step, nil, fmt.Sprintf("retry %d/%d: %s", step.RetryCount, step.MaxRetries, truncate(errText, 200)))
	return step.RetryCount, nil
}

func (o *Orchestrator) failStory(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, loop *models.Step, errText string, kind models.EventKind) (int, error) {
	story, err := tx.GetStory(ctx, loop.CurrentStoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to get current story: %w", err)
	}
	story.RetryCount++
	story.Output = errText
	limit := loop.StoryRetryLimit()

	if story.RetryCount > limit {
		detail := fmt.Sprintf("story %s exhausted retries (%d/%d): %s", story.Key, story.RetryCount-1, limit, truncate(errText, 200))
		loop.Output = errText
		return story.RetryCount, o.terminateStep(ctx, tx, j, run, loop, story, detail, kind)
	}

	story.Status = models.StoryStatusPending
	if err := tx.UpdateStory(ctx, story); err != nil {
		return 0, err
	}
	loop.Status = models.StepStatusPending
	if err := tx.UpdateStep(ctx, loop); err != nil {
		return 0, err
	}
	j.add(run, kind, loop, story, truncate(errText, 200))
	j.add(run, models.EventStoryRetry, loop, story, fmt.Sprintf("retry %d/%d", story.RetryCount, limit))
	return story.RetryCount, nil
}

// terminateStep fails a step (and the story it was working on) and the run
// that owns it. Other steps keep their status.
func (o *Orchestrator) terminateStep(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, step *models.Step, story *models.Story, reason string, kind models.EventKind) error {
	if story != nil {
		story.Status = models.StoryStatusFailed
		if err := tx.UpdateStory(ctx, story); err != nil {
			return err
		}
		j.add(run, models.EventStoryFailed, step, story, story.Key)
	}

	step.Status = models.StepStatusFailed
	if step.Output == "" {
		step.Output = reason
	}
	if err := tx.UpdateStep(ctx, step); err != nil {
		return err
	}
	j.add(run, kind, step, story, reason)

	ok, err := tx.TransitionRun(ctx, run.ID, models.RunStatusRunning, models.RunStatusFailed)
	if err != nil {
		return err
	}
	if ok {
		run.Status = models.RunStatusFailed
		j.add(run, models.EventRunFailed, step, nil, reason)
	}
	return nil
}

func isInvalidStories(err error) bool {
	return errors.Is(err, ErrInvalidStories)
}
