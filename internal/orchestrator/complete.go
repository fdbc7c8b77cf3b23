package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

// VerdictRetry is the status a verify step reports to send a story back.
// "fail" and "failed" are read the same way.
const VerdictRetry = "retry"

func rejects(verdict string) bool {
	switch verdict {
	case VerdictRetry, "fail", "failed":
		return true
	}
	return false
}

// Completion is the state of a run after Complete.
type Completion struct {
	RunID      string            `json:"run_id"`
	RunStatus  models.RunStatus  `json:"run_status"`
	StepStatus models.StepStatus `json:"step_status"`
	Advanced   bool              `json:"advanced"`
}

// Complete records a step's output, merges its extracted keys into run
// context and advances the run.
func (o *Orchestrator) Complete(ctx context.Context, stepID, output string) (*Completion, error) {
	parsed := ParseOutput(output)
	var res *Completion
	j := newJournal(o.storage.Now)

	err := o.storage.WithTx(ctx, func(tx *storage.Tx) error {
		step, run, err := o.loadActiveStep(ctx, tx, stepID, models.StepStatusRunning)
		if err != nil {
			return err
		}

		for k, v := range parsed.Extract(step.Expects) {
			setVar(run.Context, k, v)
		}
		step.Output = output

		switch step.Kind {
		case models.StepKindLoop:
			err = o.completeLoopStep(ctx, tx, j, run, step, parsed)
		case models.StepKindVerify:
			err = o.completeVerifyStep(ctx, tx, j, run, step, parsed)
		default:
			err = o.completeSingleStep(ctx, tx, j, run, step)
		}
		if err != nil {
			return err
		}

		if err := tx.UpdateRunContext(ctx, run.ID, run.Context); err != nil {
			return fmt.Errorf("failed to save context: %w", err)
		}

		res = &Completion{
			RunID:      run.ID,
			RunStatus:  run.Status,
			StepStatus: step.Status,
			Advanced:   j.has(models.EventPipelineAdvanced) || j.has(models.EventRunCompleted),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.flush(ctx, j)
	o.logger.Info("step completed", "step", stepID, "run", res.RunID, "run_status", res.RunStatus, "advanced", res.Advanced)
	return res, nil
}

// loadActiveStep fetches a step in one of the given statuses together with
// its run, which must be running.
func (o *Orchestrator) loadActiveStep(ctx context.Context, tx *storage.Tx, stepID string, statuses ...models.StepStatus) (*models.Step, *models.Run, error) {
	step, err := tx.GetStep(ctx, stepID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if err != nil {
		return nil, nil, err
	}

	allowed := false
	for _, s := range statuses {
		if step.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, nil, fmt.Errorf("%w: step %s is %s", ErrStepNotRunning, step.StepID, step.Status)
	}

	run, err := tx.GetRun(ctx, step.RunID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get run %s: %w", step.RunID, err)
	}
	if run.Status != models.RunStatusRunning {
		return nil, nil, fmt.Errorf("%w: run %s is %s", ErrRunNotRunning, run.ID, run.Status)
	}
	return step, run, nil
}

func (o *Orchestrator) completeSingleStep(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, step *models.Step) error {
	step.Status = models.StepStatusDone
	if err := tx.UpdateStep(ctx, step); err != nil {
		return err
	}
	j.add(run, models.EventStepDone, step, nil, "")
	return o.advance(ctx, tx, j, run, step)
}

func (o *Orchestrator) completeLoopStep(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, loop *models.Step, parsed *Output) error {
	if loop.CurrentStoryID == "" {
		return o.nextStory(ctx, tx, j, run, loop)
	}
	story, err := tx.GetStory(ctx, loop.CurrentStoryID)
	if err != nil {
		return fmt.Errorf("failed to get current story: %w", err)
	}
	story.Output = loop.Output

	if rejects(parsed.Status()) {
		return o.retryStory(ctx, tx, j, run, loop, story, loop, parsed)
	}

	if loop.VerifiesEachStory() {
		// The story stays running until the verify step rules on it.
		if err := tx.UpdateStory(ctx, story); err != nil {
			return err
		}
		loop.Status = models.StepStatusWaiting
		if err := tx.UpdateStep(ctx, loop); err != nil {
			return err
		}
		j.add(run, models.EventStepDone, loop, story, "awaiting verification")

		verify, err := tx.GetStep(ctx, loop.LinkedStepID)
		if err != nil {
			return fmt.Errorf("failed to get verify step: %w", err)
		}
		verify.Status = models.StepStatusPending
		if err := tx.UpdateStep(ctx, verify); err != nil {
			return err
		}
		j.add(run, models.EventStepPending, verify, story, "")
		return nil
	}

	story.Status = models.StoryStatusDone
	if err := tx.UpdateStory(ctx, story); err != nil {
		return err
	}
	delete(run.Context, "verify_feedback")
	j.add(run, models.EventStepDone, loop, story, "")
	j.add(run, models.EventStoryDone, loop, story, story.Key)
	return o.nextStory(ctx, tx, j, run, loop)
}

func (o *Orchestrator) completeVerifyStep(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, verify *models.Step, parsed *Output) error {
	loop, err := tx.GetStep(ctx, verify.LinkedStepID)
	if err != nil {
		return fmt.Errorf("failed to get loop step of %s: %w", verify.StepID, err)
	}
	if loop.CurrentStoryID == "" {
		verify.Status = models.StepStatusWaiting
		return tx.UpdateStep(ctx, verify)
	}
	story, err := tx.GetStory(ctx, loop.CurrentStoryID)
	if err != nil {
		return fmt.Errorf("failed to get story under verification: %w", err)
	}

	if rejects(parsed.Status()) {
		return o.retryStory(ctx, tx, j, run, loop, story, verify, parsed)
	}

	story.Status = models.StoryStatusDone
	if err := tx.UpdateStory(ctx, story); err != nil {
		return err
	}
	delete(run.Context, "verify_feedback")
	verify.Status = models.StepStatusWaiting
	if err := tx.UpdateStep(ctx, verify); err != nil {
		return err
	}
	j.add(run, models.EventStepDone, verify, story, "")
	j.add(run, models.EventStoryDone, loop, story, story.Key)

	if err := o.nextStory(ctx, tx, j, run, loop); err != nil {
		return err
	}
	if loop.Status == models.StepStatusDone {
		verify.Status = models.StepStatusDone
	}
	return nil
}

// retryStory charges a rejected attempt to the loop's current story and
// sends the loop step back to pending on the same story. by is the step
// whose verdict rejected it; it is failed with the run once the story is
// out of retries.
func (o *Orchestrator) retryStory(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, loop *models.Step, story *models.Story, by *models.Step, parsed *Output) error {
	story.RetryCount++
	feedback, ok := parsed.Get("issues")
	if !ok {
		feedback = strings.TrimSpace(by.Output)
	}
	setVar(run.Context, "verify_feedback", feedback)

	if story.RetryCount > loop.StoryRetryLimit() {
		detail := fmt.Sprintf("story %s rejected %d times", story.Key, story.RetryCount)
		return o.terminateStep(ctx, tx, j, run, by, story, detail, models.EventStepFailed)
	}

	story.Status = models.StoryStatusPending
	if err := tx.UpdateStory(ctx, story); err != nil {
		return err
	}
	if by.ID != loop.ID {
		by.Status = models.StepStatusWaiting
		if err := tx.UpdateStep(ctx, by); err != nil {
			return err
		}
	}
	loop.Status = models.StepStatusPending
	if err := tx.UpdateStep(ctx, loop); err != nil {
		return err
	}
	j.add(run, models.EventStoryRetry, loop, story,
		fmt.Sprintf("retry %d/%d", story.RetryCount, loop.StoryRetryLimit()))
	j.add(run, models.EventStepPending, loop, story, "")
	return nil
}

// advance activates the next waiting step after from, or completes the run
// when nothing is left.
func (o *Orchestrator) advance(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, from *models.Step) error {
	next, err := tx.NextWaitingStep(ctx, run.ID)
	if err != nil {
		return err
	}
	if next != nil {
		if _, err := tx.TransitionStep(ctx, next.ID, models.StepStatusPending, models.StepStatusWaiting); err != nil {
			return err
		}
		j.add(run, models.EventStepPending, next, nil, "")
		j.add(run, models.EventPipelineAdvanced, next, nil, from.StepID+" -> "+next.StepID)
		return nil
	}

	steps, err := tx.StepsForRun(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Status != models.StepStatusDone {
			o.logger.Warn("run has no waiting step but is not finished",
				"run", run.ID, "step", s.StepID, "status", s.Status)
			return nil
		}
	}

	if _, err := tx.TransitionRun(ctx, run.ID, models.RunStatusRunning, models.RunStatusCompleted); err != nil {
		return err
	}
	run.Status = models.RunStatusCompleted
	j.add(run, models.EventRunCompleted, nil, nil, "")
	return nil
}
