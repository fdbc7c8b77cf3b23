package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

// Resumption describes what Resume restored.
type Resumption struct {
	RunID string `json:"run_id"`
	// StepName is the step that is pending again.
	StepName string `json:"step"`
	// VerifyReset is set when the failure was inside a loop/verify pair and
	// the loop step was restarted instead of the verify step.
	VerifyReset  bool `json:"verify_reset"`
	StoriesReset int  `json:"stories_reset"`
	StepsWaiting int  `json:"steps_waiting"`
}

// Resume restores a failed run at its earliest failed step. Step output and
// retry counters are left alone; only statuses and story bindings change.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Resumption, error) {
	var res *Resumption
	var run *models.Run
	j := newJournal(o.storage.Now)

	err := o.storage.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		run, err = tx.GetRun(ctx, runID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		if err != nil {
			return err
		}
		if run.Status != models.RunStatusFailed {
			return fmt.Errorf("%w: run %s is %s", ErrRunNotFailed, runID, run.Status)
		}

		failed, err := tx.FailedSteps(ctx, runID)
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			return fmt.Errorf("%w: %s", ErrNoFailedStep, runID)
		}
		target := failed[0]

		res = &Resumption{RunID: runID}
		restart, err := o.resumePoint(ctx, tx, target)
		if err != nil {
			return err
		}
		res.VerifyReset = restart != target

		if res.VerifyReset {
			target.Status = models.StepStatusWaiting
			target.CurrentStoryID = ""
			if err := tx.UpdateStep(ctx, target); err != nil {
				return err
			}
		}
		restart.Status = models.StepStatusPending
		restart.CurrentStoryID = ""
		if err := tx.UpdateStep(ctx, restart); err != nil {
			return err
		}
		res.StepName = restart.StepID

		if res.StoriesReset, err = o.resetFailedStories(ctx, tx, runID); err != nil {
			return err
		}

		// Steps failed alongside the run (stale or aborted runs) go back
		// to waiting so the pipeline reaches them again.
		for _, s := range failed {
			if s.ID == target.ID || s.ID == restart.ID || s.Index < target.Index {
				continue
			}
			if _, err := tx.TransitionStep(ctx, s.ID, models.StepStatusWaiting, models.StepStatusFailed); err != nil {
				return err
			}
			res.StepsWaiting++
		}

		if _, err := tx.TransitionRun(ctx, runID, models.RunStatusFailed, models.RunStatusRunning); err != nil {
			return err
		}
		run.Status = models.RunStatusRunning
		j.add(run, models.EventRunResumed, restart, nil, "resumed at "+restart.StepID)
		j.add(run, models.EventStepPending, restart, nil, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.flush(ctx, j)
	if err := o.scheduler.Arm(ctx, run.WorkflowID); err != nil {
		o.abortRun(ctx, run, fmt.Sprintf("scheduling unavailable: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrSchedulingUnavailable, err)
	}

	o.logger.Info("run resumed", "run", runID, "step", res.StepName, "verify_reset", res.VerifyReset, "stories_reset", res.StoriesReset)
	return res, nil
}

// resumePoint returns the step a resumed run restarts from. A failed verify
// step paired with a loop restarts the loop step so the story is redone
// before it is verified again.
func (o *Orchestrator) resumePoint(ctx context.Context, tx *storage.Tx, failed *models.Step) (*models.Step, error) {
	if failed.Kind != models.StepKindVerify || failed.LinkedStepID == "" {
		return failed, nil
	}
	loop, err := tx.GetStep(ctx, failed.LinkedStepID)
	if err != nil {
		return nil, fmt.Errorf("failed to get loop step of %s: %w", failed.StepID, err)
	}
	if !loop.VerifiesEachStory() {
		return failed, nil
	}
	return loop, nil
}

func (o *Orchestrator) resetFailedStories(ctx context.Context, tx *storage.Tx, runID string) (int, error) {
	stories, err := tx.FailedStories(ctx, runID)
	if err != nil {
		return 0, err
	}
	for _, s := range stories {
		s.Status = models.StoryStatusPending
		if err := tx.UpdateStory(ctx, s); err != nil {
			return 0, err
		}
	}
	return len(stories), nil
}
