package orchestrator

import (
	"context"
	"fmt"
	"maps"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

// maxClaimScan bounds how many loop steps one claim may resolve (complete or
// fail) on its way to a claimable step.
const maxClaimScan = 32

// Claim is a step handed to an agent.
type Claim struct {
	StepID     string `json:"step_id"`
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	StepName   string `json:"step"`
	AgentID    string `json:"agent_id"`
	StoryID    string `json:"story_id,omitempty"`
	Input      string `json:"input"`
}

// Claim gives agentID the oldest pending step it owns, marked running, with
// its input resolved against run context. It returns nil when there is no
// work.
func (o *Orchestrator) Claim(ctx context.Context, agentID string) (*Claim, error) {
	var claim *Claim
	j := newJournal(o.storage.Now)

	err := o.storage.WithTx(ctx, func(tx *storage.Tx) error {
		for i := 0; i < maxClaimScan; i++ {
			step, err := tx.NextPendingStep(ctx, agentID)
			if err != nil {
				return fmt.Errorf("failed to find pending step: %w", err)
			}
			if step == nil {
				return nil
			}

			run, err := tx.GetRun(ctx, step.RunID)
			if err != nil {
				return fmt.Errorf("failed to get run %s: %w", step.RunID, err)
			}

			claim, err = o.claimStep(ctx, tx, j, run, step)
			if err != nil || claim != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.flush(ctx, j)
	if claim != nil {
		o.logger.Info("step claimed", "agent", agentID, "run", claim.RunID, "step", claim.StepName, "story", claim.StoryID)
	}
	return claim, nil
}

func (o *Orchestrator) claimStep(ctx context.Context, tx *storage.Tx, j *journal, run *models.Run, step *models.Step) (*Claim, error) {
	vars := maps.Clone(run.Context)
	var story *models.Story
	var err error

	switch step.Kind {
	case models.StepKindLoop:
		story, err = o.bindStory(ctx, tx, j, run, step)
		if err != nil || story == nil {
			return nil, err
		}
		if err := o.addStoryVars(ctx, tx, vars, step.ID, story); err != nil {
			return nil, err
		}

	case models.StepKindVerify:
		loop, err := tx.GetStep(ctx, step.LinkedStepID)
		if err != nil {
			return nil, fmt.Errorf("failed to get loop step of %s: %w", step.StepID, err)
		}
		if loop.CurrentStoryID != "" {
			story, err = tx.GetStory(ctx, loop.CurrentStoryID)
			if err != nil {
				return nil, fmt.Errorf("failed to get story under verification: %w", err)
			}
			if err := o.addStoryVars(ctx, tx, vars, loop.ID, story); err != nil {
				return nil, err
			}
		}
	}

	storyID := ""
	if step.Kind == models.StepKindLoop {
		storyID = story.ID
	}
	ok, err := tx.ClaimStep(ctx, step.ID, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim step %s: %w", step.StepID, err)
	}
	if !ok {
		return nil, nil
	}
	j.add(run, models.EventStepRunning, step, story, "")

	claim := &Claim{
		StepID:     step.ID,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		StepName:   step.StepID,
		AgentID:    step.AgentID,
		Input:      ResolveTemplate(step.InputTemplate, vars),
	}
	if story != nil {
		claim.StoryID = story.ID
	}
	return claim, nil
}

func (o *Orchestrator) addStoryVars(ctx context.Context, tx *storage.Tx, vars map[string]string, loopID string, story *models.Story) error {
	stories, err := tx.StoriesForStep(ctx, loopID)
	if err != nil {
		return err
	}
	storyVars(vars, story, stories)
	return nil
}
