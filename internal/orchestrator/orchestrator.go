package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

const (
	DefaultStaleThreshold = 120 * time.Minute
	DefaultStepTimeout    = 60 * time.Minute
)

// Scheduler is the external wake-up mechanism. The orchestrator arms it
// when a workflow gains runnable work and disarms it when the workflow has
// no running runs left. Both calls must be idempotent.
type Scheduler interface {
	Arm(ctx context.Context, workflowID string) error
	Disarm(ctx context.Context, workflowID string) error
}

type noopScheduler struct{}

func (noopScheduler) Arm(context.Context, string) error    { return nil }
func (noopScheduler) Disarm(context.Context, string) error { return nil }

// Orchestrator drives runs through their steps. It holds no run state
// between calls; every transition happens inside a storage transaction.
type Orchestrator struct {
	storage        *storage.Storage
	scheduler      Scheduler
	emitter        *Emitter
	logger         *slog.Logger
	staleThreshold time.Duration
	stepTimeout    time.Duration
}

type Option func(*Orchestrator)

func WithScheduler(s Scheduler) Option {
	return func(o *Orchestrator) { o.scheduler = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithNotifier delivers events to runs that have a notify target.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.emitter.notifier = n }
}

func WithStaleThreshold(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleThreshold = d }
}

// WithStepTimeout sets how long a step may stay running before the
// abandoned-step sweep fails it.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stepTimeout = d }
}

func New(store *storage.Storage, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		storage:        store,
		scheduler:      noopScheduler{},
		emitter:        &Emitter{storage: store},
		logger:         slog.Default(),
		staleThreshold: DefaultStaleThreshold,
		stepTimeout:    DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.emitter.logger = o.logger
	return o
}

// RunOptions tune StartRun.
type RunOptions struct {
	NotifyURL string
	// AllowConcurrent permits a new run while another run of the same
	// workflow is still running.
	AllowConcurrent bool
}

// StartRun creates a run with one step per spec step and arms the scheduler
// for the workflow. If the scheduler cannot be armed the run is marked
// failed and ErrSchedulingUnavailable is returned along with the run.
func (o *Orchestrator) StartRun(ctx context.Context, spec *models.WorkflowSpec, task string, opts RunOptions) (*models.Run, error) {
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q has no steps", spec.ID)
	}

	run := &models.Run{
		ID:         uuid.NewString(),
		WorkflowID: spec.ID,
		Task:       task,
		Status:     models.RunStatusRunning,
		Context:    make(map[string]string),
		NotifyURL:  opts.NotifyURL,
	}
	for k, v := range spec.Context {
		run.Context[strings.ToLower(k)] = v
	}
	run.Context["task"] = task
	run.Context["run_id"] = run.ID

	steps := buildSteps(run.ID, spec)

	j := newJournal(o.storage.Now)
	err := o.storage.WithTx(ctx, func(tx *storage.Tx) error {
		if !opts.AllowConcurrent {
			active, err := tx.HasRunningRun(ctx, spec.ID)
			if err != nil {
				return err
			}
			if active {
				return fmt.Errorf("%w: %s", ErrRunActive, spec.ID)
			}
		}
		if err := tx.InsertRun(ctx, run); err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		for _, step := range steps {
			if err := tx.InsertStep(ctx, step); err != nil {
				return fmt.Errorf("failed to create step %s: %w", step.StepID, err)
			}
		}
		j.add(run, models.EventRunStarted, nil, nil, truncate(task, 120))
		j.add(run, models.EventStepPending, steps[0], nil, "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.flush(ctx, j)

	if err := o.scheduler.Arm(ctx, spec.ID); err != nil {
		o.abortRun(ctx, run, fmt.Sprintf("scheduling unavailable: %v", err))
		return run, fmt.Errorf("%w: %v", ErrSchedulingUnavailable, err)
	}

	o.logger.Info("run started", "run", run.ID, "workflow", spec.ID, "steps", len(steps))
	return run, nil
}

// buildSteps lays out step rows in spec order and links each loop step to
// its verify step.
func buildSteps(runID string, spec *models.WorkflowSpec) []*models.Step {
	ids := make(map[string]string, len(spec.Steps))
	for _, s := range spec.Steps {
		ids[s.ID] = uuid.NewString()
	}
	verifies := spec.VerifyTargets()

	steps := make([]*models.Step, 0, len(spec.Steps))
	for i, s := range spec.Steps {
		step := &models.Step{
			ID:            ids[s.ID],
			RunID:         runID,
			StepID:        s.ID,
			AgentID:       s.Agent,
			Index:         i,
			InputTemplate: s.Input,
			Expects:       s.Expects,
			Status:        models.StepStatusWaiting,
			MaxRetries:    s.Retries(),
			Type:          s.StepType(),
			Kind:          models.StepKindSingle,
		}
		if i == 0 {
			step.Status = models.StepStatusPending
		}

		if step.Type == models.StepTypeLoop {
			step.Kind = models.StepKindLoop
			loop := models.LoopConfig{Over: models.DefaultStoriesKey}
			if s.Loop != nil {
				loop = *s.Loop
				if loop.Over == "" {
					loop.Over = models.DefaultStoriesKey
				}
				loop.Over = strings.ToLower(loop.Over)
			}
			step.Loop = &loop
			if loop.VerifyEach && loop.VerifyStep != "" {
				step.LinkedStepID = ids[loop.VerifyStep]
			}
		} else if loopID, ok := verifies[s.ID]; ok {
			step.Kind = models.StepKindVerify
			step.LinkedStepID = ids[loopID]
		}

		steps = append(steps, step)
	}
	return steps
}

// abortRun fails a run that cannot be serviced.
func (o *Orchestrator) abortRun(ctx context.Context, run *models.Run, reason string) {
	j := newJournal(o.storage.Now)
	err := o.storage.WithTx(ctx, func(tx *storage.Tx) error {
		ok, err := tx.TransitionRun(ctx, run.ID, models.RunStatusRunning, models.RunStatusFailed)
		if err != nil || !ok {
			return err
		}
		if _, err := tx.FailOpenSteps(ctx, run.ID, reason); err != nil {
			return err
		}
		run.Status = models.RunStatusFailed
		j.add(run, models.EventRunFailed, nil, nil, reason)
		return nil
	})
	if err != nil {
		o.logger.Error("failed to abort run", "run", run.ID, "error", err)
		return
	}
	o.logger.Warn("run aborted", "run", run.ID, "reason", reason)
	o.flush(ctx, j)
}

// maybeDisarm turns off polling for a workflow once it has no running run.
func (o *Orchestrator) maybeDisarm(ctx context.Context, workflowID string) {
	active, err := o.storage.HasRunningRun(ctx, workflowID)
	if err != nil {
		o.logger.Warn("failed to check workflow activity", "workflow", workflowID, "error", err)
		return
	}
	if active {
		return
	}
	if err := o.scheduler.Disarm(ctx, workflowID); err != nil {
		o.logger.Warn("failed to disarm scheduler", "workflow", workflowID, "error", err)
		return
	}

	// A run started or resumed since the check above may have been armed
	// before the disarm landed.
	active, err = o.storage.HasRunningRun(ctx, workflowID)
	if err != nil {
		o.logger.Warn("failed to check workflow activity", "workflow", workflowID, "error", err)
		return
	}
	if active {
		if err := o.scheduler.Arm(ctx, workflowID); err != nil {
			o.logger.Error("failed to re-arm scheduler", "workflow", workflowID, "error", err)
		}
	}
}

// Read methods for the CLI and TUI

// RunDetail is a run with its steps and stories.
type RunDetail struct {
	Run     *models.Run     `json:"run"`
	Steps   []*models.Step  `json:"steps"`
	Stories []*models.Story `json:"stories"`
}

func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	return o.storage.ListRuns(ctx, limit)
}

func (o *Orchestrator) GetRun(ctx context.Context, id string) (*models.Run, error) {
	run, err := o.storage.GetRun(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

func (o *Orchestrator) RunDetail(ctx context.Context, id string) (*RunDetail, error) {
	run, err := o.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := o.storage.StepsForRun(ctx, id)
	if err != nil {
		return nil, err
	}
	stories, err := o.storage.StoriesForRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Steps: steps, Stories: stories}, nil
}

func (o *Orchestrator) Events(ctx context.Context, f storage.EventFilter) ([]*models.Event, error) {
	return o.storage.ListEvents(ctx, f)
}

// DeleteRun removes a run that is not running.
func (o *Orchestrator) DeleteRun(ctx context.Context, id string) error {
	return o.storage.WithTx(ctx, func(tx *storage.Tx) error {
		run, err := tx.GetRun(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		if err != nil {
			return err
		}
		if run.Status == models.RunStatusRunning {
			return fmt.Errorf("%w: %s", ErrRunIsRunning, id)
		}
		return tx.DeleteRun(ctx, id)
	})
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
