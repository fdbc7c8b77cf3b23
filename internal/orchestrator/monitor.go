package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

// StaleRun is a running run that has made no progress within the stale
// threshold.
type StaleRun struct {
	Run          *models.Run   `json:"run"`
	LastActivity time.Time     `json:"last_activity"`
	Idle         time.Duration `json:"idle"`
}

// StaleThreshold reports the configured idle limit.
func (o *Orchestrator) StaleThreshold() time.Duration {
	return o.staleThreshold
}

// StaleRuns lists running runs with no running step whose last activity is
// older than the stale threshold. It changes nothing.
func (o *Orchestrator) StaleRuns(ctx context.Context) ([]*StaleRun, error) {
	activity, err := o.storage.RunningRunActivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load run activity: %w", err)
	}
	return o.staleOf(activity), nil
}

// FailStaleRuns force-fails every stale run in one transaction. Open steps
// of those runs are failed with an explanatory output. Calling it again
// finds nothing.
func (o *Orchestrator) FailStaleRuns(ctx context.Context) ([]*StaleRun, error) {
	var failed []*StaleRun
	j := newJournal(o.storage.Now)

	err := o.storage.WithTx(ctx, func(tx *storage.Tx) error {
		failed = nil
		activity, err := tx.RunningRunActivity(ctx)
		if err != nil {
			return fmt.Errorf("failed to load run activity: %w", err)
		}

		for _, s := range o.staleOf(activity) {
			ok, err := tx.TransitionRun(ctx, s.Run.ID, models.RunStatusRunning, models.RunStatusFailed)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			reason := fmt.Sprintf("stale: no step activity for %s (threshold %s)",
				s.Idle.Round(time.Minute), o.staleThreshold)
			if _, err := tx.FailOpenSteps(ctx, s.Run.ID, reason); err != nil {
				return fmt.Errorf("failed to fail steps of run %s: %w", s.Run.ID, err)
			}
			s.Run.Status = models.RunStatusFailed
			j.add(s.Run, models.EventRunFailed, nil, nil, reason)
			failed = append(failed, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.flush(ctx, j)
	for _, s := range failed {
		o.logger.Warn("stale run failed", "run", s.Run.ID, "workflow", s.Run.WorkflowID, "idle", s.Idle.Round(time.Second))
	}
	return failed, nil
}

func (o *Orchestrator) staleOf(activity []*storage.RunActivity) []*StaleRun {
	now := o.storage.Now()
	var stale []*StaleRun
	for _, a := range activity {
		if a.RunningSteps > 0 {
			continue
		}
		idle := now.Sub(a.LastActivity)
		if idle > o.staleThreshold {
			stale = append(stale, &StaleRun{Run: a.Run, LastActivity: a.LastActivity, Idle: idle})
		}
	}
	return stale
}

// SweepAbandoned charges a failed attempt to every step that has been
// running longer than the step timeout, as if its agent had called Fail.
// It returns the number of steps swept.
func (o *Orchestrator) SweepAbandoned(ctx context.Context) (int, error) {
	cutoff := o.storage.Now().Add(-o.stepTimeout)
	swept := 0
	j := newJournal(o.storage.Now)

	err := o.storage.WithTx(ctx, func(tx *storage.Tx) error {
		swept = 0
		steps, err := tx.RunningStepsBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to find abandoned steps: %w", err)
		}
		for _, step := range steps {
			run, err := tx.GetRun(ctx, step.RunID)
			if err != nil {
				return err
			}
			if run.Status != models.RunStatusRunning {
				continue
			}
			reason := fmt.Sprintf("timed out: running since %s with no report", step.UpdatedAt.Format(time.RFC3339))
			if _, err := o.failStep(ctx, tx, j, run, step, reason, models.EventStepTimeout); err != nil {
				return fmt.Errorf("failed to time out step %s: %w", step.StepID, err)
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	o.flush(ctx, j)
	if swept > 0 {
		o.logger.Warn("abandoned steps swept", "count", swept, "timeout", o.stepTimeout)
	}
	return swept, nil
}

// Maintain times out abandoned steps, then fails stale runs. The sweep
// runs first so a step it re-queues counts as fresh activity.
func (o *Orchestrator) Maintain(ctx context.Context) error {
	if _, err := o.SweepAbandoned(ctx); err != nil {
		return fmt.Errorf("sweep abandoned steps: %w", err)
	}
	if _, err := o.FailStaleRuns(ctx); err != nil {
		return fmt.Errorf("fail stale runs: %w", err)
	}
	return nil
}
