package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/models"
)

func TestStaleRuns_Boundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.start(t, threeStep("wf"), "task")

	h.clock.Advance(DefaultStaleThreshold)
	stale, err := h.orch.StaleRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)

	h.clock.Advance(time.Millisecond)
	stale, err = h.orch.StaleRuns(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, run.ID, stale[0].Run.ID)
	assert.Equal(t, DefaultStaleThreshold+time.Millisecond, stale[0].Idle)

	// Listing changes nothing.
	assert.Equal(t, models.RunStatusRunning, h.run(t, run.ID).Status)
}

func TestFailStaleRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.start(t, threeStep("wf"), "task")
	h.complete(t, h.claim(t, "planner").StepID, "STATUS: done")

	h.clock.Advance(3 * time.Hour)
	failed, err := h.orch.FailStaleRuns(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, run.ID, failed[0].Run.ID)

	assert.Equal(t, models.RunStatusFailed, h.run(t, run.ID).Status)
	steps := h.steps(t, run.ID)
	assert.Equal(t, models.StepStatusDone, steps["plan"].Status)
	assert.Equal(t, "STATUS: done", steps["plan"].Output)
	for _, name := range []string{"build", "ship"} {
		assert.Equal(t, models.StepStatusFailed, steps[name].Status)
		assert.Contains(t, steps[name].Output, "stale: no step activity for 3h0m0s")
	}
	assert.Equal(t, 1, h.countEvents(t, run.ID, models.EventRunFailed))
	assert.Equal(t, []string{"wf"}, h.sched.disarmed)

	failed, err = h.orch.FailStaleRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, 1, h.countEvents(t, run.ID, models.EventRunFailed))
}

func TestFailStaleRuns_IgnoresRunsWithRunningStep(t *testing.T) {
	h := newHarness(t)
	run := h.start(t, threeStep("wf"), "task")
	h.claim(t, "planner")

	h.clock.Advance(5 * time.Hour)
	failed, err := h.orch.FailStaleRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, models.RunStatusRunning, h.run(t, run.ID).Status)
}

func TestFailStaleRuns_RecentActivityKeepsRunAlive(t *testing.T) {
	h := newHarness(t)
	run := h.start(t, threeStep("wf"), "task")

	h.clock.Advance(100 * time.Minute)
	h.complete(t, h.claim(t, "planner").StepID, "STATUS: done")
	h.clock.Advance(100 * time.Minute)

	failed, err := h.orch.FailStaleRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, models.RunStatusRunning, h.run(t, run.ID).Status)
}

func TestSweepAbandoned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.start(t, threeStep("wf"), "task")
	c := h.claim(t, "planner")

	h.clock.Advance(DefaultStepTimeout)
	n, err := h.orch.SweepAbandoned(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Minute)
	n, err = h.orch.SweepAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	step := h.steps(t, run.ID)["plan"]
	assert.Equal(t, models.StepStatusPending, step.Status)
	assert.Equal(t, 1, step.RetryCount)
	assert.Equal(t, 1, h.countEvents(t, run.ID, models.EventStepTimeout))

	// The agent that went silent can no longer report.
	_, err = h.orch.Complete(ctx, c.StepID, "STATUS: done")
	assert.ErrorIs(t, err, ErrStepNotRunning)

	assert.Equal(t, c.StepID, h.claim(t, "planner").StepID)
}

func TestMaintain(t *testing.T) {
	h := newHarness(t, WithStepTimeout(10*time.Minute), WithStaleThreshold(30*time.Minute))
	ctx := context.Background()

	abandoned := h.start(t, threeStep("wf-a"), "a")
	h.claim(t, "planner")
	idle := h.start(t, threeStep("wf-b"), "b")

	h.clock.Advance(31 * time.Minute)
	require.NoError(t, h.orch.Maintain(ctx))

	// The swept step counts as fresh activity.
	assert.Equal(t, models.RunStatusRunning, h.run(t, abandoned.ID).Status)
	assert.Equal(t, models.StepStatusPending, h.steps(t, abandoned.ID)["plan"].Status)
	assert.Equal(t, models.RunStatusFailed, h.run(t, idle.ID).Status)
}
