package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/scheduler"
	"github.com/mpataki/foreman/internal/storage"
)

// MockWaker is a mock implementation of scheduler.Waker
type MockWaker struct {
	mock.Mock
}

func (m *MockWaker) Wake(ctx context.Context, workflowID, agentID string) error {
	return m.Called(ctx, workflowID, agentID).Error(0)
}

type countingMaintainer struct {
	calls atomic.Int32
	err   error
}

func (m *countingMaintainer) Maintain(context.Context) error {
	m.calls.Add(1)
	return m.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func workflow(id string, agents ...string) *models.WorkflowSpec {
	spec := &models.WorkflowSpec{ID: id}
	for _, a := range agents {
		spec.Steps = append(spec.Steps, &models.StepSpec{ID: a + "-step", Agent: a, Input: "work"})
	}
	return spec
}

func TestArmDisarmPersists(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cron := scheduler.New(store, scheduler.WithLogger(discard()))

	require.NoError(t, cron.Arm(ctx, "beta"))
	require.NoError(t, cron.Arm(ctx, "alpha"))
	require.NoError(t, cron.Arm(ctx, "alpha"))

	armed, err := store.ArmedWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, armed)

	require.NoError(t, cron.Disarm(ctx, "beta"))
	require.NoError(t, cron.Disarm(ctx, "never-armed"))
	armed, err = store.ArmedWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, armed)
}

func TestTickWakesPendingAgents(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	waker := &MockWaker{}
	cron := scheduler.New(store, scheduler.WithLogger(discard()), scheduler.WithWaker(waker))
	orch := orchestrator.New(store, orchestrator.WithScheduler(cron), orchestrator.WithLogger(discard()))

	_, err := orch.StartRun(ctx, workflow("feature", "planner", "builder"), "task", orchestrator.RunOptions{})
	require.NoError(t, err)
	_, err = orch.StartRun(ctx, workflow("bugfix", "fixer"), "task", orchestrator.RunOptions{})
	require.NoError(t, err)
	require.NoError(t, store.SetScheduleArmed(ctx, "bugfix", false))

	waker.On("Wake", mock.Anything, "feature", "planner").Return(errors.New("no capacity")).Once()
	m := &countingMaintainer{err: errors.New("db busy")}
	require.NoError(t, cron.Start(ctx, m))
	cron.Stop()

	cron.Tick(ctx)
	assert.Equal(t, int32(1), m.calls.Load())
	waker.AssertExpectations(t)
	waker.AssertNotCalled(t, "Wake", mock.Anything, "bugfix", mock.Anything)
}

func TestTickDisarmedWhenRunFinishes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cron := scheduler.New(store, scheduler.WithLogger(discard()))
	orch := orchestrator.New(store, orchestrator.WithScheduler(cron), orchestrator.WithLogger(discard()))

	_, err := orch.StartRun(ctx, workflow("solo", "dev"), "task", orchestrator.RunOptions{})
	require.NoError(t, err)
	c, err := orch.Claim(ctx, "dev")
	require.NoError(t, err)
	_, err = orch.Complete(ctx, c.StepID, "STATUS: done")
	require.NoError(t, err)

	armed, err := store.ArmedWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, armed)
}

// startingCron starts a run of the same workflow when asked to disarm,
// just before the disarm reaches the store.
type startingCron struct {
	*scheduler.Cron
	start func()
}

func (c *startingCron) Disarm(ctx context.Context, workflowID string) error {
	if start := c.start; start != nil {
		c.start = nil
		start()
	}
	return c.Cron.Disarm(ctx, workflowID)
}

func TestDisarmKeepsWorkflowWithRunningRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cron := &startingCron{Cron: scheduler.New(store, scheduler.WithLogger(discard()))}
	orch := orchestrator.New(store, orchestrator.WithScheduler(cron), orchestrator.WithLogger(discard()))
	spec := workflow("solo", "dev")

	first, err := orch.StartRun(ctx, spec, "first", orchestrator.RunOptions{})
	require.NoError(t, err)
	var second *models.Run
	cron.start = func() {
		second, err = orch.StartRun(ctx, spec, "second", orchestrator.RunOptions{AllowConcurrent: true})
		require.NoError(t, err)
	}

	c, err := orch.Claim(ctx, "dev")
	require.NoError(t, err)
	require.Equal(t, first.ID, c.RunID)
	_, err = orch.Complete(ctx, c.StepID, "STATUS: done")
	require.NoError(t, err)

	require.NotNil(t, second)
	armed, err := store.ArmedWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, armed)

	// Disarming directly is refused while the second run is running.
	require.NoError(t, cron.Cron.Disarm(ctx, "solo"))
	armed, err = store.ArmedWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, armed)
}

func TestStartRunsTicks(t *testing.T) {
	store := newStore(t)
	cron := scheduler.New(store, scheduler.WithLogger(discard()), scheduler.WithInterval(time.Second))
	m := &countingMaintainer{}

	require.NoError(t, cron.Start(context.Background(), m))
	defer cron.Stop()
	assert.Error(t, cron.Start(context.Background(), m))

	assert.Eventually(t, func() bool { return m.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestCommandWaker(t *testing.T) {
	dir := t.TempDir()
	w := &scheduler.CommandWaker{
		Command: `echo "$FOREMAN_WORKFLOW/$FOREMAN_AGENT" > woke.txt; sleep 0.3`,
		Dir:     dir,
		Logger:  discard(),
	}

	require.NoError(t, w.Wake(context.Background(), "feature", "planner"))
	assert.True(t, w.Busy("planner"))
	// A second wake while the session runs is a no-op.
	require.NoError(t, w.Wake(context.Background(), "feature", "planner"))

	assert.Eventually(t, func() bool { return !w.Busy("planner") }, 5*time.Second, 20*time.Millisecond)
	out, err := os.ReadFile(filepath.Join(dir, "woke.txt"))
	require.NoError(t, err)
	assert.Equal(t, "feature/planner", strings.TrimSpace(string(out)))
}

func TestCommandWaker_StartFailure(t *testing.T) {
	w := &scheduler.CommandWaker{Command: "true", Dir: filepath.Join(t.TempDir(), "missing"), Logger: discard()}
	assert.Error(t, w.Wake(context.Background(), "feature", "planner"))
	assert.False(t, w.Busy("planner"))
}
