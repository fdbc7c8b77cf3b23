package tui

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/storage"
)

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newTestApp(t *testing.T) (*App, *models.Run) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orch := orchestrator.New(store, orchestrator.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	wf := &models.WorkflowSpec{
		ID: "feature",
		Steps: []*models.StepSpec{
			{ID: "plan", Agent: "planner", Input: "Plan {{task}}"},
			{ID: "build", Agent: "builder", Input: "Build {{plan}}"},
		},
	}
	run, err := orch.StartRun(context.Background(), wf, "dark mode", orchestrator.RunOptions{})
	require.NoError(t, err)

	return NewApp(orch, map[string]*models.WorkflowSpec{wf.ID: wf}), run
}

func TestApp_RunListToOutput(t *testing.T) {
	app, run := newTestApp(t)

	app.Update(app.loadRuns())
	require.Len(t, app.runs, 1)
	list := app.View()
	assert.Contains(t, list, shortID(run.ID))
	assert.Contains(t, list, "dark mode")

	_, cmd := app.Update(key("enter"))
	require.NotNil(t, cmd)
	app.Update(cmd())
	require.Equal(t, ViewRunDetail, app.view)
	detail := app.View()
	assert.Contains(t, detail, "plan")
	assert.Contains(t, detail, "build")
	assert.Contains(t, detail, string(models.EventRunStarted))

	app.Update(key("j"))
	assert.Equal(t, 1, app.selectedStepIdx)
	app.Update(key("o"))
	require.Equal(t, ViewOutput, app.view)
	assert.Contains(t, app.View(), "Output: build")

	app.Update(key("esc"))
	assert.Equal(t, ViewRunDetail, app.view)
	app.Update(key("esc"))
	assert.Equal(t, ViewRunList, app.view)
	assert.Nil(t, app.detail)
}

func TestApp_DeleteRunningRunShowsError(t *testing.T) {
	app, _ := newTestApp(t)
	app.Update(app.loadRuns())

	_, cmd := app.Update(key("d"))
	require.NotNil(t, cmd)
	app.Update(cmd())
	assert.ErrorIs(t, app.err, orchestrator.ErrRunIsRunning)
	assert.Contains(t, app.View(), "Error:")
}

func TestApp_Workflows(t *testing.T) {
	app, _ := newTestApp(t)
	app.Update(key("w"))
	require.Equal(t, ViewWorkflows, app.view)
	assert.Contains(t, app.View(), "plan → build")
}

func TestSince(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, tt := range []struct {
		ago  time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{12 * time.Minute, "12m"},
		{5 * time.Hour, "5h"},
		{47 * time.Hour, "47h"},
		{72 * time.Hour, "3d"},
	} {
		assert.Equal(t, tt.want, since(now.Add(-tt.ago), now))
	}
}
