package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/storage"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewWorkflows
	ViewOutput
)

const recentEvents = 8

type App struct {
	orchestrator *orchestrator.Orchestrator
	workflows    map[string]*models.WorkflowSpec

	view            View
	runs            []*models.Run
	selectedIdx     int
	detail          *orchestrator.RunDetail
	events          []*models.Event
	selectedStepIdx int
	output          viewport.Model
	status          string

	width  int
	height int
	err    error
}

func NewApp(orch *orchestrator.Orchestrator, workflows map[string]*models.WorkflowSpec) *App {
	return &App{
		orchestrator: orch,
		workflows:    workflows,
		view:         ViewRunList,
		output:       viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunStatusRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.output.Width = msg.Width
		a.output.Height = max(msg.Height-4, 1)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		cmds := []tea.Cmd{a.tickCmd()}
		switch {
		case a.view == ViewRunList && a.hasRunningRuns():
			cmds = append(cmds, a.loadRuns)
		case a.view == ViewRunDetail && a.detail != nil && a.detail.Run.Status == models.RunStatusRunning:
			cmds = append(cmds, a.loadRunDetail(a.detail.Run.ID))
		}
		return a, tea.Batch(cmds...)

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.detail = msg.detail
			a.events = msg.events
			if a.selectedStepIdx >= len(a.detail.Steps) {
				a.selectedStepIdx = 0
			}
			a.view = ViewRunDetail
		}
		return a, nil

	case actionDoneMsg:
		a.err = msg.err
		a.status = msg.status
		if a.view == ViewRunDetail && a.detail != nil {
			return a, tea.Batch(a.loadRuns, a.loadRunDetail(a.detail.Run.ID))
		}
		return a, a.loadRuns
	}

	if a.view == ViewOutput {
		var cmd tea.Cmd
		a.output, cmd = a.output.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewWorkflows:
		return a.handleWorkflowsKey(msg)
	}
	return a, nil
}

func (a *App) selectedRun() *models.Run {
	if len(a.runs) == 0 || a.selectedIdx >= len(a.runs) {
		return nil
	}
	return a.runs[a.selectedIdx]
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run := a.selectedRun(); run != nil {
			a.selectedStepIdx = 0
			return a, a.loadRunDetail(run.ID)
		}

	case "w":
		a.view = ViewWorkflows

	case "r":
		return a, a.loadRuns

	case "u":
		if run := a.selectedRun(); run != nil {
			return a, a.resumeRun(run.ID)
		}

	case "s":
		return a, a.failStale()

	case "d":
		if run := a.selectedRun(); run != nil {
			return a, a.deleteRun(run.ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.detail = nil
		a.events = nil
		a.selectedStepIdx = 0
		return a, a.loadRuns

	case "up", "k":
		if a.selectedStepIdx > 0 {
			a.selectedStepIdx--
		}

	case "down", "j":
		if a.detail != nil && a.selectedStepIdx < len(a.detail.Steps)-1 {
			a.selectedStepIdx++
		}

	case "enter", "o":
		if a.detail != nil && a.selectedStepIdx < len(a.detail.Steps) {
			step := a.detail.Steps[a.selectedStepIdx]
			content := step.Output
			if content == "" {
				content = "(no output)"
			}
			a.output.SetContent(content)
			a.output.GotoTop()
			a.view = ViewOutput
		}

	case "u":
		if a.detail != nil {
			return a, a.resumeRun(a.detail.Run.ID)
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		return a, nil
	}
	var cmd tea.Cmd
	a.output, cmd = a.output.Update(msg)
	return a, cmd
}

func (a *App) handleWorkflowsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
	}
	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewWorkflows:
		return a.viewWorkflows()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("16")).Background(lipgloss.Color("111"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle     = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("240"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("110"))

	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
)

func (a *App) header(title string) string {
	s := titleStyle.Render(title) + "\n\n"
	if a.err != nil {
		s += failedStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	} else if a.status != "" {
		s += dimStyle.Render(a.status) + "\n"
	}
	return s
}

func (a *App) viewRunList() string {
	s := a.header("Foreman")

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with `foreman run <workflow> <task>`.\n"
	} else {
		s += labelStyle.Render(fmt.Sprintf("%-10s%-19s%-12s%-6s %s", "RUN", "WORKFLOW", "STATUS", "AGE", "TASK")) + "\n"
		for i, run := range a.runs {
			row := runRow(run)
			switch {
			case i == a.selectedIdx:
				row = selectedStyle.Render("> " + row)
			case run.Status == models.RunStatusRunning:
				row = "  " + row
			default:
				row = "  " + dimStyle.Render(row)
			}
			s += row + "\n"
		}
	}

	s += "\n" + helpStyle.Render("enter: view  u: resume  s: fail stale  d: delete  w: workflows  r: refresh  q: quit")
	return s
}

func runRow(run *models.Run) string {
	return fmt.Sprintf("%-8s  %-18s %s %-5s  %s", shortID(run.ID), truncate(run.WorkflowID, 18),
		statusLabel(run.Status), since(run.CreatedAt, time.Now()), truncate(run.Task, 40))
}

// since renders the age of t compactly: 45s, 12m, 3h, 2d.
func since(t, now time.Time) string {
	d := now.Sub(t)
	if d < time.Minute {
		return fmt.Sprintf("%ds", max(int(d.Seconds()), 0))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	if d < 48*time.Hour {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
}

func statusLabel(status models.RunStatus) string {
	label := fmt.Sprintf("%-10s", status)
	switch status {
	case models.RunStatusRunning:
		return runningStyle.Render(label)
	case models.RunStatusCompleted:
		return doneStyle.Render(label)
	case models.RunStatusFailed:
		return failedStyle.Render(label)
	}
	return label
}

func formatStepStatus(status models.StepStatus) string {
	switch status {
	case models.StepStatusDone:
		return doneStyle.Render("✓")
	case models.StepStatusRunning:
		return runningStyle.Render("●")
	case models.StepStatusPending:
		return pendingStyle.Render("◌")
	case models.StepStatusFailed:
		return failedStyle.Render("✗")
	default:
		return dimStyle.Render("○")
	}
}

func formatStoryStatus(status models.StoryStatus) string {
	switch status {
	case models.StoryStatusDone:
		return doneStyle.Render("✓")
	case models.StoryStatusRunning:
		return runningStyle.Render("●")
	case models.StoryStatusFailed:
		return failedStyle.Render("✗")
	default:
		return dimStyle.Render("○")
	}
}

func (a *App) viewRunDetail() string {
	if a.detail == nil {
		return "No run selected"
	}
	run := a.detail.Run

	s := a.header(fmt.Sprintf("Run %s: %s", shortID(run.ID), run.WorkflowID))
	s += statusLabel(run.Status) + "  " + dimStyle.Render(storage.FormatTimeAgo(run.UpdatedAt)) + "\n\n"
	s += run.Task + "\n\n"

	stories := make(map[string][]*models.Story)
	for _, st := range a.detail.Stories {
		stories[st.StepID] = append(stories[st.StepID], st)
	}

	s += "Steps\n"
	s += "─────\n"
	for i, step := range a.detail.Steps {
		line := fmt.Sprintf("%d. %-14s %s  %-10s %s", step.Index+1, truncate(step.StepID, 14),
			formatStepStatus(step.Status), truncate(step.AgentID, 10), dimStyle.Render(string(step.Kind)))
		if step.RetryCount > 0 {
			line += "  " + runningStyle.Render(fmt.Sprintf("retry %d/%d", step.RetryCount, step.MaxRetries))
		}
		if i == a.selectedStepIdx {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		s += line + "\n"

		for _, st := range stories[step.ID] {
			mark := " "
			if st.ID == step.CurrentStoryID {
				mark = "›"
			}
			s += fmt.Sprintf("     %s %s %-6s %s", mark, formatStoryStatus(st.Status), st.Key, truncate(st.Title, 40))
			if st.RetryCount > 0 {
				s += dimStyle.Render(fmt.Sprintf("  (retries %d)", st.RetryCount))
			}
			s += "\n"
		}
	}

	if len(a.events) > 0 {
		s += "\nEvents\n"
		s += "──────\n"
		for _, e := range a.events {
			s += dimStyle.Render(e.Time.Format("15:04:05")) + "  " + fmt.Sprintf("%-18s", e.Kind)
			if e.StepID != "" {
				s += " " + labelStyle.Render(e.StepID)
			}
			if e.Detail != "" {
				s += " " + truncate(e.Detail, 60)
			}
			s += "\n"
		}
	}

	s += "\n" + helpStyle.Render("up/down: select  enter: output  u: resume  esc: back")
	return s
}

func (a *App) viewWorkflows() string {
	s := a.header("Workflows")

	if len(a.workflows) == 0 {
		s += "  (no workflows found)\n"
	}

	ids := make([]string, 0, len(a.workflows))
	for id := range a.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		wf := a.workflows[id]
		steps := make([]string, 0, len(wf.Steps))
		for _, st := range wf.Steps {
			steps = append(steps, st.ID)
		}
		s += fmt.Sprintf("  • %-18s %s\n", id, dimStyle.Render(strings.Join(steps, " → ")))
	}

	s += "\n" + helpStyle.Render("esc: back")
	return s
}

func (a *App) viewOutput() string {
	title := "Output"
	if a.detail != nil && a.selectedStepIdx < len(a.detail.Steps) {
		title = "Output: " + a.detail.Steps[a.selectedStepIdx].StepID
	}
	return titleStyle.Render(title) + "\n\n" + a.output.View() + "\n" +
		helpStyle.Render(fmt.Sprintf("%3.f%%  up/down: scroll  esc: back", a.output.ScrollPercent()*100))
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	detail *orchestrator.RunDetail
	events []*models.Event
	err    error
}

type actionDoneMsg struct {
	status string
	err    error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.orchestrator.ListRuns(context.Background(), 20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		detail, err := a.orchestrator.RunDetail(ctx, id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		events, err := a.orchestrator.Events(ctx, storage.EventFilter{RunID: id, Limit: recentEvents})
		return runDetailMsg{detail: detail, events: events, err: err}
	}
}

func (a *App) resumeRun(id string) tea.Cmd {
	return func() tea.Msg {
		res, err := a.orchestrator.Resume(context.Background(), id)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("Resumed %s at %s", shortID(id), res.StepName)}
	}
}

func (a *App) failStale() tea.Cmd {
	return func() tea.Msg {
		failed, err := a.orchestrator.FailStaleRuns(context.Background())
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("Failed %d stale run(s)", len(failed))}
	}
}

func (a *App) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.orchestrator.DeleteRun(context.Background(), id); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "Deleted " + shortID(id)}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
