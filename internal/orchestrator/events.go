package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

// Notifier pushes an event to a run's notify target.
type Notifier interface {
	Notify(ctx context.Context, target string, e *models.Event) error
}

// Emitter appends events to the log after the transition that produced
// them has committed. Failures are logged and never reach the caller.
type Emitter struct {
	storage  *storage.Storage
	notifier Notifier
	logger   *slog.Logger
}

func (e *Emitter) Emit(ctx context.Context, target string, evt *models.Event) {
	if err := e.storage.InsertEvent(ctx, evt); err != nil {
		e.logger.Warn("failed to record event", "event", evt.Kind, "run", evt.RunID, "error", err)
	}
	if target == "" || e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, target, evt); err != nil {
		e.logger.Warn("failed to notify", "event", evt.Kind, "run", evt.RunID, "target", target, "error", err)
	}
}

type journalEntry struct {
	target string
	event  *models.Event
}

// journal buffers the events of one transaction and the workflows that may
// need their scheduler disarmed once it commits.
type journal struct {
	now      func() time.Time
	entries  []journalEntry
	finished map[string]bool
}

func newJournal(now func() time.Time) *journal {
	return &journal{now: now, finished: make(map[string]bool)}
}

func (j *journal) add(run *models.Run, kind models.EventKind, step *models.Step, story *models.Story, detail string) {
	evt := &models.Event{
		Time:       j.now(),
		Kind:       kind,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Detail:     detail,
	}
	if step != nil {
		evt.StepID = step.StepID
		evt.AgentID = step.AgentID
	}
	if story != nil {
		evt.StoryTitle = story.Title
	}
	j.entries = append(j.entries, journalEntry{target: run.NotifyURL, event: evt})

	if kind == models.EventRunCompleted || kind == models.EventRunFailed {
		j.finished[run.WorkflowID] = true
	}
}

func (j *journal) has(kind models.EventKind) bool {
	for _, e := range j.entries {
		if e.event.Kind == kind {
			return true
		}
	}
	return false
}

func (o *Orchestrator) flush(ctx context.Context, j *journal) {
	for _, e := range j.entries {
		o.emitter.Emit(ctx, e.target, e.event)
	}
	for workflowID := range j.finished {
		o.maybeDisarm(ctx, workflowID)
	}
}
