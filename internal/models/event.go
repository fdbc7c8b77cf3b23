package models

import "time"

type EventKind string

const (
	EventRunStarted       EventKind = "run.started"
	EventRunCompleted     EventKind = "run.completed"
	EventRunFailed        EventKind = "run.failed"
	EventRunResumed       EventKind = "run.resumed"
	EventStepPending      EventKind = "step.pending"
	EventStepRunning      EventKind = "step.running"
	EventStepDone         EventKind = "step.done"
	EventStepFailed       EventKind = "step.failed"
	EventStepTimeout      EventKind = "step.timeout"
	EventStoryStarted     EventKind = "story.started"
	EventStoryDone        EventKind = "story.done"
	EventStoryRetry       EventKind = "story.retry"
	EventStoryFailed      EventKind = "story.failed"
	EventPipelineAdvanced EventKind = "pipeline.advanced"
)

// Event is an append-only record of a state transition.
type Event struct {
	ID         int64     `json:"id"`
	Time       time.Time `json:"ts"`
	Kind       EventKind `json:"event"`
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	StoryTitle string    `json:"story_title,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}
