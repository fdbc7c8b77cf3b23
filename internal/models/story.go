package models

import "time"

type StoryStatus string

const (
	StoryStatusPending StoryStatus = "pending"
	StoryStatusRunning StoryStatus = "running"
	StoryStatusDone    StoryStatus = "done"
	StoryStatusFailed  StoryStatus = "failed"
)

func (s StoryStatus) Terminal() bool {
	return s == StoryStatusDone || s == StoryStatusFailed
}

// Story is one work item of a loop step.
type Story struct {
	ID                 string      `json:"id"`
	RunID              string      `json:"run_id"`
	StepID             string      `json:"step_id"` // row id of the owning loop step
	Index              int         `json:"index"`
	Key                string      `json:"key"`     // planner-assigned id, e.g. US-001
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	AcceptanceCriteria []string    `json:"acceptance_criteria,omitempty"`
	Status             StoryStatus `json:"status"`
	RetryCount         int         `json:"retry_count"`
	Output             string      `json:"output"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}
