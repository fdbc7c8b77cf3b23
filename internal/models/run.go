package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are expected without a resume.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

type Run struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	Task       string            `json:"task"`
	Status     RunStatus         `json:"status"`
	Context    map[string]string `json:"context"`
	NotifyURL  string            `json:"notify_url,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
