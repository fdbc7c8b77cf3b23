package models

import "time"

type StepStatus string

const (
	StepStatusWaiting StepStatus = "waiting"
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
)

// Open reports whether the step can still make progress in the current run.
func (s StepStatus) Open() bool {
	return s == StepStatusWaiting || s == StepStatusPending || s == StepStatusRunning
}

type StepType string

const (
	StepTypeSingle StepType = "single"
	StepTypeLoop   StepType = "loop"
)

// StepKind tags the role a step plays in its run. A loop step and its verify
// step point at each other through LinkedStepID.
type StepKind string

const (
	StepKindSingle StepKind = "single"
	StepKindLoop   StepKind = "loop"
	StepKindVerify StepKind = "verify"
)

type Step struct {
	ID             string      `json:"id"`
	RunID          string      `json:"run_id"`
	StepID         string      `json:"step_id"` // definition id from the workflow spec
	AgentID        string      `json:"agent_id"`
	Index          int         `json:"index"`
	InputTemplate  string      `json:"input_template"`
	Expects        []string    `json:"expects,omitempty"`
	Status         StepStatus  `json:"status"`
	MaxRetries     int         `json:"max_retries"`
	RetryCount     int         `json:"retry_count"`
	Type           StepType    `json:"type"`
	Kind           StepKind    `json:"kind"`
	LinkedStepID   string      `json:"linked_step_id,omitempty"`
	Loop           *LoopConfig `json:"loop,omitempty"`
	CurrentStoryID string      `json:"current_story_id,omitempty"`
	Output         string      `json:"output"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// VerifiesEachStory reports whether completing this loop step hands the
// story to a paired verify step instead of marking it done.
func (s *Step) VerifiesEachStory() bool {
	return s.Kind == StepKindLoop && s.Loop != nil && s.Loop.VerifyEach && s.LinkedStepID != ""
}

// StoryRetryLimit is the number of retries each story of a loop step gets.
func (s *Step) StoryRetryLimit() int {
	if s.Loop != nil && s.Loop.MaxRetries > 0 {
		return s.Loop.MaxRetries
	}
	return s.MaxRetries
}
