package models

// WorkflowSpec is a parsed workflow definition. It is read once, when a run
// is created.
type WorkflowSpec struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Context     map[string]string `yaml:"context,omitempty"`
	Steps       []*StepSpec       `yaml:"steps"`
}

type StepSpec struct {
	ID         string      `yaml:"id"`
	Agent      string      `yaml:"agent"`
	Input      string      `yaml:"input"`
	Expects    []string    `yaml:"expects,omitempty"`
	MaxRetries *int        `yaml:"max_retries,omitempty"`
	Type       StepType    `yaml:"type,omitempty"`
	Loop       *LoopConfig `yaml:"loop,omitempty"`
}

// LoopConfig describes how a loop step iterates over stories.
type LoopConfig struct {
	Over       string `yaml:"over" json:"over"`
	VerifyEach bool   `yaml:"verify_each" json:"verify_each"`
	VerifyStep string `yaml:"verify_step,omitempty" json:"verify_step,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// DefaultMaxRetries applies when a step spec leaves max_retries unset.
const DefaultMaxRetries = 2

// DefaultStoriesKey is the context key a loop reads its stories from.
const DefaultStoriesKey = "stories_json"

func (s *StepSpec) Retries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

func (s *StepSpec) StepType() StepType {
	if s.Type == "" {
		return StepTypeSingle
	}
	return s.Type
}

// VerifyTargets maps a verify step id to the id of the loop step that owns it.
func (w *WorkflowSpec) VerifyTargets() map[string]string {
	targets := make(map[string]string)
	for _, s := range w.Steps {
		if s.StepType() == StepTypeLoop && s.Loop != nil && s.Loop.VerifyEach && s.Loop.VerifyStep != "" {
			targets[s.Loop.VerifyStep] = s.ID
		}
	}
	return targets
}
