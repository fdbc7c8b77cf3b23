package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/models"
)

const featureYAML = `
id: feature
name: Feature
context:
  repo: /src/app
steps:
  - id: plan
    agent: planner
    input: "Plan {{task}}"
    expects: [STORIES_JSON]
  - id: implement
    agent: developer
    type: loop
    input: "{{current_story}}"
    loop:
      over: STORIES_JSON
      verify_each: true
      verify_step: verify
      max_retries: 3
  - id: verify
    agent: verifier
    input: "Check {{current_story_id}}"
    max_retries: 0
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "feature.yaml", featureYAML)

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "feature", spec.ID)
	assert.Equal(t, "/src/app", spec.Context["repo"])
	require.Len(t, spec.Steps, 3)

	impl := spec.Steps[1]
	assert.Equal(t, models.StepTypeLoop, impl.StepType())
	assert.Equal(t, "verify", impl.Loop.VerifyStep)
	assert.Equal(t, 3, impl.Loop.MaxRetries)
	assert.Equal(t, models.DefaultMaxRetries, impl.Retries())

	assert.Equal(t, 0, spec.Steps[2].Retries())
	assert.Equal(t, map[string]string{"verify": "implement"}, spec.VerifyTargets())
}

func TestParse_DefaultsIDToFileName(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hotfix.yml", "steps:\n  - id: fix\n    agent: dev\n    input: go\n")
	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hotfix", spec.ID)
}

func TestLoadAll(t *testing.T) {
	user := t.TempDir()
	project := t.TempDir()
	writeFile(t, user, "feature.yaml", featureYAML)
	writeFile(t, user, "notes.txt", "not a workflow")
	writeFile(t, user, "solo.lua", `workflow { id = "solo", steps = { step { id = "a", agent = "x", input = "do" } } }`)
	writeFile(t, project, "override.yaml", "id: feature\nsteps:\n  - id: only\n    agent: dev\n    input: go\n")

	specs, err := LoadAll([]string{user, filepath.Join(user, "missing"), project})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Len(t, specs["feature"].Steps, 1)
	assert.Equal(t, "only", specs["feature"].Steps[0].ID)
	assert.Contains(t, specs, "solo")
}

func TestLoadAll_InvalidWorkflow(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", "id: bad\nsteps: []\n")

	_, err := LoadAll([]string{dir})
	assert.ErrorContains(t, err, "at least one step")
}

func TestValidate(t *testing.T) {
	step := func(id, agent string) *models.StepSpec {
		return &models.StepSpec{ID: id, Agent: agent, Input: "do " + id}
	}
	loop := func(id, verify string) *models.StepSpec {
		s := step(id, "dev")
		s.Type = models.StepTypeLoop
		s.Loop = &models.LoopConfig{VerifyEach: verify != "", VerifyStep: verify}
		return s
	}
	neg := -1

	tests := []struct {
		name   string
		steps  []*models.StepSpec
		errMsg string
	}{
		{"valid pair", []*models.StepSpec{loop("impl", "check"), step("check", "qa")}, ""},
		{"no steps", nil, "at least one step"},
		{"duplicate", []*models.StepSpec{step("a", "x"), step("a", "y")}, "duplicate step id"},
		{"no agent", []*models.StepSpec{step("a", "")}, "must have an agent"},
		{"empty input", []*models.StepSpec{{ID: "a", Agent: "x", Input: "  "}}, "must have an input"},
		{"negative retries", []*models.StepSpec{{ID: "a", Agent: "x", Input: "i", MaxRetries: &neg}}, "negative max_retries"},
		{"unknown type", []*models.StepSpec{{ID: "a", Agent: "x", Input: "i", Type: "fanout"}}, "unknown type"},
		{"loop block on single", []*models.StepSpec{{ID: "a", Agent: "x", Input: "i", Loop: &models.LoopConfig{}}}, "not a loop"},
		{"verify missing", []*models.StepSpec{loop("impl", "ghost")}, "not found"},
		{"verify before loop", []*models.StepSpec{step("check", "qa"), loop("impl", "check")}, "must come after"},
		{"verify itself", []*models.StepSpec{loop("impl", "impl")}, "cannot verify itself"},
		{"verify is loop", []*models.StepSpec{loop("impl", "other"), loop("other", "")}, "cannot itself be a loop"},
		{"shared verify", []*models.StepSpec{loop("a", "check"), loop("b", "check"), step("check", "qa")}, "verifies both"},
		{"verify_each without step", []*models.StepSpec{{ID: "a", Agent: "x", Input: "i", Type: models.StepTypeLoop,
			Loop: &models.LoopConfig{VerifyEach: true}}}, "without verify_step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&models.WorkflowSpec{ID: "wf", Steps: tt.steps})
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestIsPath(t *testing.T) {
	path := writeFile(t, t.TempDir(), "wf.yaml", featureYAML)
	assert.True(t, IsPath(path))
	assert.False(t, IsPath("feature"))
	assert.False(t, IsPath(filepath.Join(t.TempDir(), "absent.yaml")))
}
