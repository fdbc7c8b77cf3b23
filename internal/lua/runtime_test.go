package lua

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/models"
)

const featureScript = `
local retries = 1
log("building feature workflow")

workflow {
  id = "feature",
  name = "Feature",
  context = { repo = "/src/app" },
  steps = {
    step { id = "plan", agent = "planner", input = "Plan {{task}}", expects = { "STORIES_JSON" } },
    loop {
      id = "implement", agent = "developer", input = "{{current_story}}",
      over = "STORIES_JSON", verify_each = true, verify_step = "verify", story_retries = 3,
    },
    step { id = "verify", agent = "verifier", input = "Check " .. string.upper("it"), max_retries = retries },
  },
}
`

func TestEval(t *testing.T) {
	r := NewRuntime()
	spec, err := r.Eval(featureScript)
	require.NoError(t, err)

	assert.Equal(t, "feature", spec.ID)
	assert.Equal(t, "Feature", spec.Name)
	assert.Equal(t, map[string]string{"repo": "/src/app"}, spec.Context)
	assert.Equal(t, []string{"building feature workflow"}, r.Logs())
	require.Len(t, spec.Steps, 3)

	plan := spec.Steps[0]
	assert.Equal(t, models.StepTypeSingle, plan.Type)
	assert.Equal(t, []string{"STORIES_JSON"}, plan.Expects)
	assert.Nil(t, plan.MaxRetries)
	assert.Nil(t, plan.Loop)

	impl := spec.Steps[1]
	assert.Equal(t, models.StepTypeLoop, impl.Type)
	require.NotNil(t, impl.Loop)
	assert.Equal(t, models.LoopConfig{Over: "STORIES_JSON", VerifyEach: true, VerifyStep: "verify", MaxRetries: 3}, *impl.Loop)

	verify := spec.Steps[2]
	assert.Equal(t, "Check IT", verify.Input)
	require.NotNil(t, verify.MaxRetries)
	assert.Equal(t, 1, *verify.MaxRetries)
}

func TestEval_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		errMsg string
	}{
		{"no workflow", `local x = 1`, "must declare a workflow"},
		{"workflow twice", `workflow { id = "a", steps = {} } workflow { id = "b", steps = {} }`, "only be called once"},
		{"missing steps", `workflow { id = "a" }`, "must have a steps list"},
		{"wrong field type", `workflow { id = "a", steps = { step { id = 5 } } }`, "must be a string"},
		{"syntax error", `workflow {`, "failed to evaluate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRuntime().Eval(tt.script)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestEval_Sandbox(t *testing.T) {
	for _, global := range []string{"dofile", "loadfile", "load", "require", "print", "math.random", "os", "io"} {
		t.Run(global, func(t *testing.T) {
			_, err := NewRuntime().Eval(global + `("x")`)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_DefaultsIDToFileName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bugfix.lua")
	script := `workflow { steps = { step { id = "fix", agent = "dev", input = "Fix {{task}}" } } }`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))

	spec, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bugfix", spec.ID)
	assert.True(t, IsLuaSpec(path))
	assert.False(t, IsLuaSpec("bugfix.yaml"))
}
