package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   map[string]string
		status string
	}{
		{
			name:   "simple pairs",
			text:   "STATUS: done\nBRANCH: feat/login\nREPO: /src/app",
			want:   map[string]string{"BRANCH": "feat/login", "REPO": "/src/app"},
			status: "done",
		},
		{
			name:   "prose and lower case keys are ignored",
			text:   "Here is what I did.\nNote: not a field\nhttp://example.com\nSTATUS: Done",
			want:   map[string]string{},
			status: "done",
		},
		{
			name: "first occurrence wins",
			text: "RESULT: one\nRESULT: two",
			want: map[string]string{"RESULT": "one"},
		},
		{
			name: "multi-line json value",
			text: "STORIES_JSON: [\n  {\"id\": \"A\"},\n  {\"id\": \"B\"}\n]\nNEXT: x",
			want: map[string]string{
				"STORIES_JSON": "[\n  {\"id\": \"A\"},\n  {\"id\": \"B\"}\n]",
				"NEXT":         "x",
			},
		},
		{
			name: "json starting on the following line",
			text: "DATA:\n{\"a\": 1}",
			want: map[string]string{"DATA": "{\"a\": 1}"},
		},
		{
			name: "unterminated json keeps the first line",
			text: "DATA: [1, 2\nOTHER: y",
			want: map[string]string{"DATA": "[1, 2", "OTHER": "y"},
		},
		{
			name:   "crlf line endings",
			text:   "STATUS: retry\r\nISSUES: missing tests\r\n",
			want:   map[string]string{"ISSUES": "missing tests"},
			status: "retry",
		},
		{
			name: "no fields",
			text: "",
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ParseOutput(tt.text)
			assert.Equal(t, tt.want, out.Extract(nil))
			assert.Equal(t, tt.status, out.Status())
		})
	}
}

func TestOutputExtractExpects(t *testing.T) {
	out := ParseOutput("STATUS: done\nPLAN: a\nNOTES: b")
	assert.Equal(t, map[string]string{"PLAN": "a"}, out.Extract([]string{"plan", "MISSING"}))
	assert.Equal(t, []string{"STATUS", "PLAN", "NOTES"}, out.Keys())

	v, ok := out.Get("Plan")
	assert.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestResolveTemplate(t *testing.T) {
	vars := map[string]string{"task": "ship it", "repo": "/src", "current_story": "Story A"}

	tests := []struct {
		tmpl string
		want string
	}{
		{"Do {{task}} in {{repo}}", "Do ship it in /src"},
		{"{{ TASK }}", "ship it"},
		{"{{Current_Story}}", "Story A"},
		{"{{unknown}}", "[missing: unknown]"},
		{"no placeholders", "no placeholders"},
		{"{{task}}{{task}}", "ship itship it"},
		{"{ {task} }", "{ {task} }"},
		{"X={{x}} Y={{Y}}", "X=1 Y=exact"},
	}
	vars["X"] = "1"
	vars["Y"] = "exact"
	vars["y"] = "folded"
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveTemplate(tt.tmpl, vars), tt.tmpl)
	}
}

func TestSetVarReplacesOtherCase(t *testing.T) {
	vars := map[string]string{"plan": "old", "task": "t"}
	setVar(vars, "PLAN", "new")
	assert.Equal(t, map[string]string{"PLAN": "new", "task": "t"}, vars)
}
