package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	c, err := load(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "foreman.db"), c.DBPath)
	assert.Equal(t, 120*time.Minute, c.StaleThreshold)
	assert.Equal(t, 60*time.Minute, c.StepTimeout)
	assert.Equal(t, 30*time.Second, c.PollInterval)
	assert.Empty(t, c.AgentCommand)
	assert.Equal(t, "127.0.0.1:7077", c.ListenAddr)
	assert.Equal(t, slog.LevelInfo, c.Level())
	assert.Equal(t, []string{filepath.Join(dir, "workflows"), ".foreman/workflows"}, c.WorkflowDirs())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "stale_threshold: 90m\npoll_interval: 10s\nagent_command: wake-agent\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	c, err := load(dir)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, c.StaleThreshold)
	assert.Equal(t, 10*time.Second, c.PollInterval)
	assert.Equal(t, "wake-agent", c.AgentCommand)
	assert.Equal(t, slog.LevelDebug, c.Level())

	t.Setenv("FOREMAN_STALE_MINUTES", "15")
	t.Setenv("FOREMAN_STEP_TIMEOUT_MINUTES", "5")
	t.Setenv("FOREMAN_AGENT_CMD", "other-agent")
	t.Setenv("FOREMAN_LISTEN_ADDR", ":9000")
	c, err = load(dir)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, c.StaleThreshold)
	assert.Equal(t, 5*time.Minute, c.StepTimeout)
	assert.Equal(t, "other-agent", c.AgentCommand)
	assert.Equal(t, ":9000", c.ListenAddr)
}

func TestLoad_InvalidEnv(t *testing.T) {
	for _, tt := range []struct{ key, value string }{
		{"FOREMAN_STALE_MINUTES", "0"},
		{"FOREMAN_STALE_MINUTES", "soon"},
		{"FOREMAN_STEP_TIMEOUT_MINUTES", "-3"},
		{"FOREMAN_POLL_INTERVAL", "often"},
	} {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := load(t.TempDir())
			assert.ErrorContains(t, err, tt.key)
		})
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("stale_threshold: [1"), 0o644))
	_, err := load(dir)
	assert.Error(t, err)
}

func TestNew_UsesDataDirEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FOREMAN_DATA_DIR", dir)

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, dir, c.DataDir)
	require.NoError(t, c.EnsureDataDir())
	assert.DirExists(t, c.UserWorkflowDir)
}
