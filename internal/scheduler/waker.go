package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// CommandWaker starts a shell command per agent with pending work. The
// command sees FOREMAN_AGENT and FOREMAN_WORKFLOW in its environment and is
// expected to claim, do the work, and report completion or failure.
type CommandWaker struct {
	Command string
	Dir     string
	Logger  *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// Wake starts the command for agentID unless one is already running for it.
// It does not wait for the command to finish.
func (w *CommandWaker) Wake(_ context.Context, workflowID, agentID string) error {
	w.mu.Lock()
	if w.running == nil {
		w.running = make(map[string]bool)
	}
	if w.running[agentID] {
		w.mu.Unlock()
		return nil
	}
	w.running[agentID] = true
	w.mu.Unlock()

	// The session outlives the tick that started it.
	cmd := exec.Command("sh", "-c", w.Command)
	cmd.Dir = w.Dir
	cmd.Env = append(os.Environ(), "FOREMAN_AGENT="+agentID, "FOREMAN_WORKFLOW="+workflowID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		w.done(agentID)
		return fmt.Errorf("failed to start agent %s: %w", agentID, err)
	}

	go func() {
		err := cmd.Wait()
		w.done(agentID)
		if err != nil {
			w.logger().Warn("agent session exited with error",
				"agent", agentID, "workflow", workflowID, "error", err, "stderr", tail(stderr.String(), 500))
			return
		}
		w.logger().Debug("agent session finished", "agent", agentID, "workflow", workflowID)
	}()
	return nil
}

// Busy reports whether a session for agentID is still running.
func (w *CommandWaker) Busy(agentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running[agentID]
}

func (w *CommandWaker) done(agentID string) {
	w.mu.Lock()
	delete(w.running, agentID)
	w.mu.Unlock()
}

func (w *CommandWaker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
