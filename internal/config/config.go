package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir            string        `yaml:"-"`
	DBPath             string        `yaml:"db_path"`
	UserWorkflowDir    string        `yaml:"-"`
	ProjectWorkflowDir string        `yaml:"project_workflow_dir"`
	StaleThreshold     time.Duration `yaml:"stale_threshold"`
	StepTimeout        time.Duration `yaml:"step_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	// AgentCommand is run by the scheduler to wake an agent that has
	// pending work. Empty disables waking.
	AgentCommand string `yaml:"agent_command"`
	LogLevel     string `yaml:"log_level"`
	// ListenAddr is where `foreman serve` accepts agent API requests.
	ListenAddr string `yaml:"listen_addr"`
}

// New builds the configuration from defaults, then an optional config.yaml
// in the data directory, then FOREMAN_* environment variables.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return load(getEnv("FOREMAN_DATA_DIR", filepath.Join(homeDir, ".foreman")))
}

func load(dataDir string) (*Config, error) {
	c := &Config{
		DataDir:            dataDir,
		DBPath:             filepath.Join(dataDir, "foreman.db"),
		UserWorkflowDir:    filepath.Join(dataDir, "workflows"),
		ProjectWorkflowDir: ".foreman/workflows",
		StaleThreshold:     120 * time.Minute,
		StepTimeout:        60 * time.Minute,
		PollInterval:       30 * time.Second,
		LogLevel:           "info",
		ListenAddr:         "127.0.0.1:7077",
	}

	if err := c.readFile(filepath.Join(dataDir, "config.yaml")); err != nil {
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("FOREMAN_STALE_MINUTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("FOREMAN_STALE_MINUTES must be a positive integer, got %q", v)
		}
		c.StaleThreshold = time.Duration(n) * time.Minute
	}
	if v, ok := os.LookupEnv("FOREMAN_STEP_TIMEOUT_MINUTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("FOREMAN_STEP_TIMEOUT_MINUTES must be a positive integer, got %q", v)
		}
		c.StepTimeout = time.Duration(n) * time.Minute
	}
	if v, ok := os.LookupEnv("FOREMAN_POLL_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("FOREMAN_POLL_INTERVAL must be a positive duration, got %q", v)
		}
		c.PollInterval = d
	}
	c.AgentCommand = getEnv("FOREMAN_AGENT_CMD", c.AgentCommand)
	c.LogLevel = getEnv("FOREMAN_LOG_LEVEL", c.LogLevel)
	c.ListenAddr = getEnv("FOREMAN_LISTEN_ADDR", c.ListenAddr)
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserWorkflowDir, 0755); err != nil {
		return err
	}
	return nil
}

// WorkflowDirs lists workflow directories, lowest precedence first.
func (c *Config) WorkflowDirs() []string {
	return []string{c.UserWorkflowDir, c.ProjectWorkflowDir}
}

// Level maps LogLevel onto slog, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
