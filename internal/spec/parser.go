package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/foreman/internal/lua"
	"github.com/mpataki/foreman/internal/models"
)

func Parse(path string) (*models.WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var spec models.WorkflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}

	if spec.ID == "" {
		spec.ID = baseName(path)
	}
	return &spec, nil
}

// Load reads a workflow definition in either YAML or Lua form.
func Load(path string) (*models.WorkflowSpec, error) {
	var (
		spec *models.WorkflowSpec
		err  error
	)
	if lua.IsLuaSpec(path) {
		spec, err = lua.LoadFile(path)
	} else {
		spec, err = Parse(path)
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(spec); err != nil {
		return nil, fmt.Errorf("invalid workflow %s: %w", path, err)
	}
	return spec, nil
}

// LoadAll loads every workflow in dirs. A workflow in a later directory
// replaces one with the same id from an earlier directory.
func LoadAll(dirs []string) (map[string]*models.WorkflowSpec, error) {
	specs := make(map[string]*models.WorkflowSpec)

	for _, dir := range dirs {
		if err := loadFromDir(dir, specs); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return specs, nil
}

func loadFromDir(dir string, specs map[string]*models.WorkflowSpec) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		spec, err := Load(path)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		specs[spec.ID] = spec
	}

	return nil
}

func isWorkflowFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".lua":
		return true
	}
	return false
}

func baseName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func Validate(spec *models.WorkflowSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("workflow must have an id")
	}
	if len(spec.Steps) == 0 {
		return fmt.Errorf("workflow must define at least one step")
	}

	index := make(map[string]int, len(spec.Steps))
	for i, s := range spec.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d must have an id", i+1)
		}
		if _, dup := index[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		index[s.ID] = i

		if s.Agent == "" {
			return fmt.Errorf("step %q must have an agent", s.ID)
		}
		if strings.TrimSpace(s.Input) == "" {
			return fmt.Errorf("step %q must have an input", s.ID)
		}
		if s.MaxRetries != nil && *s.MaxRetries < 0 {
			return fmt.Errorf("step %q has negative max_retries", s.ID)
		}
		switch s.StepType() {
		case models.StepTypeSingle:
			if s.Loop != nil {
				return fmt.Errorf("step %q has a loop block but is not a loop", s.ID)
			}
		case models.StepTypeLoop:
		default:
			return fmt.Errorf("step %q has unknown type %q", s.ID, s.Type)
		}
	}

	verified := make(map[string]string)
	for i, s := range spec.Steps {
		if s.StepType() != models.StepTypeLoop || s.Loop == nil {
			continue
		}
		if s.Loop.MaxRetries < 0 {
			return fmt.Errorf("loop %q has negative story retries", s.ID)
		}
		if !s.Loop.VerifyEach {
			continue
		}
		target := s.Loop.VerifyStep
		if target == "" {
			return fmt.Errorf("loop %q sets verify_each without verify_step", s.ID)
		}
		if target == s.ID {
			return fmt.Errorf("loop %q cannot verify itself", s.ID)
		}
		j, ok := index[target]
		if !ok {
			return fmt.Errorf("loop %q verify step %q not found", s.ID, target)
		}
		if j < i {
			return fmt.Errorf("loop %q verify step %q must come after it", s.ID, target)
		}
		if spec.Steps[j].StepType() == models.StepTypeLoop {
			return fmt.Errorf("loop %q verify step %q cannot itself be a loop", s.ID, target)
		}
		if other, taken := verified[target]; taken {
			return fmt.Errorf("step %q verifies both %q and %q", target, other, s.ID)
		}
		verified[target] = s.ID
	}

	return nil
}

// IsPath reports whether a workflow argument names a file rather than an
// installed workflow id.
func IsPath(arg string) bool {
	return isWorkflowFile(arg) && fileExists(arg)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
