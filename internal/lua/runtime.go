package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/foreman/internal/models"
)

// Runtime evaluates a Lua workflow definition in a sandboxed state. A
// script declares its workflow with the workflow{...} builder; step{...}
// and loop{...} build its steps.
type Runtime struct {
	spec *models.WorkflowSpec
	logs []string
}

func NewRuntime() *Runtime {
	return &Runtime{logs: make([]string, 0)}
}

// LoadFile evaluates the script at path and returns the workflow it
// declares.
func LoadFile(path string) (*models.WorkflowSpec, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	spec, err := NewRuntime().Eval(string(script))
	if err != nil {
		return nil, err
	}
	if spec.ID == "" {
		spec.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return spec, nil
}

// Eval runs a script and returns the workflow it declared.
func (r *Runtime) Eval(script string) (*models.WorkflowSpec, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("failed to evaluate workflow script: %w", err)
	}
	if r.spec == nil {
		return nil, fmt.Errorf("script must declare a workflow with workflow{...}")
	}
	return r.spec, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	// pairs, ipairs, type, tostring, tonumber, error
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Definitions must evaluate the same way every time.
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("workflow", L.NewFunction(r.luaWorkflow))
	L.SetGlobal("step", L.NewFunction(r.luaStep))
	L.SetGlobal("loop", L.NewFunction(r.luaLoop))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaWorkflow implements workflow{id=, name=, description=, context=, steps=}
func (r *Runtime) luaWorkflow(L *lua.LState) int {
	if r.spec != nil {
		L.RaiseError("workflow{} may only be called once")
		return 0
	}
	tbl := L.CheckTable(1)

	spec := &models.WorkflowSpec{
		ID:          stringField(L, tbl, "id"),
		Name:        stringField(L, tbl, "name"),
		Description: stringField(L, tbl, "description"),
	}

	if ctx, ok := tbl.RawGetString("context").(*lua.LTable); ok {
		spec.Context = make(map[string]string)
		ctx.ForEach(func(k, v lua.LValue) {
			spec.Context[k.String()] = v.String()
		})
	}

	steps, ok := tbl.RawGetString("steps").(*lua.LTable)
	if !ok {
		L.RaiseError("workflow %q must have a steps list", spec.ID)
		return 0
	}
	for i := 1; i <= steps.Len(); i++ {
		st, ok := steps.RawGetInt(i).(*lua.LTable)
		if !ok {
			L.RaiseError("step %d of workflow %q is not a table", i, spec.ID)
			return 0
		}
		spec.Steps = append(spec.Steps, r.toStepSpec(L, st))
	}

	r.spec = spec
	L.Push(tbl)
	return 1
}

// luaStep implements step{id=, agent=, input=, expects=, max_retries=}
func (r *Runtime) luaStep(L *lua.LState) int {
	tbl := L.CheckTable(1)
	L.SetField(tbl, "type", lua.LString(models.StepTypeSingle))
	L.Push(tbl)
	return 1
}

// luaLoop implements loop{id=, agent=, input=, over=, verify_each=,
// verify_step=, story_retries=, max_retries=}
func (r *Runtime) luaLoop(L *lua.LState) int {
	tbl := L.CheckTable(1)
	L.SetField(tbl, "type", lua.LString(models.StepTypeLoop))
	L.Push(tbl)
	return 1
}

func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	return 0
}

func (r *Runtime) toStepSpec(L *lua.LState, tbl *lua.LTable) *models.StepSpec {
	s := &models.StepSpec{
		ID:    stringField(L, tbl, "id"),
		Agent: stringField(L, tbl, "agent"),
		Input: stringField(L, tbl, "input"),
		Type:  models.StepType(stringField(L, tbl, "type")),
	}

	if expects, ok := tbl.RawGetString("expects").(*lua.LTable); ok {
		for i := 1; i <= expects.Len(); i++ {
			s.Expects = append(s.Expects, expects.RawGetInt(i).String())
		}
	}
	if n, ok := tbl.RawGetString("max_retries").(lua.LNumber); ok {
		retries := int(n)
		s.MaxRetries = &retries
	}

	if s.Type == models.StepTypeLoop {
		s.Loop = &models.LoopConfig{
			Over:       stringField(L, tbl, "over"),
			VerifyEach: lua.LVAsBool(tbl.RawGetString("verify_each")),
			VerifyStep: stringField(L, tbl, "verify_step"),
		}
		if n, ok := tbl.RawGetString("story_retries").(lua.LNumber); ok {
			s.Loop.MaxRetries = int(n)
		}
	}
	return s
}

// stringField reads an optional string field, raising on a wrong type.
func stringField(L *lua.LState, tbl *lua.LTable, name string) string {
	switch v := tbl.RawGetString(name).(type) {
	case *lua.LNilType:
		return ""
	case lua.LString:
		return string(v)
	default:
		L.RaiseError("field %q must be a string, got %s", name, v.Type())
		return ""
	}
}

// Logs returns the messages the script passed to log().
func (r *Runtime) Logs() []string {
	return r.logs
}

// IsLuaSpec checks if a file is a Lua workflow definition
func IsLuaSpec(path string) bool {
	return filepath.Ext(path) == ".lua"
}
