package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/Shopify/go-lua"

	"AgentForge/internal/blueprint"
)

// sandboxLibraries are the Lua libraries available to evaluated code. io, os,
// package and debug are never opened.
var sandboxLibraries = []struct {
	name string
	open lua.Function
}{
	{"_G", lua.BaseOpen},
	{"string", lua.StringOpen},
	{"table", lua.TableOpen},
	{"math", lua.MathOpen},
}

// blockedGlobals are removed from the base library after it is opened.
var blockedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"}

type codeEvalTool struct {
	base
}

func newCodeEvalTool(spec blueprint.ToolSpec) *codeEvalTool {
	if len(spec.Parameters) == 0 {
		spec.Parameters = map[string]string{"code": "Lua chunk; the value it returns is the result"}
	}
	if spec.Description == "" {
		spec.Description = "Evaluate a Lua snippet and return its result."
	}
	return &codeEvalTool{base: base{spec: spec}}
}

// Invoke runs the chunk in a fresh state. The state is confined to one
// goroutine; when ctx ends first the result is abandoned.
func (t *codeEvalTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	code := stringArg(args, "code")
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("code is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	type outcome struct {
		value string
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := evalLua(code)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		return res.value, res.err
	}
}

func evalLua(code string) (string, error) {
	state := lua.NewState()
	for _, lib := range sandboxLibraries {
		lua.Require(state, lib.name, lib.open, true)
		state.Pop(1)
	}
	for _, name := range blockedGlobals {
		state.PushNil()
		state.SetGlobal(name)
	}

	if err := lua.LoadString(state, code); err != nil {
		return "", fmt.Errorf("compile lua: %w", err)
	}
	if err := state.ProtectedCall(0, 1, 0); err != nil {
		return "", fmt.Errorf("run lua: %w", err)
	}
	defer state.Pop(1)

	switch {
	case state.IsNil(-1):
		return "nil", nil
	case state.IsBoolean(-1):
		return fmt.Sprint(state.ToBoolean(-1)), nil
	}
	value, ok := state.ToString(-1)
	if !ok {
		return "", fmt.Errorf("lua result of type %s is not printable", lua.TypeNameOf(state, -1))
	}
	return truncate(value), nil
}
