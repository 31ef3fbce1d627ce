// Package tools implements the tool components an execution unit can call.
//
// Every tool is built from a blueprint.ToolSpec and satisfies unit.Tool. Tools
// hold no per-run state, so a unit instantiated once can be reused across
// executions while a guardrail invoker wraps each call.
package tools

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"AgentForge/internal/blueprint"
	"AgentForge/internal/llm"
	"AgentForge/internal/unit"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResultLength = 16 * 1024
)

// Options controls shared dependencies of the built tools.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Build creates the runtime tool for a spec.
func Build(spec blueprint.ToolSpec, opts Options) (unit.Tool, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	switch spec.Type {
	case blueprint.ToolHTTP:
		return newHTTPTool(spec, client)
	case blueprint.ToolWebSearch:
		return newWebSearchTool(spec, client)
	case blueprint.ToolMCP:
		return newMCPTool(spec, client)
	case blueprint.ToolCodeEval:
		return newCodeEvalTool(spec), nil
	default:
		return nil, fmt.Errorf("tool %q has unsupported type %q", spec.Name, spec.Type)
	}
}

// BuildAll creates tools for every spec, failing on the first invalid one.
func BuildAll(specs []blueprint.ToolSpec, opts Options) ([]unit.Tool, error) {
	out := make([]unit.Tool, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}
		tool, err := Build(spec, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, tool)
	}
	return out, nil
}

// base carries the fields every tool exposes to the model.
type base struct {
	spec blueprint.ToolSpec
}

func (b base) Name() string             { return b.spec.Name }
func (b base) Type() blueprint.ToolType { return b.spec.Type }

func (b base) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        b.spec.Name,
		Description: b.spec.Description,
		Parameters:  schemaFor(b.spec.Parameters),
	}
}

// schemaFor turns the "name -> description" parameter map into a JSON schema
// with string properties.
func schemaFor(params map[string]string) map[string]any {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for name, desc := range params {
		properties[name] = map[string]any{"type": "string", "description": desc}
		required = append(required, name)
	}
	sort.Strings(required)
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func truncate(s string) string {
	if len(s) <= maxResultLength {
		return s
	}
	return s[:maxResultLength] + "…"
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
