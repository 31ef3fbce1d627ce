package unit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"AgentForge/internal/blueprint"
	"AgentForge/internal/llm"
)

// Agent 是单智能体单元：与大模型循环对话，按需调用工具。
type Agent struct {
	plan   *Plan
	client llm.Client
	tools  []Tool
	byName map[string]Tool
}

// NewAgent 创建单智能体单元。
func NewAgent(plan *Plan, client llm.Client, tools []Tool) *Agent {
	byName := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		byName[tool.Name()] = tool
	}
	return &Agent{plan: plan, client: client, tools: tools, byName: byName}
}

// Kind 实现 Unit。
func (a *Agent) Kind() blueprint.Mode { return blueprint.ModeSingleAgent }

// Plan 实现 Unit。
func (a *Agent) Plan() *Plan { return a.plan }

// Tools 实现 Unit。
func (a *Agent) Tools() []Tool { return append([]Tool(nil), a.tools...) }

// Run 执行对话循环，直到大模型给出不含工具调用的回复或达到轮数上限。
func (a *Agent) Run(ctx context.Context, in Input) (*Output, error) {
	if a.client == nil {
		return nil, fmt.Errorf("agent %q has no model client", a.plan.Name)
	}
	invoker := in.invoker()

	messages := make([]llm.Message, 0, len(in.History)+2)
	if strings.TrimSpace(a.plan.Instructions) != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: a.plan.Instructions})
	}
	messages = append(messages, in.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: in.Message})

	definitions := make([]llm.ToolDefinition, 0, len(a.tools))
	for _, tool := range a.tools {
		definitions = append(definitions, tool.Definition())
	}

	maxIterations := a.plan.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	out := &Output{Model: a.plan.Model.Name}
	for i := 0; i < maxIterations; i++ {
		resp, err := a.client.Chat(ctx, llm.ChatRequest{
			Model:       a.plan.Model.Name,
			Messages:    messages,
			Tools:       definitions,
			Temperature: a.plan.Model.Temperature,
			MaxTokens:   a.plan.Model.MaxTokens,
			User:        in.ConversationID,
		})
		if err != nil {
			return nil, err
		}
		out.LLMCalls++
		out.Usage = out.Usage.Add(resp.Usage)
		if resp.Model != "" {
			out.Model = resp.Model
		}
		if len(resp.ToolCalls) == 0 {
			out.Response = resp.Content
			if strings.TrimSpace(out.Response) == "" {
				return nil, ErrNoResponse
			}
			return out, nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result, err := a.invoke(ctx, invoker, call)
			if err != nil {
				if IsHalt(ctx, err) {
					return nil, err
				}
				result = "error: " + err.Error()
			}
			messages = append(messages, llm.Message{Role: llm.RoleTool, Content: result, ToolCallID: call.ID, Name: call.Name})
		}
	}
	return nil, fmt.Errorf("agent %q reached %d iterations without a final answer", a.plan.Name, maxIterations)
}

func (a *Agent) invoke(ctx context.Context, invoker ToolInvoker, call llm.ToolCall) (string, error) {
	tool, ok := a.byName[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
		}
	}
	return invoker.Invoke(ctx, tool, args)
}
