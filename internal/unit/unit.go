// Package unit 定义可执行单元：由蓝图编译得到、可被缓存复用的运行时产物。
//
// 单元分两层：Plan 是可序列化的编译结果（缓存保存的就是它），Unit 是绑定了
// 大模型客户端与工具实现的运行时对象。工具调用全部经由 Run 时传入的
// ToolInvoker 完成，单元自身在构建后不再被修改，因此同一个 Plan 实例化出的
// 单元可以被并发执行安全复用。
package unit

import (
	"context"
	"errors"

	"AgentForge/internal/blueprint"
	"AgentForge/internal/llm"
)

// DefaultMaxIterations 是单个智能体一次运行中与大模型往返的最大轮数。
const DefaultMaxIterations = 8

// Plan 是蓝图编译后的可序列化形态，包含嵌套的模型与工具配置。
type Plan struct {
	DescriptionID string               `cbor:"description_id"`
	Version       int                  `cbor:"version"`
	Kind          blueprint.Mode       `cbor:"kind"`
	Name          string               `cbor:"name,omitempty"`
	Provider      string               `cbor:"provider,omitempty"`
	Model         blueprint.ModelSpec  `cbor:"model"`
	Instructions  string               `cbor:"instructions,omitempty"`
	Tools         []blueprint.ToolSpec `cbor:"tools,omitempty"`
	Members       []Plan               `cbor:"members,omitempty"`
	MaxIterations int                  `cbor:"max_iterations,omitempty"`
	CompiledAt    int64                `cbor:"compiled_at"`
}

// AgentsCount 返回参与执行的智能体数量。
func (p *Plan) AgentsCount() int {
	if p == nil {
		return 0
	}
	if p.Kind == blueprint.ModeTeam && len(p.Members) > 0 {
		return len(p.Members)
	}
	return 1
}

// Tool 是单元可调用的一个工具。
type Tool interface {
	Name() string
	Type() blueprint.ToolType
	Definition() llm.ToolDefinition
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// ToolInvoker 是工具调用的中间件。单元内的每一次工具调用都交给它执行，
// 计数、计时、日志与限额都在这一层完成，而不是改写工具本身。
type ToolInvoker interface {
	Invoke(ctx context.Context, tool Tool, args map[string]any) (string, error)
}

// InvokerFunc 允许以函数实现 ToolInvoker。
type InvokerFunc func(ctx context.Context, tool Tool, args map[string]any) (string, error)

// Invoke 实现 ToolInvoker。
func (f InvokerFunc) Invoke(ctx context.Context, tool Tool, args map[string]any) (string, error) {
	return f(ctx, tool, args)
}

// Direct 直接调用工具，不做任何拦截。
var Direct ToolInvoker = InvokerFunc(func(ctx context.Context, tool Tool, args map[string]any) (string, error) {
	return tool.Invoke(ctx, args)
})

// Halter 由需要立即终止运行的调用错误实现（例如护栏拒绝）。
// 普通工具错误会作为工具结果回传给大模型，由其决定是否重试。
type Halter interface {
	Halt() bool
}

// IsHalt 判断错误是否要求终止本次运行。
// 只有运行上下文本身结束才算超时或取消；工具自身的超时错误仍回传给大模型。
func IsHalt(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	var h Halter
	return errors.As(err, &h) && h.Halt()
}

// Input 是一次运行的输入。
type Input struct {
	Message        string
	History        []llm.Message
	ConversationID string
	Invoker        ToolInvoker
}

func (in Input) invoker() ToolInvoker {
	if in.Invoker == nil {
		return Direct
	}
	return in.Invoker
}

// Output 是一次运行的类型化结果。
type Output struct {
	Response string
	Model    string
	Usage    llm.Usage
	LLMCalls int
}

// Unit 是可执行单元。
type Unit interface {
	Kind() blueprint.Mode
	Plan() *Plan
	Tools() []Tool
	Run(ctx context.Context, in Input) (*Output, error)
}

// ErrNoResponse 表示运行结束时没有得到任何回复。
var ErrNoResponse = errors.New("unit produced no response")
