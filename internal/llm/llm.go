package llm

import "context"

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是发送给大模型的一条对话消息。
type Message struct {
	Role       Role
	Content    string
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall 是大模型请求执行的一次工具调用，Arguments 为 JSON 文本。
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition 描述暴露给大模型的工具签名。
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage 是归一化后的 token 用量。所有 provider 在客户端边界转换为该结构，
// 下游不再需要猜测响应形状。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add 累加两次调用的用量。
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.Total() + other.Total(),
	}
}

// Total 返回总 token 数，provider 未返回总数时由输入输出相加得到。
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// ChatRequest 描述一次对话补全请求。
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
	// User 绑定会话身份，provider 可据此关联同一会话的多次调用。
	User string
}

// ChatResponse 是大模型推理得到的类型化输出。
type ChatResponse struct {
	Model        string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ClientFunc 允许以函数实现 Client。
type ClientFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

// Chat 实现 Client 接口。
func (f ClientFunc) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}
