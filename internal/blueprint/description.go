// Package blueprint 定义智能体蓝图（声明式描述）的数据结构。
// 蓝图在进入编排器之前已由上游完成校验与归一化，本包只负责承载与复制。
package blueprint

import (
	"strings"
)

// Mode 表示蓝图的执行模式。
type Mode string

const (
	ModeSingleAgent Mode = "single_agent"
	ModeWorkflow    Mode = "workflow"
	ModeTeam        Mode = "team"
)

// ToolType 是工具的组件类型，决定计费与调用方式。
type ToolType string

const (
	ToolMCP       ToolType = "mcp"
	ToolHTTP      ToolType = "http"
	ToolWebSearch ToolType = "web_search"
	ToolCodeEval  ToolType = "code_eval"
)

// ModelSpec 描述使用的大模型。
type ModelSpec struct {
	Name        string  `json:"name" yaml:"name" cbor:"name"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature" cbor:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens" cbor:"max_tokens,omitempty"`
}

// ToolSpec 描述挂载到智能体上的一个工具。
type ToolSpec struct {
	Name        string            `json:"name" yaml:"name" cbor:"name"`
	Type        ToolType          `json:"type" yaml:"type" cbor:"type"`
	Description string            `json:"description,omitempty" yaml:"description" cbor:"description,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint" cbor:"endpoint,omitempty"`
	Method      string            `json:"method,omitempty" yaml:"method" cbor:"method,omitempty"`
	RemoteName  string            `json:"remote_name,omitempty" yaml:"remote_name" cbor:"remote_name,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters" cbor:"parameters,omitempty"`
}

// Guardrails 是单次执行的硬性限制。零值表示使用服务端默认值。
type Guardrails struct {
	MaxToolCalls   int `json:"max_tool_calls,omitempty" yaml:"max_tool_calls"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
}

// Description 是一个智能体或智能体团队的声明式配置。
type Description struct {
	ID           string        `json:"id"`
	Version      int           `json:"version"`
	Name         string        `json:"name,omitempty"`
	Mode         Mode          `json:"mode"`
	Provider     string        `json:"provider,omitempty"`
	Model        ModelSpec     `json:"model"`
	Instructions string        `json:"instructions,omitempty"`
	Tools        []ToolSpec    `json:"tools,omitempty"`
	Members      []Description `json:"members,omitempty"`
	Guardrails   Guardrails    `json:"guardrails,omitempty"`

	// APIKey 只存在于编排器持有的工作副本中，绝不序列化。
	APIKey string `json:"-"`
}

// Normalize 补齐缺省字段。
func (d *Description) Normalize() {
	if d == nil {
		return
	}
	d.ID = strings.TrimSpace(d.ID)
	d.Provider = strings.ToLower(strings.TrimSpace(d.Provider))
	if d.Mode == "" {
		d.Mode = ModeSingleAgent
	}
	if d.Version <= 0 {
		d.Version = 1
	}
	for i := range d.Members {
		if d.Members[i].Provider == "" {
			d.Members[i].Provider = d.Provider
		}
		d.Members[i].Normalize()
	}
}

// AgentsCount 返回参与执行的智能体数量，团队模式按成员计数。
func (d *Description) AgentsCount() int {
	if d == nil {
		return 0
	}
	if d.Mode == ModeTeam && len(d.Members) > 0 {
		return len(d.Members)
	}
	return 1
}

// Clone 返回一份独占的深拷贝，编排器在其上注入密钥。
func (d *Description) Clone() *Description {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Tools != nil {
		clone.Tools = make([]ToolSpec, len(d.Tools))
		for i, tool := range d.Tools {
			clone.Tools[i] = tool.clone()
		}
	}
	if d.Members != nil {
		clone.Members = make([]Description, len(d.Members))
		for i := range d.Members {
			clone.Members[i] = *d.Members[i].Clone()
		}
	}
	return &clone
}

// ScrubSecret 覆盖并清除工作副本上的密钥字段（含团队成员）。
func (d *Description) ScrubSecret() {
	if d == nil {
		return
	}
	d.APIKey = ""
	for i := range d.Members {
		d.Members[i].ScrubSecret()
	}
}

func (t ToolSpec) clone() ToolSpec {
	if t.Parameters == nil {
		return t
	}
	params := make(map[string]string, len(t.Parameters))
	for k, v := range t.Parameters {
		params[k] = v
	}
	t.Parameters = params
	return t
}

// IsWebSearchClass 判断工具是否属于网页搜索类。
func (t ToolType) IsWebSearchClass() bool {
	return t == ToolWebSearch
}

// IsMCPClass 判断工具是否属于远程协议（MCP）类。
func (t ToolType) IsMCPClass() bool {
	return t == ToolMCP
}
