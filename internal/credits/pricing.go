package credits

import "AgentForge/internal/blueprint"

// 执行模式费用。
const (
	SingleAgentCost  = 1
	WorkflowCost     = 3
	TeamCostPerAgent = 2
)

// 大模型调用费用，按使用到的最高级别工具计价。
const (
	LLMBaseCost      = 1
	LLMWebSearchCost = 5
	LLMMCPCost       = 10
)

// DefaultToolCost 用于未登记的工具类型。
const DefaultToolCost = 1

var toolCosts = map[blueprint.ToolType]int{
	blueprint.ToolMCP:       10,
	blueprint.ToolHTTP:      1,
	blueprint.ToolWebSearch: 5,
	blueprint.ToolCodeEval:  2,
}

// ExecutionModeCost 返回某种执行模式的固定费用。
func ExecutionModeCost(mode blueprint.Mode, agents int) int {
	switch mode {
	case blueprint.ModeWorkflow:
		return WorkflowCost
	case blueprint.ModeTeam:
		if agents < 1 {
			agents = 1
		}
		return agents * TeamCostPerAgent
	default:
		return SingleAgentCost
	}
}

// LLMCallCost 返回一次大模型调用的费用：使用了 MCP 类工具为 10，
// 使用了网页搜索类工具为 5，否则为 1。两者都有时取高者。
func LLMCallCost(toolTypes []blueprint.ToolType) int {
	cost := LLMBaseCost
	for _, t := range toolTypes {
		switch {
		case t.IsMCPClass():
			return LLMMCPCost
		case t.IsWebSearchClass():
			cost = LLMWebSearchCost
		}
	}
	return cost
}

// ToolCallCost 按组件类型查表，未知类型计 1。
func ToolCallCost(t blueprint.ToolType) int {
	if cost, ok := toolCosts[t]; ok {
		return cost
	}
	return DefaultToolCost
}
