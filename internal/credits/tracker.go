// Package credits 负责单次执行的积分计量与结算。
//
// Tracker 只属于一次执行，在执行过程中累计三类费用（执行模式、工具调用、
// 大模型调用）并记录明细，结束时通过 Commit 一次性写入账本。
package credits

import (
	"context"
	"fmt"
	"sync"

	"AgentForge/internal/blueprint"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/llm"
)

// 明细的操作类型。
const (
	OperationExecutionMode = "execution_mode"
	OperationLLMCall       = "llm_call"
	OperationToolCall      = "tool_call"
)

// Detail 是一条计费明细。
type Detail struct {
	Operation string
	Component string
	Model     string
	Credits   int
	Metadata  map[string]any
}

// Tracker 累计一次执行的费用。方法可被工具调用回调并发调用。
type Tracker struct {
	mu            sync.Mutex
	executionCost int
	toolCost      int
	llmCost       int
	details       []Detail
	committed     bool
}

// NewTracker 创建 Tracker。
func NewTracker() *Tracker {
	return &Tracker{}
}

// TrackExecutionMode 记录执行模式费用。
func (t *Tracker) TrackExecutionMode(mode blueprint.Mode, agents int) int {
	cost := ExecutionModeCost(mode, agents)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executionCost += cost
	t.details = append(t.details, Detail{
		Operation: OperationExecutionMode,
		Component: string(mode),
		Credits:   cost,
		Metadata:  map[string]any{"agents": agents},
	})
	return cost
}

// TrackLLMCall 记录一次大模型调用。toolTypes 为这次调用中用到的工具类型。
func (t *Tracker) TrackLLMCall(model string, usage llm.Usage, toolTypes []blueprint.ToolType) int {
	cost := LLMCallCost(toolTypes)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.llmCost += cost
	t.details = append(t.details, Detail{
		Operation: OperationLLMCall,
		Component: "llm",
		Model:     model,
		Credits:   cost,
		Metadata: map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.Total(),
		},
	})
	return cost
}

// TrackToolCall 记录一次工具调用。
func (t *Tracker) TrackToolCall(toolType blueprint.ToolType, toolName string, durationMs int64, success bool) int {
	cost := ToolCallCost(toolType)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolCost += cost
	t.details = append(t.details, Detail{
		Operation: OperationToolCall,
		Component: string(toolType),
		Credits:   cost,
		Metadata: map[string]any{
			"tool":        toolName,
			"duration_ms": durationMs,
			"success":     success,
		},
	})
	return cost
}

// GetTotal 返回三类费用之和。
func (t *Tracker) GetTotal() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executionCost + t.toolCost + t.llmCost
}

// Breakdown 返回三类费用。
func (t *Tracker) Breakdown() (execution, tools, llmCalls int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executionCost, t.toolCost, t.llmCost
}

// Recompute 从明细重新计算总额，应始终等于 GetTotal。
func (t *Tracker) Recompute() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, d := range t.details {
		total += d.Credits
	}
	return total
}

// Details 返回明细副本。
func (t *Tracker) Details() []Detail {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Detail(nil), t.details...)
}

// Commit 将累计费用一次性写入账本，每个 Tracker 只能成功提交一次。
func (t *Tracker) Commit(ctx context.Context, ledger Ledger, userID, sessionID string) (*Transaction, error) {
	if ledger == nil {
		return nil, xerrors.New(xerrors.CodeLedgerFailure, "未配置积分账本")
	}
	t.mu.Lock()
	if t.committed {
		t.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeLedgerFailure, "费用已结算")
	}
	t.committed = true
	total := t.executionCost + t.toolCost + t.llmCost
	usage := make([]UsageRecord, 0, len(t.details))
	for _, d := range t.details {
		usage = append(usage, UsageRecord{
			Operation: d.Operation,
			Component: d.Component,
			Model:     d.Model,
			Credits:   int64(d.Credits),
			Detail:    d.Metadata,
		})
	}
	t.mu.Unlock()

	tx, err := ledger.Deduct(ctx, Charge{
		UserID:    userID,
		Amount:    int64(total),
		Reason:    fmt.Sprintf("agent execution (%d operations)", len(usage)),
		SessionID: sessionID,
		Usage:     usage,
	})
	if err != nil {
		t.mu.Lock()
		t.committed = false
		t.mu.Unlock()
		if xerrors.CodeOf(err) == xerrors.CodeInsufficientCredits {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "积分结算失败",
			xerrors.WithMetadata("user_id", userID),
			xerrors.WithMetadata("session_id", sessionID),
			xerrors.WithRetryable(xerrors.RetryableError(err)))
	}
	return tx, nil
}
