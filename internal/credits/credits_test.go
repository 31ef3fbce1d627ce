package credits

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentForge/internal/blueprint"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/llm"
)

func TestExecutionModeCost(t *testing.T) {
	assert.Equal(t, 1, ExecutionModeCost(blueprint.ModeSingleAgent, 1))
	assert.Equal(t, 3, ExecutionModeCost(blueprint.ModeWorkflow, 4))
	assert.Equal(t, 6, ExecutionModeCost(blueprint.ModeTeam, 3))
	assert.Equal(t, 2, ExecutionModeCost(blueprint.ModeTeam, 0))
	assert.Equal(t, 1, ExecutionModeCost("unknown", 1))
}

func TestLLMCallCost(t *testing.T) {
	assert.Equal(t, 1, LLMCallCost(nil))
	assert.Equal(t, 1, LLMCallCost([]blueprint.ToolType{blueprint.ToolHTTP}))
	assert.Equal(t, 5, LLMCallCost([]blueprint.ToolType{blueprint.ToolWebSearch}))
	assert.Equal(t, 10, LLMCallCost([]blueprint.ToolType{blueprint.ToolWebSearch, blueprint.ToolMCP}))
	assert.Equal(t, 10, LLMCallCost([]blueprint.ToolType{blueprint.ToolMCP, blueprint.ToolWebSearch}))
}

func TestToolCallCost(t *testing.T) {
	assert.Equal(t, 10, ToolCallCost(blueprint.ToolMCP))
	assert.Equal(t, 1, ToolCallCost(blueprint.ToolHTTP))
	assert.Equal(t, 5, ToolCallCost(blueprint.ToolWebSearch))
	assert.Equal(t, 2, ToolCallCost(blueprint.ToolCodeEval))
	assert.Equal(t, 1, ToolCallCost("carrier_pigeon"))
}

func TestScenarioSingleAgentNoTools(t *testing.T) {
	tr := NewTracker()
	tr.TrackExecutionMode(blueprint.ModeSingleAgent, 1)
	llmCost := tr.TrackLLMCall("gpt-4o", llm.Usage{TotalTokens: 150}, nil)
	assert.Equal(t, 1, llmCost)
	assert.Equal(t, 2, tr.GetTotal())
	assert.Equal(t, tr.GetTotal(), tr.Recompute())
}

func TestScenarioSingleAgentWebSearch(t *testing.T) {
	tr := NewTracker()
	tr.TrackExecutionMode(blueprint.ModeSingleAgent, 1)
	tr.TrackToolCall(blueprint.ToolWebSearch, "search", 120, true)
	llmCost := tr.TrackLLMCall("gpt-4o", llm.Usage{}, []blueprint.ToolType{blueprint.ToolWebSearch})
	assert.Equal(t, 5, llmCost)
	assert.Equal(t, 11, tr.GetTotal())
	assert.Equal(t, 11, tr.Recompute())

	exec, tools, llmCalls := tr.Breakdown()
	assert.Equal(t, []int{1, 5, 5}, []int{exec, tools, llmCalls})
}

func TestScenarioTeamOfThree(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, 6, tr.TrackExecutionMode(blueprint.ModeTeam, 3))
	exec, _, _ := tr.Breakdown()
	assert.Equal(t, 6, exec)
}

func TestCommitWritesTransactionAndUsage(t *testing.T) {
	ledger := NewMemoryLedger(map[string]int64{"u1": 100})
	tr := NewTracker()
	tr.TrackExecutionMode(blueprint.ModeSingleAgent, 1)
	tr.TrackToolCall(blueprint.ToolCodeEval, "calc", 3, true)
	tr.TrackLLMCall("gpt-4o", llm.Usage{PromptTokens: 10, CompletionTokens: 5}, []blueprint.ToolType{blueprint.ToolCodeEval})

	tx, err := tr.Commit(context.Background(), ledger, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(-4), tx.Amount)
	assert.Equal(t, int64(96), tx.BalanceAfter)
	assert.Equal(t, "s1", tx.SessionID)

	usage := ledger.UsageFor(tx.ID)
	require.Len(t, usage, 3)
	assert.Equal(t, OperationExecutionMode, usage[0].Operation)
	assert.Equal(t, OperationToolCall, usage[1].Operation)
	assert.Equal(t, "gpt-4o", usage[2].Model)
	assert.Len(t, ledger.Transactions(), 1)

	_, err = tr.Commit(context.Background(), ledger, "u1", "s1")
	require.Error(t, err)
	assert.Len(t, ledger.Transactions(), 1)
	balance, _ := ledger.Balance(context.Background(), "u1")
	assert.Equal(t, int64(96), balance)
}

func TestCommitInsufficientCredits(t *testing.T) {
	ledger := NewMemoryLedger(map[string]int64{"u1": 5})
	tr := NewTracker()
	tr.TrackExecutionMode(blueprint.ModeTeam, 3)

	_, err := tr.Commit(context.Background(), ledger, "u1", "s1")
	require.True(t, errors.Is(err, ErrInsufficientCredits))
	assert.Empty(t, ledger.Transactions())
	balance, _ := ledger.Balance(context.Background(), "u1")
	assert.Equal(t, int64(5), balance)
}

type brokenLedger struct{}

func (brokenLedger) Balance(context.Context, string) (int64, error) { return 0, nil }
func (brokenLedger) Deduct(context.Context, Charge) (*Transaction, error) {
	return nil, errors.New("connection reset")
}

func TestCommitLedgerFailureIsCoded(t *testing.T) {
	tr := NewTracker()
	tr.TrackExecutionMode(blueprint.ModeSingleAgent, 1)
	_, err := tr.Commit(context.Background(), brokenLedger{}, "u1", "s1")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeLedgerFailure, xerrors.CodeOf(err))

	// A failed commit can be retried.
	ledger := NewMemoryLedger(map[string]int64{"u1": 1})
	_, err = tr.Commit(context.Background(), ledger, "u1", "s1")
	require.NoError(t, err)
}

func TestConcurrentDeductNeverOverspends(t *testing.T) {
	ledger := NewMemoryLedger(map[string]int64{"u1": 10})
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr := NewTracker()
			tr.TrackExecutionMode(blueprint.ModeWorkflow, 1)
			if _, err := tr.Commit(context.Background(), ledger, "u1", "s"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, succeeded)
	balance, _ := ledger.Balance(context.Background(), "u1")
	assert.Equal(t, int64(1), balance)
}

func TestConcurrentTracking(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.TrackToolCall(blueprint.ToolCodeEval, "calc", 1, true)
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, tr.GetTotal())
	assert.Equal(t, 100, tr.Recompute())
	assert.Len(t, tr.Details(), 50)
}
