package unit

import (
	"context"
	"fmt"
	"strings"

	"AgentForge/internal/blueprint"
)

// Composite 组合多个成员单元，支持工作流（顺序传递）与团队（成员作答后由组长汇总）。
type Composite struct {
	plan    *Plan
	members []Unit
}

// NewComposite 创建组合单元。plan.Kind 必须是 workflow 或 team。
func NewComposite(plan *Plan, members []Unit) (*Composite, error) {
	if plan.Kind != blueprint.ModeWorkflow && plan.Kind != blueprint.ModeTeam {
		return nil, fmt.Errorf("composite unit does not support mode %q", plan.Kind)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%s %q has no members", plan.Kind, plan.Name)
	}
	return &Composite{plan: plan, members: members}, nil
}

// Kind 实现 Unit。
func (c *Composite) Kind() blueprint.Mode { return c.plan.Kind }

// Plan 实现 Unit。
func (c *Composite) Plan() *Plan { return c.plan }

// Tools 返回所有成员的工具。
func (c *Composite) Tools() []Tool {
	var tools []Tool
	for _, member := range c.members {
		tools = append(tools, member.Tools()...)
	}
	return tools
}

// Run 实现 Unit。
func (c *Composite) Run(ctx context.Context, in Input) (*Output, error) {
	if c.plan.Kind == blueprint.ModeWorkflow {
		return c.runWorkflow(ctx, in)
	}
	return c.runTeam(ctx, in)
}

func (c *Composite) runWorkflow(ctx context.Context, in Input) (*Output, error) {
	total := &Output{}
	current := in
	for idx, member := range c.members {
		out, err := member.Run(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("workflow step %d: %w", idx+1, err)
		}
		merge(total, out)
		total.Response = out.Response
		// 后续步骤只看到上一步的产出，不重复携带会话历史。
		current = Input{Message: out.Response, ConversationID: in.ConversationID, Invoker: in.Invoker}
	}
	return total, nil
}

func (c *Composite) runTeam(ctx context.Context, in Input) (*Output, error) {
	total := &Output{}
	var answers strings.Builder
	for idx, member := range c.members[1:] {
		out, err := member.Run(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("team member %d: %w", idx+2, err)
		}
		merge(total, out)
		name := member.Plan().Name
		if name == "" {
			name = fmt.Sprintf("member-%d", idx+2)
		}
		fmt.Fprintf(&answers, "[%s]\n%s\n\n", name, strings.TrimSpace(out.Response))
	}

	leaderInput := in
	if answers.Len() > 0 {
		leaderInput.Message = fmt.Sprintf("%s\n\nTeam member answers:\n\n%s", in.Message, strings.TrimSpace(answers.String()))
	}
	out, err := c.members[0].Run(ctx, leaderInput)
	if err != nil {
		return nil, fmt.Errorf("team leader: %w", err)
	}
	merge(total, out)
	total.Response = out.Response
	return total, nil
}

func merge(total, out *Output) {
	total.Usage = total.Usage.Add(out.Usage)
	total.LLMCalls += out.LLMCalls
	if total.Model == "" {
		total.Model = out.Model
	}
}
