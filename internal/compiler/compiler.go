// Package compiler 负责把智能体蓝图编译为可执行单元。
//
// 编译分两步：Compile 校验蓝图并生成可序列化、可缓存的 Plan，其中不包含任何
// 密钥；Instantiate 在每次执行时把 Plan 与凭据绑定，得到真正可运行的 Unit。
package compiler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"AgentForge/internal/blueprint"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/llm"
	"AgentForge/internal/llm/openai"
	"AgentForge/internal/tools"
	"AgentForge/internal/unit"
)

// Builder 是编排器依赖的编译协作者。
type Builder interface {
	Compile(ctx context.Context, desc *blueprint.Description) (*unit.Plan, error)
	Instantiate(ctx context.Context, plan *unit.Plan, creds Credentials) (unit.Unit, error)
}

// Credentials 是实例化时注入的凭据。Key 在请求时才被读取。
type Credentials struct {
	Provider string
	Key      openai.KeySource
}

// ClientFactory 按 provider 创建大模型客户端。
type ClientFactory func(provider string, key openai.KeySource) (llm.Client, error)

// Provider 描述一个 OpenAI 兼容的大模型服务。
type Provider struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Compiler 是 Builder 的默认实现。
type Compiler struct {
	providers     map[string]Provider
	clientFactory ClientFactory
	toolOptions   tools.Options
	maxIterations int
	now           func() time.Time
}

// Option 定义 Compiler 的可选配置。
type Option func(*Compiler)

// WithProviders 设置可用的 provider 列表。
func WithProviders(providers map[string]Provider) Option {
	return func(c *Compiler) {
		c.providers = make(map[string]Provider, len(providers))
		for name, p := range providers {
			c.providers[strings.ToLower(name)] = p
		}
	}
}

// WithClientFactory 替换大模型客户端的创建方式，测试中用于注入桩实现。
func WithClientFactory(factory ClientFactory) Option {
	return func(c *Compiler) {
		if factory != nil {
			c.clientFactory = factory
		}
	}
}

// WithToolOptions 设置工具共享的 HTTP 客户端与超时。
func WithToolOptions(opts tools.Options) Option {
	return func(c *Compiler) {
		c.toolOptions = opts
	}
}

// WithMaxIterations 设置单个智能体的最大推理轮数。
func WithMaxIterations(n int) Option {
	return func(c *Compiler) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithClock 设置编译时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Compiler) {
		if now != nil {
			c.now = now
		}
	}
}

// New 创建 Compiler。
func New(opts ...Option) *Compiler {
	c := &Compiler{
		providers:     map[string]Provider{"openai": {}},
		maxIterations: unit.DefaultMaxIterations,
		now:           time.Now,
	}
	c.clientFactory = c.openAIClient
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile 校验蓝图并生成 Plan。失败统一返回 COMPILATION_FAILURE。
func (c *Compiler) Compile(ctx context.Context, desc *blueprint.Description) (*unit.Plan, error) {
	if desc == nil {
		return nil, xerrors.New(xerrors.CodeCompilationFailure, "蓝图为空")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(desc.ID) == "" {
		return nil, xerrors.New(xerrors.CodeCompilationFailure, "蓝图缺少 ID")
	}

	_, span := otel.Tracer("AgentForge/compiler").Start(ctx, "compiler.Compile")
	defer span.End()
	span.SetAttributes(
		attribute.String("description.id", desc.ID),
		attribute.Int("description.version", desc.Version),
		attribute.String("description.mode", string(desc.Mode)),
	)

	plan, err := c.compile(desc, desc.Provider, 0)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, xerrors.Wrap(xerrors.CodeCompilationFailure, err, fmt.Sprintf("编译蓝图 %s 失败", desc.ID),
			xerrors.WithMetadata("description_id", desc.ID))
	}
	plan.CompiledAt = c.now().UTC().Unix()
	return plan, nil
}

const maxDepth = 4

func (c *Compiler) compile(desc *blueprint.Description, inheritedProvider string, depth int) (*unit.Plan, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("members nested deeper than %d levels", maxDepth)
	}
	provider := strings.ToLower(strings.TrimSpace(desc.Provider))
	if provider == "" {
		provider = strings.ToLower(strings.TrimSpace(inheritedProvider))
	}
	if provider == "" {
		provider = "openai"
	}

	plan := &unit.Plan{
		DescriptionID: desc.ID,
		Version:       desc.Version,
		Kind:          desc.Mode,
		Name:          desc.Name,
		Provider:      provider,
		Model:         desc.Model,
		Instructions:  desc.Instructions,
	}
	if plan.Kind == "" {
		plan.Kind = blueprint.ModeSingleAgent
	}

	switch plan.Kind {
	case blueprint.ModeSingleAgent:
		cfg, ok := c.providers[provider]
		if !ok {
			return nil, fmt.Errorf("provider %q is not configured", provider)
		}
		if strings.TrimSpace(plan.Model.Name) == "" {
			plan.Model.Name = cfg.DefaultModel
		}
		if strings.TrimSpace(plan.Model.Name) == "" {
			return nil, fmt.Errorf("agent %q has no model", desc.Name)
		}
		if _, err := tools.BuildAll(desc.Tools, c.toolOptions); err != nil {
			return nil, err
		}
		plan.Tools = cloneTools(desc.Tools)
		plan.MaxIterations = c.maxIterations
	case blueprint.ModeWorkflow, blueprint.ModeTeam:
		if len(desc.Members) == 0 {
			return nil, fmt.Errorf("%s %q has no members", plan.Kind, desc.Name)
		}
		plan.Members = make([]unit.Plan, 0, len(desc.Members))
		for i := range desc.Members {
			member, err := c.compile(&desc.Members[i], provider, depth+1)
			if err != nil {
				return nil, fmt.Errorf("member %d: %w", i+1, err)
			}
			member.DescriptionID = desc.ID
			member.Version = desc.Version
			plan.Members = append(plan.Members, *member)
		}
	default:
		return nil, fmt.Errorf("unsupported mode %q", plan.Kind)
	}
	return plan, nil
}

// Instantiate 绑定凭据与工具，返回可运行的 Unit。
func (c *Compiler) Instantiate(ctx context.Context, plan *unit.Plan, creds Credentials) (unit.Unit, error) {
	if plan == nil {
		return nil, xerrors.New(xerrors.CodeCompilationFailure, "执行计划为空")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := c.instantiate(plan, creds)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompilationFailure, err, fmt.Sprintf("实例化 %s 失败", plan.DescriptionID),
			xerrors.WithMetadata("description_id", plan.DescriptionID))
	}
	return u, nil
}

func (c *Compiler) instantiate(plan *unit.Plan, creds Credentials) (unit.Unit, error) {
	if plan.Kind == blueprint.ModeSingleAgent || plan.Kind == "" {
		client, err := c.clientFactory(plan.Provider, creds.Key)
		if err != nil {
			return nil, err
		}
		built, err := tools.BuildAll(plan.Tools, c.toolOptions)
		if err != nil {
			return nil, err
		}
		return unit.NewAgent(plan, client, built), nil
	}

	members := make([]unit.Unit, 0, len(plan.Members))
	for i := range plan.Members {
		member, err := c.instantiate(&plan.Members[i], creds)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i+1, err)
		}
		members = append(members, member)
	}
	return unit.NewComposite(plan, members)
}

func (c *Compiler) openAIClient(provider string, key openai.KeySource) (llm.Client, error) {
	cfg, ok := c.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", provider)
	}
	if key == nil {
		return nil, fmt.Errorf("no credential for provider %q", provider)
	}
	return openai.NewClient(openai.Config{
		Key:     key,
		BaseURL: cfg.BaseURL,
		Model:   cfg.DefaultModel,
		Timeout: cfg.Timeout,
	})
}

func cloneTools(in []blueprint.ToolSpec) []blueprint.ToolSpec {
	if len(in) == 0 {
		return nil
	}
	clone := (&blueprint.Description{Tools: in}).Clone()
	return clone.Tools
}
