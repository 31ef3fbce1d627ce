package compiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentForge/internal/blueprint"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/llm"
	"AgentForge/internal/llm/openai"
	"AgentForge/internal/unit"
)

func stubFactory(reply string) ClientFactory {
	return func(provider string, key openai.KeySource) (llm.Client, error) {
		return llm.ClientFunc(func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
			return &llm.ChatResponse{Content: reply + ":" + key.String(), Usage: llm.Usage{TotalTokens: 3}}, nil
		}), nil
	}
}

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

func TestCompileSingleAgent(t *testing.T) {
	c := New(WithProviders(map[string]Provider{"openai": {DefaultModel: "gpt-4o"}}), WithClock(fixedClock))
	desc := &blueprint.Description{
		ID: "d1", Version: 2, Mode: blueprint.ModeSingleAgent, Instructions: "hi",
		Tools: []blueprint.ToolSpec{{Name: "calc", Type: blueprint.ToolCodeEval}},
	}

	plan, err := c.Compile(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, "d1", plan.DescriptionID)
	assert.Equal(t, 2, plan.Version)
	assert.Equal(t, "openai", plan.Provider)
	assert.Equal(t, "gpt-4o", plan.Model.Name)
	assert.Equal(t, int64(1700000000), plan.CompiledAt)
	require.Len(t, plan.Tools, 1)

	desc.Tools[0].Name = "mutated"
	assert.Equal(t, "calc", plan.Tools[0].Name)
}

func TestCompileFailures(t *testing.T) {
	c := New()
	cases := map[string]*blueprint.Description{
		"missing id":        {Mode: blueprint.ModeSingleAgent, Model: blueprint.ModelSpec{Name: "m"}},
		"unknown provider":  {ID: "d", Provider: "acme", Model: blueprint.ModelSpec{Name: "m"}},
		"missing model":     {ID: "d"},
		"bad tool":          {ID: "d", Model: blueprint.ModelSpec{Name: "m"}, Tools: []blueprint.ToolSpec{{Name: "x", Type: "ftp"}}},
		"team without crew": {ID: "d", Mode: blueprint.ModeTeam},
		"unknown mode":      {ID: "d", Mode: "swarm"},
	}
	for name, desc := range cases {
		_, err := c.Compile(context.Background(), desc)
		require.Error(t, err, name)
		assert.Equal(t, xerrors.CodeCompilationFailure, xerrors.CodeOf(err), name)
	}
}

func TestCompileTeamInheritsProvider(t *testing.T) {
	c := New(WithProviders(map[string]Provider{"deepseek": {DefaultModel: "deepseek-chat"}}))
	desc := &blueprint.Description{
		ID: "team", Version: 1, Mode: blueprint.ModeTeam, Provider: "DeepSeek",
		Members: []blueprint.Description{{Name: "lead"}, {Name: "researcher", Model: blueprint.ModelSpec{Name: "r1"}}},
	}
	plan, err := c.Compile(context.Background(), desc)
	require.NoError(t, err)
	require.Len(t, plan.Members, 2)
	assert.Equal(t, 2, plan.AgentsCount())
	assert.Equal(t, "deepseek", plan.Members[0].Provider)
	assert.Equal(t, "deepseek-chat", plan.Members[0].Model.Name)
	assert.Equal(t, "r1", plan.Members[1].Model.Name)
	assert.Equal(t, "team", plan.Members[1].DescriptionID)
}

func TestInstantiateBindsCredentials(t *testing.T) {
	c := New(WithProviders(map[string]Provider{"openai": {DefaultModel: "gpt-4o"}}), WithClientFactory(stubFactory("ok")))
	plan, err := c.Compile(context.Background(), &blueprint.Description{
		ID: "w", Mode: blueprint.ModeWorkflow,
		Members: []blueprint.Description{{Name: "a"}, {Name: "b"}},
	})
	require.NoError(t, err)

	u, err := c.Instantiate(context.Background(), plan, Credentials{Provider: "openai", Key: openai.StaticKey("sk")})
	require.NoError(t, err)
	assert.Equal(t, blueprint.ModeWorkflow, u.Kind())

	out, err := u.Run(context.Background(), unit.Input{Message: "go"})
	require.NoError(t, err)
	assert.Equal(t, "ok:sk", out.Response)
	assert.Equal(t, 6, out.Usage.Total())
}

func TestInstantiateWithoutKey(t *testing.T) {
	c := New(WithProviders(map[string]Provider{"openai": {DefaultModel: "gpt-4o"}}))
	plan, err := c.Compile(context.Background(), &blueprint.Description{ID: "d"})
	require.NoError(t, err)

	_, err = c.Instantiate(context.Background(), plan, Credentials{Provider: "openai"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeCompilationFailure, xerrors.CodeOf(err))
}
