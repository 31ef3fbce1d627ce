package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentForge/internal/errors"
)

func envDefaults(values map[string]string, vars map[string]string) *EnvDefaults {
	d := NewEnvDefaults(vars)
	d.lookup = func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
	return d
}

func TestResolvePrefersUserSecret(t *testing.T) {
	src := StaticSource{"u1": {"openai": "sk-user"}}
	defaults := envDefaults(map[string]string{"OPENAI_API_KEY": "sk-default"}, nil)

	buf, err := Resolve(context.Background(), src, defaults, "u1", "OpenAI")
	require.NoError(t, err)
	defer buf.Close()
	assert.Equal(t, "sk-user", buf.String())
}

func TestResolveFallsBackToDefault(t *testing.T) {
	src := StaticSource{"u1": {"deepseek": "sk-other"}}
	defaults := envDefaults(map[string]string{"LLM_KEY": "sk-default"}, map[string]string{"openai": "LLM_KEY"})

	buf, err := Resolve(context.Background(), src, defaults, "u1", "openai")
	require.NoError(t, err)
	defer buf.Close()
	assert.Equal(t, "sk-default", buf.String())

	anon, err := Resolve(context.Background(), src, defaults, "", "openai")
	require.NoError(t, err)
	defer anon.Close()
	assert.Equal(t, "sk-default", anon.String())
}

func TestResolveMissingIsConfigurationError(t *testing.T) {
	defaults := envDefaults(map[string]string{"OPENAI_API_KEY": "  "}, nil)
	_, err := Resolve(context.Background(), StaticSource{}, defaults, "u1", "openai")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestResolveSourceError(t *testing.T) {
	src := SourceFunc(func(context.Context, string, string) (string, bool, error) {
		return "", false, errors.New("vault sealed")
	})
	_, err := Resolve(context.Background(), src, nil, "u1", "openai")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "vault sealed")
}

func TestBufferZeroesSourceAndClose(t *testing.T) {
	source := []byte("sk-live-123")
	buf, err := NewBuffer(source)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(source)), source)
	assert.Equal(t, "sk-live-123", buf.String())

	data := buf.data
	require.NoError(t, buf.Close())
	assert.True(t, buf.Closed())
	assert.Equal(t, "", buf.String())
	assert.NoError(t, buf.Close())
	if !buf.protected {
		// Heap memory stays addressable after Close, so the zeroing is observable.
		assert.Equal(t, make([]byte, len(data)), data)
	}
}

func TestBufferRejectsEmpty(t *testing.T) {
	_, err := NewBuffer(nil)
	require.Error(t, err)
}

func TestNilBuffer(t *testing.T) {
	var buf *Buffer
	assert.Equal(t, "", buf.String())
	assert.NoError(t, buf.Close())
}
