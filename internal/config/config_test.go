package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "server:\n  address: \":9090\"\n"))
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.Address)
	require.Equal(t, 10, cfg.Guardrails.MaxToolCalls)
	require.Equal(t, 120*time.Second, cfg.GuardrailTimeout())
	require.Equal(t, int64(10), cfg.Credits.MinimumEstimate)
	require.Equal(t, "memory", cfg.Ledger.Driver)
	require.Equal(t, "memory", cfg.Session.Driver)
	require.Equal(t, time.Hour, cfg.Cache.TTL)
	require.Equal(t, "OPENAI_API_KEY", cfg.Providers["openai"].APIKeyEnv)
	require.Equal(t, "agentforge.activity", cfg.Activity.Exchange)
}

func TestLoadFileParsesSections(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: 127.0.0.1:6379
cache:
  enabled: true
  ttl: 30m
guardrails:
  max_tool_calls: 4
  timeout_seconds: 15
credits:
  minimum_estimate: 3
  initial_balances:
    alice: 100
providers:
  openai:
    base_url: https://llm.example.com/v1
    default_model: gpt-4o-mini
logging:
  audit_path: logs/audit.log
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	require.Equal(t, "redis", cfg.Session.Driver)
	require.True(t, cfg.Cache.Enabled)
	require.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	require.Equal(t, 4, cfg.Guardrails.MaxToolCalls)
	require.Equal(t, 15*time.Second, cfg.GuardrailTimeout())
	require.Equal(t, int64(100), cfg.Credits.InitialBalances["alice"])
	require.Equal(t, "gpt-4o-mini", cfg.Providers["openai"].DefaultModel)
	require.Equal(t, filepath.Join(filepath.Dir(path), "logs/audit.log"), cfg.Logging.AuditPath)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("AGENTFORGE_SERVER_ADDRESS", ":7070")
	t.Setenv("AGENTFORGE_GUARDRAIL_MAX_TOOL_CALLS", "2")
	t.Setenv("AGENTFORGE_CREDITS_INITIAL_BALANCES", "bob:5,carol:7")

	cfg, err := LoadFile(writeConfig(t, "server:\n  address: \":9090\"\n"))
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.Address)
	require.Equal(t, 2, cfg.Guardrails.MaxToolCalls)
	require.Equal(t, int64(7), cfg.Credits.InitialBalances["carol"])
}

func TestValidateRejectsIncompleteLedger(t *testing.T) {
	_, err := LoadFile(writeConfig(t, "ledger:\n  driver: mysql\n"))
	require.Error(t, err)

	_, err = LoadFile(writeConfig(t, "ledger:\n  driver: postgres\n"))
	require.Error(t, err)

	_, err = LoadFile(writeConfig(t, "session:\n  driver: redis\n"))
	require.Error(t, err)
}

func TestLoadUsesEnvPath(t *testing.T) {
	path := writeConfig(t, "metrics:\n  address: \":9100\"\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Metrics.Address)
}

func TestLoadMissingExplicitPath(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
}
