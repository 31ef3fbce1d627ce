package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "AGENTFORGE_CONFIG"

// DefaultPath 为未设置 EnvConfigPath 时使用的配置文件。
const DefaultPath = "configs/agentforge.yaml"

// Config 描述了 agentforged 在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig              `yaml:"server" envPrefix:"SERVER_"`
	Logging    LoggingConfig             `yaml:"logging" envPrefix:"LOG_"`
	Redis      RedisConfig               `yaml:"redis" envPrefix:"REDIS_"`
	Cache      CacheConfig               `yaml:"cache" envPrefix:"CACHE_"`
	Session    SessionConfig             `yaml:"session" envPrefix:"SESSION_"`
	Ledger     LedgerConfig              `yaml:"ledger" envPrefix:"LEDGER_"`
	Activity   ActivityConfig            `yaml:"activity" envPrefix:"ACTIVITY_"`
	Guardrails GuardrailConfig           `yaml:"guardrails" envPrefix:"GUARDRAIL_"`
	Credits    CreditsConfig             `yaml:"credits" envPrefix:"CREDITS_"`
	Secrets    SecretsConfig             `yaml:"secrets" envPrefix:"SECRETS_"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Tools      ToolsConfig               `yaml:"tools" envPrefix:"TOOLS_"`
	Tracing    TracingConfig             `yaml:"tracing" envPrefix:"TRACING_"`
	Metrics    MetricsConfig             `yaml:"metrics" envPrefix:"METRICS_"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address" env:"ADDRESS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level           string   `yaml:"level" env:"LEVEL"`
	Format          string   `yaml:"format" env:"FORMAT"`
	Outputs         []string `yaml:"outputs" env:"OUTPUTS"`
	AuditEnabled    bool     `yaml:"audit_enabled" env:"AUDIT_ENABLED"`
	AuditPath       string   `yaml:"audit_path" env:"AUDIT_PATH"`
	AuditMaxSizeMB  int      `yaml:"audit_max_size_mb" env:"AUDIT_MAX_SIZE_MB"`
	AuditMaxBackups int      `yaml:"audit_max_backups" env:"AUDIT_MAX_BACKUPS"`
	AuditMaxAgeDays int      `yaml:"audit_max_age_days" env:"AUDIT_MAX_AGE_DAYS"`
}

// RedisConfig 为缓存与会话共用的 Redis 连接。Addr 为空时两者退化为本地实现。
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// CacheConfig 控制编译结果缓存。
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	Prefix  string        `yaml:"prefix" env:"PREFIX"`
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
}

// SessionConfig 控制会话存储。
type SessionConfig struct {
	Driver string        `yaml:"driver" env:"DRIVER"`
	Prefix string        `yaml:"prefix" env:"PREFIX"`
	TTL    time.Duration `yaml:"ttl" env:"TTL"`
}

// LedgerConfig 选择积分账本实现，driver 取值 memory 或 mysql。
type LedgerConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ActivityConfig 控制活动记录的投递。AMQPURL 为空时只写审计日志。
type ActivityConfig struct {
	AMQPURL    string `yaml:"amqp_url" env:"AMQP_URL"`
	Exchange   string `yaml:"exchange" env:"EXCHANGE"`
	RoutingKey string `yaml:"routing_key" env:"ROUTING_KEY"`
}

// GuardrailConfig 为描述未声明的护栏提供默认值。
type GuardrailConfig struct {
	MaxToolCalls   int `yaml:"max_tool_calls" env:"MAX_TOOL_CALLS"`
	TimeoutSeconds int `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

// CreditsConfig 描述执行前余额预检与本地账本的初始余额。
type CreditsConfig struct {
	MinimumEstimate int64            `yaml:"minimum_estimate" env:"MINIMUM_ESTIMATE"`
	InitialBalances map[string]int64 `yaml:"initial_balances" env:"INITIAL_BALANCES"`
}

// SecretsConfig 控制用户凭据的存放位置。Redis 可用时按用户保存在哈希中。
type SecretsConfig struct {
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

// ProviderConfig 描述一个模型供应商。
type ProviderConfig struct {
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	APIKeyEnv    string        `yaml:"api_key_env"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ToolsConfig 控制内置工具的网络行为。
type ToolsConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// TracingConfig 控制 OpenTelemetry 导出。
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// MetricsConfig 控制独立的指标监听地址；为空时指标挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Address string `yaml:"address" env:"ADDRESS"`
}

// Load 读取 AGENTFORGE_CONFIG 指向的文件（默认 configs/agentforge.yaml）。
// 默认路径下文件不存在时只使用环境变量与默认值。
func Load() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		cfg, err := LoadFile(DefaultPath)
		if err != nil && errors.Is(err, os.ErrNotExist) {
			return LoadFile("")
		}
		return cfg, err
	}
	return LoadFile(path)
}

// LoadFile 解析指定路径的 YAML 配置，再以 AGENTFORGE_* 环境变量覆盖，最后补齐默认值。
// path 为空时跳过文件。
func LoadFile(path string) (*Config, error) {
	var cfg Config
	baseDir := "."

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "AGENTFORGE_"}); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Ledger.DSN) == "" {
			return errors.New("ledger.dsn 不能为空（driver=mysql）")
		}
	default:
		return fmt.Errorf("不支持的账本驱动: %s", c.Ledger.Driver)
	}
	switch c.Session.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("redis.addr 不能为空（session.driver=redis）")
		}
	default:
		return fmt.Errorf("不支持的会话驱动: %s", c.Session.Driver)
	}
	if c.Guardrails.MaxToolCalls <= 0 || c.Guardrails.TimeoutSeconds <= 0 {
		return errors.New("护栏默认值必须为正数")
	}
	return nil
}

// GuardrailTimeout 返回默认超时时长。
func (c *Config) GuardrailTimeout() time.Duration {
	return time.Duration(c.Guardrails.TimeoutSeconds) * time.Second
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}

	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "agent_cache"
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = time.Hour
	}

	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
		if c.Redis.Addr != "" {
			c.Session.Driver = "redis"
		}
	}
	if c.Session.Prefix == "" {
		c.Session.Prefix = "agent_session"
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 24 * time.Hour
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}

	if c.Activity.Exchange == "" {
		c.Activity.Exchange = "agentforge.activity"
	}

	if c.Guardrails.MaxToolCalls == 0 {
		c.Guardrails.MaxToolCalls = 10
	}
	if c.Guardrails.TimeoutSeconds == 0 {
		c.Guardrails.TimeoutSeconds = 120
	}

	if c.Credits.MinimumEstimate <= 0 {
		c.Credits.MinimumEstimate = 10
	}

	if c.Secrets.RedisPrefix == "" {
		c.Secrets.RedisPrefix = "agent_secrets"
	}

	if len(c.Providers) == 0 {
		c.Providers = map[string]ProviderConfig{"openai": {}}
	}
	for name, p := range c.Providers {
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = strings.ToUpper(name) + "_API_KEY"
		}
		if p.Timeout <= 0 {
			p.Timeout = 60 * time.Second
		}
		c.Providers[name] = p
	}

	if c.Tools.Timeout <= 0 {
		c.Tools.Timeout = 30 * time.Second
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "agentforged"
	}
}
