package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"AgentForge/internal/activity"
	"AgentForge/internal/api"
	"AgentForge/internal/cache"
	"AgentForge/internal/compiler"
	"AgentForge/internal/config"
	"AgentForge/internal/credits"
	"AgentForge/internal/guardrail"
	"AgentForge/internal/observability/alerting"
	"AgentForge/internal/observability/metrics"
	"AgentForge/internal/observability/tracing"
	"AgentForge/internal/orchestrator"
	"AgentForge/internal/secrets"
	"AgentForge/internal/session"
	"AgentForge/internal/storage/mysql"
	"AgentForge/internal/tools"
	"AgentForge/pkg/logger"
)

// main 是 agentforged 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentforged 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditEnabled,
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.AuditMaxSizeMB,
			MaxBackups: cfg.Logging.AuditMaxBackups,
			MaxAgeDays: cfg.Logging.AuditMaxAgeDays,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	appLog := logger.Named("agentforged")

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("初始化链路追踪失败: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	collector := metrics.Default()

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	planCache := cache.Disabled()
	if cfg.Cache.Enabled && redisClient != nil {
		planCache = cache.New(ctx, redisClient,
			cache.WithPrefix(cfg.Cache.Prefix),
			cache.WithTTL(cfg.Cache.TTL),
			cache.WithObserver(collector),
		)
	}

	var sessions session.Store
	switch cfg.Session.Driver {
	case "redis":
		store, err := session.NewRedisStore(redisClient,
			session.WithRedisPrefix(cfg.Session.Prefix),
			session.WithRedisTTL(cfg.Session.TTL),
		)
		if err != nil {
			return err
		}
		sessions = store
	default:
		sessions = session.NewMemoryStore()
	}

	ledger, closeLedger, err := buildLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	recorder, closeActivity, err := buildActivity(cfg, appLog)
	if err != nil {
		return err
	}
	defer closeActivity()

	keyEnv := make(map[string]string, len(cfg.Providers))
	providers := make(map[string]compiler.Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		keyEnv[name] = p.APIKeyEnv
		providers[name] = compiler.Provider{BaseURL: p.BaseURL, DefaultModel: p.DefaultModel, Timeout: p.Timeout}
	}
	var userSecrets secrets.Source
	if redisClient != nil {
		userSecrets = secrets.NewRedisSource(redisClient, cfg.Secrets.RedisPrefix)
	}

	builder := compiler.New(
		compiler.WithProviders(providers),
		compiler.WithToolOptions(tools.Options{Timeout: cfg.Tools.Timeout}),
	)

	orch, err := orchestrator.New(builder, sessions,
		orchestrator.WithCache(planCache, cfg.Cache.TTL),
		orchestrator.WithEnforcer(guardrail.New(guardrail.WithDefaults(guardrail.Limits{
			MaxToolCalls: cfg.Guardrails.MaxToolCalls,
			Timeout:      cfg.GuardrailTimeout(),
		}))),
		orchestrator.WithLedger(ledger),
		orchestrator.WithSecrets(userSecrets, secrets.NewEnvDefaults(keyEnv)),
		orchestrator.WithActivity(recorder),
		orchestrator.WithAlerts(alerting.NewFanout(alerting.LogNotifier{})),
		orchestrator.WithMetrics(collector),
		orchestrator.WithMinimumEstimate(cfg.Credits.MinimumEstimate),
	)
	if err != nil {
		return err
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address, collector); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, orch, sessions, planCache,
		api.WithMetrics(collector),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)
	appLog.Info("agentforged started",
		slog.String("addr", cfg.Server.Address),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("session", cfg.Session.Driver),
		slog.Bool("cache", planCache.Enabled()))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildLedger 按配置创建积分账本。配置中的初始余额只写入余额为零的账户，
// 重启不会重复充值。
func buildLedger(ctx context.Context, cfg *config.Config) (credits.Ledger, func(), error) {
	var (
		ledger credits.Ledger
		closer = func() {}
	)
	switch cfg.Ledger.Driver {
	case "mysql":
		sqlLedger, err := mysql.NewCreditLedger(ctx, mysql.Config{
			DSN:             cfg.Ledger.DSN,
			MaxOpenConns:    cfg.Ledger.MaxOpenConns,
			MaxIdleConns:    cfg.Ledger.MaxIdleConns,
			ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		ledger = sqlLedger
		closer = func() { _ = sqlLedger.Close() }
	default:
		ledger = credits.NewMemoryLedger(nil)
	}

	if crediter, ok := ledger.(credits.Crediter); ok {
		for userID, amount := range cfg.Credits.InitialBalances {
			if amount <= 0 {
				continue
			}
			balance, err := ledger.Balance(ctx, userID)
			if err != nil {
				closer()
				return nil, nil, fmt.Errorf("查询初始余额失败 (%s): %w", userID, err)
			}
			if balance != 0 {
				continue
			}
			if err := crediter.Credit(ctx, userID, amount); err != nil {
				closer()
				return nil, nil, fmt.Errorf("写入初始余额失败 (%s): %w", userID, err)
			}
		}
	}
	return ledger, closer, nil
}

// buildActivity 组合审计日志与可选的 RabbitMQ 投递。
func buildActivity(cfg *config.Config, appLog *slog.Logger) (activity.Recorder, func(), error) {
	recorders := activity.Multi{activity.LogRecorder{}}
	var closers []io.Closer
	if cfg.Activity.AMQPURL != "" {
		amqpRecorder, err := activity.NewAMQPRecorder(activity.AMQPConfig{
			URL:        cfg.Activity.AMQPURL,
			Exchange:   cfg.Activity.Exchange,
			RoutingKey: cfg.Activity.RoutingKey,
		})
		if err != nil {
			return nil, nil, err
		}
		recorders = append(recorders, amqpRecorder)
		closers = append(closers, amqpRecorder)
	}
	return recorders, func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				appLog.Warn("关闭活动投递失败", slog.Any("error", err))
			}
		}
	}, nil
}
