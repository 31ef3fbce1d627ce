// Package cache 实现按 (蓝图 ID, 版本) 缓存编译结果的 Agent Cache。
//
// 缓存只保存可序列化的 unit.Plan，不保存绑定了凭据的运行时对象。所有写入与
// 删除都依赖 Redis 原生的原子操作（SET EX、DEL、Lua 脚本批量删除），不做
// 读-改-写。存储不可用时缓存降级为永远未命中，调用方无需处理错误。
package cache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/unit"
	"AgentForge/pkg/logger"
)

const (
	// DefaultTTL 是缓存条目的默认存活时间。
	DefaultTTL    = time.Hour
	defaultPrefix = "agent_cache"
	pingTimeout   = 2 * time.Second
)

// invalidateScript 原子地删除匹配前缀的全部键并返回删除数量。
const invalidateScript = `
local keys = redis.call("KEYS", ARGV[1])
for i = 1, #keys, 500 do
  redis.call("DEL", unpack(keys, i, math.min(i + 499, #keys)))
end
return #keys
`

// Key 唯一标识一个缓存条目。
type Key struct {
	DescriptionID string
	Version       int
}

// Observer 接收命中/未命中事件，用于指标统计。
type Observer interface {
	ObserveCacheLookup(hit bool)
}

// Cache 是基于 Redis 的 Agent Cache。
type Cache struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	enabled  atomic.Bool
	observer Observer
	log      *slog.Logger
}

// Option 定义 Cache 的可选配置。
type Option func(*Cache)

// WithPrefix 设置键前缀。
func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		if p := strings.TrimSpace(prefix); p != "" {
			c.prefix = p
		}
	}
}

// WithTTL 设置默认存活时间。
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithObserver 注册命中率观察者。
func WithObserver(observer Observer) Option {
	return func(c *Cache) {
		c.observer = observer
	}
}

// New 使用已有的 Redis 客户端创建缓存。client 为 nil 时返回禁用状态的缓存。
// 构造时会 Ping 一次，存储不可达则整体降级。
func New(ctx context.Context, client redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{
		client: client,
		prefix: defaultPrefix,
		ttl:    DefaultTTL,
		log:    logger.Named("cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if client == nil {
		return c
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		c.log.Warn("缓存存储不可用，降级为始终未命中", slog.Any("error", err))
		return c
	}
	c.enabled.Store(true)
	return c
}

// Disabled 返回一个始终未命中的缓存。
func Disabled() *Cache {
	return &Cache{prefix: defaultPrefix, ttl: DefaultTTL, log: logger.Named("cache")}
}

// Enabled 报告缓存是否可用。
func (c *Cache) Enabled() bool {
	return c != nil && c.enabled.Load()
}

// Get 读取缓存的执行计划。反序列化失败视为未命中，并删除损坏的条目。
func (c *Cache) Get(ctx context.Context, key Key) (*unit.Plan, bool) {
	if !c.Enabled() {
		return nil, false
	}
	redisKey := c.key(key)
	data, err := c.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("读取缓存失败", slog.String("key", redisKey), slog.Any("error", err))
		}
		c.observe(false)
		return nil, false
	}
	plan, err := decodePlan(data)
	if err != nil {
		c.log.Warn("缓存条目损坏，已删除", slog.String("key", redisKey), slog.Any("error", err))
		if delErr := c.client.Del(ctx, redisKey).Err(); delErr != nil {
			c.log.Warn("删除损坏缓存失败", slog.String("key", redisKey), slog.Any("error", delErr))
		}
		c.observe(false)
		return nil, false
	}
	c.observe(true)
	return plan, true
}

// Set 以原子的 SET EX 写入执行计划。ttl<=0 时使用默认值。
func (c *Cache) Set(ctx context.Context, key Key, plan *unit.Plan, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	if plan == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行计划为空")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := encodePlan(plan)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "序列化执行计划失败")
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "写入缓存失败")
	}
	return nil
}

// InvalidateAll 删除某个蓝图所有版本的缓存，返回删除的条目数。
func (c *Cache) InvalidateAll(ctx context.Context, descriptionID string) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}
	if strings.TrimSpace(descriptionID) == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "蓝图 ID 不能为空")
	}
	pattern := fmt.Sprintf("%s:%s:v*", c.prefix, idSegment(descriptionID))
	n, err := c.client.Eval(ctx, invalidateScript, nil, pattern).Int()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeCacheFailure, err, "批量删除缓存失败",
			xerrors.WithMetadata("description_id", descriptionID))
	}
	if n > 0 {
		c.log.Info("已失效蓝图缓存", slog.String("description_id", descriptionID), slog.Int("count", n))
	}
	return n, nil
}

func (c *Cache) key(k Key) string {
	return fmt.Sprintf("%s:%s:v%d", c.prefix, idSegment(k.DescriptionID), k.Version)
}

func (c *Cache) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(hit)
	}
}

// idSegment 以 base64url 编码蓝图 ID。编码结果不含冒号和通配符，
// 因此 "{prefix}:{id}:v*" 只会匹配同一个 ID 的各个版本。
func idSegment(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}
