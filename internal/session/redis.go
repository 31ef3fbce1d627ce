package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentForge/internal/errors"
)

const (
	defaultRedisPrefix = "agent_session"
	defaultSessionTTL  = 24 * time.Hour
)

// appendScript 仅在会话存在时追加，并刷新三个键的过期时间。
const appendScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("RPUSH", KEYS[2], ARGV[1])
for i = 1, #KEYS do
  redis.call("PEXPIRE", KEYS[i], ARGV[2])
end
return 1
`

// RedisStore 将会话保存在 Redis 中：会话元数据为字符串键，消息与日志为列表。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption 定义 RedisStore 的可选配置。
type RedisOption func(*RedisStore)

// WithRedisPrefix 设置键前缀。
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// WithRedisTTL 设置会话的滑动过期时间。
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisStore 创建 Redis 会话存储。
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端未初始化")
	}
	s := &RedisStore{client: client, prefix: defaultRedisPrefix, ttl: defaultSessionTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) metaKey(id string) string     { return fmt.Sprintf("%s:%s", s.prefix, id) }
func (s *RedisStore) messagesKey(id string) string { return fmt.Sprintf("%s:%s:messages", s.prefix, id) }
func (s *RedisStore) logsKey(id string) string     { return fmt.Sprintf("%s:%s:logs", s.prefix, id) }

// GetOrCreate 实现 Store。创建使用 SET NX，并发创建同一 ID 只会成功一次。
func (s *RedisStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	id = normalizeID(id)
	if id == "" {
		id = NewID()
	}
	created := s.now().UTC()
	if _, err := s.client.SetNX(ctx, s.metaKey(id), created.Format(time.RFC3339Nano), s.ttl).Result(); err != nil {
		return nil, storageErr(err, "创建会话失败", id)
	}

	raw, err := s.client.Get(ctx, s.metaKey(id)).Result()
	if err != nil {
		return nil, storageErr(err, "读取会话失败", id)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		createdAt = created
	}

	items, err := s.client.LRange(ctx, s.messagesKey(id), 0, -1).Result()
	if err != nil {
		return nil, storageErr(err, "读取会话消息失败", id)
	}
	sess := &Session{ID: id, CreatedAt: createdAt, Messages: make([]Message, 0, len(items))}
	for _, item := range items {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话消息失败")
		}
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, nil
}

// Exists 实现 Store。
func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.metaKey(normalizeID(id))).Result()
	if err != nil {
		return false, storageErr(err, "查询会话失败", id)
	}
	return n > 0, nil
}

// AppendMessage 实现 Store。
func (s *RedisStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	id = normalizeID(id)
	return s.appendJSON(ctx, id, s.messagesKey(id), msg)
}

// AppendLog 实现 Store。
func (s *RedisStore) AppendLog(ctx context.Context, id string, event LogEvent) error {
	id = normalizeID(id)
	event.SessionID = id
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	return s.appendJSON(ctx, id, s.logsKey(id), event)
}

func (s *RedisStore) appendJSON(ctx context.Context, id, listKey string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化会话数据失败")
	}
	keys := []string{s.metaKey(id), listKey, s.messagesKey(id), s.logsKey(id)}
	ok, err := s.client.Eval(ctx, appendScript, keys, payload, s.ttl.Milliseconds()).Int()
	if err != nil {
		return storageErr(err, "追加会话数据失败", id)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLogs 实现 Store。
func (s *RedisStore) GetLogs(ctx context.Context, id string) ([]LogEvent, error) {
	items, err := s.client.LRange(ctx, s.logsKey(normalizeID(id)), 0, -1).Result()
	if err != nil {
		return nil, storageErr(err, "读取会话日志失败", id)
	}
	out := make([]LogEvent, 0, len(items))
	for _, item := range items {
		var event LogEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话日志失败")
		}
		out = append(out, event)
	}
	return out, nil
}

// Delete 实现 Store。
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	id = normalizeID(id)
	if err := s.client.Del(ctx, s.metaKey(id), s.messagesKey(id), s.logsKey(id)).Err(); err != nil {
		return storageErr(err, "删除会话失败", id)
	}
	return nil
}

func storageErr(err error, message, id string) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message, xerrors.WithMetadata("session_id", id))
}
