package secrets

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "AgentForge/internal/errors"
)

// DefaultRedisPrefix namespaces per-user secret hashes.
const DefaultRedisPrefix = "agent_secrets"

// RedisSource reads user secrets from one hash per user, keyed
// prefix:userID, with one field per provider.
type RedisSource struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSource creates a RedisSource. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisSource(client redis.UniversalClient, prefix string) *RedisSource {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisSource{client: client, prefix: prefix}
}

// GetSecret implements Source.
func (s *RedisSource) GetSecret(ctx context.Context, userID, provider string) (string, bool, error) {
	secret, err := s.client.HGet(ctx, s.prefix+":"+userID, strings.ToLower(provider)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取用户凭据失败")
	}
	secret = strings.TrimSpace(secret)
	return secret, secret != "", nil
}

// PutSecret stores a user's secret for provider.
func (s *RedisSource) PutSecret(ctx context.Context, userID, provider, secret string) error {
	if err := s.client.HSet(ctx, s.prefix+":"+userID, strings.ToLower(provider), secret).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入用户凭据失败")
	}
	return nil
}
