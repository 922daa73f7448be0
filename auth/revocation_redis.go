package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRevocationKeyPrefix = "identd:revoked:"

// RedisRevocationStore shares the revocation list between replicas. Each
// entry carries a Redis expiry equal to the token's own expiry.
type RedisRevocationStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRevocationStore wraps an existing client. An empty prefix selects
// the default key namespace.
func NewRedisRevocationStore(client redis.UniversalClient, prefix string) (*RedisRevocationStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = defaultRevocationKeyPrefix
	}
	return &RedisRevocationStore{client: client, prefix: prefix}, nil
}

// Revoke stores jti with an absolute expiry of until.
func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string, until time.Time) error {
	if jti == "" {
		return errors.New("jti is required")
	}
	err := s.client.SetArgs(ctx, s.key(jti), "1", redis.SetArgs{ExpireAt: until}).Err()
	if err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti is present. Redis drops keys on expiry, so
// now is not consulted.
func (s *RedisRevocationStore) IsRevoked(ctx context.Context, jti string, _ time.Time) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("redis revocation lookup: %w", err)
	}
	return n > 0, nil
}

func (s *RedisRevocationStore) key(jti string) string {
	return s.prefix + jti
}
