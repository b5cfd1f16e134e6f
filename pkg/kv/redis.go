package kv

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// boundedRPushScript appends to a list only while it is below the bound,
// refreshing the TTL on success. KEYS[1] list key, ARGV[1] value,
// ARGV[2] max length, ARGV[3] ttl seconds. Returns 1 on append, 0 when full.
var boundedRPushScript = goredis.NewScript(`
local len = redis.call('LLEN', KEYS[1])
if len >= tonumber(ARGV[2]) then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
if tonumber(ARGV[3]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// drainListScript reads the whole list and deletes the key in one step so
// only one flusher observes the contents.
var drainListScript = goredis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`)

// RedisStore implements Store on a go-redis universal client.
type RedisStore struct {
	client goredis.UniversalClient
}

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle.
func NewRedisStore(client goredis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("kv incrby %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) BoundedRPush(ctx context.Context, key, value string, max int64, ttl time.Duration) (bool, error) {
	res, err := boundedRPushScript.Run(ctx, s.client, []string{key},
		value, max, int64(ttl.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("kv bounded rpush %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv llen %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) DrainList(ctx context.Context, key string) ([]string, error) {
	res, err := drainListScript.Run(ctx, s.client, []string{key}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("kv drain %s: %w", key, err)
	}
	return res, nil
}

func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("kv scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
