package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// RedisStore shares idempotency keys across API replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to the Redis server at addr.
func NewRedisStore(addr, password string, db int, ttl time.Duration) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), ttl)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "covenant:idem:", ttl: ttl}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Begin(ctx context.Context, key string) (uint64, bool, error) {
	claimed, err := s.client.SetNX(ctx, s.key(key), pendingMarker, s.ttl).Result()
	if err != nil {
		return 0, false, fmt.Errorf("idempotency claim: %w", err)
	}
	if claimed {
		return 0, false, nil
	}

	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		return s.Begin(ctx, key)
	}
	if err != nil {
		return 0, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if val == pendingMarker {
		return 0, false, ErrInProgress
	}
	id, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("idempotency record %q: %w", val, err)
	}
	return id, true, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, id uint64) error {
	return s.client.Set(ctx, s.key(key), strconv.FormatUint(id, 10), s.ttl).Err()
}

func (s *RedisStore) Abort(ctx context.Context, key string) error {
	// Only drop the key while it is still pending.
	return abortScript.Run(ctx, s.client, []string{s.key(key)}, pendingMarker).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }

var abortScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
