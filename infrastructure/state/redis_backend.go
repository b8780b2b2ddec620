package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisBackend is a PersistenceBackend backed by a Redis instance. It is the
// production choice for the breakpoint controller: breakpoint state must
// survive an orchestrator process restart so a paused run can be resumed or
// aborted from a different process than the one that hit the breakpoint.
type RedisBackend struct {
	client *redis.Client
}

// RedisBackendConfig configures a RedisBackend.
type RedisBackendConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBackend dials a Redis instance and returns a PersistenceBackend
// wrapping it. The connection is verified with a PING before returning.
func NewRedisBackend(ctx context.Context, cfg RedisBackendConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{client: client}, nil
}

func (r *RedisBackend) Save(ctx context.Context, key string, data []byte) error {
	return r.client.Set(ctx, key, data, 0).Err()
}

func (r *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *RedisBackend) Close(ctx context.Context) error {
	return r.client.Close()
}
