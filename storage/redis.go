package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const kvPrefix = "autoflow:"

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisClient creates a client without contacting the server. Callers
// decide how to react to an unreachable server via Ping.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})
}

// RedisKV is a Redis-backed implementation of the KeyValueStore interface.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps an existing client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (s *RedisKV) key(k string) string {
	return kvPrefix + k
}

// Get retrieves a value from Redis.
func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	return withContext(ctx, func() ([]byte, error) {
		data, err := s.client.Get(ctx, s.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		return data, nil
	})
}

// Set saves a value to Redis with the given TTL.
func (s *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return withContextError(ctx, func() error {
		if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// SetNX saves a value only if the key does not exist yet.
func (s *RedisKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("failed to setnx %s in Redis: %w", key, err)
		}
		return ok, nil
	})
}

// Exists reports whether the key is present.
func (s *RedisKV) Exists(ctx context.Context, key string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		n, err := s.client.Exists(ctx, s.key(key)).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check %s in Redis: %w", key, err)
		}
		return n > 0, nil
	})
}

// Delete removes the key.
func (s *RedisKV) Delete(ctx context.Context, key string) error {
	return withContextError(ctx, func() error {
		if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
			return fmt.Errorf("failed to delete %s from Redis: %w", key, err)
		}
		return nil
	})
}

// Ping checks connectivity.
func (s *RedisKV) Ping(ctx context.Context) error {
	if _, err := s.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}
