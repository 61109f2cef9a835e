package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisKV connects to a local Redis and skips when none is running.
func newTestRedisKV(t *testing.T) *RedisKV {
	t.Helper()
	client := NewRedisClient(RedisOptions{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	})
	t.Cleanup(func() { client.Close() })

	kv := NewRedisKV(client)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := kv.Ping(ctx); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	return kv
}

func TestRedisKV(t *testing.T) {
	t.Run("PingFailure", func(t *testing.T) {
		client := NewRedisClient(RedisOptions{Addr: "invalid:6379"})
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.Error(t, NewRedisKV(client).Ping(ctx))
	})

	kv := newTestRedisKV(t)
	ctx := context.Background()
	key := "test:" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { kv.Delete(context.Background(), key) })

	t.Run("SetGetExists", func(t *testing.T) {
		require.NoError(t, kv.Set(ctx, key, []byte("v1"), time.Minute))

		got, err := kv.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		ok, err := kv.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("SetNX", func(t *testing.T) {
		ok, err := kv.SetNX(ctx, key, []byte("v2"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DeleteThenMissing", func(t *testing.T) {
		require.NoError(t, kv.Delete(ctx, key))
		_, err := kv.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
