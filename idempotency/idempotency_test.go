package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/autoflow/storage"
)

// brokenStore fails every call, like an unreachable Redis.
type brokenStore struct{}

var errDown = errors.New("connection refused")

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errDown
}
func (brokenStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errDown
}
func (brokenStore) Exists(context.Context, string) (bool, error) { return false, errDown }
func (brokenStore) Delete(context.Context, string) error         { return errDown }
func (brokenStore) Ping(context.Context) error                   { return errDown }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKey(t *testing.T) {
	payload := []byte(`{"name":"a","nodes":[{"id":"n","type":"webhook"}]}`)

	t.Run("Deterministic", func(t *testing.T) {
		assert.Equal(t, Key("t1", payload), Key("t1", payload))
		assert.Regexp(t, `^deploy_t1_[0-9a-f]{16}$`, Key("t1", payload))
	})

	t.Run("TenantScoped", func(t *testing.T) {
		assert.NotEqual(t, Key("t1", payload), Key("t2", payload))
	})

	t.Run("SerializationSensitive", func(t *testing.T) {
		spaced := []byte(`{"name": "a", "nodes": [{"id": "n", "type": "webhook"}]}`)
		reordered := []byte(`{"nodes":[{"type":"webhook","id":"n"}],"name":"a"}`)
		assert.NotEqual(t, Key("t1", payload), Key("t1", spaced))
		assert.NotEqual(t, Key("t1", payload), Key("t1", reordered))
	})
}

func TestKeyer_Lifecycle(t *testing.T) {
	ctx := context.Background()
	keyer := NewKeyer(storage.NewMemoryKV(), WithLogger(quietLogger()))
	key := Key("t1", []byte(`{}`))

	assert.False(t, keyer.IsDuplicate(ctx, key))
	_, ok := keyer.GetResult(ctx, key)
	assert.False(t, ok)

	assert.True(t, keyer.MarkStarted(ctx, key))
	assert.True(t, keyer.IsDuplicate(ctx, key))
	assert.False(t, keyer.MarkStarted(ctx, key), "second start must not acquire")

	rec, ok := keyer.GetResult(ctx, key)
	require.True(t, ok)
	assert.Equal(t, StateStarted, rec.State)

	keyer.MarkCompleted(ctx, key, map[string]string{"viewUrl": "https://builder/v/1"})
	rec, ok = keyer.GetResult(ctx, key)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, rec.State)
	assert.JSONEq(t, `{"viewUrl":"https://builder/v/1"}`, string(rec.Result))
	assert.False(t, rec.StartedAt.IsZero())

	keyer.Release(ctx, key)
	assert.False(t, keyer.IsDuplicate(ctx, key))
}

func TestKeyer_TTL(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	keyer := NewKeyer(kv, WithLogger(quietLogger()), WithTTL(time.Millisecond, 0))

	key := Key("t1", []byte(`{}`))
	require.True(t, keyer.MarkStarted(ctx, key))
	time.Sleep(5 * time.Millisecond)
	assert.False(t, keyer.IsDuplicate(ctx, key))
	assert.Equal(t, DefaultCompletedTTL, keyer.completedTTL)
}

func TestKeyer_FailOpen(t *testing.T) {
	ctx := context.Background()
	keyer := NewKeyer(brokenStore{}, WithLogger(quietLogger()))
	key := Key("t1", []byte(`{}`))

	assert.NotPanics(t, func() {
		assert.False(t, keyer.IsDuplicate(ctx, key))
		assert.True(t, keyer.MarkStarted(ctx, key))
		keyer.MarkCompleted(ctx, key, "done")
		keyer.Release(ctx, key)
		_, ok := keyer.GetResult(ctx, key)
		assert.False(t, ok)
	})
}
