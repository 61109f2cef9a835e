package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/autoflow/events"
	"github.com/songzhibin97/autoflow/types"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisQueue(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	kind := "test-" + uuid.NewString()
	t.Cleanup(func() {
		client.Del(context.Background(), waitKey(kind), delayedKey(kind))
	})

	q := New(ctx, client, quietLogger(),
		WithPolicy(kind, RetryPolicy{MaxAttempts: 2, Backoff: []time.Duration{10 * time.Millisecond}}),
		WithConcurrency(1),
	)
	require.True(t, q.Durable())

	var attempts int32
	q.Register(kind, HandlerFunc(func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	}))

	done := make(chan events.Event, 1)
	retried := make(chan events.Event, 1)
	q.OnComplete(func(ctx context.Context, e events.Event) error {
		done <- e
		return nil
	})
	q.OnRetrying(func(ctx context.Context, e events.Event) error {
		retried <- e
		return nil
	})
	require.NoError(t, q.Start(ctx))
	defer q.Close()

	jobID := "job-" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), recordKey(jobID)) })

	handle, err := q.Enqueue(ctx, kind, types.JobPayload{WorkflowID: "wf"}, EnqueueOptions{JobID: jobID})
	require.NoError(t, err)
	assert.True(t, handle.Durable)
	assert.False(t, handle.Duplicate)

	dup, err := q.Enqueue(ctx, kind, types.JobPayload{WorkflowID: "wf"}, EnqueueOptions{JobID: jobID})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	select {
	case e := <-retried:
		assert.Equal(t, "1", e.Data["attempt"])
	case <-time.After(5 * time.Second):
		t.Fatal("no retry event")
	}
	select {
	case e := <-done:
		assert.Equal(t, jobID, e.JobID)
		assert.Equal(t, "2", e.Data["attempt"])
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestRedisQueue_PermanentFailure(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	kind := "test-" + uuid.NewString()
	t.Cleanup(func() {
		client.Del(context.Background(), waitKey(kind), delayedKey(kind))
	})

	q := NewRedisQueue(client, WithLogger(quietLogger()),
		WithPolicy(kind, ExponentialPolicy(3, 10*time.Millisecond)))

	var attempts int32
	q.Register(kind, HandlerFunc(func(ctx context.Context, job Job) error {
		atomic.AddInt32(&attempts, 1)
		return Permanent(errors.New("invalid"))
	}))
	failed := make(chan events.Event, 1)
	q.OnFailed(func(ctx context.Context, e events.Event) error {
		failed <- e
		return nil
	})
	require.NoError(t, q.Start(ctx))
	defer q.Close()

	handle, err := q.Enqueue(ctx, kind, types.JobPayload{WorkflowID: "wf"}, EnqueueOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { client.Del(context.Background(), recordKey(handle.ID)) })

	select {
	case e := <-failed:
		assert.Equal(t, "invalid", e.Data["error"])
	case <-time.After(5 * time.Second):
		t.Fatal("no failure event")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestRedisQueue_PromoteOne(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	kind := "test-" + uuid.NewString()
	t.Cleanup(func() {
		client.Del(context.Background(), waitKey(kind), delayedKey(kind))
	})
	q := NewRedisQueue(client, WithLogger(quietLogger()))

	require.NoError(t, client.ZAdd(ctx, delayedKey(kind), &redis.Z{Score: 1, Member: "job-a"}).Err())

	moved, err := q.promoteOne(ctx, kind, "job-a")
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = q.promoteOne(ctx, kind, "job-a")
	require.NoError(t, err)
	assert.False(t, moved, "already promoted")

	waiting, err := client.LRange(ctx, waitKey(kind), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a"}, waiting)
	left, err := client.ZCard(ctx, delayedKey(kind)).Result()
	require.NoError(t, err)
	assert.Zero(t, left)
}
