package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/songzhibin97/autoflow/events"
	"github.com/songzhibin97/autoflow/types"
)

const (
	redisPrefix     = "autoflow:queue:"
	jobRecordTTL    = 24 * time.Hour
	popTimeout      = time.Second
	promoteEvery    = 200 * time.Millisecond
	promoteBatch    = 100
	consumerBackoff = time.Second
)

// RedisQueue keeps jobs in Redis lists. Retries wait in a sorted set scored
// by their due time until a promoter moves them back to the wait list.
type RedisQueue struct {
	*core
	client *redis.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex
}

// NewRedisQueue creates a RedisQueue on an existing client.
func NewRedisQueue(client *redis.Client, opts ...Option) *RedisQueue {
	return &RedisQueue{core: newCore(opts), client: client}
}

func waitKey(kind string) string    { return redisPrefix + kind + ":wait" }
func delayedKey(kind string) string { return redisPrefix + kind + ":delayed" }
func recordKey(id string) string    { return redisPrefix + "job:" + id }

// Enqueue persists the job. A job id seen within the last 24 hours is not
// queued again and the returned handle is marked Duplicate.
func (q *RedisQueue) Enqueue(ctx context.Context, kind string, payload types.JobPayload, opts EnqueueOptions) (Handle, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return Handle{}, ErrClosed
	}
	if _, err := q.handler(kind); err != nil {
		return Handle{}, err
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	handle := Handle{ID: id, Kind: kind, Durable: true}

	job := Job{
		ID:          id,
		Kind:        kind,
		Payload:     payload,
		Attempt:     1,
		MaxAttempts: q.policy(kind).MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to encode job: %w", err)
	}

	ok, err := q.client.SetNX(ctx, recordKey(id), data, jobRecordTTL).Result()
	if err != nil {
		return Handle{}, fmt.Errorf("failed to record job %s: %w", id, err)
	}
	if !ok {
		handle.Duplicate = true
		return handle, nil
	}
	if err := q.client.LPush(ctx, waitKey(kind), data).Err(); err != nil {
		q.client.Del(ctx, recordKey(id))
		return Handle{}, fmt.Errorf("failed to push job %s: %w", id, err)
	}
	return handle, nil
}

// Start launches the consumers and the retry promoter of every registered
// kind.
func (q *RedisQueue) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	for _, kind := range q.kinds() {
		for i := 0; i < q.concurrency; i++ {
			q.wg.Add(1)
			go q.consume(ctx, kind)
		}
		q.wg.Add(1)
		go q.promote(ctx, kind)
	}
	q.logger.Info("durable queue started", "kinds", q.kinds(), "concurrency", q.concurrency)
	return nil
}

// Close stops the consumers, waits for in-flight jobs and stops the event
// bus. The Redis client is left open.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	q.bus.Stop()
	return nil
}

// Durable is always true.
func (q *RedisQueue) Durable() bool { return true }

func (q *RedisQueue) consume(ctx context.Context, kind string) {
	defer q.wg.Done()
	for ctx.Err() == nil {
		res, err := q.client.BRPop(ctx, popTimeout, waitKey(kind)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("failed to pop job", "kind", kind, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumerBackoff):
			}
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Error("dropping undecodable job", "kind", kind, "error", err)
			continue
		}
		q.process(ctx, job)
	}
}

// process runs one attempt and settles the outcome. Jobs already popped run to
// completion even when the queue is closing.
func (q *RedisQueue) process(ctx context.Context, job Job) {
	runCtx := context.WithoutCancel(ctx)
	h, err := q.handler(job.Kind)
	if err != nil {
		q.logger.Error("no handler for popped job", "job_id", job.ID, "kind", job.Kind)
		return
	}

	err = q.run(runCtx, h, job)
	if err == nil {
		q.emit(runCtx, false, events.JobCompleted, job, nil)
		return
	}

	policy := q.policy(job.Kind)
	if IsPermanent(err) || policy.Exhausted(job.Attempt) {
		q.logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		q.emit(runCtx, false, events.JobFailed, job, err)
		return
	}

	delay := policy.Delay(job.Attempt)
	q.logger.Warn("job failed, retrying", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "delay", delay, "error", err)
	next := job
	next.Attempt++
	if err := q.schedule(runCtx, next, delay); err != nil {
		q.logger.Error("failed to schedule retry", "job_id", job.ID, "error", err)
		q.emit(runCtx, false, events.JobFailed, job, err)
		return
	}
	q.emit(runCtx, false, events.JobRetrying, job, err)
}

func (q *RedisQueue) schedule(ctx context.Context, job Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	due := time.Now().Add(delay).UnixMilli()
	return q.client.ZAdd(ctx, delayedKey(job.Kind), &redis.Z{Score: float64(due), Member: data}).Err()
}

// promote moves due retries to the wait list. ZRem decides which promoter
// owns a member when several processes race.
func (q *RedisQueue) promote(ctx context.Context, kind string) {
	defer q.wg.Done()
	ticker := time.NewTicker(promoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := q.client.ZRangeByScore(ctx, delayedKey(kind), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
			Count: promoteBatch,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Error("failed to read delayed jobs", "kind", kind, "error", err)
			}
			continue
		}
		for _, member := range due {
			if _, err := q.promoteOne(ctx, kind, member); err != nil && ctx.Err() == nil {
				q.logger.Error("failed to promote job", "kind", kind, "error", err)
			}
		}
	}
}

// promoteOne moves member from the delayed set to the wait list in one
// transaction. It reports false when another promoter got there first.
func (q *RedisQueue) promoteOne(ctx context.Context, kind, member string) (bool, error) {
	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		if err := tx.ZScore(ctx, delayedKey(kind), member).Err(); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, delayedKey(kind), member)
			pipe.LPush(ctx, waitKey(kind), member)
			return nil
		})
		return err
	}, delayedKey(kind))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, err
	}
}
