package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const pingTimeout = 2 * time.Second

// New returns a RedisQueue when client answers a ping and an InlineQueue
// otherwise. The fallback is logged at WARN since it forfeits retries and
// durability for the life of the process.
func New(ctx context.Context, client *redis.Client, logger *slog.Logger, opts ...Option) Queue {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]Option{WithLogger(logger)}, opts...)

	if client == nil {
		logger.Warn("no queue store configured, jobs run inline without retries")
		return NewInlineQueue(opts...)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("queue store unreachable, jobs run inline without retries", "error", err)
		return NewInlineQueue(opts...)
	}
	return NewRedisQueue(client, opts...)
}
