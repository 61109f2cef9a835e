// Package app composes the pipeline from configuration. Nothing is started
// at import time; New builds, Start launches consumers, Shutdown tears down
// in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/songzhibin97/autoflow/analytics"
	"github.com/songzhibin97/autoflow/api"
	"github.com/songzhibin97/autoflow/builder"
	"github.com/songzhibin97/autoflow/config"
	"github.com/songzhibin97/autoflow/generator"
	"github.com/songzhibin97/autoflow/idempotency"
	"github.com/songzhibin97/autoflow/llm"
	"github.com/songzhibin97/autoflow/mcpserver"
	"github.com/songzhibin97/autoflow/notify"
	"github.com/songzhibin97/autoflow/queue"
	"github.com/songzhibin97/autoflow/rules"
	"github.com/songzhibin97/autoflow/storage"
	"github.com/songzhibin97/autoflow/tracing"
	"github.com/songzhibin97/autoflow/workflow"
)

// Version is reported by /health and the MCP server.
var Version = "dev"

// App holds every long-lived component.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Store     storage.Storage
	KV        storage.KeyValueStore
	Queue     queue.Queue
	Keyer     *idempotency.Keyer
	Generator generator.Generator
	Builder   builder.Client
	Workflows *workflow.Service
	Analytics *analytics.Service
	Notifier  *notify.SlackNotifier
	MCP       *mcpserver.Server
	API       *api.Server

	completer llm.Completer
	redis     *redis.Client
	server    *http.Server
	closers   []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New wires the application. On error everything built so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	a.onClose("tracing", shutdownTracing)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	a.openRedis(ctx)

	a.Queue = queue.New(ctx, a.redis, logger,
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithJobTimeout(cfg.Queue.JobTimeout),
	)
	a.onClose("queue", func(context.Context) error { return a.Queue.Close() })

	a.Keyer = idempotency.NewKeyer(a.KV,
		idempotency.WithTTL(cfg.Idempotency.StartedTTL, cfg.Idempotency.CompletedTTL),
		idempotency.WithLogger(logger),
	)
	a.completer = NewCompleter(cfg.LLM, logger)
	a.Generator = NewGenerator(cfg.LLM, a.completer, logger)
	a.Builder = a.newBuilder()

	a.Queue.Register(queue.KindValidate, workflow.NewValidationWorker(a.Store, a.Queue, a.Keyer, rules.NewExprChecker(), logger))
	a.Queue.Register(queue.KindDeploy, workflow.NewDeployWorker(a.Store, a.Builder, a.Keyer, logger))

	a.Workflows = workflow.NewService(a.Store, a.Queue, a.Keyer, a.Generator, logger)
	a.Analytics = analytics.NewService(a.Store, a.completer, logger)

	a.Notifier = notify.NewSlackNotifier(cfg.Slack.WebhookURL,
		notify.WithChannel(cfg.Slack.Channel),
		notify.WithLogger(logger),
	)
	a.Notifier.Attach(a.Queue)

	opts := []api.Option{api.WithVersion(Version), api.WithStatus(a.status)}
	if cfg.MCP.Enabled {
		a.MCP = mcpserver.New(a.Generator, a.Workflows, a.Analytics, Version, logger)
		opts = append(opts, api.WithMount(mcpserver.BasePath, a.MCP.Handler()))
	}
	a.API = api.New(a.Workflows, a.Analytics, logger, opts...)
	a.server = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.API.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) openStore(ctx context.Context) error {
	db := a.cfg.Database
	switch db.Driver {
	case "memory", "":
		a.Store = storage.NewMemoryStorage(nil)
		a.logger.Warn("using in-memory workflow store, data is lost on restart")
	case "sqlite":
		store, err := storage.OpenSQLite(db.DSN)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.onClose("sqlite", func(context.Context) error { return store.Close() })
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
		a.Store = store
	case "postgres":
		pool, err := pgxpool.New(ctx, db.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.onClose("postgres", func(context.Context) error { pool.Close(); return nil })
		store := storage.NewPostgresStorage(pool)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		a.Store = store
	default:
		return fmt.Errorf("unsupported database driver %q", db.Driver)
	}
	return nil
}

// openRedis connects the shared store. Without it idempotency records are
// process-local and the queue runs inline.
func (a *App) openRedis(ctx context.Context) {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		a.logger.Warn("no redis configured, idempotency records are process-local")
		a.KV = storage.NewMemoryKV()
		return
	}
	client := storage.NewRedisClient(storage.RedisOptions{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		PoolSize: rc.PoolSize,
	})
	kv := storage.NewRedisKV(client)
	if err := kv.Ping(ctx); err != nil {
		a.logger.Warn("redis unreachable, idempotency records are process-local", "addr", rc.Addr, "error", err)
		_ = client.Close()
		a.KV = storage.NewMemoryKV()
		return
	}
	a.redis = client
	a.KV = kv
	a.onClose("redis", func(context.Context) error { return client.Close() })
}

// NewCompleter returns the configured model client behind a circuit
// breaker, or nil when no API key is set.
func NewCompleter(lc config.LLMConfig, logger *slog.Logger) llm.Completer {
	client, err := llm.NewOpenAIClient(llm.Config{
		APIKey:  lc.APIKey,
		BaseURL: lc.BaseURL,
		Model:   lc.Model,
		Timeout: lc.Timeout,
	}, logger)
	if err != nil {
		logger.Info("no language model configured, generation uses templates", "reason", err)
		return nil
	}
	return llm.NewBreakerCompleter(client, llm.BreakerConfig{
		MaxFailures: lc.BreakerFailures,
		Timeout:     lc.BreakerOpen,
	}, logger)
}

// NewGenerator builds the generator variant selected by lc.
func NewGenerator(lc config.LLMConfig, completer llm.Completer, logger *slog.Logger) generator.Generator {
	return generator.New(completer,
		generator.WithRateLimit(lc.RequestsPerMinute, lc.Burst),
		generator.WithLogger(logger),
	)
}

func (a *App) newBuilder() builder.Client {
	bc := a.cfg.Builder
	var inner builder.Client
	if bc.Simulate {
		a.logger.Info("builder deploys are simulated", "failure_rate", bc.FailureRate)
		inner = builder.NewSimulator(
			builder.WithLatency(bc.MinLatency, bc.MaxLatency),
			builder.WithFailureRate(bc.FailureRate),
			builder.WithViewBase(bc.ViewBase),
		)
	} else {
		inner = builder.NewHTTPClient(bc.URL, bc.APIKey)
	}
	return builder.NewBreakerClient(builder.WithTimeout(inner, bc.Timeout), bc.BreakerFailures, bc.BreakerOpen, a.logger)
}

// status feeds /health.
func (a *App) status() map[string]string {
	out := map[string]string{
		"queue":       "inline",
		"idempotency": "memory",
		"generator":   "template",
		"store":       a.cfg.Database.Driver,
	}
	if a.Queue.Durable() {
		out["queue"] = "redis"
	}
	if a.redis != nil {
		out["idempotency"] = "redis"
	}
	if a.completer != nil {
		out["generator"] = "llm"
	}
	if b, ok := a.Builder.(*builder.BreakerClient); ok {
		out["builder_circuit"] = b.State().String()
	}
	return out
}

// Start launches the queue consumers.
func (a *App) Start(ctx context.Context) error {
	if err := a.Queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	a.logger.Info("workers started", "durable", a.Queue.Durable())
	return nil
}

// Serve runs the HTTP server until ctx is done or the listener fails.
func (a *App) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", a.server.Addr)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	}
}

// Shutdown closes components in reverse order of creation.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Error("shutdown failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
