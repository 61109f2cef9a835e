// Package config loads service configuration from an optional YAML file and
// AUTOFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AUTOFLOW_REDIS_ADDR.
const EnvPrefix = "AUTOFLOW"

// Config holds the configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Builder     BuilderConfig     `mapstructure:"builder"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Slack       SlackConfig       `mapstructure:"slack"`
	MCP         MCPConfig         `mapstructure:"mcp"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig selects the slog handler. Output is stdout, stderr or a file path.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// DatabaseConfig selects the workflow store: memory, sqlite or postgres.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig backs idempotency records and the durable queue. An empty
// Addr runs both degraded.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// LLMConfig configures the completion provider. Without an APIKey the
// generator only uses templates.
type LLMConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerOpen       time.Duration `mapstructure:"breaker_open"`
}

// BuilderConfig configures the external builder. Simulate replaces the HTTP
// client with an in-process simulator.
type BuilderConfig struct {
	URL             string        `mapstructure:"url"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Simulate        bool          `mapstructure:"simulate"`
	FailureRate     float64       `mapstructure:"failure_rate"`
	MinLatency      time.Duration `mapstructure:"min_latency"`
	MaxLatency      time.Duration `mapstructure:"max_latency"`
	ViewBase        string        `mapstructure:"view_base"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerOpen     time.Duration `mapstructure:"breaker_open"`
}

type QueueConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
}

type IdempotencyConfig struct {
	StartedTTL   time.Duration `mapstructure:"started_ttl"`
	CompletedTTL time.Duration `mapstructure:"completed_ttl"`
}

// TracingConfig enables OpenTelemetry. Exporter is stdout or noop.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"`
}

type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads path (optional) and the environment. Unset keys take defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.requests_per_minute", 20)
	v.SetDefault("llm.burst", 5)
	v.SetDefault("llm.breaker_failures", 5)
	v.SetDefault("llm.breaker_open", 30*time.Second)

	v.SetDefault("builder.url", "")
	v.SetDefault("builder.api_key", "")
	v.SetDefault("builder.timeout", 10*time.Second)
	v.SetDefault("builder.simulate", true)
	v.SetDefault("builder.failure_rate", 0.1)
	v.SetDefault("builder.min_latency", 2*time.Second)
	v.SetDefault("builder.max_latency", 5*time.Second)
	v.SetDefault("builder.view_base", "https://builder.local")
	v.SetDefault("builder.breaker_failures", 5)
	v.SetDefault("builder.breaker_open", 30*time.Second)

	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("queue.job_timeout", 60*time.Second)

	v.SetDefault("idempotency.started_ttl", time.Hour)
	v.SetDefault("idempotency.completed_ttl", 24*time.Hour)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")

	v.SetDefault("slack.webhook_url", "")
	v.SetDefault("slack.channel", "")

	v.SetDefault("mcp.enabled", true)
}

// Validate rejects settings the application cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}
	if !c.Builder.Simulate && c.Builder.URL == "" {
		errs = append(errs, errors.New("builder.url is required unless builder.simulate is set"))
	}
	if c.Builder.FailureRate < 0 || c.Builder.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("builder.failure_rate %v is outside [0, 1]", c.Builder.FailureRate))
	}
	if c.Builder.MaxLatency < c.Builder.MinLatency {
		errs = append(errs, errors.New("builder.max_latency is below builder.min_latency"))
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, errors.New("queue.concurrency must be at least 1"))
	}
	if c.Idempotency.StartedTTL <= 0 || c.Idempotency.CompletedTTL <= 0 {
		errs = append(errs, errors.New("idempotency TTLs must be positive"))
	}
	switch c.Tracing.Exporter {
	case "stdout", "noop", "":
	default:
		errs = append(errs, fmt.Errorf("unsupported tracing.exporter %q", c.Tracing.Exporter))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
