// Package config loads the batch manager configuration from YAML and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Hard limits from the provider's batch protocol.
const (
	// MaxBatchBytes is the maximum rendered JSONL size of one batch.
	MaxBatchBytes int64 = 200 * 1024 * 1024

	// MaxRequestsPerBatch is the maximum request count of one batch.
	MaxRequestsPerBatch = 50_000

	// BuildingBatchStaleAge is how long a building batch may sit before the
	// hourly sweeper force-promotes (or destroys) it.
	BuildingBatchStaleAge = time.Hour

	// DeliveryMaxAttempts bounds delivery retries per request.
	DeliveryMaxAttempts = 3
)

// TokenLimitRetryDelays is the backoff schedule for token_limit_exceeded
// failures, indexed by attempt-1. After the schedule is exhausted the batch
// fails.
var TokenLimitRetryDelays = []time.Duration{
	5 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
	40 * time.Minute,
	80 * time.Minute,
}

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Capacity CapacityConfig `mapstructure:"capacity"`
	Queues   QueuesConfig   `mapstructure:"queues"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig configures the ingress HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// OpenAIConfig configures the provider client.
type OpenAIConfig struct {
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`
	DownloadDir string `mapstructure:"download_dir"`
}

// RabbitMQConfig configures the AMQP delivery sink. When URL is empty, AMQP
// deliveries fail with outcome rabbitmq_not_configured.
type RabbitMQConfig struct {
	URL string `mapstructure:"url"`
}

// CapacityConfig holds per-model enqueued-token limits.
type CapacityConfig struct {
	// DefaultBatchLimitTokens applies to models without an explicit limit.
	DefaultBatchLimitTokens int64 `mapstructure:"default_batch_limit_tokens"`

	// ModelLimits maps model name to its enqueued-token limit.
	ModelLimits map[string]int64 `mapstructure:"model_limits"`
}

// QueuesConfig sets worker concurrency per job queue.
type QueuesConfig struct {
	Uploads    int `mapstructure:"uploads"`
	Processing int `mapstructure:"processing"`
	Default    int `mapstructure:"default"`
	Delivery   int `mapstructure:"delivery"`
}

// LoggingConfig selects the zap profile.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads config from the given file (optional) and OBM_* env vars.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 16)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.download_dir", "")
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("capacity.default_batch_limit_tokens", 5_000_000)
	v.SetDefault("queues.uploads", 4)
	// File download and reconciliation are serialized per process.
	v.SetDefault("queues.processing", 1)
	v.SetDefault("queues.default", 4)
	v.SetDefault("queues.delivery", 20)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetEnvPrefix("OBM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	if cfg.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("openai.api_key is required")
	}

	return &cfg, nil
}

// BatchLimitTokens returns the enqueued-token limit for a model.
func (c CapacityConfig) BatchLimitTokens(model string) int64 {
	if limit, ok := c.ModelLimits[model]; ok {
		return limit
	}
	return c.DefaultBatchLimitTokens
}
