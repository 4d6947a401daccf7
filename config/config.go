package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Backend selects the store/queue implementation.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	// Enabled turns the whole delivery engine on or off. When false, Emit
	// becomes a no-op and the worker refuses to start.
	Enabled bool `mapstructure:"WEBHOOKS_ENABLED"`

	Port string `mapstructure:"PORT"`
	// WorkerPort is where the worker binary serves health and metrics.
	WorkerPort string `mapstructure:"WORKER_PORT"`
	Backend    string `mapstructure:"QUEUE_BACKEND"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	DeliveryTimeout time.Duration `mapstructure:"DELIVERY_TIMEOUT"`
	MaxRetries      int           `mapstructure:"MAX_RETRIES"`
	QueueMaxDepth   int64         `mapstructure:"QUEUE_MAX_DEPTH"`
	MaxInFlight     int64         `mapstructure:"MAX_INFLIGHT_PER_WEBHOOK"`

	// AllowLocalhost permits http:// and loopback destinations. Dev only.
	AllowLocalhost bool `mapstructure:"ALLOW_LOCALHOST"`

	MaxPayloadBytes  int           `mapstructure:"MAX_PAYLOAD_BYTES"`
	SignatureMaxAge  time.Duration `mapstructure:"SIGNATURE_MAX_AGE"`
	FailureThreshold int           `mapstructure:"FAILURE_THRESHOLD"`

	// DeliveryRetention bounds how long terminal delivery records stay
	// available for audit and replay.
	DeliveryRetention time.Duration `mapstructure:"DELIVERY_RETENTION"`

	WorkerConcurrency int    `mapstructure:"WORKER_CONCURRENCY"`
	SeedFile          string `mapstructure:"WEBHOOK_SEED_FILE"`
}

func Get() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	setDefaults()

	// A missing config file is fine; env vars and defaults cover everything.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parsing config data: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("WEBHOOKS_ENABLED", true)
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("WORKER_PORT", "8081")
	viper.SetDefault("QUEUE_BACKEND", BackendRedis)
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("DELIVERY_TIMEOUT", 30*time.Second)
	viper.SetDefault("MAX_RETRIES", 5)
	viper.SetDefault("QUEUE_MAX_DEPTH", 10000)
	viper.SetDefault("MAX_INFLIGHT_PER_WEBHOOK", 4)
	viper.SetDefault("ALLOW_LOCALHOST", false)
	viper.SetDefault("MAX_PAYLOAD_BYTES", 64*1024)
	viper.SetDefault("SIGNATURE_MAX_AGE", 5*time.Minute)
	viper.SetDefault("FAILURE_THRESHOLD", 10)
	viper.SetDefault("DELIVERY_RETENTION", 7*24*time.Hour)
	viper.SetDefault("WORKER_CONCURRENCY", 8)
	viper.SetDefault("WEBHOOK_SEED_FILE", "")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Backend != BackendMemory && c.Backend != BackendRedis {
		return fmt.Errorf("invalid queue backend: %s", c.Backend)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.QueueMaxDepth < 1 {
		return fmt.Errorf("queue_max_depth must be at least 1")
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max_inflight_per_webhook must be at least 1")
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("delivery_timeout must be positive")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1")
	}
	return nil
}
