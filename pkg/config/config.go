// Package config loads the cache engine configuration from YAML files
// and environment variables.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/storyintelligence/cache-engine/pkg/admission"
	"github.com/storyintelligence/cache-engine/pkg/cache"
	"github.com/storyintelligence/cache-engine/pkg/observability"
	"github.com/storyintelligence/cache-engine/pkg/pool"
	"github.com/storyintelligence/cache-engine/pkg/prediction"
	"github.com/storyintelligence/cache-engine/pkg/resource"
	"github.com/storyintelligence/cache-engine/pkg/storage"
	"github.com/storyintelligence/cache-engine/pkg/timeout"
)

// Config is the complete configuration for the cache engine
type Config struct {
	Logging    observability.LoggingConfig `mapstructure:"logging"`
	Metrics    observability.MetricsConfig `mapstructure:"metrics"`
	Memory     cache.MemoryTierConfig      `mapstructure:"memory"`
	Redis      cache.RedisTierConfig       `mapstructure:"redis"`
	Durable    cache.DurableTierConfig     `mapstructure:"durable"`
	S3         storage.S3Config            `mapstructure:"s3"`
	Store      cache.TieredStoreConfig     `mapstructure:"store"`
	Resources  ResourcesConfig             `mapstructure:"resources"`
	Pool       pool.Config                 `mapstructure:"pool"`
	Admission  admission.Config            `mapstructure:"admission"`
	Timeouts   timeout.Config              `mapstructure:"timeouts"`
	Prediction prediction.Config           `mapstructure:"prediction"`
	Retry      RetryConfig                 `mapstructure:"retry"`
}

// ResourcesConfig groups the resource budget with its scaling policy
type ResourcesConfig struct {
	Budget  resource.Budget        `mapstructure:"budget"`
	Scaling resource.ScalingConfig `mapstructure:"scaling"`
}

// RetryConfig controls the optimizer's retry policy
type RetryConfig struct {
	MaxAttempts     int     `mapstructure:"max_attempts"`
	InitialInterval string  `mapstructure:"initial_interval"`
	MaxInterval     string  `mapstructure:"max_interval"`
	Multiplier      float64 `mapstructure:"multiplier"`
}

// Load reads cache-engine.yaml from the given paths (or the defaults)
// plus CACHE_ENGINE_* environment variables.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("cache-engine")
	v.SetConfigType("yaml")

	if len(paths) == 0 {
		paths = []string{".", "./configs", "/etc/cache-engine"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	v.SetEnvPrefix("CACHE_ENGINE")
	v.AutomaticEnv()
	_ = v.BindEnv("redis.address", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("s3.bucket", "S3_BUCKET")
	_ = v.BindEnv("s3.region", "AWS_REGION")
	_ = v.BindEnv("s3.endpoint", "S3_ENDPOINT")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Logging and metrics
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.type", "prometheus")
	v.SetDefault("metrics.namespace", "cache_engine")

	// Memory tier
	v.SetDefault("memory.max_size_bytes", 256*1024*1024)
	v.SetDefault("memory.max_entries", 10000)
	v.SetDefault("memory.ttl", "5m")

	// Redis tier
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.key_prefix", "cache")
	v.SetDefault("redis.ttl", "1h")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.max_retries", 3)

	// Durable tier
	v.SetDefault("durable.ttl", "24h")
	v.SetDefault("durable.key_prefix", "cache")
	v.SetDefault("durable.compression_min_bytes", 1024)
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.request_timeout", "10s")

	// Tiered store
	v.SetDefault("store.durable_write_threshold_bytes", 64*1024)
	v.SetDefault("store.io_timeout", "2s")
	v.SetDefault("store.promote_workers", 2)
	v.SetDefault("store.promote_queue_size", 256)

	// Resource budget and scaling
	v.SetDefault("resources.budget.max_memory_bytes", 512*1024*1024)
	v.SetDefault("resources.budget.max_concurrent_requests", 200)
	v.SetDefault("resources.budget.max_connections", 100)
	v.SetDefault("resources.budget.max_bandwidth_bytes", 64*1024*1024)
	v.SetDefault("resources.scaling.enabled", true)
	v.SetDefault("resources.scaling.scale_up_threshold_pct", 80)
	v.SetDefault("resources.scaling.scale_down_threshold_pct", 30)
	v.SetDefault("resources.scaling.cooldown", "1m")
	v.SetDefault("resources.scaling.factor", 1.5)
	v.SetDefault("resources.scaling.max_factor", 4)
	v.SetDefault("resources.scaling.evaluate_interval", "5s")

	// Connection pool
	v.SetDefault("pool.max_connections", 50)
	v.SetDefault("pool.acquire_timeout", "5s")
	v.SetDefault("pool.idle_timeout", "5m")
	v.SetDefault("pool.sweep_interval", "1m")

	// Admission control
	v.SetDefault("admission.enabled", true)
	v.SetDefault("admission.max_concurrent", 100)
	v.SetDefault("admission.priority_levels", 5)
	v.SetDefault("admission.default_timeout", "30s")
	v.SetDefault("admission.latency_sensitive_types", []string{"interactive", "realtime"})
	v.SetDefault("admission.peak_hour_start", 18)
	v.SetDefault("admission.peak_hour_end", 22)

	// Adaptive timeouts
	v.SetDefault("timeouts.enabled", true)
	v.SetDefault("timeouts.base", "10s")
	v.SetDefault("timeouts.max", "60s")
	v.SetDefault("timeouts.adjustment_factor", 0.1)
	v.SetDefault("timeouts.recalc_interval", "1m")
	v.SetDefault("timeouts.peak_hour_start", 18)
	v.SetDefault("timeouts.peak_hour_end", 22)

	// Usage prediction
	v.SetDefault("prediction.enabled", true)
	v.SetDefault("prediction.look_ahead", "30m")
	v.SetDefault("prediction.confidence_threshold", 0.3)
	v.SetDefault("prediction.max_predictions", 10)
	v.SetDefault("prediction.refresh_interval", "5m")
	v.SetDefault("prediction.sequence_enabled", true)
	v.SetDefault("prediction.frequency_enabled", true)
	v.SetDefault("prediction.time_of_day_enabled", true)
	v.SetDefault("prediction.templates.confidence_threshold", 0.5)
	v.SetDefault("prediction.templates.similarity_threshold", 0.7)
	v.SetDefault("prediction.templates.confidence_increment", 0.1)
	v.SetDefault("prediction.templates.max_patterns_per_type", 500)

	// Retry policy
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", "100ms")
	v.SetDefault("retry.max_interval", "2s")
	v.SetDefault("retry.multiplier", 2.0)
}

func validate(cfg *Config) error {
	if cfg.Memory.MaxSizeBytes <= 0 {
		return fmt.Errorf("memory.max_size_bytes must be positive, got %d", cfg.Memory.MaxSizeBytes)
	}
	if cfg.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be positive, got %d", cfg.Pool.MaxConnections)
	}
	if cfg.Admission.PriorityLevels <= 0 {
		return fmt.Errorf("admission.priority_levels must be positive, got %d", cfg.Admission.PriorityLevels)
	}
	if cfg.Timeouts.Base <= 0 {
		return fmt.Errorf("timeouts.base must be positive, got %s", cfg.Timeouts.Base)
	}
	if cfg.Timeouts.Max < cfg.Timeouts.Base {
		return fmt.Errorf("timeouts.max %s must be at least timeouts.base %s", cfg.Timeouts.Max, cfg.Timeouts.Base)
	}
	if cfg.Resources.Scaling.ScaleUpThresholdPct <= cfg.Resources.Scaling.ScaleDownThresholdPct {
		return fmt.Errorf("resources.scaling thresholds inverted: up %.1f <= down %.1f",
			cfg.Resources.Scaling.ScaleUpThresholdPct, cfg.Resources.Scaling.ScaleDownThresholdPct)
	}
	return nil
}
