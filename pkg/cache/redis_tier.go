package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisTierConfig holds configuration for the network-shared tier
type RedisTierConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	TTL          time.Duration `mapstructure:"ttl"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// RedisTier is the network-shared tier backed by Redis
type RedisTier struct {
	client *redis.Client
	config RedisTierConfig
}

// NewRedisTier creates the network tier and verifies connectivity
func NewRedisTier(config RedisTierConfig) (*RedisTier, error) {
	if config.TTL <= 0 {
		config.TTL = 30 * time.Minute
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.Database,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisTier{client: client, config: config}, nil
}

// Level implements Tier
func (t *RedisTier) Level() TierLevel { return TierNetwork }

// DefaultTTL implements Tier
func (t *RedisTier) DefaultTTL() time.Duration { return t.config.TTL }

// Get implements Tier
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := t.client.Get(ctx, t.prefixed(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: redis get: %v", ErrTierUnavailable, err)
	}
	return data, true, nil
}

// Set implements Tier
func (t *RedisTier) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.config.TTL
	}
	if err := t.client.Set(ctx, t.prefixed(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", ErrTierUnavailable, err)
	}
	return nil
}

// Delete implements Tier
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefixed(key)).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", ErrTierUnavailable, err)
	}
	return nil
}

// DeletePattern implements Tier using SCAN so large keyspaces do not block
// the server the way KEYS would.
func (t *RedisTier) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	match := t.prefixed(pattern)
	for {
		keys, next, err := t.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("%w: redis scan: %v", ErrTierUnavailable, err)
		}
		if len(keys) > 0 {
			removed, err := t.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("%w: redis del: %v", ErrTierUnavailable, err)
			}
			deleted += int(removed)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Close implements Tier
func (t *RedisTier) Close() error {
	return t.client.Close()
}

func (t *RedisTier) prefixed(key string) string {
	if t.config.KeyPrefix == "" {
		return key
	}
	return t.config.KeyPrefix + ":" + key
}
