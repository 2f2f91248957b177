package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/storyintelligence/cache-engine/pkg/cachekey"
	"github.com/storyintelligence/cache-engine/pkg/payload"
	"github.com/storyintelligence/cache-engine/pkg/storage"
)

// DurableTierConfig holds configuration for the durable tier
type DurableTierConfig struct {
	// TTL bounds how stale a durable entry may be before reads ignore it.
	// Enforced on read since object stores have no native expiry.
	TTL time.Duration `mapstructure:"ttl"`

	// KeyPrefix namespaces objects within the bucket
	KeyPrefix string `mapstructure:"key_prefix"`

	// CompressionMinBytes gates compression; 0 uses the codec default
	CompressionMinBytes int `mapstructure:"compression_min_bytes"`
}

// DurableTier is the slowest tier, backed by an object store. Payloads above
// the compression threshold are stored gzip-compressed.
type DurableTier struct {
	store  storage.BlobStore
	codec  *payload.Codec
	config DurableTierConfig
}

// NewDurableTier creates the durable tier over the given blob store
func NewDurableTier(store storage.BlobStore, config DurableTierConfig) *DurableTier {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	return &DurableTier{
		store:  store,
		codec:  payload.NewCodecWithMinSize(config.CompressionMinBytes),
		config: config,
	}
}

// Level implements Tier
func (t *DurableTier) Level() TierLevel { return TierDurable }

// DefaultTTL implements Tier
func (t *DurableTier) DefaultTTL() time.Duration { return t.config.TTL }

// Get implements Tier. Stored data is decompressed transparently; data
// without the compression magic bytes passes through unchanged.
func (t *DurableTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := t.store.GetObject(ctx, t.objectKey(key))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: durable get: %v", ErrTierUnavailable, err)
	}

	decoded, err := t.codec.Decompress(data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: durable decompress: %v", ErrTierUnavailable, err)
	}
	return decoded, true, nil
}

// Set implements Tier. The ttl argument is ignored; durable expiry is
// enforced by the store on read via the entry envelope.
func (t *DurableTier) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	encoded, err := t.codec.Compress(data)
	if err != nil {
		return fmt.Errorf("%w: durable compress: %v", ErrTierUnavailable, err)
	}
	if err := t.store.PutObject(ctx, t.objectKey(key), encoded); err != nil {
		return fmt.Errorf("%w: durable put: %v", ErrTierUnavailable, err)
	}
	return nil
}

// Delete implements Tier
func (t *DurableTier) Delete(ctx context.Context, key string) error {
	if err := t.store.DeleteObject(ctx, t.objectKey(key)); err != nil {
		return fmt.Errorf("%w: durable delete: %v", ErrTierUnavailable, err)
	}
	return nil
}

// DeletePattern implements Tier. Objects are listed under the pattern's
// literal prefix, then matched against the full glob.
func (t *DurableTier) DeletePattern(ctx context.Context, pattern string) (int, error) {
	prefix := literalPrefix(pattern)
	keys, err := t.store.ListKeys(ctx, t.objectKey(prefix))
	if err != nil {
		return 0, fmt.Errorf("%w: durable list: %v", ErrTierUnavailable, err)
	}

	deleted := 0
	for _, objKey := range keys {
		key := t.cacheKey(objKey)
		if !cachekey.Match(pattern, key) {
			continue
		}
		if err := t.store.DeleteObject(ctx, objKey); err != nil {
			return deleted, fmt.Errorf("%w: durable delete: %v", ErrTierUnavailable, err)
		}
		deleted++
	}
	return deleted, nil
}

// Close implements Tier
func (t *DurableTier) Close() error { return nil }

// objectKey maps a canonical cache key to an object key. Colons become
// slashes so objects group naturally by type in the bucket.
func (t *DurableTier) objectKey(key string) string {
	objKey := strings.ReplaceAll(key, ":", "/")
	if t.config.KeyPrefix != "" {
		return t.config.KeyPrefix + "/" + objKey
	}
	return objKey
}

func (t *DurableTier) cacheKey(objKey string) string {
	if t.config.KeyPrefix != "" {
		objKey = strings.TrimPrefix(objKey, t.config.KeyPrefix+"/")
	}
	return strings.ReplaceAll(objKey, "/", ":")
}

// literalPrefix returns the pattern text before the first glob metacharacter
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
