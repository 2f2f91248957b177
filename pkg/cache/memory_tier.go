package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/storyintelligence/cache-engine/pkg/cachekey"
)

// MemoryTierConfig holds configuration for the in-process tier
type MemoryTierConfig struct {
	// MaxSizeBytes bounds the total payload bytes held in memory
	MaxSizeBytes int64 `mapstructure:"max_size_bytes"`

	// MaxEntries bounds the entry count independent of byte size
	MaxEntries int `mapstructure:"max_entries"`

	// TTL is the default expiry applied when Set receives no TTL
	TTL time.Duration `mapstructure:"ttl"`
}

type memoryItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryTier is the in-process LRU tier. It is the only tier with local
// eviction; the network and durable tiers expire by TTL.
type MemoryTier struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, memoryItem]
	config    MemoryTierConfig
	usedBytes int64

	// onEvict is invoked outside the LRU callback path with the number of
	// entries evicted to make room
	onEvict func(count int)
}

// NewMemoryTier creates the in-process tier
func NewMemoryTier(config MemoryTierConfig) (*MemoryTier, error) {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.MaxSizeBytes <= 0 {
		config.MaxSizeBytes = 100 * 1024 * 1024
	}
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}

	t := &MemoryTier{config: config}
	entries, err := lru.NewWithEvict[string, memoryItem](config.MaxEntries, func(key string, item memoryItem) {
		t.usedBytes -= int64(len(item.data))
	})
	if err != nil {
		return nil, err
	}
	t.entries = entries
	return t, nil
}

// SetEvictionObserver registers a callback receiving eviction counts
func (t *MemoryTier) SetEvictionObserver(fn func(count int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvict = fn
}

// Level implements Tier
func (t *MemoryTier) Level() TierLevel { return TierMemory }

// DefaultTTL implements Tier
func (t *MemoryTier) DefaultTTL() time.Duration { return t.config.TTL }

// Get implements Tier. Expired entries are removed and reported as misses.
func (t *MemoryTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		t.entries.Remove(key)
		return nil, false, nil
	}
	return item.data, true, nil
}

// Set implements Tier. Oldest entries are evicted until the byte budget
// admits the new value; a value no amount of eviction could fit is
// rejected with ErrValueTooLarge.
func (t *MemoryTier) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if int64(len(data)) > t.config.MaxSizeBytes {
		return ErrValueTooLarge
	}
	if ttl <= 0 {
		ttl = t.config.TTL
	}

	t.mu.Lock()
	evicted := 0
	// Remove triggers the eviction callback, which keeps usedBytes accurate.
	t.entries.Remove(key)
	for t.usedBytes+int64(len(data)) > t.config.MaxSizeBytes && t.entries.Len() > 0 {
		t.entries.RemoveOldest()
		evicted++
	}
	if t.entries.Add(key, memoryItem{data: data, expiresAt: time.Now().Add(ttl)}) {
		evicted++
	}
	t.usedBytes += int64(len(data))
	onEvict := t.onEvict
	t.mu.Unlock()

	if evicted > 0 && onEvict != nil {
		onEvict(evicted)
	}
	return nil
}

// Delete implements Tier
func (t *MemoryTier) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Remove(key)
	return nil
}

// DeletePattern implements Tier by scanning resident keys
func (t *MemoryTier) DeletePattern(ctx context.Context, pattern string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var matched []string
	for _, key := range t.entries.Keys() {
		if cachekey.Match(pattern, key) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		t.entries.Remove(key)
	}
	return len(matched), nil
}

// EvictOldest removes up to n least-recently-used entries and returns how
// many were removed. Used by callers shedding memory under budget pressure.
func (t *MemoryTier) EvictOldest(n int) int {
	t.mu.Lock()
	evicted := 0
	for i := 0; i < n && t.entries.Len() > 0; i++ {
		t.entries.RemoveOldest()
		evicted++
	}
	onEvict := t.onEvict
	t.mu.Unlock()

	if evicted > 0 && onEvict != nil {
		onEvict(evicted)
	}
	return evicted
}

// UsedBytes returns the payload bytes currently resident
func (t *MemoryTier) UsedBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usedBytes
}

// Len returns the number of resident entries
func (t *MemoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}

// Close implements Tier
func (t *MemoryTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Purge()
	t.usedBytes = 0
	return nil
}
