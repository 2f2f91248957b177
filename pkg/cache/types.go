// Package cache implements the tiered store at the heart of the engine:
// an in-process LRU tier, a Redis-backed network tier and an S3-backed
// durable tier, with read-through promotion between them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for cache operations
var (
	// ErrNotFound is returned when a key is not found in any tier
	ErrNotFound = errors.New("key not found in cache")

	// ErrTierUnavailable indicates a tier's backing store failed. It is
	// absorbed inside the store; callers observe a miss, never this error.
	ErrTierUnavailable = errors.New("cache tier unavailable")

	// ErrSourceLoadFailure wraps a failure from the backing source loader
	ErrSourceLoadFailure = errors.New("source load failure")

	// ErrValueTooLarge is returned when a value exceeds a tier's byte budget
	// and could never be admitted
	ErrValueTooLarge = errors.New("value exceeds tier size limit")
)

// TierLevel identifies a storage tier, ordered by increasing latency
type TierLevel int

// Tier levels
const (
	TierMemory TierLevel = iota
	TierNetwork
	TierDurable
)

// String returns the tier's name
func (l TierLevel) String() string {
	switch l {
	case TierMemory:
		return "memory"
	case TierNetwork:
		return "network"
	case TierDurable:
		return "durable"
	default:
		return "unknown"
	}
}

// Priority classifies how important an entry is to keep cached. High and
// critical entries are written to the durable tier regardless of size.
type Priority string

// Entry priorities
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Entry is the envelope stored in every tier. Data holds the caller's value
// as marshaled JSON; the remaining fields carry bookkeeping the engine needs
// for eviction, promotion and metrics.
type Entry struct {
	Key            string          `json:"key"`
	Data           json.RawMessage `json:"data"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	AccessCount    int64           `json:"access_count"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	SizeBytes      int             `json:"size_bytes"`

	// Tier records where the entry was last served from
	Tier     TierLevel `json:"tier"`
	Priority Priority  `json:"priority"`
}

// Expired reports whether the entry's TTL has elapsed
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Tier is one physical storage layer. Implementations own their internal
// synchronization; all methods are safe for concurrent use.
type Tier interface {
	// Level returns the tier's position in the probe order
	Level() TierLevel

	// DefaultTTL returns the tier's configured entry lifetime
	DefaultTTL() time.Duration

	// Get returns the stored bytes for key, reporting found=false on a miss
	Get(ctx context.Context, key string) (data []byte, found bool, err error)

	// Set stores bytes under key with the given TTL
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key from the tier; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching the glob pattern and
	// returns how many were removed
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// Close releases the tier's resources
	Close() error
}

// SourceLoader produces values on a full tier miss. Implemented by the
// business layer owning the cached data.
type SourceLoader interface {
	Load(ctx context.Context, key string) (value json.RawMessage, found bool, err error)
}

// SourceLoaderFunc adapts a function to the SourceLoader interface
type SourceLoaderFunc func(ctx context.Context, key string) (json.RawMessage, bool, error)

// Load implements SourceLoader
func (f SourceLoaderFunc) Load(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return f(ctx, key)
}
