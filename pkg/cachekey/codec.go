// Package cachekey derives deterministic, privacy-preserving cache keys
// from structured key descriptors.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Key is a structured cache key descriptor. Two keys with the same fields
// produce the same canonical string regardless of metadata insertion order.
type Key struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	Version  string            `json:"version,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Codec converts Key descriptors to canonical string keys and
// invalidation patterns. The zero value is usable.
type Codec struct {
	// Prefix is prepended to every canonical key, typically the
	// application namespace.
	Prefix string
}

// NewCodec creates a codec with the given key prefix
func NewCodec(prefix string) *Codec {
	return &Codec{Prefix: prefix}
}

// Canonical returns the canonical string form of a key. The user ID is
// hashed so it never appears in clear in any tier, and metadata fields are
// sorted before hashing so field order does not affect the result.
func (c *Codec) Canonical(k Key) string {
	parts := make([]string, 0, 6)
	if c.Prefix != "" {
		parts = append(parts, c.Prefix)
	}
	parts = append(parts, k.Type, k.ID)
	if k.Version != "" {
		parts = append(parts, "v"+k.Version)
	}
	if k.UserID != "" {
		parts = append(parts, "u"+hashToken(k.UserID, 12))
	}
	if len(k.Metadata) > 0 {
		parts = append(parts, "m"+hashToken(canonicalMetadata(k.Metadata), 12))
	}
	return strings.Join(parts, ":")
}

// Pattern returns a glob matching every canonical key for the descriptor's
// type and ID, across all versions, users and metadata variants.
func (c *Codec) Pattern(k Key) string {
	parts := make([]string, 0, 3)
	if c.Prefix != "" {
		parts = append(parts, c.Prefix)
	}
	parts = append(parts, k.Type, k.ID)
	return strings.Join(parts, ":") + "*"
}

// TypePattern returns a glob matching every canonical key of the given type.
func (c *Codec) TypePattern(keyType string) string {
	if c.Prefix != "" {
		return c.Prefix + ":" + keyType + ":*"
	}
	return keyType + ":*"
}

// UserToken returns the hashed token embedded in keys carrying the given
// user ID. Callers use it to match per-user keys without knowing the ID.
func (c *Codec) UserToken(userID string) string {
	return "u" + hashToken(userID, 12)
}

// UserPattern returns a glob matching every canonical key scoped to the user.
func (c *Codec) UserPattern(userID string) string {
	return "*:" + c.UserToken(userID) + "*"
}

// Match reports whether a canonical key matches a glob pattern. Used by the
// in-process tier; the network tier delegates matching to the store itself.
func Match(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	if err != nil {
		return false
	}
	return ok
}

func canonicalMetadata(metadata map[string]string) string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, metadata[k]))
	}
	return strings.Join(pairs, "&")
}

func hashToken(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	token := hex.EncodeToString(sum[:])
	if n > 0 && n < len(token) {
		return token[:n]
	}
	return token
}
