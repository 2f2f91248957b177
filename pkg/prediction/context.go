// Package prediction records per-user access sequences, predicts likely
// next accesses, and synthesizes responses from learned patterns without
// invoking the backing source.
package prediction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Context is a closed set of request-context variants. Each variant knows
// how to reduce itself to feature tokens for approximate matching.
type Context interface {
	// Kind names the variant
	Kind() string

	// Features returns normalized feature tokens. Token order does not
	// matter; similarity is set overlap.
	Features() []string
}

// StoryContext describes a story-progression request
type StoryContext struct {
	Theme        string
	ChapterIndex int
	Characters   []string
	ReadingLevel string
}

// Kind implements Context
func (c StoryContext) Kind() string { return "story" }

// Features implements Context. Chapter index is bucketed so neighboring
// chapters of the same story shape match each other.
func (c StoryContext) Features() []string {
	features := []string{
		"theme:" + normalizeToken(c.Theme),
		fmt.Sprintf("chapter_bucket:%d", c.ChapterIndex/3),
		"level:" + normalizeToken(c.ReadingLevel),
	}
	for _, name := range c.Characters {
		features = append(features, "char:"+normalizeToken(name))
	}
	return features
}

// BehaviorContext describes a usage-behavior driven request
type BehaviorContext struct {
	ItemType    string
	RecentItems []string
	SessionMins int
}

// Kind implements Context
func (c BehaviorContext) Kind() string { return "behavior" }

// Features implements Context
func (c BehaviorContext) Features() []string {
	features := []string{
		"item_type:" + normalizeToken(c.ItemType),
		fmt.Sprintf("session_bucket:%d", c.SessionMins/15),
	}
	for _, item := range c.RecentItems {
		features = append(features, "recent:"+normalizeToken(item))
	}
	return features
}

// TimeWindowContext describes a time-of-day scoped request
type TimeWindowContext struct {
	Hour    int
	Weekday time.Weekday
}

// Kind implements Context
func (c TimeWindowContext) Kind() string { return "time_window" }

// Features implements Context. Hours are bucketed into 4-hour windows.
func (c TimeWindowContext) Features() []string {
	return []string{
		fmt.Sprintf("hour_bucket:%d", c.Hour/4),
		"weekday:" + strings.ToLower(c.Weekday.String()),
	}
}

// featureKey derives the pattern key from a context's feature set. Sorted
// before hashing so feature order never changes the key.
func featureKey(kind string, features []string) string {
	sorted := make([]string, len(features))
	copy(sorted, features)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return kind + ":" + hex.EncodeToString(sum[:])[:16]
}

// jaccard returns the similarity of two feature sets as overlap over union
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	intersection := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, f := range b {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		if _, ok := set[f]; ok {
			intersection++
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
