package prediction

import (
	"encoding/json"
	"sync"
	"time"
)

// Tunable constants for pattern matching. Heuristic values, validated
// empirically rather than load-bearing; overridable through TemplateConfig.
const (
	// DefaultSimilarityThreshold is the minimum feature-set overlap for an
	// approximate pattern match
	DefaultSimilarityThreshold = 0.7

	// DefaultConfidenceIncrement is gained on each repeated use of a pattern
	DefaultConfidenceIncrement = 0.1

	// DefaultInitialConfidence is assigned when a pattern is first stored
	DefaultInitialConfidence = 0.3
)

// Pattern is a learned response template keyed by a feature-derived pattern
// key rather than the raw context, enabling matches across similar but not
// identical contexts.
type Pattern struct {
	ContextHash      string          `json:"context_hash"`
	ResponseTemplate json.RawMessage `json:"response_template"`
	Confidence       float64         `json:"confidence"`
	UsageCount       int             `json:"usage_count"`
	LastUsedAt       time.Time       `json:"last_used_at"`
	AvgGenerationMs  float64         `json:"avg_generation_ms"`

	features []string
}

// TemplateConfig holds pattern-template tuning
type TemplateConfig struct {
	// ConfidenceThreshold gates serving a template
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`

	// SimilarityThreshold gates approximate matches
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`

	// ConfidenceIncrement is gained per repeated store of a pattern
	ConfidenceIncrement float64 `mapstructure:"confidence_increment"`

	// MaxPatternsPerType bounds memory; least-recently-used patterns are
	// dropped beyond it
	MaxPatternsPerType int `mapstructure:"max_patterns_per_type"`
}

// TemplateStore holds learned response templates per response type
type TemplateStore struct {
	mu       sync.Mutex
	config   TemplateConfig
	patterns map[string]map[string]*Pattern // responseType -> patternKey -> pattern
}

// NewTemplateStore creates a template store
func NewTemplateStore(config TemplateConfig) *TemplateStore {
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = 0.5
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if config.ConfidenceIncrement <= 0 {
		config.ConfidenceIncrement = DefaultConfidenceIncrement
	}
	if config.MaxPatternsPerType <= 0 {
		config.MaxPatternsPerType = 500
	}
	return &TemplateStore{
		config:   config,
		patterns: make(map[string]map[string]*Pattern),
	}
}

// StoreResponse records a generated response under the context's feature
// key. Repeated stores of the same pattern raise its confidence.
func (s *TemplateStore) StoreResponse(responseType string, ctx Context, response json.RawMessage, generationTime time.Duration) {
	features := ctx.Features()
	key := featureKey(ctx.Kind(), features)
	genMs := float64(generationTime) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	byType, ok := s.patterns[responseType]
	if !ok {
		byType = make(map[string]*Pattern)
		s.patterns[responseType] = byType
	}

	if p, exists := byType[key]; exists {
		p.ResponseTemplate = response
		p.UsageCount++
		p.LastUsedAt = time.Now()
		p.Confidence += s.config.ConfidenceIncrement
		if p.Confidence > 1 {
			p.Confidence = 1
		}
		if genMs > 0 {
			p.AvgGenerationMs = (p.AvgGenerationMs*float64(p.UsageCount-1) + genMs) / float64(p.UsageCount)
		}
		return
	}

	if len(byType) >= s.config.MaxPatternsPerType {
		s.dropOldestLocked(byType)
	}
	byType[key] = &Pattern{
		ContextHash:      key,
		ResponseTemplate: response,
		Confidence:       DefaultInitialConfidence,
		UsageCount:       1,
		LastUsedAt:       time.Now(),
		AvgGenerationMs:  genMs,
		features:         features,
	}
}

// Lookup returns a stored template for a context whose feature set exactly
// or approximately matches a learned pattern with sufficient confidence.
func (s *TemplateStore) Lookup(responseType string, ctx Context) (json.RawMessage, bool) {
	features := ctx.Features()
	key := featureKey(ctx.Kind(), features)

	s.mu.Lock()
	defer s.mu.Unlock()

	byType, ok := s.patterns[responseType]
	if !ok {
		return nil, false
	}

	if p, exists := byType[key]; exists && p.Confidence >= s.config.ConfidenceThreshold {
		s.touchLocked(p)
		return p.ResponseTemplate, true
	}

	// Approximate match: best Jaccard overlap above the similarity floor
	var best *Pattern
	bestScore := 0.0
	for _, p := range byType {
		if p.Confidence < s.config.ConfidenceThreshold {
			continue
		}
		score := jaccard(features, p.features)
		if score >= s.config.SimilarityThreshold && score > bestScore {
			best = p
			bestScore = score
		}
	}
	if best == nil {
		return nil, false
	}
	s.touchLocked(best)
	return best.ResponseTemplate, true
}

// PatternCount returns how many patterns are stored for a response type
func (s *TemplateStore) PatternCount(responseType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patterns[responseType])
}

func (s *TemplateStore) touchLocked(p *Pattern) {
	p.UsageCount++
	p.LastUsedAt = time.Now()
}

func (s *TemplateStore) dropOldestLocked(byType map[string]*Pattern) {
	var oldestKey string
	var oldestAt time.Time
	for key, p := range byType {
		if oldestKey == "" || p.LastUsedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = p.LastUsedAt
		}
	}
	if oldestKey != "" {
		delete(byType, oldestKey)
	}
}
