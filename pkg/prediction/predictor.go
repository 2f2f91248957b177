package prediction

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/storyintelligence/cache-engine/pkg/observability"
)

const (
	// accessWindow is the per-user ring horizon
	accessWindow = 24 * time.Hour

	// maxAccesses bounds the per-user access ring
	maxAccesses = 500

	// maxRecentItems bounds the per-user most-recently-used set
	maxRecentItems = 20
)

// Config holds predictor configuration
type Config struct {
	Enabled bool `mapstructure:"enabled"`

	// LookAhead is how far ahead prefetches are scheduled
	LookAhead time.Duration `mapstructure:"look_ahead"`

	// ConfidenceThreshold discards weaker predictions
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`

	// MaxPredictions bounds the ranked candidate list per user
	MaxPredictions int `mapstructure:"max_predictions"`

	// RefreshInterval is the background prediction-refresh cadence
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	// Heuristic toggles
	SequenceEnabled  bool `mapstructure:"sequence_enabled"`
	FrequencyEnabled bool `mapstructure:"frequency_enabled"`
	TimeOfDayEnabled bool `mapstructure:"time_of_day_enabled"`

	Templates TemplateConfig `mapstructure:"templates"`
}

// Prediction is one ranked prefetch candidate
type Prediction struct {
	Key         string    `json:"key"`
	Confidence  float64   `json:"confidence"`
	EstimatedAt time.Time `json:"estimated_at"`
	Source      string    `json:"source"`
}

type access struct {
	key string
	at  time.Time
}

// userPattern is the per-user learned state
type userPattern struct {
	accesses    []access
	recentItems []string
	typePrefs   map[string]int
	predictions []Prediction
}

// Prefetcher receives scheduled prefetch work. Implemented by the cache
// strategy; prefetching skips keys already resident.
type Prefetcher interface {
	Prefetch(ctx context.Context, keys []string)
}

// PrefetcherFunc adapts a function to the Prefetcher interface
type PrefetcherFunc func(ctx context.Context, keys []string)

// Prefetch implements Prefetcher
func (f PrefetcherFunc) Prefetch(ctx context.Context, keys []string) { f(ctx, keys) }

// Predictor learns per-user access patterns and produces ranked prefetch
// candidates from sequence, frequency and time-of-day heuristics. It also
// owns the pattern-template store backing predictive shortcuts.
type Predictor struct {
	mu    sync.Mutex
	users map[string]*userPattern

	// transitions counts item→next-item hops across all users
	transitions map[string]map[string]int

	templates  *TemplateStore
	prefetcher Prefetcher
	config     Config

	// inflight guards against double-prefetching one key
	inflight map[string]struct{}

	// timers tracks scheduled prefetches so Close is leak-free
	timers    map[string]*time.Timer
	done      chan struct{}
	closeOnce sync.Once
	nowFunc   func() time.Time

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewPredictor creates a predictor. The prefetcher may be nil when the
// caller only wants ranked predictions without background prefetching.
func NewPredictor(config Config, prefetcher Prefetcher, logger observability.Logger, metrics observability.MetricsClient) *Predictor {
	if config.LookAhead <= 0 {
		config.LookAhead = 30 * time.Minute
	}
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = 0.3
	}
	if config.MaxPredictions <= 0 {
		config.MaxPredictions = 10
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	p := &Predictor{
		users:       make(map[string]*userPattern),
		transitions: make(map[string]map[string]int),
		templates:   NewTemplateStore(config.Templates),
		prefetcher:  prefetcher,
		config:      config,
		inflight:    make(map[string]struct{}),
		timers:      make(map[string]*time.Timer),
		done:        make(chan struct{}),
		nowFunc:     time.Now,
		logger:      logger.WithPrefix("predictor"),
		metrics:     metrics,
	}
	if config.Enabled {
		go p.refreshLoop()
	}
	return p
}

// Templates exposes the pattern-template store
func (p *Predictor) Templates() *TemplateStore { return p.templates }

// RecordAccess appends to the user's access window, updates the global
// transition counts, and regenerates the user's predictions.
func (p *Predictor) RecordAccess(userID, key, itemType string) {
	if !p.config.Enabled || userID == "" {
		return
	}
	now := p.nowFunc()

	p.mu.Lock()
	defer p.mu.Unlock()

	up := p.userLocked(userID)

	// Sequence heuristic input: previous access → this access
	if len(up.accesses) > 0 {
		prev := up.accesses[len(up.accesses)-1].key
		if prev != key {
			hops, ok := p.transitions[prev]
			if !ok {
				hops = make(map[string]int)
				p.transitions[prev] = hops
			}
			hops[key]++
		}
	}

	up.accesses = append(up.accesses, access{key: key, at: now})
	up.trim(now)

	// Most-recently-used set, bounded, newest first
	up.recentItems = prependUnique(up.recentItems, key, maxRecentItems)
	if itemType != "" {
		up.typePrefs[itemType]++
	}

	up.predictions = p.generateLocked(up, now)
}

// Predict returns the user's current ranked predictions
func (p *Predictor) Predict(userID string) []Prediction {
	if !p.config.Enabled {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	up, ok := p.users[userID]
	if !ok {
		return nil
	}
	out := make([]Prediction, len(up.predictions))
	copy(out, up.predictions)
	return out
}

// ClearUser purges all learned state for a user
func (p *Predictor) ClearUser(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users, userID)
}

// ActiveUsers returns the IDs with any recorded access in the window
func (p *Predictor) ActiveUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.users))
	for id := range p.users {
		ids = append(ids, id)
	}
	return ids
}

// SchedulePrefetches schedules every surviving prediction for background
// prefetch at its estimated time, skipping keys already in flight.
func (p *Predictor) SchedulePrefetches(userID string) {
	if p.prefetcher == nil || !p.config.Enabled {
		return
	}

	for _, pred := range p.Predict(userID) {
		p.mu.Lock()
		if _, busy := p.inflight[pred.Key]; busy {
			p.mu.Unlock()
			continue
		}
		p.inflight[pred.Key] = struct{}{}

		delay := time.Until(pred.EstimatedAt)
		if delay < 0 {
			delay = 0
		}
		key := pred.Key
		timer := time.AfterFunc(delay, func() {
			p.runPrefetch(key)
		})
		p.timers[key] = timer
		p.mu.Unlock()
	}
}

// Close cancels every scheduled prefetch and stops the refresh loop
func (p *Predictor) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		for key, timer := range p.timers {
			timer.Stop()
			delete(p.timers, key)
		}
		p.mu.Unlock()
	})
}

func (p *Predictor) runPrefetch(key string) {
	defer func() {
		p.mu.Lock()
		delete(p.inflight, key)
		delete(p.timers, key)
		p.mu.Unlock()
	}()

	select {
	case <-p.done:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.prefetcher.Prefetch(ctx, []string{key})
	p.metrics.RecordCounter("prediction_prefetches_total", 1, nil)
}

func (p *Predictor) refreshLoop() {
	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.RefreshAll()
		case <-p.done:
			return
		}
	}
}

// RefreshAll regenerates predictions for every active user and schedules
// their prefetches. Exported so tests can drive the cycle directly.
func (p *Predictor) RefreshAll() {
	now := p.nowFunc()
	p.mu.Lock()
	for _, up := range p.users {
		up.trim(now)
		up.predictions = p.generateLocked(up, now)
	}
	p.mu.Unlock()

	for _, userID := range p.ActiveUsers() {
		p.SchedulePrefetches(userID)
	}
}

// generateLocked combines the three heuristics into a ranked, pruned list
func (p *Predictor) generateLocked(up *userPattern, now time.Time) []Prediction {
	merged := make(map[string]*Prediction)

	add := func(key string, confidence float64, estimatedAt time.Time, source string) {
		if existing, ok := merged[key]; ok {
			// Heuristics reinforce each other; confidence saturates
			existing.Confidence += confidence * (1 - existing.Confidence)
			if estimatedAt.Before(existing.EstimatedAt) {
				existing.EstimatedAt = estimatedAt
			}
			return
		}
		merged[key] = &Prediction{Key: key, Confidence: confidence, EstimatedAt: estimatedAt, Source: source}
	}

	if p.config.SequenceEnabled && len(up.accesses) > 0 {
		last := up.accesses[len(up.accesses)-1].key
		if hops, ok := p.transitions[last]; ok {
			total := 0
			for _, n := range hops {
				total += n
			}
			for next, n := range hops {
				conf := 0.9 * float64(n) / float64(total)
				add(next, conf, now.Add(5*time.Minute), "sequence")
			}
		}
	}

	if p.config.FrequencyEnabled {
		// Confidence decays with recency rank
		for rank, item := range up.recentItems {
			conf := 0.6 * math.Pow(0.85, float64(rank))
			add(item, conf, now.Add(15*time.Minute), "frequency")
		}
	}

	if p.config.TimeOfDayEnabled {
		for _, item := range p.peakHourItems(up, now) {
			add(item.key, item.confidence, item.estimatedAt, "time_of_day")
		}
	}

	ranked := make([]Prediction, 0, len(merged))
	for _, pred := range merged {
		if pred.Confidence < p.config.ConfidenceThreshold {
			continue
		}
		ranked = append(ranked, *pred)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].Key < ranked[j].Key
	})
	if len(ranked) > p.config.MaxPredictions {
		ranked = ranked[:p.config.MaxPredictions]
	}
	return ranked
}

type timedItem struct {
	key         string
	confidence  float64
	estimatedAt time.Time
}

// peakHourItems finds items the user historically accesses around the
// current hour and predicts them for the next occurrence of their peak.
func (p *Predictor) peakHourItems(up *userPattern, now time.Time) []timedItem {
	type hourCount struct {
		count int
		last  time.Time
	}
	byItemHour := make(map[string]map[int]*hourCount)
	for _, a := range up.accesses {
		hours, ok := byItemHour[a.key]
		if !ok {
			hours = make(map[int]*hourCount)
			byItemHour[a.key] = hours
		}
		hc, ok := hours[a.at.Hour()]
		if !ok {
			hc = &hourCount{}
			hours[a.at.Hour()] = hc
		}
		hc.count++
		if a.at.After(hc.last) {
			hc.last = a.at
		}
	}

	var items []timedItem
	currentHour := now.Hour()
	for key, hours := range byItemHour {
		for hour, hc := range hours {
			if hc.count < 2 {
				continue
			}
			// Within one hour of the item's historical peak
			if diff := hourDistance(currentHour, hour); diff > 1 {
				continue
			}
			estimated := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
			if estimated.Before(now) {
				estimated = now
			}
			conf := 0.4 + 0.1*float64(hc.count)
			if conf > 0.8 {
				conf = 0.8
			}
			items = append(items, timedItem{key: key, confidence: conf, estimatedAt: estimated})
		}
	}
	return items
}

func (p *Predictor) userLocked(userID string) *userPattern {
	up, ok := p.users[userID]
	if !ok {
		up = &userPattern{typePrefs: make(map[string]int)}
		p.users[userID] = up
	}
	return up
}

// trim drops accesses older than the window and caps the ring
func (up *userPattern) trim(now time.Time) {
	cutoff := now.Add(-accessWindow)
	start := 0
	for start < len(up.accesses) && up.accesses[start].at.Before(cutoff) {
		start++
	}
	up.accesses = up.accesses[start:]
	if len(up.accesses) > maxAccesses {
		up.accesses = up.accesses[len(up.accesses)-maxAccesses:]
	}
}

func prependUnique(items []string, item string, max int) []string {
	out := make([]string, 0, max)
	out = append(out, item)
	for _, existing := range items {
		if existing == item {
			continue
		}
		out = append(out, existing)
		if len(out) == max {
			break
		}
	}
	return out
}

func hourDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > 12 {
		d = 24 - d
	}
	return d
}
