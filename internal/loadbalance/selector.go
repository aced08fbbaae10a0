package loadbalance

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BackendSelector is the stateless-per-call policy engine of spec.md §4.2.
// The only state it keeps across calls is the handful of monotonic counters
// RoundRobin needs, one per model name — grounded on
// internal/loadbalancer/roundrobin.go's RoundRobin.current, generalized from
// "per balancer instance" to "per model name" since one selector serves
// every model.
type BackendSelector struct {
	mu                 sync.Mutex
	roundRobinCounters map[string]*atomic.Uint64
}

// NewBackendSelector creates an empty selector.
func NewBackendSelector() *BackendSelector {
	return &BackendSelector{roundRobinCounters: make(map[string]*atomic.Uint64)}
}

func (s *BackendSelector) roundRobinCounter(model string) *atomic.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.roundRobinCounters[model]
	if !ok {
		c = &atomic.Uint64{}
		s.roundRobinCounters[model] = c
	}
	return c
}

// Select runs the filter pipeline and strategy for one selection, consulting
// cache when the strategy opts in. It returns the winning Backend and
// whether the result came from the cache.
func (s *BackendSelector) Select(model Model, tags []string, metrics *MetricsCollector, cache *SelectionCache) (Backend, bool, error) {
	enabled := make([]Backend, 0, len(model.Backends))
	for _, b := range model.Backends {
		if b.Enabled {
			enabled = append(enabled, b)
		}
	}

	tagMatched := enabled
	if len(tags) > 0 {
		tagMatched = make([]Backend, 0, len(enabled))
		for _, b := range enabled {
			if supersetOf(b.Tags, tags) {
				tagMatched = append(tagMatched, b)
			}
		}
	}

	survivors := healthySubset(tagMatched, metrics)
	if len(survivors) == 0 {
		survivors = tagMatched // degraded mode: fall through to unhealthy (spec.md §4.2 step 3)
	}

	if len(survivors) == 0 {
		return Backend{}, false, &NoHealthyBackendError{
			Model:          model.Name,
			Total:          len(model.Backends),
			Enabled:        len(enabled),
			Healthy:        0,
			FailedAttempts: buildFailedAttempts(model, enabled, tagMatched),
		}
	}

	// Cache interaction (spec.md §4.2): only strategies that opt in consult it,
	// and only against the tag+health-filtered survivor set (filters 1-3),
	// never against the priority tier (filter 4).
	if cache != nil && model.Strategy.usesCache() {
		if key, ok := cache.Get(model.Name, tags); ok {
			for _, b := range survivors {
				if b.Key() == key && metrics.isHealthyKeyOrDegraded(key, survivors) {
					return b, true, nil
				}
			}
		}
	}

	tier := lowestPrioritySubset(survivors)

	winner, err := applyStrategy(model.Strategy, model.Name, tier, metrics, s.roundRobinCounter(model.Name))
	if err != nil {
		return Backend{}, false, err
	}

	if cache != nil && model.Strategy.usesCache() {
		cache.Put(model.Name, tags, winner.Key())
	}

	return winner, false, nil
}

// isHealthyKeyOrDegraded re-checks health for a cache hit: it's fine for the
// key to be "unhealthy" only if every backend in the current survivor set is
// also unhealthy (i.e. we're already in degraded mode), otherwise the cached
// choice is stale and must be rejected (spec.md §5: "re-check health on
// cache hits as well").
func (m *MetricsCollector) isHealthyKeyOrDegraded(key string, survivors []Backend) bool {
	if m.isHealthyKey(key) {
		return true
	}
	for _, b := range survivors {
		if m.IsHealthy(b.Provider, b.Model) {
			return false // a healthy alternative exists; stale cache entry
		}
	}
	return true
}

func supersetOf(backendTags, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(backendTags))
	for _, t := range backendTags {
		set[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func healthySubset(backends []Backend, metrics *MetricsCollector) []Backend {
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if metrics.IsHealthy(b.Provider, b.Model) {
			out = append(out, b)
		}
	}
	return out
}

func lowestPrioritySubset(backends []Backend) []Backend {
	if len(backends) == 0 {
		return backends
	}
	min := backends[0].Priority
	for _, b := range backends[1:] {
		if b.Priority < min {
			min = b.Priority
		}
	}
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Priority == min {
			out = append(out, b)
		}
	}
	return out
}

func buildFailedAttempts(model Model, enabled, tagMatched []Backend) []FailedAttempt {
	tagSet := make(map[string]struct{}, len(tagMatched))
	for _, b := range tagMatched {
		tagSet[b.Key()] = struct{}{}
	}

	var attempts []FailedAttempt
	for _, b := range model.Backends {
		key := b.Key()
		reason := ""
		switch {
		case !b.Enabled:
			reason = "disabled"
		default:
			if _, ok := tagSet[key]; !ok {
				reason = "tag_mismatch"
			}
		}
		if reason == "" {
			continue
		}
		attempts = append(attempts, FailedAttempt{
			BackendKey: key,
			Provider:   b.Provider,
			Model:      b.Model,
			Reason:     reason,
			Healthy:    false,
		})
	}
	return attempts
}

// applyStrategy picks one backend from tier according to strategy.
func applyStrategy(strategy Strategy, modelName string, tier []Backend, metrics *MetricsCollector, rrCounter *atomic.Uint64) (Backend, error) {
	if len(tier) == 1 {
		return tier[0], nil
	}

	switch strategy {
	case StrategyRandom:
		return tier[rand.Intn(len(tier))], nil

	case StrategyRoundRobin:
		idx := rrCounter.Add(1) - 1
		return tier[idx%uint64(len(tier))], nil

	case StrategyWeightedFailover, StrategyWeightedRoundRobin:
		return weightedRandomPick(tier, func(b Backend) float64 { return b.Weight }), nil

	case StrategyLeastLatency:
		return leastLatencyPick(tier, metrics), nil

	case StrategySmartWeighted:
		return weightedRandomPick(tier, func(b Backend) float64 {
			return smartEffectiveWeight(b, metrics)
		}), nil

	default:
		return Backend{}, &UnknownStrategyError{Model: modelName, Strategy: strategy}
	}
}

// weightedRandomPick draws r in [0, sum(weight)) and walks accumulating
// weight, returning the backend that crosses r. Ties on identical cumulative
// values break by configuration order (spec.md §4.2) — the natural effect
// of returning on the first backend whose cumulative exceeds r.
func weightedRandomPick(tier []Backend, weightOf func(Backend) float64) Backend {
	var sum float64
	weights := make([]float64, len(tier))
	for i, b := range tier {
		w := weightOf(b)
		if w <= 0 {
			w = 0
		}
		weights[i] = w
		sum += w
	}
	if sum <= 0 {
		return tier[0]
	}
	roll := rand.Float64() * sum
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if roll < cumulative {
			return tier[i]
		}
	}
	return tier[len(tier)-1]
}

// leastLatencyPick returns the backend with the smallest EWMA latency.
// Backends with no samples get a sentinel of the median of known samples,
// or 0 if none are known, so cold backends get a fair chance rather than
// being starved or unfairly preferred (spec.md §4.2 — this differs from
// the teacher's "always prefer cold" rule, documented as an explicit
// deviation in DESIGN.md).
func leastLatencyPick(tier []Backend, metrics *MetricsCollector) Backend {
	type latencyEntry struct {
		b       Backend
		latency time.Duration
		known   bool
	}
	entries := make([]latencyEntry, len(tier))
	var known []time.Duration
	for i, b := range tier {
		lat, samples := metrics.getOrCreate(b.Key()).latency()
		entries[i] = latencyEntry{b: b, latency: lat, known: samples > 0}
		if samples > 0 {
			known = append(known, lat)
		}
	}
	sentinel := medianDuration(known)

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].b.Key() < entries[j].b.Key() })

	best := entries[0]
	bestLatency := best.latency
	if !best.known {
		bestLatency = sentinel
	}
	for _, e := range entries[1:] {
		lat := e.latency
		if !e.known {
			lat = sentinel
		}
		if lat < bestLatency {
			best = e
			bestLatency = lat
		}
	}
	return best.b
}

func medianDuration(vals []time.Duration) time.Duration {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// smartEffectiveWeight computes weight * f(successRate, latencyMs) with
// f = successRate^2 / (1 + latencyMs/1000): monotone increasing in success
// rate, monotone decreasing in latency, as spec.md §4.2 requires of any
// SmartWeighted scoring function. A backend with no observed requests is
// given successRate = 1 (optimistic) so it isn't starved before it has a
// chance to prove itself. Documented decision, see DESIGN.md.
func smartEffectiveWeight(b Backend, metrics *MetricsCollector) float64 {
	c := metrics.getOrCreate(b.Key())
	total := c.total.Load()
	successRate := 1.0
	if total > 0 {
		successRate = float64(c.successful.Load()) / float64(total)
	}
	lat, samples := c.latency()
	latencyMs := 0.0
	if samples > 0 {
		latencyMs = float64(lat) / float64(time.Millisecond)
	}
	f := (successRate * successRate) / (1 + latencyMs/1000)
	return b.Weight * f
}
