package loadbalance

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultFailureThreshold is the consecutive-failure count that crosses a
// backend into the unhealthy set (spec.md §4.1).
const defaultFailureThreshold = 3

// defaultEWMAAlpha is the smoothing factor for successful-latency samples.
// spec.md §3 leaves the exact value as an open question within [0.1, 0.3];
// 0.2 is the midpoint, documented here and in DESIGN.md rather than guessed
// per-call.
const defaultEWMAAlpha = 0.2

const (
	defaultBaseRecoveryBackoff = 10 * time.Second
	defaultMaxRecoveryBackoff  = 600 * time.Second
)

// backendCounters holds the per-backend-key observed state. Hot counters are
// atomics so is_healthy-adjacent reads never block on the unhealthy-set lock;
// this mirrors internal/circuitbreaker/breaker.go's atomic-metrics-plus-mutex
// split and internal/loadbalancer/leastresptime.go's ewmaLatency.
type backendCounters struct {
	total               atomic.Int64
	successful          atomic.Int64
	consecutiveFailures atomic.Int32
	lastSuccessUnixNano atomic.Int64
	lastFailureUnixNano atomic.Int64

	latencyMu   sync.Mutex
	ewmaLatency float64 // milliseconds
	samples     int64
}

func (c *backendCounters) recordLatency(d time.Duration, alpha float64) {
	ms := float64(d) / float64(time.Millisecond)
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	if c.samples == 0 {
		c.ewmaLatency = ms
	} else {
		c.ewmaLatency = alpha*ms + (1-alpha)*c.ewmaLatency
	}
	c.samples++
}

func (c *backendCounters) latency() (time.Duration, int64) {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	return time.Duration(c.ewmaLatency * float64(time.Millisecond)), c.samples
}

// unhealthyEntry tracks one backend's time in the unhealthy set. The
// recovery schedule itself is delegated to cenkalti/backoff/v4's
// ExponentialBackOff rather than a hand-rolled doubling loop — grounded on
// internal/cluster/dp/client.go's use of the same library for retry
// scheduling, generalized here from "retry a dial" to "retry a probe".
type unhealthyEntry struct {
	firstMarked         time.Time
	failureCount        int
	lastRecoveryAttempt time.Time
	backoff             time.Duration
	boff                *backoff.ExponentialBackOff
}

func newRecoveryBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0 // deterministic doubling per spec.md §4.1
	b.MaxElapsedTime = 0      // never give up; the unhealthy set has no expiry of its own
	b.Reset()
	return b
}

// MetricsCollector is the process-wide, concurrent store of per-backend
// observed state: the single source of truth MetricsCollector promises in
// spec.md §4.1. The unhealthy set and the counters map share one RWMutex
// (spec.md §5: "a single lock for the unhealthy set plus per-counter
// atomics is sufficient"); the counter values themselves are atomics
// updated outside that lock. RecordSuccess resets the consecutive-failure
// counter before it removes the key from the unhealthy set, so a reader
// that sees the key leave the set also sees the reset counter.
type MetricsCollector struct {
	mu        sync.RWMutex
	counters  map[string]*backendCounters
	unhealthy map[string]*unhealthyEntry

	failureThreshold int
	alpha            float64
	baseBackoff      time.Duration
	maxBackoff       time.Duration

	// onUnhealthy is invoked synchronously, still holding no lock, exactly
	// once per healthy→unhealthy transition — it is how SelectionCache
	// invalidation (spec.md §4.3) is wired without MetricsCollector owning
	// the cache.
	onUnhealthy func(key string)
}

// MetricsOption configures a MetricsCollector at construction.
type MetricsOption func(*MetricsCollector)

// WithFailureThreshold overrides the consecutive-failure threshold (default 3).
func WithFailureThreshold(n int) MetricsOption {
	return func(m *MetricsCollector) {
		if n > 0 {
			m.failureThreshold = n
		}
	}
}

// WithEWMAAlpha overrides the latency smoothing factor (default 0.2, must be in [0.1, 0.3]).
func WithEWMAAlpha(alpha float64) MetricsOption {
	return func(m *MetricsCollector) {
		if alpha >= 0.1 && alpha <= 0.3 {
			m.alpha = alpha
		}
	}
}

// WithRecoveryBackoff overrides the base/max backoff for recovery attempts.
func WithRecoveryBackoff(base, max time.Duration) MetricsOption {
	return func(m *MetricsCollector) {
		if base > 0 {
			m.baseBackoff = base
		}
		if max > 0 {
			m.maxBackoff = max
		}
	}
}

// WithUnhealthyCallback registers a hook invoked on every healthy→unhealthy transition.
func WithUnhealthyCallback(fn func(key string)) MetricsOption {
	return func(m *MetricsCollector) { m.onUnhealthy = fn }
}

// NewMetricsCollector creates an empty collector. Pure in-memory; no I/O.
func NewMetricsCollector(opts ...MetricsOption) *MetricsCollector {
	m := &MetricsCollector{
		counters:         make(map[string]*backendCounters),
		unhealthy:        make(map[string]*unhealthyEntry),
		failureThreshold: defaultFailureThreshold,
		alpha:            defaultEWMAAlpha,
		baseBackoff:      defaultBaseRecoveryBackoff,
		maxBackoff:       defaultMaxRecoveryBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MetricsCollector) getOrCreate(key string) *backendCounters {
	m.mu.RLock()
	c, ok := m.counters[key]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[key]; ok {
		return c
	}
	c = &backendCounters{}
	m.counters[key] = c
	return c
}

// RecordSuccess sets last-success=now, resets the consecutive-failure
// counter, and removes key from the unhealthy set if present (spec.md §4.1).
func (m *MetricsCollector) RecordSuccess(key string) {
	c := m.getOrCreate(key)
	now := time.Now()
	c.total.Add(1)
	c.successful.Add(1)
	c.consecutiveFailures.Store(0)
	c.lastSuccessUnixNano.Store(now.UnixNano())

	m.mu.Lock()
	delete(m.unhealthy, key)
	m.mu.Unlock()
}

// RecordFailure increments the consecutive-failure counter; once it crosses
// failure_threshold (or the key is already unhealthy) the key is ensured to
// be in the unhealthy set and its failure_count is incremented (spec.md §4.1).
func (m *MetricsCollector) RecordFailure(key string) {
	c := m.getOrCreate(key)
	now := time.Now()
	c.total.Add(1)
	n := c.consecutiveFailures.Add(1)
	c.lastFailureUnixNano.Store(now.UnixNano())

	m.mu.Lock()
	entry, exists := m.unhealthy[key]
	transitioned := false
	switch {
	case exists:
		entry.failureCount++
	case int(n) >= m.failureThreshold:
		boff := newRecoveryBackoff(m.baseBackoff, m.maxBackoff)
		m.unhealthy[key] = &unhealthyEntry{
			firstMarked:  now,
			failureCount: 1,
			backoff:      boff.NextBackOff(),
			boff:         boff,
		}
		transitioned = true
	}
	m.mu.Unlock()

	if transitioned && m.onUnhealthy != nil {
		m.onUnhealthy(key)
	}
}

// RecordLatency updates the EWMA latency and sample count for key.
// Only successful samples should be passed in (spec.md §3 invariant).
func (m *MetricsCollector) RecordLatency(key string, d time.Duration) {
	m.getOrCreate(key).recordLatency(d, m.alpha)
}

// RecordRecoveryAttempt updates last-recovery-attempt=now and doubles the
// entry's backoff toward the capped maximum (spec.md §4.1).
func (m *MetricsCollector) RecordRecoveryAttempt(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.unhealthy[key]
	if !ok {
		return
	}
	entry.lastRecoveryAttempt = time.Now()
	if entry.boff == nil {
		entry.boff = newRecoveryBackoff(m.baseBackoff, m.maxBackoff)
	}
	entry.backoff = entry.boff.NextBackOff()
}

// IsHealthy reports whether the given (provider, model) backend is currently
// outside the unhealthy set (spec.md §4.1, the authoritative predicate).
func (m *MetricsCollector) IsHealthy(provider, model string) bool {
	return m.isHealthyKey(backendKey(provider, model))
}

func (m *MetricsCollector) isHealthyKey(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, unhealthy := m.unhealthy[key]
	return !unhealthy
}

// IsInUnhealthyList is an alias grounded on original_source's
// MetricsCollector::is_in_unhealthy_list, used by selection diagnostics.
func (m *MetricsCollector) IsInUnhealthyList(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.unhealthy[key]
	return ok
}

// NeedsRecoveryCheck reports whether enough time has passed since the last
// recovery attempt for this entry, given baseInterval as the floor backoff
// when no entry-specific backoff has been recorded yet (spec.md §4.1).
func (m *MetricsCollector) NeedsRecoveryCheck(key string, baseInterval time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.unhealthy[key]
	if !ok {
		return false
	}
	if entry.lastRecoveryAttempt.IsZero() {
		return true
	}
	backoff := entry.backoff
	if backoff <= 0 {
		backoff = baseInterval
	}
	return time.Since(entry.lastRecoveryAttempt) >= backoff
}

// GetUnhealthyBackends returns a point-in-time snapshot of the unhealthy set.
func (m *MetricsCollector) GetUnhealthyBackends() []UnhealthyBackend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UnhealthyBackend, 0, len(m.unhealthy))
	for key, e := range m.unhealthy {
		out = append(out, UnhealthyBackend{
			BackendKey:          key,
			FirstMarked:         e.firstMarked,
			FailureCount:        e.failureCount,
			LastRecoveryAttempt: e.lastRecoveryAttempt,
			NextBackoff:         e.backoff,
		})
	}
	return out
}

// GetBackendRequestCount returns the total request count observed for key.
func (m *MetricsCollector) GetBackendRequestCount(key string) int64 {
	m.mu.RLock()
	c, ok := m.counters[key]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.total.Load()
}

// GetFailureCountByKey returns the current consecutive-failure count for key.
func (m *MetricsCollector) GetFailureCountByKey(key string) int {
	m.mu.RLock()
	c, ok := m.counters[key]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return int(c.consecutiveFailures.Load())
}

// GetLatencyByKey returns the current EWMA latency for key, or 0 if no samples yet.
func (m *MetricsCollector) GetLatencyByKey(key string) time.Duration {
	m.mu.RLock()
	c, ok := m.counters[key]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	lat, _ := c.latency()
	return lat
}

// GetTotalRequests sums total requests observed across every backend key.
func (m *MetricsCollector) GetTotalRequests() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, c := range m.counters {
		total += c.total.Load()
	}
	return total
}

// GetSuccessfulRequests sums successful requests observed across every backend key.
func (m *MetricsCollector) GetSuccessfulRequests() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, c := range m.counters {
		total += c.successful.Load()
	}
	return total
}

// GetHealthStats returns a per-backend-key summary (supplemented from
// original_source's LoadBalancer::get_health_stats, see SPEC_FULL.md §6.4).
func (m *MetricsCollector) GetHealthStats() map[string]HealthStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]HealthStats, len(m.counters))
	for key, c := range m.counters {
		_, unhealthy := m.unhealthy[key]
		lat, samples := c.latency()
		var lastSuccess, lastFailure time.Time
		if v := c.lastSuccessUnixNano.Load(); v != 0 {
			lastSuccess = time.Unix(0, v)
		}
		if v := c.lastFailureUnixNano.Load(); v != 0 {
			lastFailure = time.Unix(0, v)
		}
		out[key] = HealthStats{
			BackendKey:          key,
			Healthy:             !unhealthy,
			ConsecutiveFailures: int(c.consecutiveFailures.Load()),
			TotalRequests:       c.total.Load(),
			SuccessfulRequests:  c.successful.Load(),
			LastSuccess:         lastSuccess,
			LastFailure:         lastFailure,
			EWMALatency:         lat,
			Samples:             samples,
		}
	}
	return out
}
