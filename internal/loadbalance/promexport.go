package loadbalance

import "github.com/prometheus/client_golang/prometheus"

// Exporter exposes ServiceHealth and CacheStats as Prometheus gauges. The
// teacher's go.mod declares github.com/prometheus/client_golang but never
// imports it anywhere (internal/metrics/metrics.go hand-rolls its own text
// exposition format instead); this is the home that dependency never got
// there, see DESIGN.md.
type Exporter struct {
	service *Service

	backendHealthy   *prometheus.GaugeVec
	backendRequests  *prometheus.GaugeVec
	backendFailures  *prometheus.GaugeVec
	backendLatencyMs *prometheus.GaugeVec
	cacheHits        prometheus.Gauge
	cacheMisses      prometheus.Gauge
	cacheEvictions   prometheus.Gauge
	cacheEntries     prometheus.Gauge
	modelHealthRatio prometheus.Gauge
}

// NewExporter builds the metric descriptors; call Register to attach them
// to a prometheus.Registerer.
func NewExporter(service *Service) *Exporter {
	return &Exporter{
		service: service,
		backendHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "berrylb",
			Subsystem: "backend",
			Name:      "healthy",
			Help:      "1 if the backend is outside the unhealthy set, 0 otherwise.",
		}, []string{"backend"}),
		backendRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "berrylb",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Cumulative requests observed for a backend (polled snapshot, not a true Counter).",
		}, []string{"backend"}),
		backendFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "berrylb",
			Subsystem: "backend",
			Name:      "consecutive_failures",
			Help:      "Current consecutive failure count for a backend.",
		}, []string{"backend"}),
		backendLatencyMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "berrylb",
			Subsystem: "backend",
			Name:      "ewma_latency_milliseconds",
			Help:      "EWMA latency for a backend in milliseconds.",
		}, []string{"backend"}),
		cacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "berrylb", Subsystem: "selection_cache", Name: "hits_total",
		}),
		cacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "berrylb", Subsystem: "selection_cache", Name: "misses_total",
		}),
		cacheEvictions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "berrylb", Subsystem: "selection_cache", Name: "evictions_total",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "berrylb", Subsystem: "selection_cache", Name: "entries",
		}),
		modelHealthRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "berrylb", Name: "model_health_ratio",
			Help: "Fraction of configured models with at least one healthy backend.",
		}),
	}
}

// Register attaches every descriptor to reg. Call once, before Collect is
// ever invoked against the registry (e.g. before the scrape HTTP handler
// starts serving).
func (e *Exporter) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		e.backendHealthy, e.backendRequests, e.backendFailures, e.backendLatencyMs,
		e.cacheHits, e.cacheMisses, e.cacheEvictions, e.cacheEntries, e.modelHealthRatio,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot pulls the latest values from the service and publishes them to
// the registered gauges. Every value here is a cumulative total re-read on
// each call, so these are gauges rather than true Prometheus counters even
// where the underlying quantity (requests, cache hits) only grows.
func (e *Exporter) Snapshot() {
	for key, hs := range e.service.GetHealthStats() {
		healthy := 0.0
		if hs.Healthy {
			healthy = 1.0
		}
		e.backendHealthy.WithLabelValues(key).Set(healthy)
		e.backendFailures.WithLabelValues(key).Set(float64(hs.ConsecutiveFailures))
		e.backendLatencyMs.WithLabelValues(key).Set(float64(hs.EWMALatency.Milliseconds()))
		e.backendRequests.WithLabelValues(key).Set(float64(hs.TotalRequests))
	}

	stats := e.service.GetCacheStats()
	e.cacheEntries.Set(float64(stats.Entries))
	e.cacheHits.Set(float64(stats.Hits))
	e.cacheMisses.Set(float64(stats.Misses))
	e.cacheEvictions.Set(float64(stats.Evictions))

	sh := e.service.GetServiceHealth()
	e.modelHealthRatio.Set(sh.HealthSummary.ModelHealthRatio)
}
