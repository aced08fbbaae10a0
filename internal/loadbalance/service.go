package loadbalance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func init() {
	uuid.EnableRandPool() // batch crypto/rand reads, grounded on internal/middleware/requestid.go
}

// Service is the single entry point every caller uses: select_backend,
// report_result, and the read-only observability calls (spec.md §2, §6).
// It owns the MetricsCollector, SelectionCache, BackendSelector and
// HealthChecker, wiring them the way internal/middleware/ai/provider.go
// wires a registry, a breaker, and a client together behind one facade.
type Service struct {
	log *zap.Logger

	providers map[string]Provider
	models    map[string]Model

	metrics  *MetricsCollector
	cache    *SelectionCache
	selector *BackendSelector
	health   *HealthChecker

	mu      sync.Mutex
	running bool
}

// NewService validates cfg and wires the five core components. Validation
// collects every error rather than failing on the first (spec.md §7),
// grounded on the teacher's pattern of joining config errors before
// returning — fail-closed: a Service is never returned alongside errors.
func NewService(cfg *Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}

	providers := make(map[string]Provider, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		providers[id] = Provider{
			ID:          id,
			Name:        pc.Name,
			BaseURL:     pc.BaseURL,
			APIKey:      pc.APIKey,
			Headers:     pc.Headers,
			Enabled:     pc.Enabled,
			Timeout:     time.Duration(pc.TimeoutSeconds) * time.Second,
			MaxRetries:  pc.MaxRetries,
			BackendType: pc.BackendType,
		}
	}

	var errs []error
	models := make(map[string]Model, len(cfg.Models))
	for name, mc := range cfg.Models {
		model := Model{Name: name, Strategy: mc.Strategy, Enabled: mc.Enabled}

		if mc.Enabled && !mc.Strategy.valid() {
			errs = append(errs, &UnknownStrategyError{Model: name, Strategy: mc.Strategy})
		}
		if mc.Enabled && len(mc.Backends) == 0 {
			errs = append(errs, &EmptyBackendListError{Model: name})
		}

		for _, bc := range mc.Backends {
			if _, ok := providers[bc.Provider]; !ok {
				errs = append(errs, &ProviderMissingError{Model: name, Provider: bc.Provider})
				continue
			}
			if bc.Enabled && bc.Weight <= 0 {
				errs = append(errs, &InvalidWeightError{Model: name, Provider: bc.Provider, Weight: bc.Weight})
				continue
			}
			model.Backends = append(model.Backends, Backend{
				Provider: bc.Provider,
				Model:    bc.Model,
				Weight:   bc.Weight,
				Priority: bc.Priority,
				Enabled:  bc.Enabled,
				Tags:     bc.Tags,
			})
		}
		models[name] = model
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	cache := NewSelectionCache(defaultCacheTTL, defaultCacheSize)
	metrics := NewMetricsCollector(
		WithFailureThreshold(cfg.Settings.CircuitBreakerFailureThreshold),
		WithUnhealthyCallback(func(key string) {
			cache.InvalidateBackend(key)
		}),
	)

	svc := &Service{
		log:       log,
		providers: providers,
		models:    models,
		metrics:   metrics,
		cache:     cache,
		selector:  NewBackendSelector(),
	}
	svc.health = NewHealthChecker(providers, models, metrics, NewAdapterRegistry(), cfg.Settings)
	return svc, nil
}

// Start launches the background health-check loops. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.health.Start(ctx)
	s.log.Info("loadbalance service started", zap.Int("models", len(s.models)), zap.Int("providers", len(s.providers)))
}

// Stop halts the background loops. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.health.Stop()
	s.log.Info("loadbalance service stopped")
}

func (s *Service) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SelectBackend is select_backend from spec.md §4.2: resolve the logical
// model, run the selector, and wrap the winner as a SelectedBackend ready
// to hand to a relay adapter.
func (s *Service) SelectBackend(modelName string, tags []string) (SelectedBackend, error) {
	start := time.Now()
	model, ok := s.models[modelName]
	if !ok {
		return SelectedBackend{}, &UnknownModelError{Model: modelName}
	}
	if !model.Enabled {
		return SelectedBackend{}, &ModelDisabledError{Model: modelName}
	}

	backend, fromCache, err := s.selector.Select(model, tags, s.metrics, s.cache)
	if err != nil {
		return SelectedBackend{}, err
	}
	provider := s.providers[backend.Provider]

	s.log.Debug("selected backend",
		zap.String("model", modelName),
		zap.String("backend", backend.Key()),
		zap.Bool("from_cache", fromCache))

	return SelectedBackend{
		RouteID: uuid.New().String(),
		Provider: RouteProvider{
			Name:        provider.Name,
			BaseURL:     provider.BaseURL,
			APIKey:      provider.APIKey,
			Headers:     provider.Headers,
			Timeout:     provider.Timeout,
			BackendType: provider.BackendType,
		},
		Backend: RouteBackend{
			ProviderID: backend.Provider,
			Model:      backend.Model,
			Weight:     backend.Weight,
			Enabled:    backend.Enabled,
			Tags:       backend.Tags,
		},
		SelectionTime: time.Since(start),
	}, nil
}

// SelectSpecificBackend bypasses the selector's filter pipeline and strategy
// entirely, returning the named backend if it's part of the model and
// enabled (supplemented from original_source's
// LoadBalancer::select_specific_backend, see SPEC_FULL.md §6.4 — used by
// operators pinning a request to a particular provider for debugging).
func (s *Service) SelectSpecificBackend(modelName, providerID, backendModel string) (SelectedBackend, error) {
	start := time.Now()
	model, ok := s.models[modelName]
	if !ok {
		return SelectedBackend{}, &UnknownModelError{Model: modelName}
	}

	for _, b := range model.Backends {
		if b.Provider == providerID && b.Model == backendModel && b.Enabled {
			provider := s.providers[b.Provider]
			return SelectedBackend{
				RouteID: uuid.New().String(),
				Provider: RouteProvider{
					Name:        provider.Name,
					BaseURL:     provider.BaseURL,
					APIKey:      provider.APIKey,
					Headers:     provider.Headers,
					Timeout:     provider.Timeout,
					BackendType: provider.BackendType,
				},
				Backend: RouteBackend{
					ProviderID: b.Provider,
					Model:      b.Model,
					Weight:     b.Weight,
					Enabled:    b.Enabled,
					Tags:       b.Tags,
				},
				SelectionTime: time.Since(start),
			}, nil
		}
	}
	return SelectedBackend{}, fmt.Errorf("loadbalance: backend %s:%s not available for model %q", providerID, backendModel, modelName)
}

// ReportResult is report_result from spec.md §4.4/§4.5: updates
// MetricsCollector and, on failure, evicts the backend from cache so the
// next selection doesn't hand out a choice already known to be bad.
func (s *Service) ReportResult(backend SelectedBackend, outcome Outcome) {
	key := backend.Key()
	if outcome.Success {
		s.metrics.RecordSuccess(key)
		s.metrics.RecordLatency(key, outcome.Latency)
		return
	}
	s.metrics.RecordFailure(key)
	s.cache.InvalidateBackend(key)
	s.log.Warn("backend reported failure",
		zap.String("backend", key),
		zap.String("error_kind", string(outcome.Kind)),
		zap.String("error", outcome.Err))
}

// TriggerHealthCheck forces an immediate probe sweep outside the regular
// tick, useful for operator-initiated recovery checks.
func (s *Service) TriggerHealthCheck(ctx context.Context) {
	s.health.sweepAll(ctx)
}

// GetServiceHealth returns the top-level observability snapshot (spec.md §6).
func (s *Service) GetServiceHealth() ServiceHealth {
	totalProviders, healthyProviders := 0, 0
	for _, p := range s.providers {
		totalProviders++
		if p.Enabled {
			healthyProviders++
		}
	}

	modelStats := make(map[string]ModelHealth, len(s.models))
	totalModels, healthyModels := 0, 0
	for name, model := range s.models {
		mh := ModelHealth{TotalBackends: len(model.Backends)}
		anyHealthy := false
		for _, b := range model.Backends {
			if s.metrics.IsHealthy(b.Provider, b.Model) {
				mh.HealthyBackends++
				anyHealthy = true
			}
		}
		modelStats[name] = mh
		totalModels++
		if anyHealthy {
			healthyModels++
		}
	}

	summary := HealthSummary{
		TotalProviders:   totalProviders,
		HealthyProviders: healthyProviders,
		TotalModels:      totalModels,
		HealthyModels:    healthyModels,
	}
	if totalProviders > 0 {
		summary.ProviderHealthRatio = float64(healthyProviders) / float64(totalProviders)
	}
	if totalModels > 0 {
		summary.ModelHealthRatio = float64(healthyModels) / float64(totalModels)
	}

	return ServiceHealth{
		IsRunning:          s.isRunning(),
		TotalRequests:      s.metrics.GetTotalRequests(),
		SuccessfulRequests: s.metrics.GetSuccessfulRequests(),
		HealthSummary:      summary,
		ModelStats:         modelStats,
	}
}

// GetCacheStats returns the current SelectionCache counters (spec.md §6).
func (s *Service) GetCacheStats() CacheStats {
	return s.cache.Stats()
}

// GetModelWeights returns the configured weight of every enabled backend
// for modelName, for diagnostics and config audits.
func (s *Service) GetModelWeights(modelName string) (map[string]float64, error) {
	model, ok := s.models[modelName]
	if !ok {
		return nil, &UnknownModelError{Model: modelName}
	}
	out := make(map[string]float64, len(model.Backends))
	for _, b := range model.Backends {
		if b.Enabled {
			out[b.Key()] = b.Weight
		}
	}
	return out, nil
}

// GetHealthStats returns the per-backend-key diagnostic summary
// (supplemented from original_source, see SPEC_FULL.md §6.4).
func (s *Service) GetHealthStats() map[string]HealthStats {
	return s.metrics.GetHealthStats()
}

// GetRouteStats aggregates request counts per backend key across every
// configured model (original_source: RouteStats/RouteDetail).
func (s *Service) GetRouteStats() RouteStats {
	details := make(map[string]RouteDetail)
	var total, successful int64
	for _, model := range s.models {
		for _, b := range model.Backends {
			key := b.Key()
			if _, seen := details[key]; seen {
				continue
			}
			reqs := s.metrics.GetBackendRequestCount(key)
			failures := int64(s.metrics.GetFailureCountByKey(key))
			details[key] = RouteDetail{
				RouteKey:       key,
				Provider:       b.Provider,
				Model:          b.Model,
				Healthy:        s.metrics.IsHealthy(b.Provider, b.Model),
				RequestCount:   reqs,
				ErrorCount:     failures,
				AverageLatency: s.metrics.GetLatencyByKey(key),
				CurrentWeight:  b.Weight,
			}
		}
	}
	total = s.metrics.GetTotalRequests()
	successful = s.metrics.GetSuccessfulRequests()
	return RouteStats{TotalRequests: total, SuccessfulRequests: successful, RouteDetails: details}
}
