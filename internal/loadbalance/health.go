package loadbalance

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultProbeConcurrency bounds how many probes run at once within one
// tick, grounded on internal/proxy/protocol/grpc/invoke.go's errgroup use
// for bounded fan-out (there: concurrent send/receive; here: concurrent
// backend probes).
const defaultProbeConcurrency = 8

// probeTarget is one (provider, backend) pair the checker knows how to probe.
type probeTarget struct {
	provider Provider
	backend  Backend
}

// HealthChecker runs two independent ticking loops over the configured
// backends: a general loop that probes everything on a fixed interval, and
// a recovery loop that probes only unhealthy backends whose backoff has
// elapsed (spec.md §4.4). Grounded on internal/health/checker.go's Checker,
// generalized from one-goroutine-per-backend to two bounded-concurrency
// sweep loops since the unhealthy set already tracks per-backend backoff.
type HealthChecker struct {
	client      *http.Client
	metrics     *MetricsCollector
	adapters    *AdapterRegistry
	targets     []probeTarget
	generalTick time.Duration
	recoveryTick time.Duration
	probeTimeout time.Duration
	concurrency int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// HealthCheckerOption configures a HealthChecker at construction.
type HealthCheckerOption func(*HealthChecker)

// WithProbeConcurrency overrides the per-tick fan-out cap (default 8).
func WithProbeConcurrency(n int) HealthCheckerOption {
	return func(h *HealthChecker) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithHTTPClient overrides the client used to issue probes.
func WithHTTPClient(client *http.Client) HealthCheckerOption {
	return func(h *HealthChecker) {
		if client != nil {
			h.client = client
		}
	}
}

// NewHealthChecker builds a checker over the given providers/models. Backend
// pairs are deduplicated by key since several models can share a backend.
func NewHealthChecker(providers map[string]Provider, models map[string]Model, metrics *MetricsCollector, adapters *AdapterRegistry, settings SettingsConfig, opts ...HealthCheckerOption) *HealthChecker {
	seen := make(map[string]struct{})
	var targets []probeTarget
	for _, model := range models {
		for _, b := range model.Backends {
			if _, dup := seen[b.Key()]; dup {
				continue
			}
			provider, ok := providers[b.Provider]
			if !ok {
				continue
			}
			seen[b.Key()] = struct{}{}
			targets = append(targets, probeTarget{provider: provider, backend: b})
		}
	}

	h := &HealthChecker{
		client:       &http.Client{},
		metrics:      metrics,
		adapters:     adapters,
		targets:      targets,
		generalTick:  settings.healthCheckInterval(),
		recoveryTick: settings.recoveryCheckInterval(),
		probeTimeout: settings.healthCheckTimeout(),
		concurrency:  defaultProbeConcurrency,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the general and recovery loops. Calling Start on an
// already-running checker is a no-op (spec.md §4.4: start/stop idempotency).
func (h *HealthChecker) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true

	h.wg.Add(2)
	go h.runLoop(loopCtx, h.generalTick, h.sweepAll)
	go h.runLoop(loopCtx, h.recoveryTick, h.sweepRecovery)
}

// Stop cancels both loops and waits for them to exit. Calling Stop when not
// running is a no-op.
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	cancel := h.cancel
	h.running = false
	h.mu.Unlock()

	cancel()
	h.wg.Wait()
}

func (h *HealthChecker) runLoop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	defer h.wg.Done()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// sweepAll probes every configured backend, bounded by concurrency
// (spec.md §4.4's general loop).
func (h *HealthChecker) sweepAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for _, t := range h.targets {
		t := t
		g.Go(func() error {
			h.probe(gctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

// sweepRecovery probes only the backends currently unhealthy whose backoff
// has elapsed, recording the attempt before probing (spec.md §4.4's
// recovery loop, NeedsRecoveryCheck/RecordRecoveryAttempt).
func (h *HealthChecker) sweepRecovery(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for _, t := range h.targets {
		t := t
		key := t.backend.Key()
		if !h.metrics.NeedsRecoveryCheck(key, h.recoveryTick) {
			continue
		}
		h.metrics.RecordRecoveryAttempt(key)
		g.Go(func() error {
			h.probe(gctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

// probe issues one request to the backend's probe path and records the
// outcome. Any status outside 2xx (redirects included) or any transport
// error counts as failure.
func (h *HealthChecker) probe(ctx context.Context, t probeTarget) {
	key := t.backend.Key()
	adapter, err := h.adapters.Build(t.provider.BackendType)
	if err != nil {
		h.metrics.RecordFailure(key)
		return
	}

	timeout := h.probeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, t.provider.BaseURL+adapter.ProbePath(), nil)
	if err != nil {
		h.metrics.RecordFailure(key)
		return
	}
	for k, v := range t.provider.Headers {
		req.Header.Set(k, v)
	}
	if t.provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.provider.APIKey)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		h.metrics.RecordFailure(key)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.metrics.RecordFailure(key)
		return
	}
	h.metrics.RecordSuccess(key)
	h.metrics.RecordLatency(key, latency)
}
