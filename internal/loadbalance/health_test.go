package loadbalance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthCheckerProbeRecordsSuccessAndLatency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	metrics := NewMetricsCollector()
	providers := map[string]Provider{
		"p1": {ID: "p1", Name: "p1", BaseURL: server.URL, Enabled: true, BackendType: KindOpenAI},
	}
	models := map[string]Model{
		"chat": {Name: "chat", Enabled: true, Backends: []Backend{{Provider: "p1", Model: "gpt-4", Weight: 1, Enabled: true}}},
	}

	h := NewHealthChecker(providers, models, metrics, NewAdapterRegistry(), SettingsConfig{HealthCheckTimeoutSeconds: 1})
	h.probe(context.Background(), probeTarget{provider: providers["p1"], backend: models["chat"].Backends[0]})

	if !metrics.IsHealthy("p1", "gpt-4") {
		t.Fatalf("expected backend to be healthy after a 200 probe")
	}
	if metrics.GetBackendRequestCount("p1:gpt-4") != 1 {
		t.Fatalf("expected one recorded request")
	}
}

func TestHealthCheckerProbeRecordsFailureOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	metrics := NewMetricsCollector(WithFailureThreshold(1))
	providers := map[string]Provider{
		"p1": {ID: "p1", Name: "p1", BaseURL: server.URL, Enabled: true, BackendType: KindOpenAI},
	}
	models := map[string]Model{
		"chat": {Name: "chat", Enabled: true, Backends: []Backend{{Provider: "p1", Model: "gpt-4", Weight: 1, Enabled: true}}},
	}

	h := NewHealthChecker(providers, models, metrics, NewAdapterRegistry(), SettingsConfig{HealthCheckTimeoutSeconds: 1})
	h.probe(context.Background(), probeTarget{provider: providers["p1"], backend: models["chat"].Backends[0]})

	if metrics.IsHealthy("p1", "gpt-4") {
		t.Fatalf("expected backend to be unhealthy after a 500 probe")
	}
}

func TestHealthCheckerProbeRecordsFailureOnRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer server.Close()

	metrics := NewMetricsCollector(WithFailureThreshold(1))
	providers := map[string]Provider{
		"p1": {ID: "p1", Name: "p1", BaseURL: server.URL, Enabled: true, BackendType: KindOpenAI},
	}
	models := map[string]Model{
		"chat": {Name: "chat", Enabled: true, Backends: []Backend{{Provider: "p1", Model: "gpt-4", Weight: 1, Enabled: true}}},
	}

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	h := NewHealthChecker(providers, models, metrics, NewAdapterRegistry(), SettingsConfig{HealthCheckTimeoutSeconds: 1}, WithHTTPClient(client))
	h.probe(context.Background(), probeTarget{provider: providers["p1"], backend: models["chat"].Backends[0]})

	if metrics.IsHealthy("p1", "gpt-4") {
		t.Fatalf("expected a 302 probe to count as a failure")
	}
}

func TestHealthCheckerSweepAllProbesEveryTarget(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	metrics := NewMetricsCollector()
	providers := map[string]Provider{
		"p1": {ID: "p1", Name: "p1", BaseURL: server.URL, Enabled: true, BackendType: KindOpenAI},
	}
	models := map[string]Model{
		"chat": {Name: "chat", Enabled: true, Backends: []Backend{
			{Provider: "p1", Model: "gpt-4", Weight: 1, Enabled: true},
			{Provider: "p1", Model: "gpt-4-mini", Weight: 1, Enabled: true},
		}},
	}

	h := NewHealthChecker(providers, models, metrics, NewAdapterRegistry(), SettingsConfig{HealthCheckTimeoutSeconds: 1})
	h.sweepAll(context.Background())

	if hits.Load() != 2 {
		t.Fatalf("expected 2 probes, got %d", hits.Load())
	}
}

func TestHealthCheckerStartStopIdempotent(t *testing.T) {
	metrics := NewMetricsCollector()
	h := NewHealthChecker(nil, nil, metrics, NewAdapterRegistry(), SettingsConfig{HealthCheckIntervalSeconds: 1, RecoveryCheckIntervalSeconds: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h.Start(ctx)
	h.Start(ctx) // no-op, must not deadlock or panic
	h.Stop()
	h.Stop() // no-op
}
