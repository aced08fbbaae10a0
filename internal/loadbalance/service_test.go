package loadbalance

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func validConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"openai": {Name: "openai", BaseURL: "https://api.openai.com", Enabled: true, BackendType: KindOpenAI},
			"azure":  {Name: "azure", BaseURL: "https://azure.example.com", Enabled: true, BackendType: KindOpenAI},
		},
		Models: map[string]ModelConfig{
			"chat": {
				Enabled:  true,
				Strategy: StrategyWeightedFailover,
				Backends: []BackendConfig{
					{Provider: "openai", Model: "gpt-4", Weight: 10, Enabled: true},
					{Provider: "azure", Model: "gpt-4", Weight: 5, Enabled: true},
				},
			},
		},
	}
}

func TestNewServiceRejectsMissingProvider(t *testing.T) {
	cfg := validConfig()
	chat := cfg.Models["chat"]
	chat.Backends = append(chat.Backends, BackendConfig{Provider: "missing", Model: "x", Weight: 1, Enabled: true})
	cfg.Models["chat"] = chat

	_, err := NewService(cfg, zap.NewNop())
	if err == nil {
		t.Fatalf("expected an error for a backend referencing an undefined provider")
	}
	var target *ProviderMissingError
	if !errors.As(err, &target) {
		t.Fatalf("expected ProviderMissingError in joined error, got %v", err)
	}
}

func TestNewServiceJoinsMultipleConfigErrors(t *testing.T) {
	cfg := validConfig()
	chat := cfg.Models["chat"]
	chat.Backends[0].Weight = -1
	chat.Backends = append(chat.Backends, BackendConfig{Provider: "missing", Model: "x", Weight: 1, Enabled: true})
	cfg.Models["chat"] = chat

	_, err := NewService(cfg, zap.NewNop())
	if err == nil {
		t.Fatalf("expected joined config errors")
	}
	var weightErr *InvalidWeightError
	var providerErr *ProviderMissingError
	if !errors.As(err, &weightErr) {
		t.Fatalf("expected InvalidWeightError present, got %v", err)
	}
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected ProviderMissingError present, got %v", err)
	}
}

func TestServiceSelectAndReportRoundTrip(t *testing.T) {
	svc, err := NewService(validConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error constructing service: %v", err)
	}

	backend, err := svc.SelectBackend("chat", nil)
	if err != nil {
		t.Fatalf("unexpected error selecting backend: %v", err)
	}
	if backend.RouteID == "" {
		t.Fatalf("expected a non-empty route id")
	}

	svc.ReportResult(backend, Success(50*time.Millisecond))

	health := svc.GetServiceHealth()
	if health.TotalRequests != 1 || health.SuccessfulRequests != 1 {
		t.Fatalf("expected 1 total and 1 successful request, got %+v", health)
	}
}

func TestServiceUnknownModelError(t *testing.T) {
	svc, err := NewService(validConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = svc.SelectBackend("does-not-exist", nil)
	var target *UnknownModelError
	if !errors.As(err, &target) {
		t.Fatalf("expected UnknownModelError, got %v", err)
	}
}

func TestServiceReportFailureInvalidatesCache(t *testing.T) {
	svc, err := NewService(validConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backend, err := svc.SelectBackend("chat", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.GetCacheStats().Entries == 0 {
		t.Fatalf("expected weighted_failover selection to populate the cache")
	}

	svc.ReportResult(backend, Failure("connection reset", ErrKindNetwork))

	if _, ok := svc.cache.Get("chat", nil); ok {
		t.Fatalf("expected failure to evict the cached selection for this backend")
	}
}

func TestServiceSelectSpecificBackendBypassesStrategy(t *testing.T) {
	svc, err := NewService(validConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := svc.SelectSpecificBackend("chat", "azure", "gpt-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Backend.ProviderID != "azure" {
		t.Fatalf("expected pinned backend azure, got %q", got.Backend.ProviderID)
	}
}

func TestServiceGetModelWeights(t *testing.T) {
	svc, err := NewService(validConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	weights, err := svc.GetModelWeights("chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if weights["openai:gpt-4"] != 10 || weights["azure:gpt-4"] != 5 {
		t.Fatalf("unexpected weights: %+v", weights)
	}
}
