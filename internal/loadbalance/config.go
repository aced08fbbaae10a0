package loadbalance

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// BackendKind identifies the wire shape a provider's upstream speaks.
// The set is small and closed, so it is a tagged variant rather than an
// open interface (Design Notes, spec.md §9).
type BackendKind string

const (
	KindOpenAI BackendKind = "openai"
	KindClaude BackendKind = "claude"
	KindGemini BackendKind = "gemini"
)

func (k BackendKind) valid() bool {
	switch k {
	case KindOpenAI, KindClaude, KindGemini:
		return true
	default:
		return false
	}
}

// Strategy is the selection policy assigned to a Model.
type Strategy string

const (
	StrategyWeightedFailover   Strategy = "weighted_failover"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyRandom             Strategy = "random"
	StrategyLeastLatency       Strategy = "least_latency"
	StrategySmartWeighted      Strategy = "smart_weighted"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyWeightedFailover, StrategyWeightedRoundRobin, StrategyRoundRobin,
		StrategyRandom, StrategyLeastLatency, StrategySmartWeighted:
		return true
	default:
		return false
	}
}

// usesCache reports whether this strategy opts into SelectionCache (spec.md §4.2).
func (s Strategy) usesCache() bool {
	return s == StrategyWeightedFailover || s == StrategyWeightedRoundRobin
}

// Config is the complete, read-once-at-start configuration document (spec.md §6).
type Config struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Models    map[string]ModelConfig    `yaml:"models"`
	Users     map[string]UserConfig     `yaml:"users"`
	Settings  SettingsConfig            `yaml:"settings"`
}

// ProviderConfig describes one upstream AI provider account.
type ProviderConfig struct {
	Name           string            `yaml:"name"`
	BaseURL        string            `yaml:"base_url"`
	APIKey         string            `yaml:"api_key"`
	Headers        map[string]string `yaml:"headers"`
	Enabled        bool              `yaml:"enabled"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	MaxRetries     int               `yaml:"max_retries"`
	BackendType    BackendKind       `yaml:"backend_type"`
}

// BackendConfig is one (provider, upstream-model) pair usable for a logical model.
type BackendConfig struct {
	Provider string   `yaml:"provider"`
	Model    string   `yaml:"model"`
	Weight   float64  `yaml:"weight"`
	Priority int      `yaml:"priority"`
	Enabled  bool     `yaml:"enabled"`
	Tags     []string `yaml:"tags"`
}

// ModelConfig is a logical model name backed by one or more BackendConfig entries.
type ModelConfig struct {
	Backends []BackendConfig `yaml:"backends"`
	Strategy Strategy        `yaml:"strategy"`
	Enabled  bool            `yaml:"enabled"`
}

// UserConfig is consumed by ingress/auth collaborators, not the core itself.
type UserConfig struct {
	Enabled       bool     `yaml:"enabled"`
	AllowedModels []string `yaml:"allowed_models"`
	Tags          []string `yaml:"tags"`
	RateLimit     int      `yaml:"rate_limit"`
}

// SettingsConfig holds the tunables for the health/recovery loops and timeouts.
type SettingsConfig struct {
	HealthCheckIntervalSeconds     int `yaml:"health_check_interval_seconds"`
	RecoveryCheckIntervalSeconds   int `yaml:"recovery_check_interval_seconds"`
	RequestTimeoutSeconds          int `yaml:"request_timeout_seconds"`
	HealthCheckTimeoutSeconds      int `yaml:"health_check_timeout_seconds"`
	CircuitBreakerFailureThreshold int `yaml:"circuit_breaker_failure_threshold"`
	CircuitBreakerTimeoutSeconds   int `yaml:"circuit_breaker_timeout_seconds"`
	MaxInternalRetries             int `yaml:"max_internal_retries"`
}

func (s *SettingsConfig) applyDefaults() {
	if s.HealthCheckIntervalSeconds <= 0 {
		s.HealthCheckIntervalSeconds = 30
	}
	if s.RecoveryCheckIntervalSeconds <= 0 {
		s.RecoveryCheckIntervalSeconds = 10
	}
	if s.RequestTimeoutSeconds <= 0 {
		s.RequestTimeoutSeconds = 30
	}
	if s.HealthCheckTimeoutSeconds <= 0 {
		s.HealthCheckTimeoutSeconds = 5
	}
	if s.CircuitBreakerFailureThreshold <= 0 {
		s.CircuitBreakerFailureThreshold = 3
	}
	if s.CircuitBreakerTimeoutSeconds <= 0 {
		s.CircuitBreakerTimeoutSeconds = 30
	}
	if s.MaxInternalRetries <= 0 {
		s.MaxInternalRetries = 2
	}
}

// LoadConfigFromFile reads and parses a YAML configuration document.
// File discovery/watching is out of scope (spec.md Non-goals: no hot reload);
// this is a one-shot load, grounded on config/config.go's goccy/go-yaml decode.
func LoadConfigFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loadbalance: read config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("loadbalance: parse config %q: %w", path, err)
	}
	cfg.Settings.applyDefaults()
	return &cfg, nil
}

func (s SettingsConfig) healthCheckInterval() time.Duration {
	return time.Duration(s.HealthCheckIntervalSeconds) * time.Second
}

func (s SettingsConfig) recoveryCheckInterval() time.Duration {
	return time.Duration(s.RecoveryCheckIntervalSeconds) * time.Second
}

func (s SettingsConfig) healthCheckTimeout() time.Duration {
	return time.Duration(s.HealthCheckTimeoutSeconds) * time.Second
}
