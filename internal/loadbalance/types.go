package loadbalance

import (
	"time"
)

// Provider is a read-only, startup-loaded upstream account.
type Provider struct {
	ID             string
	Name           string
	BaseURL        string
	APIKey         string
	Headers        map[string]string
	Enabled        bool
	Timeout        time.Duration
	MaxRetries     int
	BackendType    BackendKind
}

// Backend is one (provider, upstream-model) pair usable to serve a logical model.
type Backend struct {
	Provider string
	Model    string
	Weight   float64
	Priority int
	Enabled  bool
	Tags     []string
}

// Key returns the canonical "provider:model" string identifying this backend
// in MetricsCollector (spec.md §3, BackendKey).
func (b Backend) Key() string {
	return backendKey(b.Provider, b.Model)
}

func backendKey(provider, model string) string {
	return provider + ":" + model
}

// Model is a logical name backed by an ordered list of Backends under one strategy.
type Model struct {
	Name     string
	Backends []Backend
	Strategy Strategy
	Enabled  bool
}

// RouteProvider is the provider-facing half of a SelectedBackend handed to the relay.
type RouteProvider struct {
	Name        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Timeout     time.Duration
	BackendType BackendKind
}

// RouteBackend is the backend-facing half of a SelectedBackend handed to the relay.
type RouteBackend struct {
	ProviderID string
	Model      string
	Weight     float64
	Enabled    bool
	Tags       []string
}

// SelectedBackend is the immutable value returned by select_backend; it is the
// only thing that escapes the service boundary besides snapshots (spec.md §3, §6).
type SelectedBackend struct {
	RouteID       string
	Provider      RouteProvider
	Backend       RouteBackend
	SelectionTime time.Duration
}

// Key returns the canonical backend key for the selected backend. This must
// use the provider id, not its display name, to match Backend.Key() and the
// keys recorded in MetricsCollector and SelectionCache during selection.
func (s SelectedBackend) Key() string {
	return backendKey(s.Backend.ProviderID, s.Backend.Model)
}

// Outcome is what the caller reports back via report_result (spec.md §6).
type Outcome struct {
	Success bool
	Latency time.Duration
	Err     string
	Kind    ErrorKind
}

// ErrorKind classifies a reported failure for diagnostics; it never changes
// how the failure is counted (spec.md §4.4 treats all failures identically
// for health purposes, Authentication is only tagged for operators).
type ErrorKind string

const (
	ErrKindNetwork        ErrorKind = "network"
	ErrKindAuthentication ErrorKind = "authentication"
	ErrKindRateLimit      ErrorKind = "rate_limit"
	ErrKindServer         ErrorKind = "server"
	ErrKindModel          ErrorKind = "model"
	ErrKindTimeout        ErrorKind = "timeout"
)

// Success builds a successful outcome.
func Success(latency time.Duration) Outcome {
	return Outcome{Success: true, Latency: latency}
}

// Failure builds a failed outcome with an optional error kind.
func Failure(err string, kind ErrorKind) Outcome {
	return Outcome{Success: false, Err: err, Kind: kind}
}

// HealthStats is a per-backend-key summary exposed by get_health_stats
// (supplemented from original_source's LoadBalancer::get_health_stats trait method).
type HealthStats struct {
	BackendKey          string
	Healthy             bool
	ConsecutiveFailures int
	TotalRequests       int64
	SuccessfulRequests  int64
	LastSuccess         time.Time
	LastFailure         time.Time
	EWMALatency         time.Duration
	Samples             int64
}

// UnhealthyBackend is a snapshot of one unhealthy-set member.
type UnhealthyBackend struct {
	BackendKey          string
	FirstMarked         time.Time
	FailureCount        int
	LastRecoveryAttempt time.Time
	NextBackoff         time.Duration
}

// FailedAttempt records why one candidate backend was rejected during selection,
// for the diagnostic list NoHealthyBackendError carries (spec.md §7).
type FailedAttempt struct {
	BackendKey string
	Provider   string
	Model      string
	Reason     string
	Healthy    bool
}

// RouteDetail is the per-route portion of RouteStats (original_source: RouteDetail).
type RouteDetail struct {
	RouteKey      string
	Provider      string
	Model         string
	Healthy       bool
	RequestCount  int64
	ErrorCount    int64
	AverageLatency time.Duration
	CurrentWeight float64
}

// RouteStats aggregates request counts and per-route detail (spec.md §6).
type RouteStats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	RouteDetails       map[string]RouteDetail
}

// SuccessRate returns SuccessfulRequests/TotalRequests, or 0 with no requests.
func (r RouteStats) SuccessRate() float64 {
	if r.TotalRequests == 0 {
		return 0
	}
	return float64(r.SuccessfulRequests) / float64(r.TotalRequests)
}

// HealthyRouteCount counts routes in RouteDetails currently healthy.
func (r RouteStats) HealthyRouteCount() int {
	n := 0
	for _, d := range r.RouteDetails {
		if d.Healthy {
			n++
		}
	}
	return n
}

// ServiceHealth is the top-level observability snapshot (spec.md §6).
type ServiceHealth struct {
	IsRunning          bool
	TotalRequests      int64
	SuccessfulRequests int64
	HealthSummary      HealthSummary
	ModelStats         map[string]ModelHealth
}

// HealthSummary aggregates provider/model health ratios.
type HealthSummary struct {
	TotalProviders      int
	HealthyProviders    int
	TotalModels         int
	HealthyModels       int
	ProviderHealthRatio float64
	ModelHealthRatio    float64
}

// ModelHealth reports how many of a model's backends are currently healthy.
type ModelHealth struct {
	TotalBackends   int
	HealthyBackends int
}
