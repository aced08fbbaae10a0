package loadbalance

import (
	"fmt"
	"strings"
)

// UnknownModelError is returned when the requested logical model name is absent
// from configuration (spec.md §4.2, §7).
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("loadbalance: unknown model %q", e.Model)
}

// ModelDisabledError is returned when the model exists but is disabled.
type ModelDisabledError struct {
	Model string
}

func (e *ModelDisabledError) Error() string {
	return fmt.Sprintf("loadbalance: model %q is disabled", e.Model)
}

// NoHealthyBackendError is returned when no backend survives the filter
// pipeline; it carries the full diagnostic set so operators and tests can
// assert on exactly why each candidate was rejected (spec.md §4.2, §7).
type NoHealthyBackendError struct {
	Model          string
	Total          int
	Healthy        int
	Enabled        int
	FailedAttempts []FailedAttempt
}

func (e *NoHealthyBackendError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "loadbalance: no healthy backend for model %q (total=%d enabled=%d healthy=%d)",
		e.Model, e.Total, e.Enabled, e.Healthy)
	for _, fa := range e.FailedAttempts {
		fmt.Fprintf(&b, "; %s: %s", fa.BackendKey, fa.Reason)
	}
	return b.String()
}

// ProviderMissingError is a configuration error: a backend references a
// provider id that does not exist. Detected at service start (spec.md §7).
type ProviderMissingError struct {
	Model    string
	Provider string
}

func (e *ProviderMissingError) Error() string {
	return fmt.Sprintf("loadbalance: model %q references undefined provider %q", e.Model, e.Provider)
}

// InvalidWeightError is a configuration error: a backend weight is <= 0.
type InvalidWeightError struct {
	Model    string
	Provider string
	Weight   float64
}

func (e *InvalidWeightError) Error() string {
	return fmt.Sprintf("loadbalance: model %q backend %q has invalid weight %v (must be > 0)",
		e.Model, e.Provider, e.Weight)
}

// UnknownStrategyError is a configuration error: a model names a strategy
// this build doesn't implement.
type UnknownStrategyError struct {
	Model    string
	Strategy Strategy
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("loadbalance: model %q uses unknown strategy %q", e.Model, e.Strategy)
}

// EmptyBackendListError is a configuration error: an enabled model has no backends.
type EmptyBackendListError struct {
	Model string
}

func (e *EmptyBackendListError) Error() string {
	return fmt.Sprintf("loadbalance: enabled model %q has no backends", e.Model)
}
