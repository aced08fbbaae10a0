package loadbalance

import (
	"testing"
	"time"
)

func TestRecordFailureCrossesThreshold(t *testing.T) {
	m := NewMetricsCollector(WithFailureThreshold(3))
	key := "p:model"

	for i := 0; i < 2; i++ {
		m.RecordFailure(key)
	}
	if !m.isHealthyKey(key) {
		t.Fatalf("expected healthy after 2 failures with threshold 3")
	}

	m.RecordFailure(key)
	if m.isHealthyKey(key) {
		t.Fatalf("expected unhealthy after 3 failures with threshold 3")
	}
	if !m.IsInUnhealthyList(key) {
		t.Fatalf("expected key in unhealthy list")
	}
}

func TestRecordSuccessClearsUnhealthy(t *testing.T) {
	m := NewMetricsCollector(WithFailureThreshold(1))
	key := "p:model"

	m.RecordFailure(key)
	if m.isHealthyKey(key) {
		t.Fatalf("expected unhealthy after 1 failure with threshold 1")
	}

	m.RecordSuccess(key)
	if !m.isHealthyKey(key) {
		t.Fatalf("expected healthy after recovery success")
	}
	if m.GetFailureCountByKey(key) != 0 {
		t.Fatalf("expected consecutive failure count reset to 0, got %d", m.GetFailureCountByKey(key))
	}
}

func TestUnhealthyCallbackFiresOnceOnTransition(t *testing.T) {
	var calls int
	m := NewMetricsCollector(WithFailureThreshold(2), WithUnhealthyCallback(func(string) { calls++ }))
	key := "p:model"

	m.RecordFailure(key)
	m.RecordFailure(key)
	m.RecordFailure(key) // already unhealthy, must not fire again

	if calls != 1 {
		t.Fatalf("expected callback to fire exactly once, got %d", calls)
	}
}

func TestRecordLatencyEWMA(t *testing.T) {
	m := NewMetricsCollector(WithEWMAAlpha(0.2))
	key := "p:model"

	m.RecordLatency(key, 100*time.Millisecond)
	first := m.GetLatencyByKey(key)
	if first != 100*time.Millisecond {
		t.Fatalf("expected first sample to seed EWMA at 100ms, got %v", first)
	}

	m.RecordLatency(key, 200*time.Millisecond)
	second := m.GetLatencyByKey(key)
	want := time.Duration(0.2*200+0.8*100) * time.Millisecond
	if second != want {
		t.Fatalf("expected EWMA %v, got %v", want, second)
	}
}

func TestNeedsRecoveryCheckRespectsBackoff(t *testing.T) {
	m := NewMetricsCollector(WithFailureThreshold(1), WithRecoveryBackoff(10*time.Second, 600*time.Second))
	key := "p:model"
	m.RecordFailure(key)

	if !m.NeedsRecoveryCheck(key, 10*time.Second) {
		t.Fatalf("expected first recovery check to be due immediately")
	}

	m.RecordRecoveryAttempt(key)
	if m.NeedsRecoveryCheck(key, 10*time.Second) {
		t.Fatalf("expected recovery check to be withheld right after an attempt")
	}
}

func TestRecoveryBackoffDoubles(t *testing.T) {
	m := NewMetricsCollector(WithFailureThreshold(1), WithRecoveryBackoff(10*time.Second, 600*time.Second))
	key := "p:model"
	m.RecordFailure(key)

	before := m.GetUnhealthyBackends()[0].NextBackoff
	m.RecordRecoveryAttempt(key)
	after := m.GetUnhealthyBackends()[0].NextBackoff

	if after < before*2-time.Millisecond || after > before*2+time.Millisecond {
		t.Fatalf("expected backoff to roughly double: before=%v after=%v", before, after)
	}
}

func TestRecoveryBackoffCapsAtMax(t *testing.T) {
	m := NewMetricsCollector(WithFailureThreshold(1), WithRecoveryBackoff(100*time.Second, 150*time.Second))
	key := "p:model"
	m.RecordFailure(key)

	for i := 0; i < 5; i++ {
		m.RecordRecoveryAttempt(key)
	}

	got := m.GetUnhealthyBackends()[0].NextBackoff
	if got > 150*time.Second {
		t.Fatalf("expected backoff capped at 150s, got %v", got)
	}
}

func TestGetHealthStatsReportsTotals(t *testing.T) {
	m := NewMetricsCollector()
	key := "p:model"
	m.RecordSuccess(key)
	m.RecordSuccess(key)
	m.RecordFailure(key)

	stats := m.GetHealthStats()[key]
	if stats.TotalRequests != 3 {
		t.Fatalf("expected 3 total requests, got %d", stats.TotalRequests)
	}
	if stats.SuccessfulRequests != 2 {
		t.Fatalf("expected 2 successful requests, got %d", stats.SuccessfulRequests)
	}
}
