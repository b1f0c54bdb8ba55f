package degrade

import (
	"testing"
	"time"

	"deal-aggregation-core/internal/logging"
)

var breakerStart = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestManager(opts BreakerOptions) *Manager {
	m := NewManager(logging.NewNop())
	m.InitBreaker("provider-a", opts, breakerStart)
	return m
}

func TestBreakerOpensExactlyAtThreshold(t *testing.T) {
	m := newTestManager(BreakerOptions{Threshold: 3, Timeout: time.Minute, HalfOpenAttempts: 2})

	m.RecordFailure("provider-a", breakerStart)
	m.RecordFailure("provider-a", breakerStart)
	info, _ := m.Breaker("provider-a")
	if info.State != StateClosed {
		t.Fatalf("expected closed below threshold, got %s", info.State)
	}
	if !m.CanCall("provider-a", breakerStart) {
		t.Error("closed circuit must allow calls")
	}

	m.RecordFailure("provider-a", breakerStart)
	info, _ = m.Breaker("provider-a")
	if info.State != StateOpen {
		t.Fatalf("expected open at threshold, got %s", info.State)
	}
	if m.CanCall("provider-a", breakerStart) {
		t.Error("open circuit must block calls")
	}
}

func TestBreakerHalfOpensAfterTimeout(t *testing.T) {
	m := newTestManager(BreakerOptions{Threshold: 1, Timeout: time.Minute, HalfOpenAttempts: 2})

	m.RecordFailure("provider-a", breakerStart)
	if m.CanCall("provider-a", breakerStart.Add(30*time.Second)) {
		t.Error("circuit must stay open inside the timeout")
	}

	if !m.CanCall("provider-a", breakerStart.Add(2*time.Minute)) {
		t.Fatal("circuit must allow probing after the timeout")
	}
	info, _ := m.Breaker("provider-a")
	if info.State != StateHalfOpen {
		t.Errorf("expected half-open after timeout, got %s", info.State)
	}
}

func TestHalfOpenClosesAfterProbeBudget(t *testing.T) {
	m := newTestManager(BreakerOptions{Threshold: 1, Timeout: time.Minute, HalfOpenAttempts: 2})

	m.RecordFailure("provider-a", breakerStart)
	probeTime := breakerStart.Add(2 * time.Minute)
	m.CanCall("provider-a", probeTime)

	m.RecordSuccess("provider-a", probeTime)
	info, _ := m.Breaker("provider-a")
	if info.State != StateHalfOpen {
		t.Fatalf("expected still half-open after one probe, got %s", info.State)
	}

	m.RecordSuccess("provider-a", probeTime)
	info, _ = m.Breaker("provider-a")
	if info.State != StateClosed {
		t.Fatalf("expected closed after probe budget spent, got %s", info.State)
	}
	if info.FailureCount != 0 {
		t.Errorf("expected failure count reset on close, got %d", info.FailureCount)
	}
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	m := newTestManager(BreakerOptions{Threshold: 5, Timeout: time.Minute, HalfOpenAttempts: 3})

	for i := 0; i < 5; i++ {
		m.RecordFailure("provider-a", breakerStart)
	}
	probeTime := breakerStart.Add(2 * time.Minute)
	m.CanCall("provider-a", probeTime)

	m.RecordFailure("provider-a", probeTime)
	info, _ := m.Breaker("provider-a")
	if info.State != StateOpen {
		t.Errorf("expected a half-open failure to reopen the circuit, got %s", info.State)
	}
	if m.CanCall("provider-a", probeTime.Add(time.Second)) {
		t.Error("reopened circuit must block calls again")
	}
}

func TestRecordSuccessDecrementsFailuresWithFloor(t *testing.T) {
	m := newTestManager(BreakerOptions{Threshold: 5, Timeout: time.Minute, HalfOpenAttempts: 3})

	m.RecordFailure("provider-a", breakerStart)
	m.RecordFailure("provider-a", breakerStart)
	m.RecordSuccess("provider-a", breakerStart)

	info, _ := m.Breaker("provider-a")
	if info.FailureCount != 1 {
		t.Errorf("expected failure count 1 after a success, got %d", info.FailureCount)
	}

	m.RecordSuccess("provider-a", breakerStart)
	m.RecordSuccess("provider-a", breakerStart)
	info, _ = m.Breaker("provider-a")
	if info.FailureCount != 0 {
		t.Errorf("expected failure count floored at 0, got %d", info.FailureCount)
	}
}

func TestUnknownProviderAlwaysCallable(t *testing.T) {
	m := NewManager(logging.NewNop())
	if !m.CanCall("nonexistent", breakerStart) {
		t.Error("providers without a breaker must be callable")
	}
	m.RecordFailure("nonexistent", breakerStart)
	m.RecordSuccess("nonexistent", breakerStart)
}

func TestFallbackAgeAndStaleness(t *testing.T) {
	m := NewManager(logging.NewNop())
	maxAge := time.Hour

	m.StoreFallback("deals", []string{"a", "b"}, breakerStart)

	fresh, ok := m.Fallback("deals", maxAge, breakerStart.Add(10*time.Minute))
	if !ok {
		t.Fatal("expected fallback hit")
	}
	if fresh.IsStale {
		t.Error("entry younger than half the max age must be fresh")
	}

	stale, ok := m.Fallback("deals", maxAge, breakerStart.Add(45*time.Minute))
	if !ok {
		t.Fatal("expected fallback hit")
	}
	if !stale.IsStale {
		t.Error("entry older than half the max age must be stale")
	}
	if stale.Age != 45*time.Minute {
		t.Errorf("expected age 45m, got %v", stale.Age)
	}

	if _, ok := m.Fallback("deals", maxAge, breakerStart.Add(2*time.Hour)); ok {
		t.Error("entry past the max age must miss")
	}
	if _, ok := m.Fallback("unknown", maxAge, breakerStart); ok {
		t.Error("unknown key must miss")
	}
}

func TestHealthAggregatesProviders(t *testing.T) {
	m := NewManager(logging.NewNop())
	m.InitBreaker("a", BreakerOptions{Threshold: 1, Timeout: time.Minute, HalfOpenAttempts: 1}, breakerStart)
	m.InitBreaker("b", BreakerOptions{}, breakerStart)

	m.RecordFailure("a", breakerStart)

	health := m.Health(breakerStart)
	if len(health.Providers) != 2 {
		t.Fatalf("expected 2 providers in snapshot, got %d", len(health.Providers))
	}
	if health.Overall != 0.5 {
		t.Errorf("expected overall health 0.5, got %v", health.Overall)
	}
	if health.Providers[0].ID != "a" || health.Providers[0].CircuitState != StateOpen {
		t.Errorf("unexpected first provider entry: %+v", health.Providers[0])
	}
	if !health.Providers[1].Healthy {
		t.Error("expected provider b healthy")
	}
}
