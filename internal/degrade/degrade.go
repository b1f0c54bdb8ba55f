// Package degrade gates provider calls behind per-provider circuit
// breakers and keeps stale fallback snapshots for when a provider is down.
package degrade

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the circuit state machine position.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerOptions configure one provider's circuit breaker.
type BreakerOptions struct {
	// Threshold is the failure count at which the circuit opens.
	Threshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// HalfOpenAttempts is how many successes close a half-open circuit.
	HalfOpenAttempts int
}

// DefaultBreakerOptions mirror the values providers are initialized with.
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		Threshold:        5,
		Timeout:          time.Minute,
		HalfOpenAttempts: 3,
	}
}

// BreakerInfo is a read-only snapshot of one breaker.
type BreakerInfo struct {
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	LastFailure  time.Time    `json:"last_failure,omitempty"`
	Threshold    int          `json:"threshold"`
	Timeout      time.Duration `json:"timeout"`
}

type breaker struct {
	state          BreakerState
	failureCount   int
	lastFailure    time.Time
	opts           BreakerOptions
	remainingProbe int
}

type providerStatus struct {
	healthy   bool
	lastCheck time.Time
}

type fallbackEntry struct {
	data      any
	timestamp time.Time
}

// FallbackResult is a cached snapshot with its age; IsStale marks entries
// past half their allowed age.
type FallbackResult struct {
	Data    any
	Age     time.Duration
	IsStale bool
}

// ProviderHealth is one provider's entry in the health snapshot.
type ProviderHealth struct {
	ID           string       `json:"id"`
	Healthy      bool         `json:"healthy"`
	LastCheck    time.Time    `json:"last_check"`
	CircuitState BreakerState `json:"circuit_state"`
}

// HealthStatus aggregates per-provider health into a [0,1] ratio.
type HealthStatus struct {
	Overall   float64          `json:"overall"`
	Providers []ProviderHealth `json:"providers"`
	Timestamp time.Time        `json:"timestamp"`
}

// Manager owns the breakers and fallback store for every provider.
type Manager struct {
	mu       sync.Mutex
	log      *zap.SugaredLogger
	breakers map[string]*breaker
	status   map[string]*providerStatus
	order    []string
	fallback map[string]fallbackEntry
}

// NewManager returns an empty manager; call InitBreaker per provider.
func NewManager(log *zap.SugaredLogger) *Manager {
	return &Manager{
		log:      log,
		breakers: make(map[string]*breaker),
		status:   make(map[string]*providerStatus),
		fallback: make(map[string]fallbackEntry),
	}
}

// InitBreaker registers a closed breaker and a healthy status entry for
// the provider.
func (m *Manager) InitBreaker(providerID string, opts BreakerOptions, now time.Time) {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultBreakerOptions().Threshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOptions().Timeout
	}
	if opts.HalfOpenAttempts <= 0 {
		opts.HalfOpenAttempts = DefaultBreakerOptions().HalfOpenAttempts
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[providerID]; !exists {
		m.order = append(m.order, providerID)
	}
	m.breakers[providerID] = &breaker{state: StateClosed, opts: opts}
	m.status[providerID] = &providerStatus{healthy: true, lastCheck: now}
}

// RecordFailure counts a provider failure, opening the circuit when the
// threshold is reached. Any failure while half-open reopens immediately.
func (m *Manager) RecordFailure(providerID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.breakers[providerID]
	if b == nil {
		return
	}

	b.failureCount++
	b.lastFailure = now

	if b.state == StateHalfOpen || b.failureCount >= b.opts.Threshold {
		if b.state != StateOpen {
			b.state = StateOpen
			m.log.Warnw("circuit breaker opened", "provider", providerID, "failures", b.failureCount)
		}
	}

	if s := m.status[providerID]; s != nil {
		s.healthy = false
		s.lastCheck = now
	}
}

// RecordSuccess decrements the failure count (floored at zero). While
// half-open it also burns one probe attempt, closing the circuit when the
// budget is spent.
func (m *Manager) RecordSuccess(providerID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.breakers[providerID]
	if b == nil {
		return
	}

	if b.state == StateHalfOpen {
		b.remainingProbe--
		if b.remainingProbe <= 0 {
			b.state = StateClosed
			b.failureCount = 0
			m.log.Infow("circuit breaker closed", "provider", providerID)
		}
	}

	if b.failureCount > 0 {
		b.failureCount--
	}

	if s := m.status[providerID]; s != nil {
		s.healthy = true
		s.lastCheck = now
	}
}

// CanCall reports whether the provider may be called. An open circuit
// blocks until its timeout has elapsed since the last failure, at which
// point it transitions to half-open and allows probing.
func (m *Manager) CanCall(providerID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.breakers[providerID]
	if b == nil {
		return true
	}

	if b.state == StateOpen {
		if now.Sub(b.lastFailure) > b.opts.Timeout {
			b.state = StateHalfOpen
			b.remainingProbe = b.opts.HalfOpenAttempts
			m.log.Infow("circuit breaker half-open", "provider", providerID)
			return true
		}
		return false
	}

	return true
}

// Breaker returns a snapshot of one provider's breaker.
func (m *Manager) Breaker(providerID string) (BreakerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.breakers[providerID]
	if b == nil {
		return BreakerInfo{}, false
	}
	return BreakerInfo{
		State:        b.state,
		FailureCount: b.failureCount,
		LastFailure:  b.lastFailure,
		Threshold:    b.opts.Threshold,
		Timeout:      b.opts.Timeout,
	}, true
}

// StoreFallback keeps a snapshot to serve while a provider is unhealthy.
func (m *Manager) StoreFallback(key string, data any, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback[key] = fallbackEntry{data: data, timestamp: now}
}

// Fallback returns the stored snapshot if it is younger than maxAge.
func (m *Manager) Fallback(key string, maxAge time.Duration, now time.Time) (FallbackResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.fallback[key]
	if !ok {
		return FallbackResult{}, false
	}

	age := now.Sub(entry.timestamp)
	if age > maxAge {
		return FallbackResult{}, false
	}

	return FallbackResult{
		Data:    entry.data,
		Age:     age,
		IsStale: age > maxAge/2,
	}, true
}

// Health aggregates per-provider health into one snapshot.
func (m *Manager) Health(now time.Time) HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := HealthStatus{Timestamp: now}
	healthy := 0
	for _, id := range m.order {
		s := m.status[id]
		b := m.breakers[id]
		entry := ProviderHealth{ID: id}
		if s != nil {
			entry.Healthy = s.healthy
			entry.LastCheck = s.lastCheck
		}
		if b != nil {
			entry.CircuitState = b.state
		}
		if entry.Healthy {
			healthy++
		}
		out.Providers = append(out.Providers, entry)
	}

	if len(out.Providers) > 0 {
		out.Overall = float64(healthy) / float64(len(out.Providers))
	}
	return out
}
