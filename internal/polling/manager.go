// Package polling schedules provider polls, adapting each provider's
// interval to its observed change rate and known update windows.
package polling

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"deal-aggregation-core/internal/models"
)

const (
	defaultBaseInterval = time.Hour
	minInterval         = 10 * time.Minute
	maxInterval         = 24 * time.Hour
	historyWindow       = 30 * 24 * time.Hour
	recentWindow        = 7 * 24 * time.Hour
	backoffBase         = 1.5
	backoffCap          = 8.0
)

// ChangeRecord is one observed batch of provider changes.
type ChangeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

// State is the per-provider polling bookkeeping. Owned exclusively by the
// Manager and mutated only through RecordPoll.
type State struct {
	LastPoll             time.Time      `json:"last_poll"`
	LastChange           time.Time      `json:"last_change"`
	ConsecutiveNoChanges int            `json:"consecutive_no_changes"`
	ChangeHistory        []ChangeRecord `json:"change_history,omitempty"`
	CurrentInterval      time.Duration  `json:"current_interval"`
	NextPollTime         time.Time      `json:"next_poll_time"`
}

// Due is a provider whose next poll time has arrived.
type Due struct {
	Provider models.Provider
	State    State
}

// Manager tracks polling state and enforces each provider's rate quota.
type Manager struct {
	mu        sync.Mutex
	log       *zap.SugaredLogger
	providers *models.ProviderSet
	states    map[string]*State
	limiters  map[string]*rate.Limiter
}

// NewManager builds a manager over the given provider table.
func NewManager(providers *models.ProviderSet, log *zap.SugaredLogger) *Manager {
	return &Manager{
		log:       log,
		providers: providers,
		states:    make(map[string]*State),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// InitProvider lazily creates polling state for a provider. Unknown ids
// are logged and ignored.
func (m *Manager) InitProvider(providerID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initLocked(providerID, now)
}

func (m *Manager) initLocked(providerID string, now time.Time) *State {
	if state, ok := m.states[providerID]; ok {
		return state
	}

	provider, ok := m.providers.Get(providerID)
	if !ok {
		m.log.Errorw("polling state requested for unknown provider", "provider", providerID)
		return nil
	}

	state := &State{
		CurrentInterval: baseInterval(provider),
		NextPollTime:    now,
	}
	m.states[providerID] = state

	if q := provider.RateLimit; q.Requests > 0 && q.Window > 0 {
		m.limiters[providerID] = rate.NewLimiter(
			rate.Limit(float64(q.Requests)/q.Window.Seconds()), q.Requests)
	}

	return state
}

// CalculateInterval computes the next polling interval for a provider:
//
//  1. consecutive empty polls back off exponentially (1.5^n, capped at x8
//     and the 24h ceiling);
//  2. inside the provider's known update window the base interval is
//     halved, floored at 10 minutes;
//  3. a trailing 7-day change rate above 0.1 changes/day tightens the
//     interval to 70% of base;
//  4. otherwise the base interval applies.
func (m *Manager) CalculateInterval(providerID string, now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calculateLocked(providerID, now)
}

func (m *Manager) calculateLocked(providerID string, now time.Time) time.Duration {
	state := m.initLocked(providerID, now)
	if state == nil {
		return 0
	}
	provider, _ := m.providers.Get(providerID)
	base := baseInterval(provider)

	if state.ConsecutiveNoChanges > 0 {
		multiplier := pow(backoffBase, state.ConsecutiveNoChanges)
		if multiplier > backoffCap {
			multiplier = backoffCap
		}
		interval := time.Duration(float64(base) * multiplier)
		if interval > maxInterval {
			return maxInterval
		}
		return interval
	}

	if inUpdateWindow(provider, now) {
		return maxDuration(base/2, minInterval)
	}

	if recentChangeRate(state, now) > 0.1 {
		return maxDuration(time.Duration(float64(base)*0.7), minInterval)
	}

	return base
}

// RecordPoll folds one poll outcome into the provider's state: a change
// resets the backoff counter and is appended to history, an empty poll
// increments it. History older than 30 days is pruned and the next poll
// time recomputed. Unknown providers are logged no-ops.
func (m *Manager) RecordPoll(providerID string, hasChanges bool, changeCount int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.initLocked(providerID, now)
	if state == nil {
		return
	}

	state.LastPoll = now

	if hasChanges {
		state.LastChange = now
		state.ConsecutiveNoChanges = 0
		state.ChangeHistory = append(state.ChangeHistory, ChangeRecord{Timestamp: now, Count: changeCount})
	} else {
		state.ConsecutiveNoChanges++
	}

	pruned := state.ChangeHistory[:0]
	for _, rec := range state.ChangeHistory {
		if now.Sub(rec.Timestamp) < historyWindow {
			pruned = append(pruned, rec)
		}
	}
	state.ChangeHistory = pruned

	state.CurrentInterval = m.calculateLocked(providerID, now)
	state.NextPollTime = now.Add(state.CurrentInterval)
}

// ProvidersNeedingPoll returns the providers whose next poll time has
// arrived, highest static priority first.
func (m *Manager) ProvidersNeedingPoll(now time.Time) []Due {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Due
	for id, state := range m.states {
		if state.NextPollTime.After(now) {
			continue
		}
		provider, ok := m.providers.Get(id)
		if !ok {
			continue
		}
		due = append(due, Due{Provider: provider, State: *state})
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].Provider.Priority > due[j].Provider.Priority
	})
	return due
}

// AllowPoll consumes one token from the provider's rate quota, reporting
// whether the poll may proceed. Providers without a quota are unlimited.
func (m *Manager) AllowPoll(providerID string) bool {
	m.mu.Lock()
	limiter := m.limiters[providerID]
	m.mu.Unlock()

	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// Snapshot returns a copy of every provider's polling state.
func (m *Manager) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.states))
	for id, state := range m.states {
		copied := *state
		copied.ChangeHistory = append([]ChangeRecord(nil), state.ChangeHistory...)
		out[id] = copied
	}
	return out
}

func baseInterval(p models.Provider) time.Duration {
	if p.PollingInterval > 0 {
		return p.PollingInterval
	}
	return defaultBaseInterval
}

// inUpdateWindow reports whether now falls in the provider's known update
// window: Monday 08:00-12:00 for monday_morning, 06:00-10:00 daily.
func inUpdateWindow(p models.Provider, now time.Time) bool {
	switch p.Metadata.UpdatePattern {
	case models.PatternMondayMorning:
		return now.Weekday() == time.Monday && now.Hour() >= 8 && now.Hour() < 12
	case models.PatternDaily:
		return now.Hour() >= 6 && now.Hour() < 10
	default:
		return false
	}
}

// recentChangeRate is the number of change entries in the trailing 7 days
// divided by 7, in changes per day.
func recentChangeRate(state *State, now time.Time) float64 {
	if len(state.ChangeHistory) == 0 {
		return 0
	}
	recent := 0
	for _, rec := range state.ChangeHistory {
		if now.Sub(rec.Timestamp) < recentWindow {
			recent++
		}
	}
	return float64(recent) / 7
}

func pow(base float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= base
	}
	return out
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
