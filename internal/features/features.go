package features

import (
	"sync"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a manager with every pipeline stage enabled.
func NewManager() *Manager {
	m := &Manager{flags: make(map[string]*FeatureFlag)}
	m.Register(FeaturePolling, true, "adaptive provider polling loop")
	m.Register(FeatureNotifications, true, "per-user notification decisioning")
	m.Register(FeatureQualityControl, true, "verification queue and automated testing")
	m.Register(FeatureAnalytics, true, "engagement tracking and trending")
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false // Default to disabled if flag doesn't exist
	}

	return flag.Enabled
}

// Set enables or disables a flag; unknown names are ignored.
func (m *Manager) Set(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}
	flag.Enabled = enabled
	return true
}

// GetAll returns all feature flags.
func (m *Manager) GetAll() map[string]*FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*FeatureFlag)
	for k, v := range m.flags {
		result[k] = &FeatureFlag{
			Name:        v.Name,
			Enabled:     v.Enabled,
			Description: v.Description,
		}
	}
	return result
}

// Predefined feature flag names
const (
	// FeaturePolling gates the adaptive polling loop.
	FeaturePolling = "polling"
	// FeatureNotifications gates notification decisioning.
	FeatureNotifications = "notifications"
	// FeatureQualityControl gates the verification queue and automated tester.
	FeatureQualityControl = "quality_control"
	// FeatureAnalytics gates engagement tracking.
	FeatureAnalytics = "analytics"
)
