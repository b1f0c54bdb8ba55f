package models

import (
	"sort"
	"time"
)

// TransportKind is how deal changes arrive from a provider.
type TransportKind string

const (
	TransportWebhook TransportKind = "webhook"
	TransportPolling TransportKind = "polling"
)

// Update-pattern heuristics used by the adaptive polling manager.
const (
	PatternMondayMorning = "monday_morning"
	PatternDaily         = "daily"
	PatternWeekly        = "weekly"
	PatternIrregular     = "irregular"
)

// RateQuota caps how many provider calls may be made per window.
type RateQuota struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// ProviderMetadata carries the heuristics used for polling and health
// decisions.
type ProviderMetadata struct {
	UpdatePattern     string  `json:"update_pattern,omitempty"`
	AverageChangeRate float64 `json:"average_change_rate,omitempty"`
	Reliability       float64 `json:"reliability,omitempty"`
	Category          string  `json:"category,omitempty"`
}

// Provider is the static configuration for a deal source. Immutable at
// runtime; per-provider polling state lives in the polling manager.
type Provider struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Transport       TransportKind    `json:"transport"`
	Priority        int              `json:"priority"`
	PollingInterval time.Duration    `json:"polling_interval,omitempty"`
	RateLimit       RateQuota        `json:"rate_limit"`
	Metadata        ProviderMetadata `json:"metadata"`
}

// ProviderSet is a lookup table of provider configurations.
type ProviderSet struct {
	byID  map[string]Provider
	order []string
}

// NewProviderSet builds a set preserving the given order for listings.
func NewProviderSet(providers ...Provider) *ProviderSet {
	s := &ProviderSet{byID: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, dup := s.byID[p.ID]; dup {
			continue
		}
		s.byID[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	return s
}

// Get looks up a provider by id.
func (s *ProviderSet) Get(id string) (Provider, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// All returns every provider in registration order.
func (s *ProviderSet) All() []Provider {
	out := make([]Provider, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Polling returns the providers that must be actively polled.
func (s *ProviderSet) Polling() []Provider {
	return s.byTransport(TransportPolling)
}

// Webhook returns the providers that push changes to us.
func (s *ProviderSet) Webhook() []Provider {
	return s.byTransport(TransportWebhook)
}

func (s *ProviderSet) byTransport(kind TransportKind) []Provider {
	var out []Provider
	for _, id := range s.order {
		if p := s.byID[id]; p.Transport == kind {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// DefaultProviders is the built-in provider table.
func DefaultProviders() []Provider {
	return []Provider{
		{
			ID:        "student-beans",
			Name:      "Student Beans",
			Transport: TransportWebhook,
			Priority:  9,
			RateLimit: RateQuota{Requests: 1000, Window: time.Hour},
			Metadata: ProviderMetadata{
				UpdatePattern:     PatternMondayMorning,
				AverageChangeRate: 0.15,
				Reliability:       0.95,
			},
		},
		{
			ID:        "unidays",
			Name:      "UNiDAYS",
			Transport: TransportWebhook,
			Priority:  9,
			RateLimit: RateQuota{Requests: 500, Window: time.Hour},
			Metadata: ProviderMetadata{
				UpdatePattern:     PatternDaily,
				AverageChangeRate: 0.12,
				Reliability:       0.93,
			},
		},
		{
			// Higher priority for software deals.
			ID:              "onthehub",
			Name:            "OnTheHub",
			Transport:       TransportPolling,
			Priority:        10,
			PollingInterval: time.Hour,
			RateLimit:       RateQuota{Requests: 100, Window: time.Hour},
			Metadata: ProviderMetadata{
				UpdatePattern:     PatternWeekly,
				AverageChangeRate: 0.05,
				Reliability:       0.98,
				Category:          "software",
			},
		},
		{
			ID:              "generic-aggregator",
			Name:            "Generic Aggregator",
			Transport:       TransportPolling,
			Priority:        5,
			PollingInterval: 2 * time.Hour,
			RateLimit:       RateQuota{Requests: 200, Window: time.Hour},
			Metadata: ProviderMetadata{
				UpdatePattern:     PatternIrregular,
				AverageChangeRate: 0.20,
				Reliability:       0.70,
			},
		},
	}
}
