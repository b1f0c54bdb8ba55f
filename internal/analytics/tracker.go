// Package analytics records deal engagement events and derives trending
// and performance metrics from them.
package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"deal-aggregation-core/internal/events"
)

// Kind is an engagement event category.
type Kind string

const (
	KindView       Kind = "view"
	KindClick      Kind = "click"
	KindRedemption Kind = "redemption"
)

// Context carries optional attribution for an engagement event.
type Context struct {
	CampusID   string `json:"campus_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
}

type record struct {
	kind      Kind
	dealID    string
	userID    string
	ctx       Context
	timestamp time.Time
}

// DealMetrics aggregates one deal's engagement counters.
type DealMetrics struct {
	Views            int     `json:"views"`
	Clicks           int     `json:"clicks"`
	Redemptions      int     `json:"redemptions"`
	ClickThroughRate float64 `json:"click_through_rate"`
	ConversionRate   float64 `json:"conversion_rate"`
}

// TrendingDeal is one entry in the trending ranking.
type TrendingDeal struct {
	DealID     string      `json:"deal_id"`
	EventCount int         `json:"event_count"`
	Metrics    DealMetrics `json:"metrics"`
}

// ProviderPerformance summarizes engagement across one provider's deals.
type ProviderPerformance struct {
	TotalDeals       int     `json:"total_deals"`
	TotalEvents      int     `json:"total_events"`
	AvgEventsPerDeal float64 `json:"avg_events_per_deal"`
}

// Tracker accumulates engagement records and republishes each as a
// deal.view / deal.click / deal.redemption event.
type Tracker struct {
	mu      sync.Mutex
	log     *zap.SugaredLogger
	bus     events.Publisher
	records []record
	counts  map[Kind]map[string]int
}

// NewTracker builds an empty tracker publishing on the given bus.
func NewTracker(bus events.Publisher, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		log: log,
		bus: bus,
		counts: map[Kind]map[string]int{
			KindView:       {},
			KindClick:      {},
			KindRedemption: {},
		},
	}
}

// Track records one engagement event and publishes it.
func (t *Tracker) Track(ctx context.Context, kind Kind, dealID, userID string, attribution Context, now time.Time) {
	t.mu.Lock()
	t.records = append(t.records, record{
		kind:      kind,
		dealID:    dealID,
		userID:    userID,
		ctx:       attribution,
		timestamp: now,
	})
	t.counts[kind][dealID]++
	t.mu.Unlock()

	event := events.New(eventType(kind), map[string]any{
		"deal_id": dealID,
		"user_id": userID,
		"context": attribution,
	}, now)
	if err := t.bus.Publish(ctx, event); err != nil {
		t.log.Errorw("failed to publish engagement event", "deal_id", dealID, "kind", kind, "error", err)
	}
}

func eventType(kind Kind) string {
	switch kind {
	case KindClick:
		return events.TypeDealClicked
	case KindRedemption:
		return events.TypeDealRedeemed
	default:
		return events.TypeDealViewed
	}
}

// DealMetrics returns one deal's counters and derived rates.
func (t *Tracker) DealMetrics(dealID string) DealMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dealMetricsLocked(dealID)
}

func (t *Tracker) dealMetricsLocked(dealID string) DealMetrics {
	m := DealMetrics{
		Views:       t.counts[KindView][dealID],
		Clicks:      t.counts[KindClick][dealID],
		Redemptions: t.counts[KindRedemption][dealID],
	}
	if m.Views > 0 {
		m.ClickThroughRate = float64(m.Clicks) / float64(m.Views)
	}
	if m.Clicks > 0 {
		m.ConversionRate = float64(m.Redemptions) / float64(m.Clicks)
	}
	return m
}

// Trending ranks deals by engagement volume inside the time window, most
// active first.
func (t *Tracker) Trending(limit int, window time.Duration, now time.Time) []TrendingDeal {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := map[string]int{}
	for _, rec := range t.records {
		if now.Sub(rec.timestamp) < window {
			counts[rec.dealID]++
		}
	}

	trending := make([]TrendingDeal, 0, len(counts))
	for dealID, count := range counts {
		trending = append(trending, TrendingDeal{
			DealID:     dealID,
			EventCount: count,
			Metrics:    t.dealMetricsLocked(dealID),
		})
	}

	sort.SliceStable(trending, func(i, j int) bool {
		if trending[i].EventCount != trending[j].EventCount {
			return trending[i].EventCount > trending[j].EventCount
		}
		return trending[i].DealID < trending[j].DealID
	})

	if limit < len(trending) {
		trending = trending[:limit]
	}
	return trending
}

// CampusEventCount counts engagement attributed to a campus inside the
// window.
func (t *Tracker) CampusEventCount(campusID string, window time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, rec := range t.records {
		if rec.ctx.CampusID == campusID && now.Sub(rec.timestamp) < window {
			count++
		}
	}
	return count
}

// ProviderPerformance summarizes engagement across every deal attributed
// to a provider.
func (t *Tracker) ProviderPerformance(providerID string) ProviderPerformance {
	t.mu.Lock()
	defer t.mu.Unlock()

	deals := map[string]struct{}{}
	total := 0
	for _, rec := range t.records {
		if rec.ctx.ProviderID != providerID {
			continue
		}
		deals[rec.dealID] = struct{}{}
		total++
	}

	perf := ProviderPerformance{TotalDeals: len(deals), TotalEvents: total}
	if len(deals) > 0 {
		perf.AvgEventsPerDeal = float64(total) / float64(len(deals))
	}
	return perf
}

// EventCount reports how many engagement records are held.
func (t *Tracker) EventCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
