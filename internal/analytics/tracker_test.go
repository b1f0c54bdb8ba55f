package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"deal-aggregation-core/internal/events"
	"deal-aggregation-core/internal/logging"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(ctx context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturePublisher) all() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

var trackTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestTrackPublishesTypedEvents(t *testing.T) {
	pub := &capturePublisher{}
	tracker := NewTracker(pub, logging.NewNop())
	ctx := context.Background()

	tracker.Track(ctx, KindView, "deal_1", "u1", Context{}, trackTime)
	tracker.Track(ctx, KindClick, "deal_1", "u1", Context{}, trackTime)
	tracker.Track(ctx, KindRedemption, "deal_1", "u1", Context{}, trackTime)

	published := pub.all()
	if len(published) != 3 {
		t.Fatalf("expected 3 events, got %d", len(published))
	}
	wantTypes := []string{events.TypeDealViewed, events.TypeDealClicked, events.TypeDealRedeemed}
	for i, want := range wantTypes {
		if published[i].Type != want {
			t.Errorf("event %d: type %q, want %q", i, published[i].Type, want)
		}
		if published[i].StringField("deal_id") != "deal_1" {
			t.Errorf("event %d: unexpected fields %v", i, published[i].Fields)
		}
	}
	if tracker.EventCount() != 3 {
		t.Errorf("expected 3 records, got %d", tracker.EventCount())
	}
}

func TestDealMetricsRates(t *testing.T) {
	tracker := NewTracker(&capturePublisher{}, logging.NewNop())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tracker.Track(ctx, KindView, "deal_1", "u", Context{}, trackTime)
	}
	for i := 0; i < 4; i++ {
		tracker.Track(ctx, KindClick, "deal_1", "u", Context{}, trackTime)
	}
	tracker.Track(ctx, KindRedemption, "deal_1", "u", Context{}, trackTime)

	m := tracker.DealMetrics("deal_1")
	if m.Views != 10 || m.Clicks != 4 || m.Redemptions != 1 {
		t.Errorf("unexpected counters: %+v", m)
	}
	if m.ClickThroughRate != 0.4 {
		t.Errorf("expected CTR 0.4, got %v", m.ClickThroughRate)
	}
	if m.ConversionRate != 0.25 {
		t.Errorf("expected conversion 0.25, got %v", m.ConversionRate)
	}

	empty := tracker.DealMetrics("unknown")
	if empty.ClickThroughRate != 0 || empty.ConversionRate != 0 {
		t.Errorf("expected zero rates without data, got %+v", empty)
	}
}

func TestTrendingRanksByVolumeInsideWindow(t *testing.T) {
	tracker := NewTracker(&capturePublisher{}, logging.NewNop())
	ctx := context.Background()

	old := trackTime.Add(-48 * time.Hour)
	for i := 0; i < 5; i++ {
		tracker.Track(ctx, KindView, "stale", "u", Context{}, old)
	}
	for i := 0; i < 3; i++ {
		tracker.Track(ctx, KindView, "busy", "u", Context{}, trackTime)
	}
	tracker.Track(ctx, KindView, "quiet", "u", Context{}, trackTime)

	trending := tracker.Trending(10, 24*time.Hour, trackTime)
	if len(trending) != 2 {
		t.Fatalf("expected events outside the window excluded, got %v", trending)
	}
	if trending[0].DealID != "busy" || trending[0].EventCount != 3 {
		t.Errorf("unexpected leader: %+v", trending[0])
	}
	if trending[1].DealID != "quiet" {
		t.Errorf("unexpected runner-up: %+v", trending[1])
	}

	limited := tracker.Trending(1, 24*time.Hour, trackTime)
	if len(limited) != 1 {
		t.Errorf("expected limit applied, got %d entries", len(limited))
	}
}

func TestTrendingTiesBreakByDealID(t *testing.T) {
	tracker := NewTracker(&capturePublisher{}, logging.NewNop())
	ctx := context.Background()

	tracker.Track(ctx, KindView, "zeta", "u", Context{}, trackTime)
	tracker.Track(ctx, KindView, "alpha", "u", Context{}, trackTime)

	trending := tracker.Trending(10, time.Hour, trackTime)
	if trending[0].DealID != "alpha" || trending[1].DealID != "zeta" {
		t.Errorf("expected alphabetical tie-break, got %v", trending)
	}
}

func TestCampusAndProviderAttribution(t *testing.T) {
	tracker := NewTracker(&capturePublisher{}, logging.NewNop())
	ctx := context.Background()

	tracker.Track(ctx, KindView, "deal_1", "u1", Context{CampusID: "campus_mit", ProviderID: "unidays"}, trackTime)
	tracker.Track(ctx, KindClick, "deal_1", "u1", Context{CampusID: "campus_mit", ProviderID: "unidays"}, trackTime)
	tracker.Track(ctx, KindView, "deal_2", "u2", Context{CampusID: "campus_nyu", ProviderID: "unidays"}, trackTime)
	tracker.Track(ctx, KindView, "deal_3", "u3", Context{}, trackTime)

	if got := tracker.CampusEventCount("campus_mit", time.Hour, trackTime); got != 2 {
		t.Errorf("expected 2 campus_mit events, got %d", got)
	}

	perf := tracker.ProviderPerformance("unidays")
	if perf.TotalDeals != 2 || perf.TotalEvents != 3 {
		t.Errorf("unexpected provider performance: %+v", perf)
	}
	if perf.AvgEventsPerDeal != 1.5 {
		t.Errorf("expected 1.5 events per deal, got %v", perf.AvgEventsPerDeal)
	}
}
