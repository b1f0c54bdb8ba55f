package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"deal-aggregation-core/internal/logging"
)

func testBus(opts BusOptions) *Bus {
	return NewBus(NewRegistry(), logging.NewNop(), opts)
}

func expiredEvent(id string, ts time.Time) Event {
	return New(TypeDealExpired, map[string]any{"id": id}, ts)
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := testBus(DefaultBusOptions())
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	var got []string
	bus.Subscribe(TypeDealExpired, func(ctx context.Context, e Event) error {
		got = append(got, e.StringField("id"))
		return nil
	}, SubscribeOptions{})

	if err := bus.Publish(context.Background(), expiredEvent("deal_1", now)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(got) != 1 || got[0] != "deal_1" {
		t.Errorf("expected one delivery for deal_1, got %v", got)
	}
}

func TestPublishDropsInvalidEventWithoutDelivery(t *testing.T) {
	bus := testBus(DefaultBusOptions())
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	delivered := false
	bus.Subscribe(TypeDealCreated, func(ctx context.Context, e Event) error {
		delivered = true
		return nil
	}, SubscribeOptions{})

	// Missing merchant/discount/source.
	err := bus.Publish(context.Background(), New(TypeDealCreated, map[string]any{"id": "deal_1"}, now))
	if err == nil {
		t.Fatal("expected publish to reject the invalid event")
	}
	if delivered {
		t.Error("invalid event must not reach subscribers")
	}
	if bus.HistoryLen() != 0 {
		t.Error("invalid event must not enter history")
	}
}

func TestPublishOrdersSubscribersByPriority(t *testing.T) {
	bus := testBus(DefaultBusOptions())
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, e Event) error {
			order = append(order, name)
			return nil
		}
	}

	bus.Subscribe(TypeDealExpired, record("low"), SubscribeOptions{Priority: 1})
	bus.Subscribe(TypeDealExpired, record("high"), SubscribeOptions{Priority: 10})
	bus.Subscribe(TypeDealExpired, record("mid"), SubscribeOptions{Priority: 5})

	if err := bus.Publish(context.Background(), expiredEvent("deal_1", now)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	want := []string{"high", "mid", "low"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected delivery order %v, got %v", want, order)
		}
	}
}

func TestSubscribeFilterSkipsNonMatching(t *testing.T) {
	bus := testBus(DefaultBusOptions())
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	var got []string
	bus.Subscribe(TypeDealExpired, func(ctx context.Context, e Event) error {
		got = append(got, e.StringField("id"))
		return nil
	}, SubscribeOptions{
		Filter: func(e Event) bool { return e.StringField("id") == "deal_2" },
	})

	bus.Publish(context.Background(), expiredEvent("deal_1", now))
	bus.Publish(context.Background(), expiredEvent("deal_2", now))

	if len(got) != 1 || got[0] != "deal_2" {
		t.Errorf("expected only deal_2 delivered, got %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := testBus(DefaultBusOptions())
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	count := 0
	unsubscribe := bus.Subscribe(TypeDealExpired, func(ctx context.Context, e Event) error {
		count++
		return nil
	}, SubscribeOptions{})

	bus.Publish(context.Background(), expiredEvent("deal_1", now))
	unsubscribe()
	bus.Publish(context.Background(), expiredEvent("deal_2", now))

	if count != 1 {
		t.Errorf("expected exactly one delivery before unsubscribe, got %d", count)
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected no remaining subscribers, got %d", bus.SubscriberCount())
	}
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := testBus(DefaultBusOptions())
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	reached := false
	bus.Subscribe(TypeDealExpired, func(ctx context.Context, e Event) error {
		panic("boom")
	}, SubscribeOptions{Priority: 10})
	bus.Subscribe(TypeDealExpired, func(ctx context.Context, e Event) error {
		reached = true
		return nil
	}, SubscribeOptions{Priority: 1})

	if err := bus.Publish(context.Background(), expiredEvent("deal_1", now)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !reached {
		t.Error("a panicking handler must not prevent later deliveries")
	}
}

func TestSlowHandlerIsAbandonedAfterTimeout(t *testing.T) {
	bus := testBus(BusOptions{MaxHistory: 10, SubscriberTimeout: 20 * time.Millisecond})
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	reached := false

	release := make(chan struct{})
	bus.Subscribe(TypeDealExpired, func(ctx context.Context, e Event) error {
		<-release
		return nil
	}, SubscribeOptions{Priority: 10})
	bus.Subscribe(TypeDealExpired, func(ctx context.Context, e Event) error {
		mu.Lock()
		reached = true
		mu.Unlock()
		return nil
	}, SubscribeOptions{Priority: 1})

	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), expiredEvent("deal_1", now))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow handler")
	}
	close(release)

	mu.Lock()
	defer mu.Unlock()
	if !reached {
		t.Error("remaining subscribers must run after a handler times out")
	}
}

func TestHistoryRingTrimsOldest(t *testing.T) {
	bus := testBus(BusOptions{MaxHistory: 3, SubscriberTimeout: time.Second})
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		bus.Publish(context.Background(), expiredEvent(id, now))
	}

	history := bus.History(HistoryFilter{})
	if len(history) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(history))
	}
	if history[0].StringField("id") != "c" || history[2].StringField("id") != "e" {
		t.Errorf("expected oldest entries trimmed, got %v", history)
	}
}

func TestHistoryFilters(t *testing.T) {
	bus := testBus(DefaultBusOptions())
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	bus.Publish(context.Background(), expiredEvent("deal_1", now))
	bus.Publish(context.Background(), New(TypeDealUpdated, map[string]any{
		"id": "deal_2", "changes": []string{"price"},
	}, now))

	byType := bus.History(HistoryFilter{Type: TypeDealUpdated})
	if len(byType) != 1 || byType[0].StringField("id") != "deal_2" {
		t.Errorf("type filter failed: %v", byType)
	}

	future := bus.History(HistoryFilter{Since: time.Now().Add(time.Hour)})
	if len(future) != 0 {
		t.Errorf("expected no events published after a future cutoff, got %d", len(future))
	}
}

func TestReplaceAndClearHistory(t *testing.T) {
	bus := testBus(BusOptions{MaxHistory: 2, SubscriberTimeout: time.Second})
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	imported := []Event{
		expiredEvent("a", now),
		expiredEvent("b", now),
		expiredEvent("c", now),
	}
	bus.ReplaceHistory(imported)

	if bus.HistoryLen() != 2 {
		t.Errorf("expected imported history trimmed to ring bound, got %d", bus.HistoryLen())
	}

	bus.ClearHistory()
	if bus.HistoryLen() != 0 {
		t.Errorf("expected empty history after clear, got %d", bus.HistoryLen())
	}
}
