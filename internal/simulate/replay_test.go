package simulate

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"deal-aggregation-core/internal/events"
	"deal-aggregation-core/internal/logging"
)

func replayBus() *events.Bus {
	return events.NewBus(events.NewRegistry(), logging.NewNop(), events.DefaultBusOptions())
}

type eventCollector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *eventCollector) subscribe(bus *events.Bus, eventType string) {
	bus.Subscribe(eventType, func(_ context.Context, e events.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, e)
		return nil
	}, events.SubscribeOptions{})
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestRecordAndReplay(t *testing.T) {
	bus := replayBus()
	recorder := NewRecorder(bus, logging.NewNop())
	g := NewGenerator(rand.New(rand.NewSource(1)))
	ctx := context.Background()

	recorder.StartRecording("session", genTime)
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, g.DealCreatedEvent(DealOverrides{}, genTime)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	recording, ok := recorder.StopRecording(genTime.Add(time.Minute))
	if !ok {
		t.Fatal("expected an in-flight recording")
	}
	if len(recording.Events) != 3 {
		t.Fatalf("expected 3 captured events, got %d", len(recording.Events))
	}
	if recording.Name != "session" || !recording.EndTime.Equal(genTime.Add(time.Minute)) {
		t.Errorf("unexpected recording metadata: %+v", recording)
	}

	// Events published after the stop are not captured.
	bus.Publish(ctx, g.DealCreatedEvent(DealOverrides{}, genTime))

	collector := &eventCollector{}
	collector.subscribe(bus, events.TypeDealCreated)

	if err := recorder.Replay(ctx, "session", ReplayOptions{Speed: 100}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if collector.count() != 3 {
		t.Errorf("expected 3 replayed events, got %d", collector.count())
	}
}

func TestStopRecordingWhenIdle(t *testing.T) {
	recorder := NewRecorder(replayBus(), logging.NewNop())

	if _, ok := recorder.StopRecording(genTime); ok {
		t.Error("expected no recording to finalize")
	}
}

func TestReplayUnknownRecording(t *testing.T) {
	recorder := NewRecorder(replayBus(), logging.NewNop())

	if err := recorder.Replay(context.Background(), "missing", ReplayOptions{}); err == nil {
		t.Error("expected an error for an unknown recording")
	}
}

func TestExportAndLoadRoundTrip(t *testing.T) {
	bus := replayBus()
	recorder := NewRecorder(bus, logging.NewNop())
	g := NewGenerator(rand.New(rand.NewSource(1)))
	ctx := context.Background()

	recorder.StartRecording("original", genTime)
	bus.Publish(ctx, g.DealCreatedEvent(DealOverrides{}, genTime))
	bus.Publish(ctx, g.DealExpiredEvent("deal_gone", genTime))
	recorder.StopRecording(genTime.Add(time.Minute))

	data, err := recorder.ExportRecording("original")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	fresh := NewRecorder(bus, logging.NewNop())
	if err := fresh.LoadRecording("imported", data); err != nil {
		t.Fatalf("load: %v", err)
	}

	created := &eventCollector{}
	created.subscribe(bus, events.TypeDealCreated)
	expired := &eventCollector{}
	expired.subscribe(bus, events.TypeDealExpired)

	if err := fresh.Replay(ctx, "imported", ReplayOptions{Speed: 100}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created.count() != 1 || expired.count() != 1 {
		t.Errorf("expected both captured events replayed, got %d created %d expired",
			created.count(), expired.count())
	}
}

func TestLoadRecordingRejectsGarbage(t *testing.T) {
	recorder := NewRecorder(replayBus(), logging.NewNop())

	if err := recorder.LoadRecording("bad", []byte("{not json")); err == nil {
		t.Error("expected a parse error")
	}
}

func TestRecordingsSorted(t *testing.T) {
	bus := replayBus()
	recorder := NewRecorder(bus, logging.NewNop())

	for _, name := range []string{"zeta", "alpha", "mid"} {
		recorder.StartRecording(name, genTime)
		recorder.StopRecording(genTime)
	}

	names := recorder.Recordings()
	if len(names) != 3 || names[0] != "alpha" || names[1] != "mid" || names[2] != "zeta" {
		t.Errorf("expected sorted names, got %v", names)
	}
}

func TestStartRecordingReplacesInFlight(t *testing.T) {
	bus := replayBus()
	recorder := NewRecorder(bus, logging.NewNop())
	g := NewGenerator(rand.New(rand.NewSource(1)))
	ctx := context.Background()

	recorder.StartRecording("first", genTime)
	bus.Publish(ctx, g.DealCreatedEvent(DealOverrides{}, genTime))

	recorder.StartRecording("second", genTime)
	bus.Publish(ctx, g.DealCreatedEvent(DealOverrides{}, genTime))

	recording, ok := recorder.StopRecording(genTime.Add(time.Minute))
	if !ok || recording.Name != "second" {
		t.Fatalf("expected the replacement recording, got %+v", recording)
	}
	if len(recording.Events) != 1 {
		t.Errorf("expected only events after the restart, got %d", len(recording.Events))
	}

	// The abandoned first recording was never stored.
	if names := recorder.Recordings(); len(names) != 1 || names[0] != "second" {
		t.Errorf("unexpected stored recordings: %v", names)
	}
}
