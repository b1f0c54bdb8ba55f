package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"deal-aggregation-core/internal/events"
)

// recordedEvent pairs a captured event with its capture time, which drives
// replay pacing.
type recordedEvent struct {
	Event      events.Event `json:"event"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// Recording is a named capture of bus traffic.
type Recording struct {
	Name      string          `json:"name"`
	Events    []recordedEvent `json:"events"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time,omitempty"`
}

// ReplayOptions tune playback pacing.
type ReplayOptions struct {
	// Speed scales inter-event gaps; 2 plays back twice as fast. Zero
	// means real time.
	Speed float64
	// Delay postpones the first event.
	Delay time.Duration
}

// Recorder captures deal lifecycle events off the bus and replays them
// with their original pacing.
type Recorder struct {
	mu         sync.Mutex
	log        *zap.SugaredLogger
	bus        *events.Bus
	recordings map[string]Recording
	current    *Recording
	stop       func()
}

// NewRecorder builds a recorder over the bus.
func NewRecorder(bus *events.Bus, log *zap.SugaredLogger) *Recorder {
	return &Recorder{
		log:        log,
		bus:        bus,
		recordings: make(map[string]Recording),
	}
}

// StartRecording begins capturing deal lifecycle events under the given
// name, replacing any in-flight recording.
func (r *Recorder) StartRecording(name string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		r.stop()
		r.stop = nil
	}

	r.current = &Recording{Name: name, StartTime: now}

	handler := func(_ context.Context, e events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.current != nil {
			r.current.Events = append(r.current.Events, recordedEvent{Event: e, RecordedAt: time.Now()})
		}
		return nil
	}

	var unsubs []func()
	for _, eventType := range []string{
		events.TypeDealCreated, events.TypeDealUpdated, events.TypeDealExpired, events.TypeDealVerified,
	} {
		unsubs = append(unsubs, r.bus.Subscribe(eventType, handler, events.SubscribeOptions{}))
	}
	r.stop = func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}

	r.log.Infow("started recording", "name", name)
}

// StopRecording finalizes the in-flight recording and stores it. Returns
// false when nothing was being recorded.
func (r *Recorder) StopRecording(now time.Time) (Recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return Recording{}, false
	}

	if r.stop != nil {
		r.stop()
		r.stop = nil
	}

	recording := *r.current
	recording.EndTime = now
	r.recordings[recording.Name] = recording
	r.current = nil

	r.log.Infow("stopped recording", "name", recording.Name, "events", len(recording.Events))
	return recording, true
}

// Replay publishes a stored recording back onto the bus, pacing events by
// their recorded gaps scaled by the speed option. Respects ctx
// cancellation between events.
func (r *Recorder) Replay(ctx context.Context, name string, opts ReplayOptions) error {
	r.mu.Lock()
	recording, ok := r.recordings[name]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("recording not found: %s", name)
	}

	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}

	r.log.Infow("replaying recording", "name", name, "events", len(recording.Events), "speed", speed)

	if opts.Delay > 0 {
		if err := sleepCtx(ctx, opts.Delay); err != nil {
			return err
		}
	}

	for i, rec := range recording.Events {
		if err := r.bus.Publish(ctx, rec.Event); err != nil {
			r.log.Warnw("replayed event rejected", "name", name, "type", rec.Event.Type, "error", err)
		}

		if i+1 < len(recording.Events) {
			gap := recording.Events[i+1].RecordedAt.Sub(rec.RecordedAt)
			if gap > 0 {
				if err := sleepCtx(ctx, time.Duration(float64(gap)/speed)); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LoadRecording installs a recording parsed from JSON.
func (r *Recorder) LoadRecording(name string, data []byte) error {
	var recording Recording
	if err := json.Unmarshal(data, &recording); err != nil {
		return fmt.Errorf("failed to parse recording: %w", err)
	}
	recording.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordings[name] = recording
	return nil
}

// ExportRecording serializes a stored recording to JSON.
func (r *Recorder) ExportRecording(name string) ([]byte, error) {
	r.mu.Lock()
	recording, ok := r.recordings[name]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("recording not found: %s", name)
	}
	return json.MarshalIndent(recording, "", "  ")
}

// Recordings lists stored recording names, sorted.
func (r *Recorder) Recordings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.recordings))
	for name := range r.recordings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
