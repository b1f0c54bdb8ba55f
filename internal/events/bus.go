package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Publisher is the producer-facing side of the bus. The chaos wrapper in
// the simulate package decorates it.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler consumes a published event. Returned errors are logged and do
// not affect delivery to other subscribers.
type Handler func(ctx context.Context, e Event) error

// SubscribeOptions tune how a single subscription is dispatched.
type SubscribeOptions struct {
	// Filter drops events the subscriber is not interested in. Nil accepts
	// everything.
	Filter func(Event) bool
	// Priority orders delivery within an event type, highest first. Ties
	// keep registration order.
	Priority int
	// Async runs the handler concurrently with other subscribers; Publish
	// still joins it before returning.
	Async bool
	// Timeout bounds a single handler invocation. Zero uses the bus
	// default; negative disables the bound.
	Timeout time.Duration
}

type subscription struct {
	eventType string
	handler   Handler
	opts      SubscribeOptions
	seq       int
}

// BusOptions configure history depth and the default handler timeout.
type BusOptions struct {
	MaxHistory        int
	SubscriberTimeout time.Duration
}

// DefaultBusOptions match the documented envelope contract: a 1000-entry
// history ring and a 5s handler bound.
func DefaultBusOptions() BusOptions {
	return BusOptions{
		MaxHistory:        1000,
		SubscriberTimeout: 5 * time.Second,
	}
}

// Bus routes validated events to priority-ordered subscribers and keeps a
// bounded history of everything published.
type Bus struct {
	mu       sync.Mutex
	log      *zap.SugaredLogger
	registry *Registry
	subs     map[string][]*subscription
	history  []Event
	opts     BusOptions
	seq      int
}

// NewBus builds a bus validating against the given registry.
func NewBus(registry *Registry, log *zap.SugaredLogger, opts BusOptions) *Bus {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultBusOptions().MaxHistory
	}
	return &Bus{
		log:      log,
		registry: registry,
		subs:     make(map[string][]*subscription),
		opts:     opts,
	}
}

// Subscribe registers a handler for an event type and returns an
// unsubscribe func.
func (b *Bus) Subscribe(eventType string, handler Handler, opts SubscribeOptions) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	sub := &subscription{
		eventType: eventType,
		handler:   handler,
		opts:      opts,
		seq:       b.seq,
	}

	subs := append(b.subs[eventType], sub)
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].opts.Priority > subs[j].opts.Priority
	})
	b.subs[eventType] = subs

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		current := b.subs[eventType]
		for i, s := range current {
			if s == sub {
				b.subs[eventType] = append(current[:i], current[i+1:]...)
				return
			}
		}
	}
}

// Publish validates the event, records it in history and delivers it to
// every matching subscriber. Schema rejections are logged and dropped
// without any delivery. A failing or timed-out handler never blocks the
// remaining subscribers or fails the publish.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	ctx, span := otel.Tracer("deal-aggregation-core/events").Start(ctx, "events.publish")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", e.Type), attribute.String("event.version", e.Version))

	if err := b.registry.Validate(e); err != nil {
		b.log.Warnw("dropping invalid event", "type", e.Type, "version", e.Version, "error", err)
		return fmt.Errorf("invalid event: %w", err)
	}

	b.mu.Lock()
	if e.PublishedAt.IsZero() {
		e.PublishedAt = time.Now()
	}
	b.history = append(b.history, e)
	if len(b.history) > b.opts.MaxHistory {
		b.history = b.history[len(b.history)-b.opts.MaxHistory:]
	}
	matching := make([]*subscription, len(b.subs[e.Type]))
	copy(matching, b.subs[e.Type])
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range matching {
		if sub.opts.Filter != nil && !sub.opts.Filter(e) {
			continue
		}
		if sub.opts.Async {
			wg.Add(1)
			go func(s *subscription) {
				defer wg.Done()
				b.invoke(ctx, s, e)
			}(sub)
			continue
		}
		b.invoke(ctx, sub, e)
	}
	wg.Wait()

	return nil
}

// invoke runs one handler with panic isolation and the configured timeout.
// A handler that outlives its deadline is abandoned, not cancelled.
func (b *Bus) invoke(ctx context.Context, sub *subscription, e Event) {
	timeout := sub.opts.Timeout
	if timeout == 0 {
		timeout = b.opts.SubscriberTimeout
	}

	handlerCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.handler(handlerCtx, e)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.log.Errorw("event handler failed", "type", e.Type, "error", err)
		}
	case <-handlerCtx.Done():
		b.log.Errorw("event handler timed out", "type", e.Type, "timeout", timeout)
	}
}

// HistoryFilter narrows History results.
type HistoryFilter struct {
	Type  string
	Since time.Time
}

// History returns the retained events matching the filter, newest-last.
func (b *Bus) History(filter HistoryFilter) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, len(b.history))
	for _, e := range b.history {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && e.PublishedAt.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// HistoryLen reports how many events are retained.
func (b *Bus) HistoryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// ReplaceHistory swaps in an imported history snapshot, trimmed to the
// ring bound.
func (b *Bus) ReplaceHistory(history []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(history) > b.opts.MaxHistory {
		history = history[len(history)-b.opts.MaxHistory:]
	}
	b.history = append([]Event(nil), history...)
}

// ClearHistory drops every retained event.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}
