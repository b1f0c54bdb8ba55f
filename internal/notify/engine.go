// Package notify decides, per user, whether a deal change becomes an
// instant notification, joins a batch digest, or is dropped.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"deal-aggregation-core/internal/events"
	"deal-aggregation-core/internal/models"
)

// Decision thresholds. Preserved verbatim from the original decision
// tables: above 8 a deal goes out instantly, above 9 it bypasses fatigue
// limits entirely.
const (
	instantValueThreshold  = 8.0
	fatigueOverrideValue   = 9.0
	maxItemsPerBatch       = 5
	defaultBatchInterval   = 5 * time.Minute
	expiryUrgencyWindow    = 24 * time.Hour
)

// Strategy is how a notification is delivered.
type Strategy string

const (
	StrategyInstant Strategy = "instant"
	StrategyBatch   Strategy = "batch"
)

// Decision is an instant notification the engine has decided to send.
type Decision struct {
	UserID   string
	Strategy Strategy
	Channel  string
	Event    events.Event
	Deal     models.Deal
	Value    float64
}

type batchItem struct {
	event   events.Event
	deal    models.Deal
	value   float64
	addedAt time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

type counters struct {
	daily  window
	weekly window
}

// Engine evaluates every registered user independently for each deal
// change and flushes per-user batch queues on a fixed cadence.
type Engine struct {
	mu            sync.Mutex
	log           *zap.SugaredLogger
	bus           events.Publisher
	prefs         map[string]models.UserPreferences
	counts        map[string]*counters
	batches       map[string][]batchItem
	batchInterval time.Duration
}

// NewEngine builds an engine publishing notification.sent events on the
// given bus.
func NewEngine(bus events.Publisher, log *zap.SugaredLogger) *Engine {
	return &Engine{
		log:           log,
		bus:           bus,
		prefs:         make(map[string]models.UserPreferences),
		counts:        make(map[string]*counters),
		batches:       make(map[string][]batchItem),
		batchInterval: defaultBatchInterval,
	}
}

// SetBatchInterval overrides the flush cadence. Must be called before
// Start.
func (e *Engine) SetBatchInterval(d time.Duration) {
	e.batchInterval = d
}

// RegisterUser stores the user's preference snapshot, replacing any
// previous registration. Fatigue counters survive re-registration.
func (e *Engine) RegisterUser(userID string, p models.UserPreferences, now time.Time) {
	p.UserID = userID

	e.mu.Lock()
	defer e.mu.Unlock()

	e.prefs[userID] = p
	if _, ok := e.counts[userID]; !ok {
		e.counts[userID] = &counters{
			daily:  window{resetAt: nextMidnight(now)},
			weekly: window{resetAt: nextSunday(now)},
		}
	}
}

// Users reports how many users are registered.
func (e *Engine) Users() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.prefs)
}

// QueuedBatch reports how many items are waiting in a user's batch queue.
func (e *Engine) QueuedBatch(userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batches[userID])
}

// ProcessDealChange evaluates the deal change for every registered user
// and returns the instant decisions. Evaluation is side-effect-isolated
// per user; no cross-user ordering is guaranteed.
func (e *Engine) ProcessDealChange(event events.Event, deal models.Deal, now time.Time) []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	var decisions []Decision
	for userID, prefs := range e.prefs {
		if d := e.evaluate(userID, prefs, event, deal, now); d != nil {
			decisions = append(decisions, *d)
		}
	}
	return decisions
}

func (e *Engine) evaluate(userID string, prefs models.UserPreferences, event events.Event, deal models.Deal, now time.Time) *Decision {
	if !prefs.InterestedInCategory(deal.Category) {
		return nil
	}
	if !prefs.InterestedInMerchant(deal.Merchant.ID) {
		return nil
	}
	if !prefs.MeetsDiscountThreshold(deal.Discount) {
		return nil
	}

	value := DealValue(deal, event, now)

	if !e.allowedByFatigue(userID, value, now) {
		return nil
	}

	switch e.strategy(prefs, event, value, deal) {
	case StrategyInstant:
		if prefs.InQuietHours(now) {
			// Deferred to the next batch window instead of waking the user.
			e.enqueue(userID, batchItem{event: event, deal: deal, value: value, addedAt: now})
			return nil
		}
		e.incrementCounts(userID)
		return &Decision{
			UserID:   userID,
			Strategy: StrategyInstant,
			Channel:  "push",
			Event:    event,
			Deal:     deal,
			Value:    value,
		}
	default:
		e.enqueue(userID, batchItem{event: event, deal: deal, value: value, addedAt: now})
		return nil
	}
}

// DealValue scores a deal change: base points from the discount magnitude
// (percentage/10, fixed/20, BOGO a flat 3) plus 3x the quality score,
// multiplied by 1.2 for creations, 1.5 for price drops and a further 1.3
// when expiry is under 24h away.
func DealValue(deal models.Deal, event events.Event, now time.Time) float64 {
	var value float64
	switch deal.Discount.Kind {
	case models.DiscountPercentage:
		value = deal.Discount.Value / 10
	case models.DiscountFixed:
		value = deal.Discount.Value / 20
	default:
		value = 3
	}

	value += deal.QualityScore() * 3

	switch {
	case event.Type == events.TypeDealCreated:
		value *= 1.2
	case event.Type == events.TypeDealUpdated && event.HasChange("price_drop"):
		value *= 1.5
	}

	if deal.ExpiresWithin(expiryUrgencyWindow, now) {
		value *= 1.3
	}

	return value
}

func (e *Engine) strategy(prefs models.UserPreferences, event events.Event, value float64, deal models.Deal) Strategy {
	if value > instantValueThreshold {
		return StrategyInstant
	}
	if prefs.IsFavoriteMerchant(deal.Merchant.ID) {
		return StrategyInstant
	}
	if event.Type == events.TypeDealUpdated && event.HasChange("price_drop") {
		return StrategyInstant
	}
	return StrategyBatch
}

// allowedByFatigue enforces the daily/weekly caps, rolling the windows
// over when their reset time has passed. Deals valued above the override
// threshold bypass the caps entirely.
func (e *Engine) allowedByFatigue(userID string, value float64, now time.Time) bool {
	c := e.counts[userID]
	if c == nil {
		return true
	}

	if !now.Before(c.daily.resetAt) {
		c.daily = window{resetAt: nextMidnight(now)}
	}
	if !now.Before(c.weekly.resetAt) {
		c.weekly = window{resetAt: nextSunday(now)}
	}

	if value > fatigueOverrideValue {
		return true
	}

	prefs := e.prefs[userID]
	if c.daily.count >= prefs.MaxDailyNotifications {
		return false
	}
	if c.weekly.count >= prefs.MaxWeeklyNotifications {
		return false
	}
	return true
}

func (e *Engine) incrementCounts(userID string) {
	if c := e.counts[userID]; c != nil {
		c.daily.count++
		c.weekly.count++
	}
}

func (e *Engine) enqueue(userID string, item batchItem) {
	e.batches[userID] = append(e.batches[userID], item)
}

// Start runs the background flusher until the context is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.batchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.FlushBatches(ctx, time.Now())
			}
		}
	}()
}

// FlushBatches drains each user's queue: the top items by value go out as
// one notification.sent event, capped at 5 per flush. Users in quiet
// hours or over their fatigue limits are skipped and keep their queue.
func (e *Engine) FlushBatches(ctx context.Context, now time.Time) {
	e.mu.Lock()

	type flush struct {
		userID string
		items  []batchItem
	}
	var flushes []flush

	for userID, items := range e.batches {
		if len(items) == 0 {
			continue
		}
		prefs, ok := e.prefs[userID]
		if !ok {
			continue
		}
		if prefs.InQuietHours(now) {
			continue
		}
		if !e.allowedByFatigue(userID, 0, now) {
			continue
		}

		sorted := append([]batchItem(nil), items...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].value > sorted[j].value })

		n := maxItemsPerBatch
		if n > len(sorted) {
			n = len(sorted)
		}
		toSend := sorted[:n]

		remaining := items[:0:0]
		for _, item := range items {
			if !containsItem(toSend, item) {
				remaining = append(remaining, item)
			}
		}
		e.batches[userID] = remaining
		e.incrementCounts(userID)

		flushes = append(flushes, flush{userID: userID, items: toSend})
	}
	e.mu.Unlock()

	for _, f := range flushes {
		items := make([]map[string]any, 0, len(f.items))
		for _, item := range f.items {
			items = append(items, map[string]any{
				"deal_id": item.deal.ID,
				"event":   item.event.Type,
			})
		}

		sent := events.New(events.TypeNotificationSent, map[string]any{
			"user_id":           f.userID,
			"notification_type": "batch",
			"items":             items,
		}, now)

		if err := e.bus.Publish(ctx, sent); err != nil {
			e.log.Errorw("failed to publish batch notification", "user_id", f.userID, "error", err)
		}
	}
}

func containsItem(list []batchItem, target batchItem) bool {
	for _, item := range list {
		if item.deal.ID == target.deal.ID && item.addedAt.Equal(target.addedAt) && item.event.Type == target.event.Type {
			return true
		}
	}
	return false
}

// nextMidnight is the next local midnight after now.
func nextMidnight(now time.Time) time.Time {
	next := now.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, now.Location())
}

// nextSunday is the upcoming Sunday midnight; a full week out when now is
// already Sunday.
func nextSunday(now time.Time) time.Time {
	days := (7 - int(now.Weekday())) % 7
	if days == 0 {
		days = 7
	}
	next := now.AddDate(0, 0, days)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, now.Location())
}
