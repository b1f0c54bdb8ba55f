// Package orchestrator wires the event bus, identity, polling, quality,
// notification and streaming subsystems into one running deal pipeline.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"deal-aggregation-core/internal/analytics"
	"deal-aggregation-core/internal/dedup"
	"deal-aggregation-core/internal/degrade"
	"deal-aggregation-core/internal/events"
	"deal-aggregation-core/internal/features"
	"deal-aggregation-core/internal/models"
	"deal-aggregation-core/internal/notify"
	"deal-aggregation-core/internal/polling"
	"deal-aggregation-core/internal/quality"
	"deal-aggregation-core/internal/resolver"
	"deal-aggregation-core/internal/simulate"
	"deal-aggregation-core/internal/store"
	"deal-aggregation-core/internal/stream"
)

// Options tune the orchestrator's background loops.
type Options struct {
	// PollTick is how often the polling loop checks for due providers.
	PollTick time.Duration
	// TestTick is how often due automated tests are run.
	TestTick time.Duration
	// BreakerOptions configure every provider's circuit breaker.
	BreakerOptions degrade.BreakerOptions
}

// DefaultOptions poll every 5s and run tests every minute.
func DefaultOptions() Options {
	return Options{
		PollTick:       5 * time.Second,
		TestTick:       time.Minute,
		BreakerOptions: degrade.DefaultBreakerOptions(),
	}
}

// Deps are the injected subsystems. All fields are required.
type Deps struct {
	Log       *zap.SugaredLogger
	Features  *features.Manager
	Bus       *events.Bus
	Chaos     *simulate.ChaosPublisher
	Providers *models.ProviderSet
	Resolver  *resolver.Resolver
	Dedup     *dedup.Deduplicator
	Polling   *polling.Manager
	Degrade   *degrade.Manager
	Notify    *notify.Engine
	Channel   *stream.Channel
	Queue     *quality.Queue
	Validator *quality.Validator
	Tester    *quality.Tester
	Analytics *analytics.Tracker
	Store     *store.DealCache
	Generator *simulate.Generator
	Recorder  *simulate.Recorder
	RNG       *rand.Rand
}

// Orchestrator owns the live deal table and the background loops.
type Orchestrator struct {
	opts Options
	deps Deps

	mu            sync.Mutex
	deals         map[string]models.Deal
	merchantDeals map[string]int
	running       bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// New wires the orchestrator's subscriptions and loads any cached deals.
// It does not start the background loops; call Start.
func New(opts Options, deps Deps) *Orchestrator {
	if opts.PollTick <= 0 {
		opts.PollTick = DefaultOptions().PollTick
	}
	if opts.TestTick <= 0 {
		opts.TestTick = DefaultOptions().TestTick
	}

	o := &Orchestrator{
		opts:          opts,
		deps:          deps,
		deals:         make(map[string]models.Deal),
		merchantDeals: make(map[string]int),
	}

	now := time.Now()
	for _, p := range deps.Providers.All() {
		deps.Degrade.InitBreaker(p.ID, opts.BreakerOptions, now)
	}
	for _, p := range deps.Providers.Polling() {
		deps.Polling.InitProvider(p.ID, now)
	}

	o.subscribe()
	o.loadCache(context.Background(), now)

	return o
}

func (o *Orchestrator) subscribe() {
	o.deps.Bus.Subscribe(events.TypeDealCreated, func(ctx context.Context, e events.Event) error {
		return o.handleDealCreated(ctx, e, time.Now())
	}, events.SubscribeOptions{Priority: 10})

	o.deps.Bus.Subscribe(events.TypeDealUpdated, func(ctx context.Context, e events.Event) error {
		return o.handleDealUpdated(ctx, e, time.Now())
	}, events.SubscribeOptions{Priority: 10})

	o.deps.Bus.Subscribe(events.TypeDealExpired, func(ctx context.Context, e events.Event) error {
		o.removeDeal(ctx, e.StringField("id"), time.Now())
		return nil
	}, events.SubscribeOptions{})

	o.deps.Bus.Subscribe(events.TypeDealAutoExpired, func(ctx context.Context, e events.Event) error {
		o.removeDeal(ctx, e.StringField("deal_id"), time.Now())
		return nil
	}, events.SubscribeOptions{})
}

func (o *Orchestrator) loadCache(ctx context.Context, now time.Time) {
	result := o.deps.Store.LoadDeals(ctx, now)
	if len(result.Deals) == 0 {
		return
	}

	o.mu.Lock()
	for _, deal := range result.Deals {
		o.deals[deal.ID] = deal
		o.merchantDeals[deal.Merchant.Name]++
	}
	o.mu.Unlock()

	freshness := "fresh"
	if result.IsStale {
		freshness = "stale"
	}
	o.deps.Log.Infow("loaded deals from cache", "count", len(result.Deals), "freshness", freshness)
}

// handleDealCreated runs the ingest pipeline: dedup, merchant resolution,
// verification triage, test scheduling, notification decisions and the
// cache write.
func (o *Orchestrator) handleDealCreated(ctx context.Context, e events.Event, now time.Time) error {
	if e.Deal == nil {
		return fmt.Errorf("deal.created event %v carries no deal", e.Field("id"))
	}
	deal := *e.Deal

	result := o.deps.Dedup.CheckAndAdd(deal, now)
	if result.IsDuplicate {
		o.deps.Log.Infow("duplicate deal merged",
			"deal_id", deal.ID, "existing_id", result.Existing.ID)
		o.mu.Lock()
		o.deals[result.Merged.ID] = result.Merged
		o.mu.Unlock()
		return nil
	}

	deal.Merchant.ID = o.deps.Resolver.Resolve(deal.Merchant)

	o.mu.Lock()
	priorDeals := o.merchantDeals[deal.Merchant.Name]
	o.merchantDeals[deal.Merchant.Name]++
	o.deals[deal.ID] = deal
	snapshot := o.dealListLocked()
	o.mu.Unlock()

	if o.deps.Features.IsEnabled(features.FeatureQualityControl) {
		if reasons := quality.NeedsVerification(deal, priorDeals); len(reasons) > 0 {
			o.deps.Queue.AddToQueue(ctx, deal, reasons[0].Reason, now)
		}
		if _, err := o.deps.Tester.ScheduleTest(deal, now); err != nil && err != quality.ErrNoMerchantDomain {
			o.deps.Log.Warnw("failed to schedule test", "deal_id", deal.ID, "error", err)
		}
	}

	if o.deps.Features.IsEnabled(features.FeatureNotifications) {
		o.deliver(o.deps.Notify.ProcessDealChange(e, deal, now))
	}
	o.deps.Store.SaveDeals(ctx, snapshot, now)

	return nil
}

// handleDealUpdated re-runs notification decisioning against the stored
// deal. Updates for deals we have never seen are logged and skipped.
func (o *Orchestrator) handleDealUpdated(ctx context.Context, e events.Event, now time.Time) error {
	dealID := e.StringField("id")

	o.mu.Lock()
	deal, ok := o.deals[dealID]
	if ok {
		deal.UpdatedAt = now
		o.deals[dealID] = deal
	}
	o.mu.Unlock()

	if !ok {
		o.deps.Log.Debugw("update for unknown deal", "deal_id", dealID)
		return nil
	}

	if o.deps.Features.IsEnabled(features.FeatureNotifications) {
		o.deliver(o.deps.Notify.ProcessDealChange(e, deal, now))
	}
	return nil
}

func (o *Orchestrator) removeDeal(ctx context.Context, dealID string, now time.Time) {
	if dealID == "" {
		return
	}

	o.mu.Lock()
	deal, ok := o.deals[dealID]
	if ok {
		delete(o.deals, dealID)
		if o.merchantDeals[deal.Merchant.Name] > 0 {
			o.merchantDeals[deal.Merchant.Name]--
		}
	}
	snapshot := o.dealListLocked()
	o.mu.Unlock()

	if ok {
		o.deps.Log.Infow("deal removed", "deal_id", dealID)
		o.deps.Store.SaveDeals(ctx, snapshot, now)
	}
}

// deliver is the push boundary. Real delivery infrastructure is out of
// scope; decisions are logged so the path is observable.
func (o *Orchestrator) deliver(decisions []notify.Decision) {
	for _, d := range decisions {
		o.deps.Log.Infow("instant notification",
			"user_id", d.UserID, "deal_id", d.Deal.ID, "channel", d.Channel, "value", d.Value)
	}
}

func (o *Orchestrator) dealListLocked() []models.Deal {
	out := make([]models.Deal, 0, len(o.deals))
	for _, deal := range o.deals {
		out = append(out, deal)
	}
	return out
}

// Deal returns the live record for an id.
func (o *Orchestrator) Deal(dealID string) (models.Deal, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	deal, ok := o.deals[dealID]
	return deal, ok
}

// DealCount reports how many deals are live.
func (o *Orchestrator) DealCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.deals)
}

// Start launches the polling, testing and batch-notification loops.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	o.mu.Unlock()

	o.deps.Notify.Start(ctx)

	go func() {
		defer close(o.done)

		pollTicker := time.NewTicker(o.opts.PollTick)
		defer pollTicker.Stop()
		testTicker := time.NewTicker(o.opts.TestTick)
		defer testTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-pollTicker.C:
				o.pollDueProviders(ctx, time.Now())
			case <-testTicker.C:
				o.runDueTests(ctx, time.Now())
			}
		}
	}()

	o.deps.Log.Infow("orchestrator started")
}

// Stop cancels the background loops and waits for them to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	done := o.done
	o.mu.Unlock()

	cancel()
	<-done
	o.deps.Log.Infow("orchestrator stopped")
}

// Running reports whether the background loops are active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) pollDueProviders(ctx context.Context, now time.Time) {
	if !o.deps.Features.IsEnabled(features.FeaturePolling) {
		return
	}
	for _, due := range o.deps.Polling.ProvidersNeedingPoll(now) {
		if !o.deps.Degrade.CanCall(due.Provider.ID, now) {
			o.deps.Log.Debugw("skipping provider, circuit open", "provider", due.Provider.ID)
			continue
		}
		if !o.deps.Polling.AllowPoll(due.Provider.ID) {
			o.deps.Log.Debugw("skipping provider, rate quota spent", "provider", due.Provider.ID)
			continue
		}
		o.pollProvider(ctx, due.Provider, now)
	}
}

// pollProvider simulates one provider call: the provider's configured
// reliability drives a random failure, otherwise a 40% chance of 1-5 new
// deals attributed to it.
func (o *Orchestrator) pollProvider(ctx context.Context, provider models.Provider, now time.Time) {
	o.deps.Log.Debugw("polling provider", "provider", provider.ID)

	reliability := provider.Metadata.Reliability
	if reliability == 0 {
		reliability = 1
	}
	if o.deps.RNG.Float64() > reliability {
		o.deps.Log.Warnw("provider poll failed", "provider", provider.ID)
		o.deps.Degrade.RecordFailure(provider.ID, now)
		o.deps.Polling.RecordPoll(provider.ID, false, 0, now)
		return
	}

	hasChanges := o.deps.RNG.Float64() > 0.6
	changeCount := 0
	if hasChanges {
		changeCount = 1 + o.deps.RNG.Intn(5)
	}

	o.deps.Polling.RecordPoll(provider.ID, hasChanges, changeCount, now)

	for i := 0; i < changeCount; i++ {
		e := o.deps.Generator.DealCreatedEvent(simulate.DealOverrides{Provider: provider.ID}, now)
		if err := o.deps.Chaos.Publish(ctx, e); err != nil {
			o.deps.Log.Warnw("poll event rejected", "provider", provider.ID, "error", err)
		}
	}

	o.deps.Degrade.RecordSuccess(provider.ID, now)
}

func (o *Orchestrator) runDueTests(ctx context.Context, now time.Time) {
	if !o.deps.Features.IsEnabled(features.FeatureQualityControl) {
		return
	}
	for _, due := range o.deps.Tester.TestsDue(now) {
		if _, err := o.deps.Tester.RunTest(ctx, due.TestID, now); err != nil {
			o.deps.Log.Warnw("automated test failed to run", "test_id", due.TestID, "error", err)
		}
	}
}

// TriggerPoll polls one provider immediately, bypassing the schedule but
// not the circuit breaker.
func (o *Orchestrator) TriggerPoll(ctx context.Context, providerID string, now time.Time) error {
	provider, ok := o.deps.Providers.Get(providerID)
	if !ok {
		return fmt.Errorf("unknown provider: %s", providerID)
	}
	if !o.deps.Degrade.CanCall(providerID, now) {
		return fmt.Errorf("provider %s circuit is open", providerID)
	}

	o.deps.Log.Infow("manual poll triggered", "provider", providerID)
	o.pollProvider(ctx, provider, now)
	return nil
}

// RegisterUser stores notification preferences for a user.
func (o *Orchestrator) RegisterUser(userID string, prefs models.UserPreferences, now time.Time) {
	o.deps.Notify.RegisterUser(userID, prefs, now)
	o.deps.Log.Infow("registered user", "user_id", userID)
}

// Connect opens a real-time update stream for a user.
func (o *Orchestrator) Connect(userID string, filters stream.Filters, now time.Time) *stream.Connection {
	return o.deps.Channel.Connect(userID, filters, now)
}

// ReportDeal records a crowdsourced report against a deal.
func (o *Orchestrator) ReportDeal(ctx context.Context, dealID, userID string, status quality.ReportStatus, comments string, now time.Time) quality.ReportStats {
	return o.deps.Validator.ReportDeal(ctx, dealID, userID, status, comments, now)
}

// Track records an engagement event. A no-op while analytics is disabled.
func (o *Orchestrator) Track(ctx context.Context, kind analytics.Kind, dealID, userID string, attribution analytics.Context, now time.Time) {
	if !o.deps.Features.IsEnabled(features.FeatureAnalytics) {
		return
	}
	o.deps.Analytics.Track(ctx, kind, dealID, userID, attribution, now)
}

// EnableChaos turns on fault injection for published events.
func (o *Orchestrator) EnableChaos(config simulate.ChaosConfig) {
	o.deps.Chaos.Enable(config)
}

// DisableChaos turns fault injection off.
func (o *Orchestrator) DisableChaos() {
	o.deps.Chaos.Disable()
}

// RunScenario publishes a themed batch of synthetic deals through the
// pipeline. Unknown scenario names fall back to the regular profile.
func (o *Orchestrator) RunScenario(ctx context.Context, name string, now time.Time) (simulate.Scenario, int, error) {
	scenario, deals := o.deps.Generator.ScenarioDeals(name, now)

	published := 0
	for _, deal := range deals {
		if err := o.deps.Chaos.Publish(ctx, simulate.DealCreatedEventFor(deal, now)); err != nil {
			return scenario, published, err
		}
		published++
	}

	o.deps.Log.Infow("scenario seeded", "scenario", scenario.Name, "deals", published)
	return scenario, published, nil
}

// StartRecording begins capturing deal lifecycle traffic under name.
func (o *Orchestrator) StartRecording(name string, now time.Time) {
	o.deps.Recorder.StartRecording(name, now)
}

// StopRecording finalizes the in-flight recording. Returns false when
// nothing was being recorded.
func (o *Orchestrator) StopRecording(now time.Time) (simulate.Recording, bool) {
	return o.deps.Recorder.StopRecording(now)
}

// ReplayRecording plays a stored recording back onto the bus in the
// background, preserving its original pacing scaled by opts.Speed.
func (o *Orchestrator) ReplayRecording(name string, opts simulate.ReplayOptions) error {
	found := false
	for _, stored := range o.deps.Recorder.Recordings() {
		if stored == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("recording not found: %s", name)
	}

	go func() {
		if err := o.deps.Recorder.Replay(context.Background(), name, opts); err != nil {
			o.deps.Log.Warnw("replay failed", "name", name, "error", err)
		}
	}()
	return nil
}

// Recordings lists stored recording names.
func (o *Orchestrator) Recordings() []string {
	return o.deps.Recorder.Recordings()
}

// ExportRecording serializes a stored recording.
func (o *Orchestrator) ExportRecording(name string) ([]byte, error) {
	return o.deps.Recorder.ExportRecording(name)
}

// LoadRecording installs a recording from its JSON export.
func (o *Orchestrator) LoadRecording(name string, data []byte) error {
	return o.deps.Recorder.LoadRecording(name, data)
}

// PollingStatus is the per-provider slice of the status snapshot.
type PollingStatus struct {
	ProvidersNeedingPoll int                      `json:"providers_needing_poll"`
	Providers            map[string]polling.State `json:"providers"`
}

// Status is the admin-facing snapshot of the whole system.
type Status struct {
	Running      bool                     `json:"running"`
	Timestamp    time.Time                `json:"timestamp"`
	Deals        int                      `json:"deals"`
	Merchants    int                      `json:"merchants"`
	Polling      PollingStatus            `json:"polling"`
	Verification quality.QueueStats       `json:"verification"`
	Connections  stream.Stats             `json:"connections"`
	Health       degrade.HealthStatus     `json:"health"`
	Trending     []analytics.TrendingDeal `json:"trending"`
}

// Status aggregates every subsystem's snapshot.
func (o *Orchestrator) Status(now time.Time) Status {
	o.mu.Lock()
	running := o.running
	dealCount := len(o.deals)
	o.mu.Unlock()

	return Status{
		Running:   running,
		Timestamp: now,
		Deals:     dealCount,
		Merchants: o.deps.Resolver.Count(),
		Polling: PollingStatus{
			ProvidersNeedingPoll: len(o.deps.Polling.ProvidersNeedingPoll(now)),
			Providers:            o.deps.Polling.Snapshot(),
		},
		Verification: o.deps.Queue.Stats(),
		Connections:  o.deps.Channel.Stats(now),
		Health:       o.deps.Degrade.Health(now),
		Trending:     o.deps.Analytics.Trending(5, 24*time.Hour, now),
	}
}

// Metrics is the export/import snapshot of operational counters.
type Metrics struct {
	EventHistory int                `json:"event_history"`
	Subscribers  int                `json:"subscribers"`
	Providers    int                `json:"providers"`
	NeedingPoll  int                `json:"needing_poll"`
	Verification quality.QueueStats `json:"verification"`
}

// Metrics summarizes bus and pipeline counters.
func (o *Orchestrator) Metrics(now time.Time) Metrics {
	return Metrics{
		EventHistory: o.deps.Bus.HistoryLen(),
		Subscribers:  o.deps.Bus.SubscriberCount(),
		Providers:    len(o.deps.Providers.All()),
		NeedingPoll:  len(o.deps.Polling.ProvidersNeedingPoll(now)),
		Verification: o.deps.Queue.Stats(),
	}
}

// Trending ranks the most engaged deals inside the window.
func (o *Orchestrator) Trending(limit int, window time.Duration, now time.Time) []analytics.TrendingDeal {
	return o.deps.Analytics.Trending(limit, window, now)
}

// InspectEvents queries the bus history.
func (o *Orchestrator) InspectEvents(filter events.HistoryFilter) []events.Event {
	return o.deps.Bus.History(filter)
}

// RepublishEvent re-publishes the first retained event whose deal/id field
// matches.
func (o *Orchestrator) RepublishEvent(ctx context.Context, id string) error {
	for _, e := range o.deps.Bus.History(events.HistoryFilter{}) {
		if e.StringField("id") == id || e.StringField("deal_id") == id {
			o.deps.Log.Infow("republishing event", "type", e.Type, "id", id)
			return o.deps.Bus.Publish(ctx, e)
		}
	}
	return fmt.Errorf("event not found: %s", id)
}

// StateSnapshot is the export/import wire format.
type StateSnapshot struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventHistory []events.Event `json:"event_history"`
	Metrics      Metrics        `json:"metrics"`
}

// ExportState serializes the retained event history and counters.
func (o *Orchestrator) ExportState(now time.Time) ([]byte, error) {
	snapshot := StateSnapshot{
		Timestamp:    now,
		EventHistory: o.deps.Bus.History(events.HistoryFilter{}),
		Metrics:      o.Metrics(now),
	}
	return json.MarshalIndent(snapshot, "", "  ")
}

// ImportState replaces the bus history with a previously exported
// snapshot.
func (o *Orchestrator) ImportState(data []byte) error {
	var snapshot StateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to parse state snapshot: %w", err)
	}

	o.deps.Bus.ReplaceHistory(snapshot.EventHistory)
	o.deps.Log.Infow("imported state", "events", len(snapshot.EventHistory))
	return nil
}

// ClearAllData drops event history, the dedup index, the live deal table
// and the persisted cache. Admin/test surface only.
func (o *Orchestrator) ClearAllData(ctx context.Context) {
	o.deps.Log.Warnw("clearing all data")

	o.deps.Bus.ClearHistory()
	o.deps.Dedup.Clear()

	o.mu.Lock()
	o.deals = make(map[string]models.Deal)
	o.merchantDeals = make(map[string]int)
	o.mu.Unlock()

	o.deps.Store.Clear(ctx)
}
