package orchestrator

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"deal-aggregation-core/internal/analytics"
	"deal-aggregation-core/internal/cache"
	"deal-aggregation-core/internal/dedup"
	"deal-aggregation-core/internal/degrade"
	"deal-aggregation-core/internal/events"
	"deal-aggregation-core/internal/features"
	"deal-aggregation-core/internal/logging"
	"deal-aggregation-core/internal/models"
	"deal-aggregation-core/internal/notify"
	"deal-aggregation-core/internal/polling"
	"deal-aggregation-core/internal/quality"
	"deal-aggregation-core/internal/resolver"
	"deal-aggregation-core/internal/simulate"
	"deal-aggregation-core/internal/store"
	"deal-aggregation-core/internal/stream"
)

var orchTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestOrchestrator() (*Orchestrator, Deps) {
	log := logging.NewNop()
	bus := events.NewBus(events.NewRegistry(), log, events.DefaultBusOptions())
	rng := rand.New(rand.NewSource(1))
	chaos := simulate.NewChaosPublisher(bus, rng, log)
	providers := models.NewProviderSet(models.DefaultProviders()...)

	deps := Deps{
		Log:       log,
		Features:  features.NewManager(),
		Bus:       bus,
		Chaos:     chaos,
		Providers: providers,
		Resolver:  resolver.New(log),
		Dedup:     dedup.New(log),
		Polling:   polling.NewManager(providers, log),
		Degrade:   degrade.NewManager(log),
		Notify:    notify.NewEngine(chaos, log),
		Channel:   stream.NewChannel(bus, log),
		Queue:     quality.NewQueue(chaos, log),
		Validator: quality.NewValidator(chaos, log),
		Tester:    quality.NewTester(chaos, rng, log),
		Analytics: analytics.NewTracker(chaos, log),
		Store:     store.NewDealCache(cache.NewInMemoryCache(), log),
		Generator: simulate.NewGenerator(rng),
		Recorder:  simulate.NewRecorder(bus, log),
		RNG:       rng,
	}

	return New(Options{}, deps), deps
}

func ingestDeal(d models.Deal) (models.Deal, events.Event) {
	deal := models.NewDeal(d, orchTime)
	return deal, simulate.DealCreatedEventFor(deal, orchTime)
}

func TestDealCreatedRunsIngestPipeline(t *testing.T) {
	orch, deps := newTestOrchestrator()
	ctx := context.Background()

	deal, e := ingestDeal(models.Deal{
		ID:       "deal_1",
		Merchant: models.Merchant{Name: "Mystery Shop", Domain: "mystery.example"},
		Discount: models.Discount{Kind: models.DiscountPercentage, Value: 95},
		Terms:    "Too good to be true savings on everything",
		Source:   models.DealSource{Provider: "unidays", Priority: 5},
	})
	if err := deps.Bus.Publish(ctx, e); err != nil {
		t.Fatalf("publish: %v", err)
	}

	stored, ok := orch.Deal("deal_1")
	if !ok {
		t.Fatal("expected the deal in the live table")
	}
	if stored.Merchant.ID == "" {
		t.Error("expected a resolved merchant id")
	}

	pending := deps.Queue.Pending(10)
	if len(pending) != 1 {
		t.Fatalf("expected one verification item, got %d", len(pending))
	}
	if pending[0].Reason != "suspicious_high" || pending[0].Priority != 9 {
		t.Errorf("expected the highest-priority reason queued, got %s p%d",
			pending[0].Reason, pending[0].Priority)
	}

	if due := deps.Tester.TestsDue(time.Now().Add(time.Minute)); len(due) != 1 {
		t.Errorf("expected an automated test scheduled, got %d", len(due))
	}

	cached := deps.Store.LoadDeals(ctx, time.Now())
	if len(cached.Deals) != 1 || cached.Deals[0].ID != deal.ID {
		t.Errorf("expected the snapshot persisted, got %v", cached.Deals)
	}
}

func TestDuplicateDealsMerge(t *testing.T) {
	orch, deps := newTestOrchestrator()
	ctx := context.Background()

	_, first := ingestDeal(models.Deal{
		ID:       "deal_a",
		Merchant: models.Merchant{Name: "Nike", Domain: "nike.com"},
		Discount: models.Discount{Kind: models.DiscountPercentage, Value: 20},
		Terms:    "students only",
		Source:   models.DealSource{Provider: "unidays", Priority: 5},
	})
	_, second := ingestDeal(models.Deal{
		ID:       "deal_b",
		Merchant: models.Merchant{Name: "Nike", Domain: "nike.com"},
		Discount: models.Discount{Kind: models.DiscountPercentage, Value: 20},
		Terms:    "students only",
		Source:   models.DealSource{Provider: "student-beans", Priority: 9},
	})
	deps.Bus.Publish(ctx, first)
	deps.Bus.Publish(ctx, second)

	if orch.DealCount() != 1 {
		t.Fatalf("expected one merged deal, got %d", orch.DealCount())
	}

	merged, ok := orch.Deal("deal_a")
	if !ok {
		t.Fatal("expected the original id kept")
	}
	if len(merged.ContributingSources()) != 2 {
		t.Errorf("expected both sources tracked, got %v", merged.ContributingSources())
	}
	if _, ok := orch.Deal("deal_b"); ok {
		t.Error("the duplicate must not get its own entry")
	}
}

func TestDealUpdatedRefreshesStoredDeal(t *testing.T) {
	orch, deps := newTestOrchestrator()
	ctx := context.Background()

	_, e := ingestDeal(models.Deal{
		ID:       "deal_1",
		Merchant: models.Merchant{Name: "Nike", Domain: "nike.com"},
		Discount: models.Discount{Kind: models.DiscountPercentage, Value: 40},
		Terms:    "students only",
		Source:   models.DealSource{Provider: "unidays", Priority: 5},
	})
	deps.Bus.Publish(ctx, e)

	deps.Bus.Publish(ctx, deps.Generator.DealUpdatedEvent("deal_1", []string{"price_drop"}, orchTime))

	stored, _ := orch.Deal("deal_1")
	if !stored.UpdatedAt.After(orchTime) {
		t.Errorf("expected the update timestamp refreshed, got %v", stored.UpdatedAt)
	}

	// Updates for unknown deals are ignored.
	deps.Bus.Publish(ctx, deps.Generator.DealUpdatedEvent("deal_ghost", []string{"price_drop"}, orchTime))
	if _, ok := orch.Deal("deal_ghost"); ok {
		t.Error("an update must not create a deal")
	}
}

func TestDealExpiredRemovesDeal(t *testing.T) {
	orch, deps := newTestOrchestrator()
	ctx := context.Background()

	_, e := ingestDeal(models.Deal{
		ID:       "deal_1",
		Merchant: models.Merchant{Name: "Nike", Domain: "nike.com"},
		Discount: models.Discount{Kind: models.DiscountPercentage, Value: 40},
		Terms:    "students only",
		Source:   models.DealSource{Provider: "unidays", Priority: 5},
	})
	deps.Bus.Publish(ctx, e)
	deps.Bus.Publish(ctx, deps.Generator.DealExpiredEvent("deal_1", orchTime))

	if _, ok := orch.Deal("deal_1"); ok {
		t.Error("expected the expired deal removed")
	}
	if cached := deps.Store.LoadDeals(ctx, time.Now()); len(cached.Deals) != 0 {
		t.Errorf("expected the snapshot rewritten, got %v", cached.Deals)
	}
}

func TestTriggerPollErrors(t *testing.T) {
	orch, deps := newTestOrchestrator()
	ctx := context.Background()

	err := orch.TriggerPoll(ctx, "nonexistent", orchTime)
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("expected an unknown provider error, got %v", err)
	}

	// Trip onthehub's breaker, then a manual poll must be refused.
	for i := 0; i < 5; i++ {
		deps.Degrade.RecordFailure("onthehub", orchTime)
	}
	err = orch.TriggerPoll(ctx, "onthehub", orchTime)
	if err == nil || !strings.Contains(err.Error(), "circuit is open") {
		t.Errorf("expected a circuit error, got %v", err)
	}

	if err := orch.TriggerPoll(ctx, "unidays", orchTime); err != nil {
		t.Errorf("expected a healthy provider pollable, got %v", err)
	}
}

func TestStatusAndMetricsSnapshot(t *testing.T) {
	orch, deps := newTestOrchestrator()
	ctx := context.Background()

	_, e := ingestDeal(models.Deal{
		ID:       "deal_1",
		Merchant: models.Merchant{Name: "Nike", Domain: "nike.com"},
		Discount: models.Discount{Kind: models.DiscountPercentage, Value: 40},
		Terms:    "students only",
		Source:   models.DealSource{Provider: "unidays", Priority: 5},
	})
	deps.Bus.Publish(ctx, e)

	status := orch.Status(orchTime)
	if status.Running {
		t.Error("the loops were never started")
	}
	if status.Deals != 1 || status.Merchants != 1 {
		t.Errorf("unexpected counts: %+v", status)
	}
	if len(status.Health.Providers) != 4 {
		t.Errorf("expected every provider in the health report, got %d", len(status.Health.Providers))
	}
	if status.Verification.Total != 1 {
		t.Errorf("expected the new merchant queued for verification, got %+v", status.Verification)
	}

	metrics := orch.Metrics(orchTime)
	if metrics.Providers != 4 || metrics.EventHistory == 0 || metrics.Subscribers == 0 {
		t.Errorf("unexpected metrics: %+v", metrics)
	}
}

func TestStartStop(t *testing.T) {
	orch, _ := newTestOrchestrator()

	orch.Start(context.Background())
	if !orch.Running() {
		t.Fatal("expected the loops running")
	}
	orch.Start(context.Background())

	orch.Stop()
	if orch.Running() {
		t.Error("expected the loops stopped")
	}
	orch.Stop()
}

func TestRepublishEvent(t *testing.T) {
	orch, deps := newTestOrchestrator()
	ctx := context.Background()

	_, e := ingestDeal(models.Deal{
		ID:       "deal_1",
		Merchant: models.Merchant{Name: "Nike", Domain: "nike.com"},
		Discount: models.Discount{Kind: models.DiscountPercentage, Value: 40},
		Terms:    "students only",
		Source:   models.DealSource{Provider: "unidays", Priority: 5},
	})
	deps.Bus.Publish(ctx, e)
	before := deps.Bus.HistoryLen()

	if err := orch.RepublishEvent(ctx, "deal_1"); err != nil {
		t.Fatalf("republish: %v", err)
	}
	if deps.Bus.HistoryLen() != before+1 {
		t.Error("expected the republished event retained")
	}

	if err := orch.RepublishEvent(ctx, "deal_ghost"); err == nil {
		t.Error("expected an error for an unknown event")
	}
}

func TestExportImportState(t *testing.T) {
	orch, deps := newTestOrchestrator()
	ctx := context.Background()

	_, e := ingestDeal(models.Deal{
		ID:       "deal_1",
		Merchant: models.Merchant{Name: "Nike", Domain: "nike.com"},
		Discount: models.Discount{Kind: models.DiscountPercentage, Value: 40},
		Terms:    "students only",
		Source:   models.DealSource{Provider: "unidays", Priority: 5},
	})
	deps.Bus.Publish(ctx, e)
	historyLen := deps.Bus.HistoryLen()

	data, err := orch.ExportState(orchTime)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	orch.ClearAllData(ctx)
	if deps.Bus.HistoryLen() != 0 {
		t.Fatal("expected the history cleared")
	}

	if err := orch.ImportState(data); err != nil {
		t.Fatalf("import: %v", err)
	}
	if deps.Bus.HistoryLen() != historyLen {
		t.Errorf("expected %d events restored, got %d", historyLen, deps.Bus.HistoryLen())
	}

	if err := orch.ImportState([]byte("{not json")); err == nil {
		t.Error("expected a parse error")
	}
}

func TestRunScenarioSeedsPipeline(t *testing.T) {
	orch, _ := newTestOrchestrator()
	ctx := context.Background()

	scenario, published, err := orch.RunScenario(ctx, "regular", orchTime)
	if err != nil {
		t.Fatalf("scenario: %v", err)
	}
	if scenario.Name != "regular" || published != 10 {
		t.Errorf("expected 10 regular deals published, got %d (%+v)", published, scenario)
	}
	if orch.DealCount() == 0 {
		t.Error("expected scenario deals ingested")
	}
}

func TestRecordingLifecycle(t *testing.T) {
	orch, deps := newTestOrchestrator()
	ctx := context.Background()

	orch.StartRecording("session", orchTime)

	_, e := ingestDeal(models.Deal{
		ID:       "deal_1",
		Merchant: models.Merchant{Name: "Nike", Domain: "nike.com"},
		Discount: models.Discount{Kind: models.DiscountPercentage, Value: 40},
		Terms:    "students only",
		Source:   models.DealSource{Provider: "unidays", Priority: 5},
	})
	deps.Bus.Publish(ctx, e)

	recording, ok := orch.StopRecording(orchTime.Add(time.Minute))
	if !ok || len(recording.Events) != 1 {
		t.Fatalf("expected one captured event, got %+v", recording)
	}

	if names := orch.Recordings(); len(names) != 1 || names[0] != "session" {
		t.Errorf("unexpected recordings: %v", names)
	}

	data, err := orch.ExportRecording("session")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := orch.LoadRecording("copy", data); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(orch.Recordings()) != 2 {
		t.Errorf("expected the import stored, got %v", orch.Recordings())
	}

	if err := orch.ReplayRecording("missing", simulate.ReplayOptions{}); err == nil {
		t.Error("expected an error for an unknown recording")
	}
}

func TestClearAllData(t *testing.T) {
	orch, deps := newTestOrchestrator()
	ctx := context.Background()

	_, e := ingestDeal(models.Deal{
		ID:       "deal_1",
		Merchant: models.Merchant{Name: "Nike", Domain: "nike.com"},
		Discount: models.Discount{Kind: models.DiscountPercentage, Value: 40},
		Terms:    "students only",
		Source:   models.DealSource{Provider: "unidays", Priority: 5},
	})
	deps.Bus.Publish(ctx, e)

	orch.ClearAllData(ctx)

	if orch.DealCount() != 0 {
		t.Error("expected the live table cleared")
	}
	if got := orch.InspectEvents(events.HistoryFilter{}); len(got) != 0 {
		t.Errorf("expected no retained events, got %d", len(got))
	}
	if cached := deps.Store.LoadDeals(ctx, time.Now()); len(cached.Deals) != 0 {
		t.Error("expected the persisted snapshot dropped")
	}

	// The same deal is accepted again once the dedup index is gone.
	deps.Bus.Publish(ctx, e)
	if orch.DealCount() != 1 {
		t.Errorf("expected reingestion after clear, got %d deals", orch.DealCount())
	}
}
