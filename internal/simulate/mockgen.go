// Package simulate generates synthetic deal traffic, records and replays
// event streams, and injects failures for resilience testing.
package simulate

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"deal-aggregation-core/internal/events"
	"deal-aggregation-core/internal/models"
)

type merchantSeed struct {
	name     string
	domain   string
	category string
}

var merchantSeeds = []merchantSeed{
	{"Apple", "apple.com", "technology"},
	{"Nike", "nike.com", "fashion"},
	{"Spotify", "spotify.com", "entertainment"},
	{"Amazon", "amazon.com", "retail"},
	{"Microsoft", "microsoft.com", "technology"},
	{"Starbucks", "starbucks.com", "food"},
}

var campusSeeds = []string{
	"campus_stanford",
	"campus_mit",
	"campus_harvard",
	"campus_berkeley",
	"campus_caltech",
}

var providerSeeds = []string{"student-beans", "unidays", "onthehub", "generic-aggregator"}

var termSeeds = []string{
	"Valid for students only. ID required.",
	"One use per customer.",
	"Cannot be combined with other offers.",
	"In-store and online.",
	"While supplies last.",
}

// DealOverrides pins fields the caller wants fixed on a generated deal.
type DealOverrides struct {
	Merchant *models.Merchant
	Discount *models.Discount
	Terms    string
	Provider string
	Expiry   *time.Time
}

// Scenario parameterizes a batch of themed deals.
type Scenario struct {
	Name        string        `json:"name"`
	DealCount   int           `json:"deal_count"`
	AvgDiscount float64       `json:"avg_discount"`
	Duration    time.Duration `json:"duration"`
}

var scenarios = map[string]Scenario{
	"black_friday":   {Name: "black_friday", DealCount: 50, AvgDiscount: 40, Duration: 4 * 24 * time.Hour},
	"back_to_school": {Name: "back_to_school", DealCount: 30, AvgDiscount: 25, Duration: 14 * 24 * time.Hour},
	"regular":        {Name: "regular", DealCount: 10, AvgDiscount: 15, Duration: 30 * 24 * time.Hour},
}

// Generator produces synthetic deals and deal events from a seeded random
// source, so the same seed yields the same traffic.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator builds a generator over rng.
func NewGenerator(rng *rand.Rand) *Generator {
	return &Generator{rng: rng}
}

// Deal produces one randomized deal, honoring any overrides.
func (g *Generator) Deal(overrides DealOverrides, now time.Time) models.Deal {
	seed := merchantSeeds[g.rng.Intn(len(merchantSeeds))]
	merchant := models.Merchant{
		ID:     "merchant_" + strings.ReplaceAll(strings.ToLower(seed.name), " ", "_"),
		Name:   seed.name,
		Domain: seed.domain,
	}
	category := seed.category
	if overrides.Merchant != nil {
		merchant = *overrides.Merchant
		category = ""
	}

	discount := g.randomDiscount()
	if overrides.Discount != nil {
		discount = *overrides.Discount
	}

	terms := overrides.Terms
	if terms == "" {
		terms = termSeeds[g.rng.Intn(len(termSeeds))]
	}

	provider := overrides.Provider
	if provider == "" {
		provider = providerSeeds[g.rng.Intn(len(providerSeeds))]
	}

	expiry := overrides.Expiry
	if expiry == nil {
		e := now.Add(time.Duration(1+g.rng.Intn(90)) * 24 * time.Hour)
		expiry = &e
	}

	return models.NewDeal(models.Deal{
		Merchant: merchant,
		Discount: discount,
		Category: category,
		Terms:    terms,
		Source: models.DealSource{
			Provider:          provider,
			Priority:          1 + g.rng.Intn(10),
			VerificationScore: g.rng.Float64(),
		},
		Expiry:            expiry,
		CampusIDs:         g.randomCampuses(),
		VerificationScore: 0.5 + g.rng.Float64()*0.5,
	}, now)
}

func (g *Generator) randomDiscount() models.Discount {
	switch g.rng.Intn(3) {
	case 0:
		value := float64(10 + g.rng.Intn(71))
		return models.Discount{Kind: models.DiscountPercentage, Value: value, Description: fmt.Sprintf("%.0f%% off", value)}
	case 1:
		value := float64(10 + g.rng.Intn(91))
		return models.Discount{Kind: models.DiscountFixed, Value: value, Description: fmt.Sprintf("$%.0f off", value)}
	default:
		return models.Discount{Kind: models.DiscountBOGO, Value: 1, Description: "Buy one get one free"}
	}
}

func (g *Generator) randomCampuses() []string {
	count := 1 + g.rng.Intn(3)
	picked := append([]string(nil), campusSeeds...)
	g.rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	return picked[:count]
}

// DealCreatedEvent wraps a generated deal into a deal.created event.
func (g *Generator) DealCreatedEvent(overrides DealOverrides, now time.Time) events.Event {
	deal := g.Deal(overrides, now)
	return DealCreatedEventFor(deal, now)
}

// DealCreatedEventFor builds the deal.created event for an existing deal.
func DealCreatedEventFor(deal models.Deal, now time.Time) events.Event {
	e := events.New(events.TypeDealCreated, map[string]any{
		"id":       deal.ID,
		"merchant": deal.Merchant,
		"discount": deal.Discount,
		"source":   deal.Source,
	}, now)
	e.Deal = &deal
	return e
}

// DealUpdatedEvent builds a deal.updated event listing the given changes.
func (g *Generator) DealUpdatedEvent(dealID string, changes []string, now time.Time) events.Event {
	return events.New(events.TypeDealUpdated, map[string]any{
		"id":      dealID,
		"changes": changes,
	}, now)
}

// DealExpiredEvent builds a deal.expired event.
func (g *Generator) DealExpiredEvent(dealID string, now time.Time) events.Event {
	return events.New(events.TypeDealExpired, map[string]any{
		"id":     dealID,
		"reason": "time_limit",
	}, now)
}

// EventBatch produces count events drawn from the given types.
func (g *Generator) EventBatch(count int, types []string, now time.Time) []events.Event {
	if len(types) == 0 {
		types = []string{events.TypeDealCreated, events.TypeDealUpdated}
	}

	out := make([]events.Event, 0, count)
	for i := 0; i < count; i++ {
		switch types[g.rng.Intn(len(types))] {
		case events.TypeDealUpdated:
			out = append(out, g.DealUpdatedEvent(fmt.Sprintf("deal_%d", i), []string{"price_drop"}, now))
		case events.TypeDealExpired:
			out = append(out, g.DealExpiredEvent(fmt.Sprintf("deal_%d", i), now))
		default:
			out = append(out, g.DealCreatedEvent(DealOverrides{}, now))
		}
	}
	return out
}

// ScenarioDeals produces a themed deal batch. Unknown scenario names fall
// back to the regular profile.
func (g *Generator) ScenarioDeals(name string, now time.Time) (Scenario, []models.Deal) {
	scenario, ok := scenarios[name]
	if !ok {
		scenario = scenarios["regular"]
	}

	deals := make([]models.Deal, 0, scenario.DealCount)
	for i := 0; i < scenario.DealCount; i++ {
		value := scenario.AvgDiscount + (g.rng.Float64()-0.5)*20
		if value < 5 {
			value = 5
		}
		if value > 90 {
			value = 90
		}
		expiry := now.Add(scenario.Duration)
		deals = append(deals, g.Deal(DealOverrides{
			Discount: &models.Discount{
				Kind:        models.DiscountPercentage,
				Value:       float64(int(value)),
				Description: fmt.Sprintf("%d%% off", int(value)),
			},
			Expiry: &expiry,
		}, now))
	}

	return scenario, deals
}
