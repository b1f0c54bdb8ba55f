package quality

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"deal-aggregation-core/internal/events"
	"deal-aggregation-core/internal/models"
)

const defaultTestInterval = 24 * time.Hour

// ErrNoMerchantDomain means a deal cannot be tested because there is no
// merchant site to check against.
var ErrNoMerchantDomain = errors.New("deal has no merchant domain")

// TestOutcome is a synthetic check result.
type TestOutcome string

const (
	TestSuccess     TestOutcome = "success"
	TestFailed      TestOutcome = "failed"
	TestUnavailable TestOutcome = "unavailable"
	TestExpired     TestOutcome = "expired"
)

// TestResult is one completed synthetic check.
type TestResult struct {
	Status       TestOutcome   `json:"status"`
	Timestamp    time.Time     `json:"timestamp"`
	Merchant     string        `json:"merchant"`
	ResponseTime time.Duration `json:"response_time"`
}

// scheduledTest is the per-deal test schedule.
type scheduledTest struct {
	dealID   string
	merchant models.Merchant
	interval time.Duration
	lastTest time.Time
	nextTest time.Time
}

// DueTest is a test whose next run time has arrived.
type DueTest struct {
	TestID string
	DealID string
}

// Tester runs a daily synthetic check against each scheduled deal. The
// outcome distribution is 80% success, 10% failed, 5% unavailable, 5%
// expired, drawn from the injected random source so simulations are
// reproducible.
type Tester struct {
	mu       sync.Mutex
	log      *zap.SugaredLogger
	bus      events.Publisher
	rng      *rand.Rand
	schedule map[string]*scheduledTest
	results  map[string][]TestResult
}

// NewTester builds a tester drawing outcomes from rng.
func NewTester(bus events.Publisher, rng *rand.Rand, log *zap.SugaredLogger) *Tester {
	return &Tester{
		log:      log,
		bus:      bus,
		rng:      rng,
		schedule: make(map[string]*scheduledTest),
		results:  make(map[string][]TestResult),
	}
}

// ScheduleTest registers the deal for daily testing and returns the test
// id. Deals without a merchant domain cannot be tested.
func (t *Tester) ScheduleTest(deal models.Deal, now time.Time) (string, error) {
	if deal.Merchant.Domain == "" {
		t.log.Debugw("deal not schedulable for testing", "deal_id", deal.ID)
		return "", ErrNoMerchantDomain
	}

	testID := "test_" + deal.ID

	t.mu.Lock()
	t.schedule[testID] = &scheduledTest{
		dealID:   deal.ID,
		merchant: deal.Merchant,
		interval: defaultTestInterval,
		nextTest: now,
	}
	t.mu.Unlock()

	t.log.Debugw("scheduled automated test", "deal_id", deal.ID, "test_id", testID)
	return testID, nil
}

// RunTest executes one synthetic check, records the result, reschedules
// the next run and publishes a deal.tested event. Unknown test ids are
// logged no-ops.
func (t *Tester) RunTest(ctx context.Context, testID string, now time.Time) (TestResult, error) {
	t.mu.Lock()
	schedule, ok := t.schedule[testID]
	if !ok {
		t.mu.Unlock()
		t.log.Warnw("test run requested for unknown schedule", "test_id", testID)
		return TestResult{}, errors.New("unknown test id: " + testID)
	}

	result := TestResult{
		Status:       t.drawOutcome(),
		Timestamp:    now,
		Merchant:     schedule.merchant.Name,
		ResponseTime: time.Duration(500+t.rng.Float64()*2000) * time.Millisecond,
	}

	t.results[schedule.dealID] = append(t.results[schedule.dealID], result)
	schedule.lastTest = now
	schedule.nextTest = now.Add(schedule.interval)
	dealID := schedule.dealID
	t.mu.Unlock()

	tested := events.New(events.TypeDealTested, map[string]any{
		"deal_id": dealID,
		"result":  string(result.Status),
		"details": map[string]any{
			"merchant":         result.Merchant,
			"response_time_ms": result.ResponseTime.Milliseconds(),
		},
	}, now)
	if err := t.bus.Publish(ctx, tested); err != nil {
		t.log.Errorw("failed to publish test result", "deal_id", dealID, "error", err)
	}

	return result, nil
}

// drawOutcome maps one uniform draw onto the weighted outcome table.
func (t *Tester) drawOutcome() TestOutcome {
	return outcomeFor(t.rng.Float64())
}

// outcomeFor maps a [0,1) draw onto the cumulative outcome weights.
func outcomeFor(draw float64) TestOutcome {
	switch {
	case draw < 0.8:
		return TestSuccess
	case draw < 0.9:
		return TestFailed
	case draw < 0.95:
		return TestUnavailable
	default:
		return TestExpired
	}
}

// TestsDue returns the scheduled tests whose next run time has arrived.
func (t *Tester) TestsDue(now time.Time) []DueTest {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []DueTest
	for testID, schedule := range t.schedule {
		if !schedule.nextTest.After(now) {
			due = append(due, DueTest{TestID: testID, DealID: schedule.dealID})
		}
	}
	return due
}

// History returns every recorded result for a deal, oldest first.
func (t *Tester) History(dealID string) []TestResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TestResult(nil), t.results[dealID]...)
}
