// Package quality holds the verification queue, crowdsourced report
// tracker and automated deal tester that together decide how much a deal
// can be trusted.
package quality

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"deal-aggregation-core/internal/events"
	"deal-aggregation-core/internal/models"
)

const (
	maxQueuePriority    = 10
	expiryBoostWindow   = 48 * time.Hour
	newMerchantDealMin  = 5
	highDiscountPercent = 90
	lowQualityThreshold = 0.4
)

// Reason is one trigger for verification with its base priority.
type Reason struct {
	Reason   string `json:"reason"`
	Priority int    `json:"priority"`
}

type suspiciousPattern struct {
	re       *regexp.Regexp
	severity string
}

var suspiciousPatterns = []suspiciousPattern{
	{regexp.MustCompile(`(?i)too good to be true`), "high"},
	{regexp.MustCompile(`(?i)\b(100%|90%) off\b`), "medium"},
	{regexp.MustCompile(`(?i)free .* forever`), "medium"},
}

// ItemStatus is a queue entry's lifecycle position.
type ItemStatus string

const (
	StatusPending  ItemStatus = "pending"
	StatusVerified ItemStatus = "verified"
)

// VerificationData is the outcome recorded when an item is verified.
type VerificationData struct {
	Score    float64 `json:"score"`
	Verifier string  `json:"verifier"`
}

// Item is one entry in the verification queue.
type Item struct {
	Deal       models.Deal      `json:"deal"`
	Reason     string           `json:"reason"`
	Priority   int              `json:"priority"`
	Status     ItemStatus       `json:"status"`
	AddedAt    time.Time        `json:"added_at"`
	VerifiedAt time.Time        `json:"verified_at,omitempty"`
	Data       VerificationData `json:"verification_data,omitempty"`
}

// QueueStats summarizes the queue for the admin surface.
type QueueStats struct {
	Total       int           `json:"total"`
	Pending     int           `json:"pending"`
	Verified    int           `json:"verified"`
	AvgWaitTime time.Duration `json:"avg_wait_time"`
}

// Queue holds deals awaiting manual verification, highest priority first.
type Queue struct {
	mu       sync.Mutex
	log      *zap.SugaredLogger
	bus      events.Publisher
	items    []*Item
	verified map[string]VerificationData
}

// NewQueue builds an empty queue publishing on the given bus.
func NewQueue(bus events.Publisher, log *zap.SugaredLogger) *Queue {
	return &Queue{
		log:      log,
		bus:      bus,
		verified: make(map[string]VerificationData),
	}
}

// NeedsVerification returns every reason the deal should be checked,
// highest base priority first. merchantDealCount is how many deals the
// merchant already has on record.
func NeedsVerification(deal models.Deal, merchantDealCount int) []Reason {
	var reasons []Reason

	if merchantDealCount < newMerchantDealMin {
		reasons = append(reasons, Reason{Reason: "new_merchant", Priority: 5})
	}

	if severity, ok := matchSuspicious(deal); ok {
		reasons = append(reasons, Reason{Reason: "suspicious_" + severity, Priority: 9})
	}

	if deal.Discount.Kind == models.DiscountPercentage && deal.Discount.Value >= highDiscountPercent {
		reasons = append(reasons, Reason{Reason: "high_discount", Priority: 7})
	}

	if deal.QualityScore() < lowQualityThreshold {
		reasons = append(reasons, Reason{Reason: "low_quality", Priority: 6})
	}

	sort.SliceStable(reasons, func(i, j int) bool { return reasons[i].Priority > reasons[j].Priority })
	return reasons
}

// matchSuspicious runs the pattern list over the deal's merchant name,
// discount description and terms.
func matchSuspicious(deal models.Deal) (string, bool) {
	text := strings.ToLower(fmt.Sprintf("%s %s %s",
		deal.Merchant.Name, deal.Discount.Description, deal.Terms))

	for _, p := range suspiciousPatterns {
		if p.re.MatchString(text) {
			return p.severity, true
		}
	}
	return "", false
}

// AddToQueue enqueues the deal under the given reason and publishes a
// deal.verification_queued event. The stored priority is the reason's
// base priority plus a +2 boost for deals expiring within 48h, capped
// at 10.
func (q *Queue) AddToQueue(ctx context.Context, deal models.Deal, reason string, now time.Time) Item {
	item := Item{
		Deal:     deal,
		Reason:   reason,
		Priority: queuePriority(deal, reason, now),
		Status:   StatusPending,
		AddedAt:  now,
	}

	q.mu.Lock()
	q.items = append(q.items, &item)
	sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].Priority > q.items[j].Priority })
	q.mu.Unlock()

	q.log.Infow("deal queued for verification", "deal_id", deal.ID, "reason", reason, "priority", item.Priority)

	queued := events.New(events.TypeVerificationQueued, map[string]any{
		"deal_id":  deal.ID,
		"reason":   reason,
		"priority": item.Priority,
	}, now)
	if err := q.bus.Publish(ctx, queued); err != nil {
		q.log.Errorw("failed to publish verification event", "deal_id", deal.ID, "error", err)
	}

	return item
}

func queuePriority(deal models.Deal, reason string, now time.Time) int {
	priority := 5
	switch {
	case strings.Contains(reason, "suspicious"):
		priority = 9
	case reason == "high_discount":
		priority = 7
	case reason == "low_quality":
		priority = 6
	}

	if deal.ExpiresWithin(expiryBoostWindow, now) {
		priority += 2
	}

	if priority > maxQueuePriority {
		priority = maxQueuePriority
	}
	return priority
}

// Verify marks the deal's queue entry verified, records the outcome and
// publishes a deal.verified event.
func (q *Queue) Verify(ctx context.Context, dealID string, data VerificationData, now time.Time) {
	q.mu.Lock()
	for _, item := range q.items {
		if item.Deal.ID == dealID && item.Status == StatusPending {
			item.Status = StatusVerified
			item.VerifiedAt = now
			item.Data = data
			break
		}
	}
	q.verified[dealID] = data
	q.mu.Unlock()

	q.log.Infow("deal verified", "deal_id", dealID, "score", data.Score, "verifier", data.Verifier)

	verified := events.New(events.TypeDealVerified, map[string]any{
		"id":                 dealID,
		"verification_score": data.Score,
		"verifier":           data.Verifier,
	}, now)
	if err := q.bus.Publish(ctx, verified); err != nil {
		q.log.Errorw("failed to publish verified event", "deal_id", dealID, "error", err)
	}
}

// Verified returns the recorded outcome for a deal, if any.
func (q *Queue) Verified(dealID string) (VerificationData, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, ok := q.verified[dealID]
	return data, ok
}

// Pending returns up to limit pending items, highest priority first.
func (q *Queue) Pending(limit int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, limit)
	for _, item := range q.items {
		if item.Status != StatusPending {
			continue
		}
		out = append(out, *item)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Stats summarizes queue depth and average verification wait time.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{Total: len(q.items)}
	var totalWait time.Duration
	for _, item := range q.items {
		switch item.Status {
		case StatusPending:
			stats.Pending++
		case StatusVerified:
			stats.Verified++
			totalWait += item.VerifiedAt.Sub(item.AddedAt)
		}
	}
	if stats.Verified > 0 {
		stats.AvgWaitTime = totalWait / time.Duration(stats.Verified)
	}
	return stats
}
