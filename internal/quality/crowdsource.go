package quality

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"deal-aggregation-core/internal/events"
)

const (
	autoExpireThreshold = 5
	reportWindow        = 30 * 24 * time.Hour
)

// ReportStatus is a user's verdict on a deal.
type ReportStatus string

const (
	ReportWorked  ReportStatus = "worked"
	ReportFailed  ReportStatus = "failed"
	ReportExpired ReportStatus = "expired"
)

// Report is one user submission about a deal.
type Report struct {
	UserID    string       `json:"user_id"`
	Status    ReportStatus `json:"status"`
	Comments  string       `json:"comments,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ReportStats aggregates a deal's reports over the rolling 30-day window.
// SuccessRate is nil until at least one report exists.
type ReportStats struct {
	Total       int      `json:"total"`
	Worked      int      `json:"worked"`
	Failed      int      `json:"failed"`
	Expired     int      `json:"expired"`
	SuccessRate *float64 `json:"success_rate"`
}

// FlaggedDeal is a deal whose reports warrant review.
type FlaggedDeal struct {
	DealID   string      `json:"deal_id"`
	Stats    ReportStats `json:"stats"`
	Priority int         `json:"priority"`
}

// Validator accumulates crowdsourced deal reports and auto-expires deals
// that fail too often.
type Validator struct {
	mu      sync.Mutex
	log     *zap.SugaredLogger
	bus     events.Publisher
	reports map[string][]Report
}

// NewValidator builds an empty validator publishing on the given bus.
func NewValidator(bus events.Publisher, log *zap.SugaredLogger) *Validator {
	return &Validator{
		log:     log,
		bus:     bus,
		reports: make(map[string][]Report),
	}
}

// ReportDeal records a user report, prunes entries older than 30 days and
// publishes a deal.user_report event. Reaching 5 failed reports within
// the window additionally publishes deal.auto_expired. Returns the deal's
// updated stats.
func (v *Validator) ReportDeal(ctx context.Context, dealID, userID string, status ReportStatus, comments string, now time.Time) ReportStats {
	v.mu.Lock()

	reports := append(v.reports[dealID], Report{
		UserID:    userID,
		Status:    status,
		Comments:  comments,
		Timestamp: now,
	})

	pruned := reports[:0]
	for _, r := range reports {
		if now.Sub(r.Timestamp) < reportWindow {
			pruned = append(pruned, r)
		}
	}
	v.reports[dealID] = pruned

	stats := computeStats(pruned, now)
	v.mu.Unlock()

	v.log.Infow("user reported deal", "deal_id", dealID, "user_id", userID, "status", status)

	if stats.Failed >= autoExpireThreshold {
		v.autoExpire(ctx, dealID, stats, now)
	}

	report := events.New(events.TypeDealUserReport, map[string]any{
		"deal_id": dealID,
		"user_id": userID,
		"status":  string(status),
	}, now)
	if err := v.bus.Publish(ctx, report); err != nil {
		v.log.Errorw("failed to publish user report", "deal_id", dealID, "error", err)
	}

	return stats
}

func (v *Validator) autoExpire(ctx context.Context, dealID string, stats ReportStats, now time.Time) {
	v.log.Warnw("auto-expiring deal after failure reports", "deal_id", dealID, "failed", stats.Failed)

	expired := events.New(events.TypeDealAutoExpired, map[string]any{
		"deal_id": dealID,
		"reason":  "crowdsourced_validation",
		"stats":   stats,
	}, now)
	if err := v.bus.Publish(ctx, expired); err != nil {
		v.log.Errorw("failed to publish auto-expire event", "deal_id", dealID, "error", err)
	}
}

// Stats returns the deal's report statistics over the rolling window.
func (v *Validator) Stats(dealID string, now time.Time) ReportStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return computeStats(v.reports[dealID], now)
}

// FlaggedDeals returns deals with at least minReports recent reports and a
// success rate below 50%, most failures first.
func (v *Validator) FlaggedDeals(minReports int, now time.Time) []FlaggedDeal {
	v.mu.Lock()
	defer v.mu.Unlock()

	var flagged []FlaggedDeal
	for dealID, reports := range v.reports {
		stats := computeStats(reports, now)
		if stats.Total < minReports || stats.SuccessRate == nil || *stats.SuccessRate >= 0.5 {
			continue
		}
		flagged = append(flagged, FlaggedDeal{DealID: dealID, Stats: stats, Priority: stats.Failed})
	}

	sort.SliceStable(flagged, func(i, j int) bool { return flagged[i].Priority > flagged[j].Priority })
	return flagged
}

func computeStats(reports []Report, now time.Time) ReportStats {
	var stats ReportStats
	for _, r := range reports {
		if now.Sub(r.Timestamp) >= reportWindow {
			continue
		}
		stats.Total++
		switch r.Status {
		case ReportWorked:
			stats.Worked++
		case ReportFailed:
			stats.Failed++
		case ReportExpired:
			stats.Expired++
		}
	}
	if stats.Total > 0 {
		rate := float64(stats.Worked) / float64(stats.Total)
		stats.SuccessRate = &rate
	}
	return stats
}
