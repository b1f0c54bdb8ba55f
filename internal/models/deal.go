package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DiscountKind enumerates the supported discount shapes.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
	DiscountBOGO       DiscountKind = "bogo"
)

// GeoPoint is a coarse location with an applicability radius in meters.
type GeoPoint struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Radius float64 `json:"radius,omitempty"`
}

// Merchant identifies the business behind a deal. Domain, when present, is
// the authoritative identity signal during entity resolution.
type Merchant struct {
	ID       string    `json:"id,omitempty"`
	Name     string    `json:"name"`
	Domain   string    `json:"domain,omitempty"`
	Location *GeoPoint `json:"location,omitempty"`
}

// Discount describes what the offer is worth. Value is a percentage for
// percentage discounts and a monetary amount for fixed ones; BOGO deals
// carry a nominal value of 1.
type Discount struct {
	Kind        DiscountKind `json:"type"`
	Value       float64      `json:"value"`
	Description string       `json:"description,omitempty"`
}

// DealSource records which provider reported a deal and how trustworthy
// that provider is considered.
type DealSource struct {
	Provider          string  `json:"provider"`
	Priority          int     `json:"priority"`
	VerificationScore float64 `json:"verification_score"`
}

// Deal is a merchant discount offer normalized into a canonical record.
type Deal struct {
	ID                string         `json:"id"`
	Merchant          Merchant       `json:"merchant"`
	Discount          Discount       `json:"discount"`
	Terms             string         `json:"terms,omitempty"`
	Category          string         `json:"category"`
	Source            DealSource     `json:"source"`
	Expiry            *time.Time     `json:"expiry,omitempty"`
	CampusIDs         []string       `json:"campus_ids,omitempty"`
	Location          *GeoPoint      `json:"location,omitempty"`
	VerificationScore float64        `json:"verification_score"`
	SuccessRate       *float64       `json:"success_rate,omitempty"`
	ReportCount       int            `json:"report_count"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// MetadataSourcesKey is where merged deals accumulate every contributing
// source.
const MetadataSourcesKey = "sources"

// NewDeal fills in the defaults for a freshly ingested deal: generated id,
// general category, neutral verification score and creation timestamps.
func NewDeal(d Deal, now time.Time) Deal {
	if d.ID == "" {
		d.ID = "deal_" + uuid.NewString()
	}
	if d.Category == "" {
		d.Category = "general"
	}
	if d.VerificationScore == 0 {
		d.VerificationScore = 0.5
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	return d
}

// DedupHash fingerprints the deal content so the same offer reported by
// multiple sources collapses to one record. The hash is a signed 32-bit
// rolling hash (h = h*31 + ch) over the lower-cased identity key, encoded
// base-36.
func (d Deal) DedupHash() string {
	key := strings.ToLower(fmt.Sprintf("%s:%s:%v:%s",
		d.Merchant.Name, d.Discount.Kind, d.Discount.Value, d.Terms))

	var h int32
	for _, ch := range key {
		h = h*31 + int32(ch)
	}
	return strconv.FormatInt(int64(h), 36)
}

// IsExpired reports whether the deal's expiry, if any, has passed.
func (d Deal) IsExpired(now time.Time) bool {
	return d.Expiry != nil && now.After(*d.Expiry)
}

// ExpiresWithin reports whether the deal expires inside the given window.
func (d Deal) ExpiresWithin(window time.Duration, now time.Time) bool {
	return d.Expiry != nil && d.Expiry.Sub(now) < window
}

// QualityScore derives the [0,1] trust metric: 40% weight on the
// verification score, 30% on the crowdsourced success rate (a neutral 0.15
// when unknown), minus a report penalty capped at 0.3.
func (d Deal) QualityScore() float64 {
	score := d.VerificationScore * 0.4

	if d.SuccessRate != nil {
		score += *d.SuccessRate * 0.3
	} else {
		score += 0.15
	}

	score -= math.Min(float64(d.ReportCount)*0.05, 0.3)

	return math.Max(0, math.Min(1, score))
}

// ContributingSources returns the accumulated merge sources from metadata,
// falling back to the deal's own source. The slice survives a JSON
// round-trip, where it comes back as []any of maps.
func (d Deal) ContributingSources() []DealSource {
	raw, ok := d.Metadata[MetadataSourcesKey]
	if !ok {
		return []DealSource{d.Source}
	}

	switch v := raw.(type) {
	case []DealSource:
		return v
	case []any:
		out := make([]DealSource, 0, len(v))
		for _, entry := range v {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			src := DealSource{}
			if p, ok := m["provider"].(string); ok {
				src.Provider = p
			}
			if p, ok := m["priority"].(float64); ok {
				src.Priority = int(p)
			}
			if s, ok := m["verification_score"].(float64); ok {
				src.VerificationScore = s
			}
			out = append(out, src)
		}
		return out
	default:
		return []DealSource{d.Source}
	}
}
