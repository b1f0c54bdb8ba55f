package models

import "time"

// QuietHours is the local-time window during which instant notifications
// are deferred. Start and End are hours of the day; Start > End means the
// window crosses midnight.
type QuietHours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// RoutingRules buckets deal-value tiers into delivery cadences.
type RoutingRules struct {
	InstantPush  []string `json:"instant_push"`
	DailyDigest  []string `json:"daily_digest"`
	WeeklyDigest []string `json:"weekly_digest"`
}

// UserPreferences is an immutable per-user notification profile; replacing
// it re-registers the user.
type UserPreferences struct {
	UserID                 string       `json:"user_id"`
	Categories             []string     `json:"categories,omitempty"`
	Merchants              []string     `json:"merchants,omitempty"`
	CampusID               string       `json:"campus_id,omitempty"`
	MinDiscountPercentage  float64      `json:"min_discount_percentage"`
	NotificationChannels   []string     `json:"notification_channels"`
	QuietHours             QuietHours   `json:"quiet_hours"`
	MaxDailyNotifications  int          `json:"max_daily_notifications"`
	MaxWeeklyNotifications int          `json:"max_weekly_notifications"`
	Routing                RoutingRules `json:"routing"`
}

// DefaultPreferences returns the profile applied when a user registers
// without overriding anything.
func DefaultPreferences(userID string) UserPreferences {
	return UserPreferences{
		UserID:                 userID,
		MinDiscountPercentage:  5,
		NotificationChannels:   []string{"push", "email"},
		QuietHours:             QuietHours{Start: 22, End: 7},
		MaxDailyNotifications:  10,
		MaxWeeklyNotifications: 50,
		Routing: RoutingRules{
			InstantPush:  []string{"high_value", "favorite_merchant"},
			DailyDigest:  []string{"medium_value"},
			WeeklyDigest: []string{"low_value"},
		},
	}
}

// InterestedInCategory reports whether the category passes the user's
// filters. An empty filter list means everything is of interest.
func (p UserPreferences) InterestedInCategory(category string) bool {
	if len(p.Categories) == 0 {
		return true
	}
	return contains(p.Categories, category)
}

// InterestedInMerchant reports whether the merchant passes the user's
// filters.
func (p UserPreferences) InterestedInMerchant(merchantID string) bool {
	if len(p.Merchants) == 0 {
		return true
	}
	return contains(p.Merchants, merchantID)
}

// IsFavoriteMerchant reports whether the merchant is explicitly listed,
// which upgrades notifications to instant delivery.
func (p UserPreferences) IsFavoriteMerchant(merchantID string) bool {
	return contains(p.Merchants, merchantID)
}

// MeetsDiscountThreshold applies the minimum-percentage filter. Fixed and
// BOGO discounts always pass.
func (p UserPreferences) MeetsDiscountThreshold(d Discount) bool {
	if d.Kind == DiscountPercentage {
		return d.Value >= p.MinDiscountPercentage
	}
	return true
}

// InQuietHours reports whether now falls inside the user's quiet window,
// handling both same-day and overnight ranges.
func (p UserPreferences) InQuietHours(now time.Time) bool {
	hour := now.Hour()
	start, end := p.QuietHours.Start, p.QuietHours.End

	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func contains(list []string, v string) bool {
	for _, entry := range list {
		if entry == v {
			return true
		}
	}
	return false
}
