package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"deal-aggregation-core/internal/models"
	"deal-aggregation-core/internal/quality"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateDeal checks an incoming deal before it enters the pipeline.
func ValidateDeal(deal models.Deal) error {
	if strings.TrimSpace(deal.Merchant.Name) == "" {
		return &ValidationError{
			Field:   "merchant.name",
			Message: "is required",
		}
	}

	switch deal.Discount.Kind {
	case models.DiscountPercentage:
		if deal.Discount.Value <= 0 || deal.Discount.Value > 100 {
			return &ValidationError{
				Field:   "discount.value",
				Message: "percentage must be between 0 and 100",
			}
		}
	case models.DiscountFixed:
		if deal.Discount.Value <= 0 {
			return &ValidationError{
				Field:   "discount.value",
				Message: "must be positive",
			}
		}
	case models.DiscountBOGO:
	default:
		return &ValidationError{
			Field:   "discount.type",
			Message: "must be percentage, fixed or bogo",
		}
	}

	if deal.VerificationScore < 0 || deal.VerificationScore > 1 {
		return &ValidationError{
			Field:   "verification_score",
			Message: "must be between 0 and 1",
		}
	}

	if deal.SuccessRate != nil && (*deal.SuccessRate < 0 || *deal.SuccessRate > 1) {
		return &ValidationError{
			Field:   "success_rate",
			Message: "must be between 0 and 1",
		}
	}

	if deal.Source.Provider == "" {
		return &ValidationError{
			Field:   "source.provider",
			Message: "is required",
		}
	}

	return nil
}

// ValidatePreferences checks a user preference update.
func ValidatePreferences(prefs models.UserPreferences) error {
	if prefs.MinDiscountPercentage < 0 || prefs.MinDiscountPercentage > 100 {
		return &ValidationError{
			Field:   "min_discount_percentage",
			Message: "must be between 0 and 100",
		}
	}

	if err := validateHour(prefs.QuietHours.Start, "quiet_hours.start"); err != nil {
		return err
	}
	if err := validateHour(prefs.QuietHours.End, "quiet_hours.end"); err != nil {
		return err
	}

	if prefs.MaxDailyNotifications < 0 {
		return &ValidationError{
			Field:   "max_daily_notifications",
			Message: "must be non-negative",
		}
	}

	if prefs.MaxWeeklyNotifications < 0 {
		return &ValidationError{
			Field:   "max_weekly_notifications",
			Message: "must be non-negative",
		}
	}

	return nil
}

func validateHour(hour int, field string) error {
	if hour < 0 || hour > 23 {
		return &ValidationError{
			Field:   field,
			Message: "must be between 0 and 23",
		}
	}
	return nil
}

// ValidateReportStatus checks a crowdsourced report verdict.
func ValidateReportStatus(status string) error {
	switch quality.ReportStatus(status) {
	case quality.ReportWorked, quality.ReportFailed, quality.ReportExpired:
		return nil
	default:
		return &ValidationError{
			Field:   "status",
			Message: "must be worked, failed or expired",
		}
	}
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}
