// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides aggregate queries over postpaid usage
// events used by the monthly summary and the trial allowance.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
)

// MonthUsage is the aggregate of an account's usage events for one month.
type MonthUsage struct {
	Requests          int64 `gorm:"column:requests"`
	Chars             int64 `gorm:"column:chars"`
	BillableChars     int64 `gorm:"column:billable_chars"`
	TrialCharsApplied int64 `gorm:"column:trial_chars_applied"`
	ChargeMicroUSD    int64 `gorm:"column:charge_micro_usd"`
}

// DayUsage is one row of the daily breakdown.
type DayUsage struct {
	DayUTC            string `gorm:"column:day_utc"`
	Requests          int64  `gorm:"column:requests"`
	Chars             int64  `gorm:"column:chars"`
	BillableChars     int64  `gorm:"column:billable_chars"`
	TrialCharsApplied int64  `gorm:"column:trial_chars_applied"`
	ChargeMicroUSD    int64  `gorm:"column:charge_micro_usd"`
}

// MonthUsageStats sums an account's usage events for monthUTC ("YYYY-MM").
// An account with no events yields the zero value.
func MonthUsageStats(ctx context.Context, db *gorm.DB, accountID, monthUTC string) (MonthUsage, error) {
	var out MonthUsage
	err := db.WithContext(ctx).Model(&domain.UsageEvent{}).
		Select(`COUNT(*) AS requests,
			COALESCE(SUM(chars), 0) AS chars,
			COALESCE(SUM(billable_chars), 0) AS billable_chars,
			COALESCE(SUM(trial_chars_applied), 0) AS trial_chars_applied,
			COALESCE(SUM(charge_micro_usd), 0) AS charge_micro_usd`).
		Where("account_id = ? AND month_utc = ?", accountID, monthUTC).
		Scan(&out).Error
	return out, err
}

// DailyUsageStats returns per-day aggregates for monthUTC ordered by day.
func DailyUsageStats(ctx context.Context, db *gorm.DB, accountID, monthUTC string) ([]DayUsage, error) {
	var out []DayUsage
	err := db.WithContext(ctx).Model(&domain.UsageEvent{}).
		Select(`day_utc,
			COUNT(*) AS requests,
			COALESCE(SUM(chars), 0) AS chars,
			COALESCE(SUM(billable_chars), 0) AS billable_chars,
			COALESCE(SUM(trial_chars_applied), 0) AS trial_chars_applied,
			COALESCE(SUM(charge_micro_usd), 0) AS charge_micro_usd`).
		Where("account_id = ? AND month_utc = ?", accountID, monthUTC).
		Group("day_utc").
		Order("day_utc ASC").
		Scan(&out).Error
	return out, err
}

// TrialCharsUsed returns the lifetime trial characters consumed by an account.
func TrialCharsUsed(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var row struct{ Total int64 }
	err := db.WithContext(ctx).Model(&domain.UsageEvent{}).
		Select("COALESCE(SUM(trial_chars_applied), 0) AS total").
		Where("account_id = ?", accountID).
		Scan(&row).Error
	return row.Total, err
}

// LatestUsageAt returns the timestamp of the account's most recent usage
// event, or nil when it has none.
func LatestUsageAt(ctx context.Context, db *gorm.DB, accountID string) (*time.Time, error) {
	q := db.WithContext(ctx).Model(&domain.UsageEvent{}).Where("account_id = ?", accountID)

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	// Avoid MAX() -> TEXT in SQLite.
	var row struct {
		Timestamp time.Time
	}
	if err := q.Select("timestamp").Order("timestamp DESC").Limit(1).Scan(&row).Error; err != nil {
		return nil, err
	}
	return &row.Timestamp, nil
}
