package models

import (
	"strings"
	"time"
)

const (
	BillingIntervalMonth = "month"
	BillingIntervalYear  = "year"
)

// BillingPlan is a purchasable plan. DisplayOrder ranks plans against each
// other: a higher value is an upgrade.
type BillingPlan struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Slug            string    `gorm:"type:varchar(50);not null;uniqueIndex" json:"slug"`
	Name            string    `gorm:"type:varchar(100);not null" json:"name"`
	DisplayOrder    int       `gorm:"not null;default:0" json:"display_order"`
	MonthlyPriceRef string    `gorm:"type:varchar(191);not null;default:'';index" json:"monthly_price_ref"`
	YearlyPriceRef  string    `gorm:"type:varchar(191);not null;default:'';index" json:"yearly_price_ref"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PriceRefFor returns the processor price reference for a billing interval,
// or an empty string if the plan is not sold on that interval.
func (p *BillingPlan) PriceRefFor(interval string) string {
	switch NormalizeBillingInterval(interval) {
	case BillingIntervalMonth:
		return p.MonthlyPriceRef
	case BillingIntervalYear:
		return p.YearlyPriceRef
	default:
		return ""
	}
}

// NormalizeBillingInterval maps loose interval spellings to month/year.
// Unknown values come back empty.
func NormalizeBillingInterval(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "month", "monthly":
		return BillingIntervalMonth
	case "year", "yearly", "annual":
		return BillingIntervalYear
	default:
		return ""
	}
}
