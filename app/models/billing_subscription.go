package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

const (
	BillingStatusActive   = "active"
	BillingStatusTrialing = "trialing"
	BillingStatusPastDue  = "past_due"
	BillingStatusCanceled = "canceled"
)

// BillingSubscription is the authoritative local record of a user's plan.
// ExternalSubscriptionID locates the row when processor events arrive.
type BillingSubscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	PlanID                 uint       `gorm:"not null;index" json:"plan_id"`
	Provider               string     `gorm:"type:varchar(20);not null;default:'stripe'" json:"provider"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	ExternalCustomerID     string     `gorm:"type:varchar(191);not null;default:'';index" json:"external_customer_id"`
	ExternalSubscriptionID *string    `gorm:"type:varchar(191);uniqueIndex" json:"external_subscription_id,omitempty"`
	BillingInterval        string     `gorm:"type:varchar(16);not null;default:''" json:"billing_interval"`
	CurrentPeriodStart     time.Time  `gorm:"type:timestamp" json:"current_period_start"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt             *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	PendingPlanID          *uint      `json:"pending_plan_id,omitempty"`
	PendingBillingInterval string     `gorm:"type:varchar(16);not null;default:''" json:"pending_billing_interval,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ExternalID returns the processor subscription id or an empty string.
func (s *BillingSubscription) ExternalID() string {
	if s.ExternalSubscriptionID == nil {
		return ""
	}
	return *s.ExternalSubscriptionID
}

// IsEntitling reports whether the row grants plan access.
func (s *BillingSubscription) IsEntitling() bool {
	return s.Status == BillingStatusActive || s.Status == BillingStatusTrialing
}
