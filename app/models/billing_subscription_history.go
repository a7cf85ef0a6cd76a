package models

import "time"

// BillingSubscriptionHistory is an immutable copy of a subscription row taken
// right before it was changed.
type BillingSubscriptionHistory struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	SubscriptionID     uint       `gorm:"not null;index" json:"subscription_id"`
	UserID             uint       `gorm:"not null;index" json:"user_id"`
	PlanID             uint       `gorm:"not null" json:"plan_id"`
	Status             string     `gorm:"type:varchar(32);not null" json:"status"`
	BillingInterval    string     `gorm:"type:varchar(16);not null;default:''" json:"billing_interval"`
	CurrentPeriodStart time.Time  `gorm:"type:timestamp" json:"current_period_start"`
	CurrentPeriodEnd   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CanceledAt         *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	PendingPlanID      *uint      `json:"pending_plan_id,omitempty"`
	Reason             string     `gorm:"type:varchar(100);not null;default:''" json:"reason"`
	CreatedAt          time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

// NewSubscriptionSnapshot copies the current state of sub.
func NewSubscriptionSnapshot(sub *BillingSubscription, reason string) *BillingSubscriptionHistory {
	return &BillingSubscriptionHistory{
		SubscriptionID:     sub.ID,
		UserID:             sub.UserID,
		PlanID:             sub.PlanID,
		Status:             sub.Status,
		BillingInterval:    sub.BillingInterval,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   copyTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         copyTime(sub.CanceledAt),
		PendingPlanID:      copyUint(sub.PendingPlanID),
		Reason:             reason,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyUint(u *uint) *uint {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}
