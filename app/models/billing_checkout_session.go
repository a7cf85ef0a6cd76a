package models

import "time"

const (
	CheckoutStatusPending   = "pending"
	CheckoutStatusCompleted = "completed"
	CheckoutStatusExpired   = "expired"
	CheckoutStatusFailed    = "failed"
)

// BillingCheckoutSession tracks a processor-hosted checkout from creation
// until it reaches one of the terminal states. Pending is the only state
// that may change.
type BillingCheckoutSession struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	ExternalSessionID      string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"external_session_id"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	PlanID                 uint       `gorm:"not null" json:"plan_id"`
	BillingInterval        string     `gorm:"type:varchar(16);not null" json:"billing_interval"`
	Status                 string     `gorm:"type:varchar(16);not null;default:'pending';index:idx_billing_checkout_status_created,priority:1" json:"status"`
	ExternalCustomerID     string     `gorm:"type:varchar(191);not null;default:''" json:"external_customer_id"`
	ExternalSubscriptionID string     `gorm:"type:varchar(191);not null;default:''" json:"external_subscription_id"`
	ErrorMessage           string     `gorm:"type:text" json:"error_message,omitempty"`
	ProcessedAt            *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime;index:idx_billing_checkout_status_created,priority:2" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the session has left the pending state.
func (s *BillingCheckoutSession) IsTerminal() bool {
	return IsTerminalCheckoutStatus(s.Status)
}

func IsTerminalCheckoutStatus(status string) bool {
	switch status {
	case CheckoutStatusCompleted, CheckoutStatusExpired, CheckoutStatusFailed:
		return true
	default:
		return false
	}
}
