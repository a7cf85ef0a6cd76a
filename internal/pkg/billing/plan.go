package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/paysync/app/models"
)

// mapProcessorStatus folds processor subscription states into ours. Unknown
// states map to an empty string.
func mapProcessorStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return models.BillingStatusActive
	case "trialing":
		return models.BillingStatusTrialing
	case "past_due", "unpaid", "incomplete", "paused":
		return models.BillingStatusPastDue
	case "canceled", "incomplete_expired":
		return models.BillingStatusCanceled
	default:
		return ""
	}
}

// isUpgrade compares display order. Moving to a plan of equal rank (an
// interval change) is treated as an upgrade and prorated right away.
func isUpgrade(current, target *models.BillingPlan) bool {
	if current == nil {
		return true
	}
	return target.DisplayOrder >= current.DisplayOrder
}

func applyPeriod(sub *models.BillingSubscription, period Period, now time.Time) {
	switch {
	case !period.Start.IsZero():
		sub.CurrentPeriodStart = period.Start.UTC()
	case sub.CurrentPeriodStart.IsZero():
		sub.CurrentPeriodStart = now
	}
	if period.End.IsZero() {
		sub.CurrentPeriodEnd = nil
		return
	}
	end := period.End.UTC()
	sub.CurrentPeriodEnd = &end
}

func applyPendingPlan(sub *models.BillingSubscription) {
	if sub.PendingPlanID == nil {
		return
	}
	sub.PlanID = *sub.PendingPlanID
	if sub.PendingBillingInterval != "" {
		sub.BillingInterval = sub.PendingBillingInterval
	}
	sub.PendingPlanID = nil
	sub.PendingBillingInterval = ""
}

func subscriptionChanged(a, b *models.BillingSubscription) bool {
	return a.UserID != b.UserID ||
		a.PlanID != b.PlanID ||
		a.Status != b.Status ||
		a.ExternalCustomerID != b.ExternalCustomerID ||
		a.ExternalID() != b.ExternalID() ||
		a.BillingInterval != b.BillingInterval ||
		!a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) ||
		!timePtrEqual(a.CurrentPeriodEnd, b.CurrentPeriodEnd) ||
		a.CancelAtPeriodEnd != b.CancelAtPeriodEnd ||
		!timePtrEqual(a.CanceledAt, b.CanceledAt) ||
		!uintPtrEqual(a.PendingPlanID, b.PendingPlanID) ||
		a.PendingBillingInterval != b.PendingBillingInterval
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func uintPtrEqual(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
