package entitlements

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/paysync/app/models"
	"github.com/ManuelReschke/paysync/internal/pkg/billing"
)

type Plan string

// PlanFree is returned for users without an entitling subscription.
const PlanFree Plan = "free"

// Reader is the read-only billing surface used for feature gating.
type Reader interface {
	ActiveSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error)
	Plan(ctx context.Context, id uint) (*models.BillingPlan, error)
}

// ResolvePlan returns the slug of the plan a user is entitled to. It reads
// snapshots only and never writes billing state.
func ResolvePlan(ctx context.Context, r Reader, userID uint) (Plan, error) {
	sub, err := r.ActiveSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return PlanFree, nil
		}
		return PlanFree, err
	}

	plan, err := r.Plan(ctx, sub.PlanID)
	if err != nil {
		if errors.Is(err, billing.ErrPlanNotFound) {
			log.Warnf("[Entitlements] Subscription %d points at inactive plan %d, treating user %d as free", sub.ID, sub.PlanID, userID)
			return PlanFree, nil
		}
		return PlanFree, err
	}
	return Plan(plan.Slug), nil
}

// IsPaid reports whether p is anything above the free tier.
func (p Plan) IsPaid() bool {
	return p != "" && p != PlanFree
}
