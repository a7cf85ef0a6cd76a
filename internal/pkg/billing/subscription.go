package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/paysync/app/models"
)

// InvoicePayment is what a paid invoice tells us about its subscription.
type InvoicePayment struct {
	Period     Period
	AmountPaid int64
}

type subscriptionLocator func(ctx context.Context, repo Repository) (*models.BillingSubscription, error)

func byExternalID(externalSubscriptionID string) subscriptionLocator {
	return func(ctx context.Context, repo Repository) (*models.BillingSubscription, error) {
		return repo.FindSubscriptionByExternalID(ctx, externalSubscriptionID, true)
	}
}

func byID(id uint) subscriptionLocator {
	return func(ctx context.Context, repo Repository) (*models.BillingSubscription, error) {
		return repo.FindSubscription(ctx, id, true)
	}
}

// mutateSubscription is the only write path for existing subscriptions. In
// one transaction it locks the row, applies mutate, and when anything
// changed stores a snapshot of the previous state before saving. mutate must
// replace pointer fields rather than write through them.
func (s *Service) mutateSubscription(ctx context.Context, locate subscriptionLocator, reason string, mutate func(sub *models.BillingSubscription) error) (*models.BillingSubscription, bool, error) {
	var result *models.BillingSubscription
	changed := false

	err := s.inTx(ctx, func(tx *Service) error {
		sub, err := locate(ctx, tx.repo)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSubscriptionNotFound
			}
			return fmt.Errorf("lock subscription: %w", err)
		}

		before := *sub
		if err := mutate(sub); err != nil {
			return err
		}
		result = sub
		if !subscriptionChanged(&before, sub) {
			return nil
		}

		if err := tx.repo.CreateSubscriptionHistory(ctx, models.NewSubscriptionSnapshot(&before, reason)); err != nil {
			return fmt.Errorf("snapshot subscription %d: %w", sub.ID, err)
		}
		if err := tx.repo.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save subscription %d: %w", sub.ID, err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

func ignoreCanceled(sub *models.BillingSubscription, reason string) bool {
	if sub.Status != models.BillingStatusCanceled {
		return false
	}
	log.Warnf("[Billing] Ignoring %s for canceled subscription %d", reason, sub.ID)
	return true
}

// ApplyPaymentFailed puts an active or trialing subscription on hold.
func (s *Service) ApplyPaymentFailed(ctx context.Context, externalSubscriptionID, reason string) (*models.BillingSubscription, error) {
	sub, changed, err := s.mutateSubscription(ctx, byExternalID(externalSubscriptionID), reason, func(sub *models.BillingSubscription) error {
		if ignoreCanceled(sub, reason) {
			return nil
		}
		switch sub.Status {
		case models.BillingStatusActive, models.BillingStatusTrialing:
			sub.Status = models.BillingStatusPastDue
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		log.Infof("[Billing] Subscription %s is past due", externalSubscriptionID)
	}
	return sub, nil
}

// ApplyPaymentSucceeded lifts a past-due hold and moves the period forward.
// A scheduled downgrade takes effect once the new period has started.
func (s *Service) ApplyPaymentSucceeded(ctx context.Context, externalSubscriptionID string, payment InvoicePayment, reason string) (*models.BillingSubscription, error) {
	sub, changed, err := s.mutateSubscription(ctx, byExternalID(externalSubscriptionID), reason, func(sub *models.BillingSubscription) error {
		if ignoreCanceled(sub, reason) {
			return nil
		}
		switch sub.Status {
		case models.BillingStatusPastDue:
			sub.Status = models.BillingStatusActive
		case models.BillingStatusTrialing:
			// zero-amount invoices are issued when a trial starts
			if payment.AmountPaid > 0 {
				sub.Status = models.BillingStatusActive
			}
		}

		if !payment.Period.IsZero() && payment.Period.Start.After(sub.CurrentPeriodStart) {
			applyPeriod(sub, payment.Period, s.now())
			applyPendingPlan(sub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		log.Infof("[Billing] Payment applied to subscription %s (status=%s)", externalSubscriptionID, sub.Status)
	}
	return sub, nil
}

// SyncSubscription re-derives the local row from the processor. It covers
// created/updated/deleted notifications and any event whose order we cannot
// trust.
func (s *Service) SyncSubscription(ctx context.Context, externalSubscriptionID, reason string) (*models.BillingSubscription, error) {
	psub, err := s.processor.RetrieveSubscription(ctx, externalSubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("retrieve processor subscription %s: %w", externalSubscriptionID, err)
	}

	var resolved *models.BillingPlan
	if psub.PriceRef != "" {
		resolved, err = s.repo.FindPlanByPriceRef(ctx, psub.PriceRef)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("resolve price %s: %w", psub.PriceRef, err)
		}
		if resolved == nil {
			log.Warnf("[Billing] Price %s of subscription %s maps to no plan, keeping local plan", psub.PriceRef, externalSubscriptionID)
		}
	}

	sub, changed, err := s.mutateSubscription(ctx, byExternalID(externalSubscriptionID), reason, func(sub *models.BillingSubscription) error {
		if ignoreCanceled(sub, reason) {
			return nil
		}

		status := mapProcessorStatus(psub.Status)
		if status == "" {
			log.Warnf("[Billing] Unknown processor status %q for subscription %s", psub.Status, externalSubscriptionID)
			status = sub.Status
		}
		if status == models.BillingStatusCanceled {
			sub.Status = models.BillingStatusCanceled
			canceledAt := s.now()
			if psub.CanceledAt != nil {
				canceledAt = *psub.CanceledAt
			}
			sub.CanceledAt = &canceledAt
			sub.PendingPlanID = nil
			sub.PendingBillingInterval = ""
			return nil
		}
		sub.Status = status

		if psub.CustomerID != "" {
			sub.ExternalCustomerID = psub.CustomerID
		}
		sub.CancelAtPeriodEnd = psub.CancelAtPeriodEnd

		advanced := !psub.Period.IsZero() && psub.Period.Start.After(sub.CurrentPeriodStart)
		if !psub.Period.IsZero() {
			applyPeriod(sub, psub.Period, s.now())
		}

		if resolved != nil {
			interval := models.NormalizeBillingInterval(psub.Interval)
			if interval == "" {
				interval = sub.BillingInterval
			}
			switch {
			case sub.PendingPlanID != nil && *sub.PendingPlanID == resolved.ID:
				// the processor already bills the downgraded price; we
				// switch when the period turns over
				if advanced {
					applyPendingPlan(sub)
				}
			case resolved.ID != sub.PlanID || interval != sub.BillingInterval:
				sub.PlanID = resolved.ID
				sub.BillingInterval = interval
				sub.PendingPlanID = nil
				sub.PendingBillingInterval = ""
			}
		} else if advanced {
			applyPendingPlan(sub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		log.Infof("[Billing] Synced subscription %s (status=%s plan=%d)", externalSubscriptionID, sub.Status, sub.PlanID)
	}
	return sub, nil
}

// ChangePlan moves the user's current subscription to another plan. Upgrades
// are prorated and applied now. Downgrades are billed without credit and
// take effect at the next period.
func (s *Service) ChangePlan(ctx context.Context, in ChangePlanInput) (*ChangePlanResult, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	interval := models.NormalizeBillingInterval(in.BillingInterval)

	current, err := s.liveSubscription(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	externalID := current.ExternalID()
	if externalID == "" {
		return nil, fmt.Errorf("%w: subscription %d is not linked to the processor yet", ErrInvalidInput, current.ID)
	}

	target, err := s.repo.FindPlan(ctx, in.PlanID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("load plan %d: %w", in.PlanID, err)
	}
	priceRef := target.PriceRefFor(interval)
	if priceRef == "" {
		return nil, fmt.Errorf("%w: plan %s is not sold per %s", ErrInvalidInput, target.Slug, interval)
	}
	if target.ID == current.PlanID && interval == current.BillingInterval {
		return &ChangePlanResult{Subscription: current, Upgrade: false, Immediate: true}, nil
	}

	currentPlan, err := s.repo.FindPlan(ctx, current.PlanID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load plan %d: %w", current.PlanID, err)
	}
	upgrade := isUpgrade(currentPlan, target)

	proration := ProrationNone
	if upgrade {
		proration = ProrationAlwaysInvoice
	}
	if _, err := s.processor.UpdateSubscription(ctx, externalID, SubscriptionUpdate{
		PriceRef:          priceRef,
		ProrationBehavior: proration,
	}); err != nil {
		return nil, fmt.Errorf("update processor subscription %s: %w", externalID, err)
	}

	reason := "plan.downgrade"
	if upgrade {
		reason = "plan.upgrade"
	}
	sub, _, err := s.mutateSubscription(ctx, byID(current.ID), reason, func(sub *models.BillingSubscription) error {
		if upgrade {
			sub.PlanID = target.ID
			sub.BillingInterval = interval
			sub.PendingPlanID = nil
			sub.PendingBillingInterval = ""
			return nil
		}
		pending := target.ID
		sub.PendingPlanID = &pending
		sub.PendingBillingInterval = interval
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("[Billing] Plan change for user %d to %s (upgrade=%t)", in.UserID, target.Slug, upgrade)
	return &ChangePlanResult{Subscription: sub, Upgrade: upgrade, Immediate: upgrade}, nil
}

// CancelSubscription schedules cancellation at the end of the paid period.
// Access is kept until the processor reports the subscription as deleted.
// Cancelling an already scheduled cancellation changes nothing.
func (s *Service) CancelSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	current, err := s.liveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.CancelAtPeriodEnd {
		return current, nil
	}
	externalID := current.ExternalID()
	if externalID == "" {
		return nil, fmt.Errorf("%w: subscription %d is not linked to the processor yet", ErrInvalidInput, current.ID)
	}

	if _, err := s.processor.CancelSubscription(ctx, externalID); err != nil {
		return nil, fmt.Errorf("cancel processor subscription %s: %w", externalID, err)
	}

	sub, _, err := s.mutateSubscription(ctx, byID(current.ID), "cancel.requested", func(sub *models.BillingSubscription) error {
		sub.CancelAtPeriodEnd = true
		sub.CanceledAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] Subscription %s will cancel at period end", externalID)
	return sub, nil
}
