package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/paysync/app/models"
)

// StartCheckout opens a hosted checkout at the processor and stores it as
// pending. Failures here are reported to the caller synchronously.
func (s *Service) StartCheckout(ctx context.Context, in StartCheckoutInput) (*StartCheckoutResult, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	interval := models.NormalizeBillingInterval(in.BillingInterval)

	plan, err := s.repo.FindPlan(ctx, in.PlanID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("load plan %d: %w", in.PlanID, err)
	}
	priceRef := plan.PriceRefFor(interval)
	if priceRef == "" {
		return nil, fmt.Errorf("%w: plan %s is not sold per %s", ErrInvalidInput, plan.Slug, interval)
	}

	customerID := ""
	if current, err := s.repo.FindLatestEntitlingSubscription(ctx, in.UserID); err == nil {
		customerID = current.ExternalCustomerID
	}

	ps, err := s.processor.CreateCheckoutSession(ctx, CheckoutRequest{
		UserID:     in.UserID,
		PlanID:     plan.ID,
		PriceRef:   priceRef,
		CustomerID: customerID,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create processor checkout session: %w", err)
	}

	session := &models.BillingCheckoutSession{
		ExternalSessionID: ps.ID,
		UserID:            in.UserID,
		PlanID:            plan.ID,
		BillingInterval:   interval,
		Status:            models.CheckoutStatusPending,
		CreatedAt:         s.now(),
	}
	if err := s.repo.CreateCheckoutSession(ctx, session); err != nil {
		return nil, fmt.Errorf("store checkout session %s: %w", ps.ID, err)
	}

	log.Infof("[Billing] Started checkout %s for user %d (plan=%s interval=%s)", ps.ID, in.UserID, plan.Slug, interval)
	return &StartCheckoutResult{Session: session, URL: ps.URL}, nil
}

// CheckoutSession loads a tracked session by its processor id.
func (s *Service) CheckoutSession(ctx context.Context, externalSessionID string) (*models.BillingCheckoutSession, error) {
	session, err := s.repo.FindCheckoutSession(ctx, externalSessionID, false)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCheckoutNotFound
		}
		return nil, err
	}
	return session, nil
}

// CompleteCheckout applies a paid checkout: it links or creates the user's
// subscription and marks the session completed in one transaction. Both the
// webhook path and the reconciliation sweep end up here.
//
// A returned error is always transient. Missing identifiers or plans mark
// the session failed and are reported as CheckoutFailed.
func (s *Service) CompleteCheckout(ctx context.Context, externalSessionID string, source CheckoutSource) (CheckoutOutcome, error) {
	session, err := s.repo.FindCheckoutSession(ctx, externalSessionID, false)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Billing] Checkout %s is not tracked locally (source=%s)", externalSessionID, source)
			return CheckoutUnknownSession, nil
		}
		return "", fmt.Errorf("load checkout session %s: %w", externalSessionID, err)
	}
	if session.IsTerminal() {
		return CheckoutAlreadyProcessed, nil
	}

	ps, err := s.processor.RetrieveCheckoutSession(ctx, externalSessionID)
	if err != nil {
		return "", fmt.Errorf("retrieve processor checkout session %s: %w", externalSessionID, err)
	}
	if !ps.IsPaid() {
		log.Infof("[Billing] Checkout %s not paid yet (payment_status=%s)", externalSessionID, ps.PaymentStatus)
		return CheckoutAwaitingPayment, nil
	}
	if ps.CustomerID == "" {
		return s.failCheckout(ctx, externalSessionID, "processor session has no customer id")
	}
	if ps.SubscriptionID == "" {
		return s.failCheckout(ctx, externalSessionID, "processor session has no subscription id")
	}

	plan, err := s.repo.FindPlan(ctx, session.PlanID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.failCheckout(ctx, externalSessionID, fmt.Sprintf("plan %d not found", session.PlanID))
		}
		return "", fmt.Errorf("load plan %d: %w", session.PlanID, err)
	}

	psub, err := s.processor.RetrieveSubscription(ctx, ps.SubscriptionID)
	if err != nil {
		return "", fmt.Errorf("retrieve processor subscription %s: %w", ps.SubscriptionID, err)
	}

	outcome := CheckoutCompleted
	err = s.inTx(ctx, func(tx *Service) error {
		locked, err := tx.repo.FindCheckoutSession(ctx, externalSessionID, true)
		if err != nil {
			return fmt.Errorf("lock checkout session: %w", err)
		}
		if locked.IsTerminal() {
			outcome = CheckoutAlreadyProcessed
			return nil
		}

		if err := tx.activateSubscription(ctx, locked, plan, ps, psub); err != nil {
			return err
		}

		now := tx.now()
		updated, err := tx.repo.UpdatePendingCheckoutSession(ctx, externalSessionID, map[string]interface{}{
			"status":                   models.CheckoutStatusCompleted,
			"external_customer_id":     ps.CustomerID,
			"external_subscription_id": ps.SubscriptionID,
			"error_message":            "",
			"processed_at":             &now,
		})
		if err != nil {
			return fmt.Errorf("mark checkout completed: %w", err)
		}
		if !updated {
			return fmt.Errorf("checkout session %s left pending state during completion", externalSessionID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if outcome == CheckoutCompleted {
		log.Infof("[Billing] Completed checkout %s for user %d (subscription=%s source=%s)", externalSessionID, session.UserID, ps.SubscriptionID, source)
	}
	return outcome, nil
}

// activateSubscription creates the subscription for a completed checkout or
// updates the row it belongs to. Must run inside a transaction.
func (s *Service) activateSubscription(ctx context.Context, session *models.BillingCheckoutSession, plan *models.BillingPlan, ps *ProcessorCheckoutSession, psub *ProcessorSubscription) error {
	sub, err := s.repo.FindSubscriptionByExternalID(ctx, ps.SubscriptionID, true)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sub, err = s.repo.FindUnlinkedSubscription(ctx, session.UserID, true)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("locate subscription for checkout: %w", err)
	}

	status := mapProcessorStatus(psub.Status)
	if status == "" || status == models.BillingStatusCanceled {
		status = models.BillingStatusActive
	}
	externalID := ps.SubscriptionID
	apply := func(target *models.BillingSubscription) {
		target.UserID = session.UserID
		target.PlanID = plan.ID
		target.Provider = SourceStripe
		target.Status = status
		target.ExternalCustomerID = ps.CustomerID
		target.ExternalSubscriptionID = &externalID
		target.BillingInterval = session.BillingInterval
		target.CancelAtPeriodEnd = psub.CancelAtPeriodEnd
		target.CanceledAt = nil
		target.PendingPlanID = nil
		target.PendingBillingInterval = ""
		applyPeriod(target, psub.Period, s.now())
	}

	if sub == nil {
		sub = &models.BillingSubscription{CreatedAt: s.now()}
		apply(sub)
		if err := s.repo.CreateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		return nil
	}

	if sub.Status == models.BillingStatusCanceled {
		log.Warnf("[Billing] Checkout %s reactivates canceled subscription %d", session.ExternalSessionID, sub.ID)
	}
	before := *sub
	apply(sub)
	if !subscriptionChanged(&before, sub) {
		return nil
	}
	if err := s.repo.CreateSubscriptionHistory(ctx, models.NewSubscriptionSnapshot(&before, "checkout.completed")); err != nil {
		return fmt.Errorf("snapshot subscription %d: %w", sub.ID, err)
	}
	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save subscription %d: %w", sub.ID, err)
	}
	return nil
}

func (s *Service) failCheckout(ctx context.Context, externalSessionID, message string) (CheckoutOutcome, error) {
	changed, err := s.FailSession(ctx, externalSessionID, message)
	if err != nil {
		return "", err
	}
	if !changed {
		return CheckoutAlreadyProcessed, nil
	}
	return CheckoutFailed, nil
}

// FailSession moves a pending session to failed. It reports false when the
// session was already terminal.
func (s *Service) FailSession(ctx context.Context, externalSessionID, message string) (bool, error) {
	now := s.now()
	changed, err := s.repo.UpdatePendingCheckoutSession(ctx, externalSessionID, map[string]interface{}{
		"status":        models.CheckoutStatusFailed,
		"error_message": message,
		"processed_at":  &now,
	})
	if err != nil {
		return false, fmt.Errorf("fail checkout session %s: %w", externalSessionID, err)
	}
	if changed {
		log.Warnf("[Billing] Checkout %s failed: %s", externalSessionID, message)
	}
	return changed, nil
}

// ExpireSession moves a pending session to expired. It reports false when
// the session was already terminal.
func (s *Service) ExpireSession(ctx context.Context, externalSessionID, reason string) (bool, error) {
	now := s.now()
	changed, err := s.repo.UpdatePendingCheckoutSession(ctx, externalSessionID, map[string]interface{}{
		"status":        models.CheckoutStatusExpired,
		"error_message": reason,
		"processed_at":  &now,
	})
	if err != nil {
		return false, fmt.Errorf("expire checkout session %s: %w", externalSessionID, err)
	}
	if changed {
		log.Infof("[Billing] Checkout %s expired: %s", externalSessionID, reason)
	}
	return changed, nil
}

// ListStalePendingSessions returns pending sessions created before olderThan,
// oldest first.
func (s *Service) ListStalePendingSessions(ctx context.Context, olderThan time.Time, limit int) ([]models.BillingCheckoutSession, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListPendingSessionsBefore(ctx, olderThan, limit)
}

// ExpireStaleSessions marks the listed sessions as expired if they are still
// pending and were created before olderThan. Callers pass only sessions the
// processor reported as unpaid, since an expired session never completes.
func (s *Service) ExpireStaleSessions(ctx context.Context, olderThan time.Time, ids []string) (int64, error) {
	n, err := s.repo.ExpirePendingSessionsBefore(ctx, olderThan, ids, "checkout never confirmed", s.now())
	if err != nil {
		return 0, fmt.Errorf("expire stale checkout sessions: %w", err)
	}
	if n > 0 {
		log.Infof("[Billing] Expired %d stale checkout sessions", n)
	}
	return n, nil
}
