package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/paysync/app/models"
	"github.com/ManuelReschke/paysync/internal/pkg/billing"
	"github.com/ManuelReschke/paysync/internal/pkg/entitlements"
)

// BillingService is the billing surface exposed over HTTP.
type BillingService interface {
	IngestWebhook(ctx context.Context, payload []byte, header string) (billing.IngestResult, error)
	StartCheckout(ctx context.Context, in billing.StartCheckoutInput) (*billing.StartCheckoutResult, error)
	ChangePlan(ctx context.Context, in billing.ChangePlanInput) (*billing.ChangePlanResult, error)
	CancelSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error)
	ActiveSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error)
	Plan(ctx context.Context, id uint) (*models.BillingPlan, error)
}

// BillingController serves the Stripe webhook and the internal billing API.
type BillingController struct {
	svc BillingService
}

func NewBillingController(svc BillingService) *BillingController {
	return &BillingController{svc: svc}
}

// HandleStripeWebhook must stay fast: verify, record and enqueue only.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	// fasthttp reuses the body buffer after the handler returns
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")

	ctx, cancel := requestContext(c, 15*time.Second)
	defer cancel()

	result, err := bc.svc.IngestWebhook(ctx, rawBody, signature)
	if err != nil {
		return respondError(c, fiber.StatusInternalServerError, ErrCodeInternal, "webhook processing failed")
	}

	switch result.Outcome {
	case billing.IngestRejected:
		return respondError(c, fiber.StatusUnauthorized, ErrCodeInvalidSignature, result.Reason)
	case billing.IngestMalformed:
		return respondError(c, fiber.StatusBadRequest, ErrCodeMalformedPayload, result.Reason)
	default:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"received": true,
			"outcome":  result.Outcome,
		})
	}
}

type checkoutRequest struct {
	UserID          uint   `json:"userId"`
	PlanID          uint   `json:"planId"`
	BillingInterval string `json:"billingInterval"`
}

func (bc *BillingController) HandleStartCheckout(c *fiber.Ctx) error {
	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, fiber.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
	}

	ctx, cancel := requestContext(c, 20*time.Second)
	defer cancel()

	res, err := bc.svc.StartCheckout(ctx, billing.StartCheckoutInput{
		UserID:          req.UserID,
		PlanID:          req.PlanID,
		BillingInterval: req.BillingInterval,
	})
	if err != nil {
		return billingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"sessionId": res.Session.ExternalSessionID,
		"url":       res.URL,
		"status":    res.Session.Status,
	})
}

func (bc *BillingController) HandleChangePlan(c *fiber.Ctx) error {
	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, fiber.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
	}

	ctx, cancel := requestContext(c, 20*time.Second)
	defer cancel()

	res, err := bc.svc.ChangePlan(ctx, billing.ChangePlanInput{
		UserID:          req.UserID,
		PlanID:          req.PlanID,
		BillingInterval: req.BillingInterval,
	})
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{
		"upgrade":      res.Upgrade,
		"immediate":    res.Immediate,
		"subscription": subscriptionJSON(res.Subscription),
	})
}

type cancelRequest struct {
	UserID uint `json:"userId"`
}

func (bc *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	var req cancelRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, fiber.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
	}

	ctx, cancel := requestContext(c, 20*time.Second)
	defer cancel()

	sub, err := bc.svc.CancelSubscription(ctx, req.UserID)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{"subscription": subscriptionJSON(sub)})
}

// HandleGetSubscription returns the entitling subscription and the plan it
// grants. Users without one get the free plan and no subscription.
func (bc *BillingController) HandleGetSubscription(c *fiber.Ctx) error {
	userID, ok := parseUserID(c.Params("userID"))
	if !ok {
		return respondError(c, fiber.StatusBadRequest, ErrCodeInvalidRequest, "invalid user id")
	}

	ctx, cancel := requestContext(c, 10*time.Second)
	defer cancel()

	plan, err := entitlements.ResolvePlan(ctx, bc.svc, userID)
	if err != nil {
		return billingError(c, err)
	}

	sub, err := bc.svc.ActiveSubscription(ctx, userID)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{
		"userId":       userID,
		"plan":         plan,
		"subscription": subscriptionJSON(sub),
	})
}

func billingError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrInvalidInput):
		return respondError(c, fiber.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, billing.ErrPlanNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrCheckoutNotFound):
		return respondError(c, fiber.StatusNotFound, ErrCodeNotFound, err.Error())
	default:
		log.Errorf("[Billing] Request %s %s failed: %v", c.Method(), c.Path(), err)
		return respondError(c, fiber.StatusInternalServerError, ErrCodeInternal, "billing request failed")
	}
}

func subscriptionJSON(sub *models.BillingSubscription) interface{} {
	if sub == nil {
		return nil
	}
	return fiber.Map{
		"id":                     sub.ID,
		"userId":                 sub.UserID,
		"planId":                 sub.PlanID,
		"status":                 sub.Status,
		"billingInterval":        sub.BillingInterval,
		"externalSubscriptionId": sub.ExternalID(),
		"currentPeriodStart":     sub.CurrentPeriodStart.UTC().Format(time.RFC3339),
		"currentPeriodEnd":       formatTimePtr(sub.CurrentPeriodEnd),
		"cancelAtPeriodEnd":      sub.CancelAtPeriodEnd,
		"canceledAt":             formatTimePtr(sub.CanceledAt),
		"pendingPlanId":          sub.PendingPlanID,
	}
}
