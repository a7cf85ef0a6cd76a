package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/ManuelReschke/paysync/internal/pkg/env"
)

// StripeProcessor implements Processor against the Stripe API. One client
// is created at process start and shared by every caller.
type StripeProcessor struct {
	api *client.API
}

// NewStripeProcessor creates a processor using the given secret key.
func NewStripeProcessor(secretKey string) *StripeProcessor {
	return &StripeProcessor{api: client.New(secretKey, nil)}
}

// NewStripeProcessorFromEnv reads STRIPE_SECRET_KEY.
func NewStripeProcessorFromEnv() (*StripeProcessor, error) {
	key := env.GetEnv("STRIPE_SECRET_KEY", "")
	if key == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY is not set")
	}
	return NewStripeProcessor(key), nil
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*ProcessorCheckoutSession, error) {
	userID := strconv.FormatUint(uint64(req.UserID), 10)
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceRef), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(userID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id": userID,
				"plan_id": strconv.FormatUint(uint64(req.PlanID), 10),
			},
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)

	cs, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return toProcessorCheckoutSession(cs), nil
}

func (p *StripeProcessor) RetrieveCheckoutSession(ctx context.Context, id string) (*ProcessorCheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := p.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, err
	}
	return toProcessorCheckoutSession(cs), nil
}

func (p *StripeProcessor) RetrieveSubscription(ctx context.Context, id string) (*ProcessorSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, err
	}
	return toProcessorSubscription(sub), nil
}

// UpdateSubscription swaps the price of the subscription's first item.
func (p *StripeProcessor) UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (*ProcessorSubscription, error) {
	current, err := p.api.Subscriptions.Get(id, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, err
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, fmt.Errorf("subscription %s has no items", id)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(current.Items.Data[0].ID), Price: stripe.String(update.PriceRef)},
		},
		ProrationBehavior: stripe.String(update.ProrationBehavior),
	}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Update(id, params)
	if err != nil {
		return nil, err
	}
	return toProcessorSubscription(sub), nil
}

// CancelSubscription schedules cancellation at period end.
func (p *StripeProcessor) CancelSubscription(ctx context.Context, id string) (*ProcessorSubscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Update(id, params)
	if err != nil {
		return nil, err
	}
	return toProcessorSubscription(sub), nil
}

func toProcessorCheckoutSession(cs *stripe.CheckoutSession) *ProcessorCheckoutSession {
	out := &ProcessorCheckoutSession{
		ID:            cs.ID,
		URL:           cs.URL,
		Status:        string(cs.Status),
		PaymentStatus: string(cs.PaymentStatus),
	}
	if cs.Customer != nil {
		out.CustomerID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		out.SubscriptionID = cs.Subscription.ID
	}
	return out
}

// toProcessorSubscription reads price and period from the first item,
// where current API versions report them.
func toProcessorSubscription(sub *stripe.Subscription) *ProcessorSubscription {
	out := &ProcessorSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceRef = item.Price.ID
			if item.Price.Recurring != nil {
				out.Interval = string(item.Price.Recurring.Interval)
			}
		}
		if item.CurrentPeriodStart > 0 {
			out.Period.Start = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			out.Period.End = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return out
}
