package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/paysync/app/models"
	"github.com/ManuelReschke/paysync/internal/pkg/billing"
)

// BillingApplier is the part of billing.Service the job handlers call.
type BillingApplier interface {
	CompleteCheckout(ctx context.Context, externalSessionID string, source billing.CheckoutSource) (billing.CheckoutOutcome, error)
	SyncSubscription(ctx context.Context, externalSubscriptionID, reason string) (*models.BillingSubscription, error)
}

// RegisterBillingHandlers wires the billing job types to svc.
func RegisterBillingHandlers(q *Queue, svc BillingApplier) {
	q.Handle(JobTypeCheckoutCompletion, checkoutCompletionHandler(svc))
	q.Handle(JobTypeSubscriptionSync, subscriptionSyncHandler(svc))
}

func checkoutCompletionHandler(svc BillingApplier) Handler {
	return func(ctx context.Context, job *Job, payload Payload) Result {
		p, ok := payload.(CheckoutCompletionJob)
		if !ok {
			return Terminal(fmt.Errorf("unexpected payload %T", payload))
		}

		outcome, err := svc.CompleteCheckout(ctx, p.SessionID, p.Source)
		if err != nil {
			return Retryable(err)
		}

		switch outcome {
		case billing.CheckoutCompleted, billing.CheckoutAlreadyProcessed:
			return OK()
		case billing.CheckoutAwaitingPayment:
			// the async payment webhook or the next sweep enqueues again
			log.Infof("[JobQueue] Checkout %s still awaiting payment (job %s)", p.SessionID, job.ID)
			return OK()
		case billing.CheckoutFailed:
			return Terminal(fmt.Errorf("checkout %s failed", p.SessionID))
		case billing.CheckoutUnknownSession:
			return Terminal(fmt.Errorf("checkout %s is not tracked locally", p.SessionID))
		default:
			return Terminal(fmt.Errorf("checkout %s: unexpected outcome %q", p.SessionID, outcome))
		}
	}
}

func subscriptionSyncHandler(svc BillingApplier) Handler {
	return func(ctx context.Context, job *Job, payload Payload) Result {
		p, ok := payload.(SubscriptionSyncJob)
		if !ok {
			return Terminal(fmt.Errorf("unexpected payload %T", payload))
		}

		_, err := svc.SyncSubscription(ctx, p.SubscriptionID, p.Reason)
		switch {
		case err == nil:
			return OK()
		case errors.Is(err, billing.ErrSubscriptionNotFound):
			// the checkout that creates the row may still be in flight
			return Retryable(fmt.Errorf("subscription %s not linked yet: %w", p.SubscriptionID, err))
		default:
			return Retryable(err)
		}
	}
}
