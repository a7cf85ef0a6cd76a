package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

const (
	EventCheckoutCompleted           = "checkout.session.completed"
	EventCheckoutAsyncPaymentSuccess = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncPaymentFailed  = "checkout.session.async_payment_failed"
	EventCheckoutExpired             = "checkout.session.expired"
	EventInvoicePaymentFailed        = "invoice.payment_failed"
	EventInvoicePaymentSucceeded     = "invoice.payment_succeeded"
	EventInvoicePaid                 = "invoice.paid"
	EventSubscriptionCreated         = "customer.subscription.created"
	EventSubscriptionUpdated         = "customer.subscription.updated"
	EventSubscriptionDeleted         = "customer.subscription.deleted"
)

// expandableID accepts a Stripe reference that is either an id string or
// an expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type linePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// eventObject is the subset of data.object the pipeline reads. Checkout
// sessions, invoices and subscriptions all decode into it.
type eventObject struct {
	ID           string       `json:"id"`
	Object       string       `json:"object"`
	Subscription expandableID `json:"subscription"`
	AmountPaid   int64        `json:"amount_paid"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period linePeriod `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// subscriptionID returns the subscription an invoice belongs to. Newer API
// versions moved it under parent.subscription_details.
func (o *eventObject) subscriptionID() string {
	if o.Subscription != "" {
		return string(o.Subscription)
	}
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		return string(o.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// invoicePeriod picks the line with the latest period end, which is the
// subscription's new period on renewal and proration invoices alike.
func (o *eventObject) invoicePeriod() Period {
	var best linePeriod
	for _, line := range o.Lines.Data {
		if line.Period.End > best.End {
			best = line.Period
		}
	}
	if best.End == 0 {
		return Period{}
	}
	return Period{
		Start: time.Unix(best.Start, 0).UTC(),
		End:   time.Unix(best.End, 0).UTC(),
	}
}

// referenceID is the correlation key stored with the event.
func (o *eventObject) referenceID(eventType string) string {
	if strings.HasPrefix(eventType, "invoice.") {
		if id := o.subscriptionID(); id != "" {
			return id
		}
	}
	return o.ID
}

// IngestWebhook handles one delivery: verify, record, dispatch. Recording
// and dispatch share a transaction, so a failed dispatch also forgets the
// event and the processor's retry is processed normally.
//
// The returned error is only set for transient failures. Rejected and
// malformed deliveries are outcomes.
func (s *Service) IngestWebhook(ctx context.Context, payload []byte, header string) (IngestResult, error) {
	verified := s.verifier.Verify(payload, header)
	if !verified.Valid {
		if verified.Malformed {
			log.Warnf("[Billing] Malformed webhook: %s", verified.Reason)
			return IngestResult{Outcome: IngestMalformed, Reason: verified.Reason}, nil
		}
		log.Warnf("[Billing] Rejected webhook: %s", verified.Reason)
		return IngestResult{Outcome: IngestRejected, Reason: verified.Reason}, nil
	}

	event := verified.Event
	result := IngestResult{EventID: event.ID, EventType: event.Type}

	var obj eventObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		result.Outcome = IngestMalformed
		result.Reason = fmt.Sprintf("decode data.object: %v", err)
		return result, nil
	}
	if obj.ID == "" {
		result.Outcome = IngestMalformed
		result.Reason = "data.object has no id"
		return result, nil
	}

	err := s.inTx(ctx, func(tx *Service) error {
		isNew, _, err := tx.RecordIfNew(ctx, WebhookEventInput{
			Source:          SourceStripe,
			ExternalEventID: event.ID,
			EventType:       event.Type,
			ReferenceID:     obj.referenceID(event.Type),
			Payload:         payload,
		})
		if err != nil {
			return err
		}
		if !isNew {
			result.Outcome = IngestDuplicate
			return nil
		}

		outcome, err := tx.dispatchEvent(ctx, event, &obj)
		if err != nil {
			return err
		}
		result.Outcome = outcome
		return nil
	})
	if err != nil {
		log.Errorf("[Billing] Webhook %s (%s) failed: %v", event.ID, event.Type, err)
		return IngestResult{EventID: event.ID, EventType: event.Type}, err
	}

	switch result.Outcome {
	case IngestDuplicate:
		log.Infof("[Billing] Duplicate webhook %s (%s)", event.ID, event.Type)
	case IngestIgnored:
		log.Debugf("[Billing] Ignored webhook %s (%s)", event.ID, event.Type)
	default:
		log.Infof("[Billing] Accepted webhook %s (%s)", event.ID, event.Type)
	}
	return result, nil
}

// dispatchEvent applies simple status updates inline and hands everything
// that needs processor lookups to the job queue.
func (s *Service) dispatchEvent(ctx context.Context, event *Event, obj *eventObject) (IngestOutcome, error) {
	switch event.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentSuccess:
		if err := s.enqueuer.EnqueueCheckoutCompletion(ctx, obj.ID, CheckoutSourceWebhook); err != nil {
			return "", fmt.Errorf("enqueue checkout completion: %w", err)
		}
		return IngestAccepted, nil

	case EventCheckoutExpired:
		if _, err := s.ExpireSession(ctx, obj.ID, "expired at processor"); err != nil {
			return "", err
		}
		return IngestAccepted, nil

	case EventCheckoutAsyncPaymentFailed:
		if _, err := s.FailSession(ctx, obj.ID, "asynchronous payment failed"); err != nil {
			return "", err
		}
		return IngestAccepted, nil

	case EventInvoicePaymentFailed:
		subID := obj.subscriptionID()
		if subID == "" {
			return IngestIgnored, nil
		}
		_, err := s.ApplyPaymentFailed(ctx, subID, event.Type)
		return s.syncIfUnknown(ctx, err, subID, event)

	case EventInvoicePaymentSucceeded, EventInvoicePaid:
		subID := obj.subscriptionID()
		if subID == "" {
			return IngestIgnored, nil
		}
		_, err := s.ApplyPaymentSucceeded(ctx, subID, InvoicePayment{
			Period:     obj.invoicePeriod(),
			AmountPaid: obj.AmountPaid,
		}, event.Type)
		return s.syncIfUnknown(ctx, err, subID, event)

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		if err := s.enqueuer.EnqueueSubscriptionSync(ctx, obj.ID, event.ID, event.Type); err != nil {
			return "", fmt.Errorf("enqueue subscription sync: %w", err)
		}
		return IngestAccepted, nil

	default:
		return IngestIgnored, nil
	}
}

// syncIfUnknown covers invoices that arrive before the checkout that
// creates their subscription. The sync job retries until the row exists.
func (s *Service) syncIfUnknown(ctx context.Context, err error, subID string, event *Event) (IngestOutcome, error) {
	if err == nil {
		return IngestAccepted, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return "", err
	}
	log.Infof("[Billing] Subscription %s not known yet, deferring %s to a sync job", subID, event.Type)
	if err := s.enqueuer.EnqueueSubscriptionSync(ctx, subID, event.ID, event.Type); err != nil {
		return "", fmt.Errorf("enqueue subscription sync: %w", err)
	}
	return IngestAccepted, nil
}
