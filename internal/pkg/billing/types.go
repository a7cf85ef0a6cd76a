package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ManuelReschke/paysync/app/models"
)

var (
	ErrInvalidInput         = errors.New("billing: invalid input")
	ErrPlanNotFound         = errors.New("billing: plan not found")
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrCheckoutNotFound     = errors.New("billing: checkout session not found")
)

// SourceStripe identifies events and rows that originate from Stripe.
const SourceStripe = models.BillingProviderStripe

// CheckoutSource tells a checkout completion which trigger produced it.
type CheckoutSource string

const (
	CheckoutSourceWebhook        CheckoutSource = "webhook"
	CheckoutSourceReconciliation CheckoutSource = "reconciliation"
)

// CheckoutOutcome is the result of applying a completed checkout. Data
// problems are outcomes, not errors, so callers never retry them.
type CheckoutOutcome string

const (
	CheckoutCompleted        CheckoutOutcome = "completed"
	CheckoutAlreadyProcessed CheckoutOutcome = "already_processed"
	CheckoutFailed           CheckoutOutcome = "failed"
	CheckoutUnknownSession   CheckoutOutcome = "unknown_session"
	CheckoutAwaitingPayment  CheckoutOutcome = "awaiting_payment"
)

// IngestOutcome is what happened to an inbound webhook delivery.
type IngestOutcome string

const (
	IngestAccepted  IngestOutcome = "accepted"
	IngestDuplicate IngestOutcome = "duplicate"
	IngestIgnored   IngestOutcome = "ignored"
	IngestRejected  IngestOutcome = "rejected"
	IngestMalformed IngestOutcome = "malformed"
)

// Event is a verified processor notification. Object holds the raw
// data.object payload for type-specific decoding.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}

// VerificationResult is returned for every verification attempt. A bad
// signature is an expected outcome and is not reported as an error.
type VerificationResult struct {
	Valid     bool
	Malformed bool
	Reason    string
	Event     *Event
}

// Verifier authenticates raw webhook bodies.
type Verifier interface {
	Verify(payload []byte, header string) VerificationResult
}

// WebhookEventInput is the input for the event log.
type WebhookEventInput struct {
	Source          string
	ExternalEventID string
	EventType       string
	ReferenceID     string
	Payload         []byte
}

// Period is a billing period. A zero End means non-expiring.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// CheckoutRequest is sent to the processor to open a hosted checkout.
type CheckoutRequest struct {
	UserID     uint
	PlanID     uint
	PriceRef   string
	CustomerID string
	SuccessURL string
	CancelURL  string
}

// ProcessorCheckoutSession is the processor's view of a checkout session.
type ProcessorCheckoutSession struct {
	ID             string
	URL            string
	Status         string
	PaymentStatus  string
	CustomerID     string
	SubscriptionID string
}

// IsPaid reports whether the processor has collected (or waived) payment.
func (s *ProcessorCheckoutSession) IsPaid() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

func (s *ProcessorCheckoutSession) IsExpired() bool {
	return s.Status == "expired"
}

// ProcessorSubscription is the processor's view of a subscription.
type ProcessorSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceRef          string
	Interval          string
	Period            Period
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
}

const (
	ProrationAlwaysInvoice = "always_invoice"
	ProrationNone          = "none"
)

// SubscriptionUpdate changes the price of a processor subscription.
type SubscriptionUpdate struct {
	PriceRef          string
	ProrationBehavior string
}

// Processor is the payment processor API used by the pipeline. Every call
// is a network call and may fail transiently.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*ProcessorCheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, id string) (*ProcessorCheckoutSession, error)
	RetrieveSubscription(ctx context.Context, id string) (*ProcessorSubscription, error)
	UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (*ProcessorSubscription, error)
	CancelSubscription(ctx context.Context, id string) (*ProcessorSubscription, error)
}

// Enqueuer hands work to the async job queue.
type Enqueuer interface {
	EnqueueCheckoutCompletion(ctx context.Context, sessionID string, source CheckoutSource) error
	EnqueueSubscriptionSync(ctx context.Context, subscriptionID, eventID, reason string) error
}

// StartCheckoutInput opens a checkout for a user.
type StartCheckoutInput struct {
	UserID          uint   `validate:"required"`
	PlanID          uint   `validate:"required"`
	BillingInterval string `validate:"required,oneof=month year monthly yearly annual"`
}

// StartCheckoutResult carries the stored session and the hosted URL.
type StartCheckoutResult struct {
	Session *models.BillingCheckoutSession
	URL     string
}

// ChangePlanInput moves a user's subscription to another plan.
type ChangePlanInput struct {
	UserID          uint   `validate:"required"`
	PlanID          uint   `validate:"required"`
	BillingInterval string `validate:"required,oneof=month year monthly yearly annual"`
}

// ChangePlanResult reports how a plan change was applied.
type ChangePlanResult struct {
	Subscription *models.BillingSubscription
	Upgrade      bool
	// Immediate is false for downgrades, which wait for the next period.
	Immediate bool
}

// IngestResult describes the handling of one webhook delivery.
type IngestResult struct {
	Outcome   IngestOutcome
	EventID   string
	EventType string
	Reason    string
}
