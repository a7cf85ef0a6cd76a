package billing

import (
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/paysync/internal/pkg/env"
)

// StripeVerifier checks the Stripe-Signature header: an HMAC-SHA256 over
// "<timestamp>.<body>" compared in constant time, with a bound on the
// timestamp age.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier returns a verifier for one endpoint secret. A zero
// tolerance falls back to Stripe's default of five minutes.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// NewStripeVerifierFromEnv reads STRIPE_WEBHOOK_SECRET.
func NewStripeVerifierFromEnv() *StripeVerifier {
	return NewStripeVerifier(env.GetEnv("STRIPE_WEBHOOK_SECRET", ""), 0)
}

func (v *StripeVerifier) Verify(payload []byte, header string) VerificationResult {
	if v.secret == "" {
		return VerificationResult{Reason: "webhook secret not configured"}
	}
	if strings.TrimSpace(header) == "" {
		return VerificationResult{Reason: "missing signature header"}
	}

	event, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return VerificationResult{Reason: err.Error()}
		}
		// signature matched but the body is not an event
		return VerificationResult{Malformed: true, Reason: err.Error()}
	}
	if event.ID == "" || event.Type == "" || event.Data == nil {
		return VerificationResult{Malformed: true, Reason: "event is missing id, type or data"}
	}

	return VerificationResult{
		Valid: true,
		Event: &Event{
			ID:      event.ID,
			Type:    string(event.Type),
			Created: time.Unix(event.Created, 0).UTC(),
			Object:  event.Data.Raw,
		},
	}
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
