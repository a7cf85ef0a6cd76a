package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/paysync/app/models"
	"github.com/ManuelReschke/paysync/internal/pkg/env"
)

var validate = validator.New()

// Config holds the URLs the hosted checkout redirects to.
type Config struct {
	SuccessURL string
	CancelURL  string
}

// ConfigFromEnv reads STRIPE_SUCCESS_URL and STRIPE_CANCEL_URL.
func ConfigFromEnv() Config {
	return Config{
		SuccessURL: env.GetEnv("STRIPE_SUCCESS_URL", "http://localhost:8080/billing/success"),
		CancelURL:  env.GetEnv("STRIPE_CANCEL_URL", "http://localhost:8080/billing/cancel"),
	}
}

// Service is the single writer for checkout sessions, subscriptions and the
// webhook event log. Queue workers, the webhook endpoint and the sweeper all
// go through it.
type Service struct {
	repo      Repository
	processor Processor
	enqueuer  Enqueuer
	verifier  Verifier
	cfg       Config
	now       func() time.Time
}

// NewService wires the service to its collaborators. All of them are
// created once at process start and shared.
func NewService(repo Repository, processor Processor, enqueuer Enqueuer, verifier Verifier, cfg Config) *Service {
	return &Service{
		repo:      repo,
		processor: processor,
		enqueuer:  enqueuer,
		verifier:  verifier,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, processor Processor, enqueuer Enqueuer, verifier Verifier, cfg Config) *Service {
	return NewService(NewRepository(db), processor, enqueuer, verifier, cfg)
}

// inTx runs fn with a copy of the service whose repository is bound to a
// single transaction.
func (s *Service) inTx(ctx context.Context, fn func(tx *Service) error) error {
	return s.repo.WithinTransaction(ctx, func(repo Repository) error {
		txs := *s
		txs.repo = repo
		return fn(&txs)
	})
}

// DedupKey is the event log's duplicate detection key. Processor event ids
// are preferred; without one the (reference, type) pair stands in.
func DedupKey(externalEventID, referenceID, eventType string) string {
	if id := strings.TrimSpace(externalEventID); id != "" {
		return id
	}
	return fmt.Sprintf("ref:%s:%s", strings.TrimSpace(referenceID), strings.TrimSpace(eventType))
}

// RecordIfNew appends an event to the log. The insert itself detects
// duplicates, so concurrent deliveries of one event yield exactly one row
// and isNew=true for exactly one caller.
func (s *Service) RecordIfNew(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	source := strings.ToLower(strings.TrimSpace(in.Source))
	eventType := strings.TrimSpace(in.EventType)
	if source == "" || eventType == "" {
		return false, nil, fmt.Errorf("%w: source and event type are required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.ExternalEventID) == "" && strings.TrimSpace(in.ReferenceID) == "" {
		return false, nil, fmt.Errorf("%w: event id or reference id is required", ErrInvalidInput)
	}

	event := &models.BillingWebhookEvent{
		Source:          source,
		DedupKey:        DedupKey(in.ExternalEventID, in.ReferenceID, eventType),
		ExternalEventID: strings.TrimSpace(in.ExternalEventID),
		EventType:       eventType,
		ReferenceID:     strings.TrimSpace(in.ReferenceID),
		PayloadJSON:     string(in.Payload),
		ReceivedAt:      s.now(),
	}
	created, err := s.repo.CreateWebhookEventIfNotExists(ctx, event)
	if err != nil {
		return false, nil, fmt.Errorf("record webhook event: %w", err)
	}
	if created {
		return true, event, nil
	}

	stored, err := s.repo.FindWebhookEvent(ctx, source, event.DedupKey)
	if err != nil {
		return false, nil, fmt.Errorf("load duplicate webhook event: %w", err)
	}
	return false, stored, nil
}

// ActiveSubscription returns the subscription that grants entitlements:
// the newest active or trialing row.
func (s *Service) ActiveSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	sub, err := s.repo.FindLatestEntitlingSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// liveSubscription returns the newest subscription that can still be
// changed or canceled. Unlike ActiveSubscription it includes past_due rows.
func (s *Service) liveSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	sub, err := s.repo.FindLatestLiveSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// SubscriptionHistory lists the snapshots of a subscription, oldest first.
func (s *Service) SubscriptionHistory(ctx context.Context, subscriptionID uint) ([]models.BillingSubscriptionHistory, error) {
	return s.repo.ListSubscriptionHistory(ctx, subscriptionID)
}

// PurgeTerminalSessions deletes finished checkout sessions created before
// olderThan. Pending sessions are never touched.
func (s *Service) PurgeTerminalSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := s.repo.DeleteTerminalSessionsBefore(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge checkout sessions: %w", err)
	}
	if n > 0 {
		log.Infof("[Billing] Purged %d terminal checkout sessions older than %s", n, olderThan.Format(time.RFC3339))
	}
	return n, nil
}

// Plan loads an active plan by id.
func (s *Service) Plan(ctx context.Context, id uint) (*models.BillingPlan, error) {
	plan, err := s.repo.FindPlan(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("load plan %d: %w", id, err)
	}
	return plan, nil
}
